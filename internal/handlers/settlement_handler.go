package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/dto"
	"bridge-agent/internal/repository"
	"bridge-agent/internal/utils"
)

// RootHandler settlement API of the root agent
type RootHandler struct {
	agent   *agent.RootAgent
	records repository.RecordRepository
	log     *logrus.Logger
}

func NewRootHandler(a *agent.RootAgent, records repository.RecordRepository, log *logrus.Logger) *RootHandler {
	return &RootHandler{agent: a, records: records, log: log}
}

func (h *RootHandler) chainID() uint16 { return h.agent.Config().ChainID }

// ListSettlementsHandler GET /api/root/settlements?owner=&status=&dst_chain_id=
func (h *RootHandler) ListSettlementsHandler(c *gin.Context) {
	page, limit := pagination(c)
	filter := repository.RecordFilter{Status: c.Query("status")}
	if owner := c.Query("owner"); owner != "" {
		addr, err := utils.ParseAddress(owner)
		if err != nil {
			badRequest(c, err)
			return
		}
		filter.Owner = addr.Hex()
	}
	if dst := c.Query("dst_chain_id"); dst != "" {
		v, err := strconv.ParseUint(dst, 10, 16)
		if err != nil {
			badRequest(c, fmt.Errorf("dst_chain_id: %w", err))
			return
		}
		filter.DstChainID = uint16(v)
	}

	records, total, err := h.records.ListSettlements(c.Request.Context(), h.chainID(), filter, page, limit)
	if err != nil {
		h.log.WithError(err).Error("❌ Failed to list settlements")
		respondWithError(c, err)
		return
	}
	out := make([]dto.SettlementResponse, 0, len(records))
	for _, r := range records {
		out = append(out, dto.NewSettlementResponse(r))
	}
	c.JSON(http.StatusOK, dto.ListResponse{Success: true, Data: out, Total: total, Page: page, Limit: limit})
}

// GetSettlementHandler GET /api/root/settlements/:nonce
func (h *RootHandler) GetSettlementHandler(c *gin.Context) {
	n, ok := nonceParam(c)
	if !ok {
		return
	}
	rec, err := h.records.GetSettlement(c.Request.Context(), h.chainID(), n)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": dto.NewSettlementResponse(rec)})
}

// RetrySettlementHandler POST /api/root/settlements/:nonce/retry
func (h *RootHandler) RetrySettlementHandler(c *gin.Context) {
	from, ok := caller(c)
	if !ok {
		return
	}
	n, ok := nonceParam(c)
	if !ok {
		return
	}
	var req dto.RetryRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	params, err := utils.ParseHexBytes(req.Params)
	if err != nil {
		badRequest(c, fmt.Errorf("params: %w", err))
		return
	}
	recipient, err := utils.ParseOptionalAddress(req.Recipient)
	if err != nil {
		badRequest(c, fmt.Errorf("recipient: %w", err))
		return
	}
	gas, err := req.Gas.ToWire()
	if err != nil {
		badRequest(c, err)
		return
	}

	if err := h.agent.RetrySettlement(c.Request.Context(), from, n, recipient, params, gas, req.Fallback); err != nil {
		respondWithError(c, err)
		return
	}
	h.log.WithFields(logrus.Fields{"caller": from.Hex(), "nonce": n}).Info("🔁 Settlement retried")
	c.JSON(http.StatusAccepted, dto.OperationResponse{Success: true, Nonce: n, Message: "settlement retried"})
}

// RetrieveSettlementHandler POST /api/root/settlements/:nonce/retrieve
func (h *RootHandler) RetrieveSettlementHandler(c *gin.Context) {
	from, ok := caller(c)
	if !ok {
		return
	}
	n, ok := nonceParam(c)
	if !ok {
		return
	}
	var req dto.RetrieveRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	gas, err := req.Gas.ToWire()
	if err != nil {
		badRequest(c, err)
		return
	}

	if err := h.agent.RetrieveSettlement(c.Request.Context(), from, n, gas); err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.OperationResponse{Success: true, Nonce: n, Message: "retrieve requested"})
}

// RedeemSettlementHandler POST /api/root/settlements/:nonce/redeem
func (h *RootHandler) RedeemSettlementHandler(c *gin.Context) {
	from, ok := caller(c)
	if !ok {
		return
	}
	n, ok := nonceParam(c)
	if !ok {
		return
	}
	var req dto.RedeemRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	recipient, err := utils.ParseOptionalAddress(req.Recipient)
	if err != nil {
		badRequest(c, fmt.Errorf("recipient: %w", err))
		return
	}
	if recipient == (common.Address{}) {
		recipient = from
	}

	if err := h.agent.RedeemSettlement(c.Request.Context(), from, n, recipient); err != nil {
		respondWithError(c, err)
		return
	}
	h.log.WithFields(logrus.Fields{"caller": from.Hex(), "nonce": n, "recipient": recipient.Hex()}).Info("💰 Settlement redeemed")
	c.JSON(http.StatusOK, dto.OperationResponse{Success: true, Nonce: n, Message: "settlement redeemed"})
}

type branchView struct {
	ChainID uint16 `json:"chain_id"`
	Agent   string `json:"agent,omitempty"`
	Pending bool   `json:"pending"` // approved, awaiting sync
}

// ListBranchesHandler GET /api/root/branches
func (h *RootHandler) ListBranchesHandler(c *gin.Context) {
	branches := h.agent.Branches()
	out := make([]branchView, 0, len(branches))
	for chain, addr := range branches {
		out = append(out, branchView{ChainID: chain, Agent: addr.Hex()})
	}
	regs, err := h.records.ListBranches(c.Request.Context(), h.chainID())
	if err != nil {
		respondWithError(c, err)
		return
	}
	for _, reg := range regs {
		if _, synced := branches[reg.ChainID]; !synced && h.agent.BranchApproved(reg.ChainID) {
			out = append(out, branchView{ChainID: reg.ChainID, Pending: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	c.JSON(http.StatusOK, gin.H{"success": true, "data": out})
}

// DelegatedAccountHandler GET /api/root/accounts/:owner
func (h *RootHandler) DelegatedAccountHandler(c *gin.Context) {
	owner, err := utils.ParseAddress(c.Param("owner"))
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"owner":   owner.Hex(),
		"account": h.agent.DelegatedAccount(owner).Hex(),
	})
}

// ExecutionStateHandler GET /api/root/executions/:chain/:nonce
func (h *RootHandler) ExecutionStateHandler(c *gin.Context) {
	src, ok := chainParam(c, "chain")
	if !ok {
		return
	}
	n, ok := nonceParam(c)
	if !ok {
		return
	}
	st := h.agent.ExecutionState(src, n)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": dto.NewExecutionStateResponse(h.chainID(), src, n, st)})
}

// StatusHandler GET /api/root/status
func (h *RootHandler) StatusHandler(c *gin.Context) {
	cfg := h.agent.Config()
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"chain_id":         cfg.ChainID,
		"address":          cfg.Self.Hex(),
		"next_nonce":       h.agent.NextNonce(),
		"open_settlements": len(h.agent.Settlements()),
		"branches":         len(h.agent.Branches()),
	})
}
