package handlers

import (
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/dto"
	"bridge-agent/internal/repository"
	"bridge-agent/internal/utils"
)

// BranchHandler deposit API of a branch agent
type BranchHandler struct {
	agent   *agent.BranchAgent
	records repository.RecordRepository
	log     *logrus.Logger
}

func NewBranchHandler(a *agent.BranchAgent, records repository.RecordRepository, log *logrus.Logger) *BranchHandler {
	return &BranchHandler{agent: a, records: records, log: log}
}

func (h *BranchHandler) chainID() uint16 { return h.agent.Config().ChainID }

// ListDepositsHandler GET /api/branch/deposits?owner=&status=&page=&limit=
func (h *BranchHandler) ListDepositsHandler(c *gin.Context) {
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

	records, total, err := h.records.ListDeposits(c.Request.Context(), h.chainID(), filter, page, limit)
	if err != nil {
		h.log.WithError(err).Error("❌ Failed to list deposits")
		respondWithError(c, err)
		return
	}
	out := make([]dto.DepositResponse, 0, len(records))
	for _, r := range records {
		out = append(out, dto.NewDepositResponse(r))
	}
	c.JSON(http.StatusOK, dto.ListResponse{Success: true, Data: out, Total: total, Page: page, Limit: limit})
}

// GetDepositHandler GET /api/branch/deposits/:nonce
func (h *BranchHandler) GetDepositHandler(c *gin.Context) {
	n, ok := nonceParam(c)
	if !ok {
		return
	}
	rec, err := h.records.GetDeposit(c.Request.Context(), h.chainID(), n)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": dto.NewDepositResponse(rec)})
}

// CallOutHandler POST /api/branch/call-outs
func (h *BranchHandler) CallOutHandler(c *gin.Context) {
	from, ok := caller(c)
	if !ok {
		return
	}
	var req dto.CallOutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	params, err := utils.ParseHexBytes(req.Params)
	if err != nil {
		badRequest(c, fmt.Errorf("params: %w", err))
		return
	}
	assets, err := dto.DecodeAssets(req.Assets)
	if err != nil {
		badRequest(c, err)
		return
	}
	gas, err := req.Gas.ToWire()
	if err != nil {
		badRequest(c, err)
		return
	}
	refundee, err := utils.ParseOptionalAddress(req.Refundee)
	if err != nil {
		badRequest(c, fmt.Errorf("refundee: %w", err))
		return
	}
	if refundee == (common.Address{}) {
		refundee = from
	}

	ctx := c.Request.Context()
	var n uint32
	switch {
	case req.Signed && len(assets) == 0:
		n, err = h.agent.CallOutSigned(ctx, from, params, gas)
	case req.Signed && len(assets) == 1:
		n, err = h.agent.CallOutSignedAndBridge(ctx, from, params, assets[0], gas, req.Fallback)
	case req.Signed:
		n, err = h.agent.CallOutSignedAndBridgeMultiple(ctx, from, params, assets, gas, req.Fallback)
	case len(assets) == 0:
		n, err = h.agent.CallOut(ctx, from, refundee, params, gas)
	case len(assets) == 1:
		n, err = h.agent.CallOutAndBridge(ctx, from, refundee, params, assets[0], gas, req.Fallback)
	default:
		n, err = h.agent.CallOutAndBridgeMultiple(ctx, from, refundee, params, assets, gas, req.Fallback)
	}
	if err != nil {
		h.log.WithError(err).WithField("caller", from.Hex()).Warn("⚠️ Call-out rejected")
		respondWithError(c, err)
		return
	}

	h.log.WithFields(logrus.Fields{"caller": from.Hex(), "nonce": n, "assets": len(assets)}).Info("📤 Call-out sent")
	c.JSON(http.StatusAccepted, dto.OperationResponse{Success: true, Nonce: n, Message: "call-out sent"})
}

// RetryDepositHandler POST /api/branch/deposits/:nonce/retry
func (h *BranchHandler) RetryDepositHandler(c *gin.Context) {
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
	gas, err := req.Gas.ToWire()
	if err != nil {
		badRequest(c, err)
		return
	}

	if err := h.agent.RetryDeposit(c.Request.Context(), from, n, params, gas, req.Fallback); err != nil {
		respondWithError(c, err)
		return
	}
	h.log.WithFields(logrus.Fields{"caller": from.Hex(), "nonce": n}).Info("🔁 Deposit retried")
	c.JSON(http.StatusAccepted, dto.OperationResponse{Success: true, Nonce: n, Message: "deposit retried"})
}

// RetrieveDepositHandler POST /api/branch/deposits/:nonce/retrieve
func (h *BranchHandler) RetrieveDepositHandler(c *gin.Context) {
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

	if err := h.agent.RetrieveDeposit(c.Request.Context(), from, n, gas); err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.OperationResponse{Success: true, Nonce: n, Message: "retrieve requested"})
}

// RedeemDepositHandler POST /api/branch/deposits/:nonce/redeem
func (h *BranchHandler) RedeemDepositHandler(c *gin.Context) {
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

	if err := h.agent.RedeemDeposit(c.Request.Context(), from, n, recipient); err != nil {
		respondWithError(c, err)
		return
	}
	h.log.WithFields(logrus.Fields{"caller": from.Hex(), "nonce": n, "recipient": recipient.Hex()}).Info("💰 Deposit redeemed")
	c.JSON(http.StatusOK, dto.OperationResponse{Success: true, Nonce: n, Message: "deposit redeemed"})
}

// RetrySettlementHandler POST /api/branch/settlements/:nonce/retry asks
// the root to re-send a settlement. The returned nonce is the deposit
// nonce the request travelled under.
func (h *BranchHandler) RetrySettlementHandler(c *gin.Context) {
	from, ok := caller(c)
	if !ok {
		return
	}
	settlementNonce, ok := nonceParam(c)
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
	gas, err := req.Gas.ToWire()
	if err != nil {
		badRequest(c, err)
		return
	}
	settlementGas, err := req.SettlementGas.ToWire()
	if err != nil {
		badRequest(c, fmt.Errorf("settlement_gas.%w", err))
		return
	}

	n, err := h.agent.RetrySettlement(c.Request.Context(), from, settlementNonce, params, gas, settlementGas, req.Fallback)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.OperationResponse{Success: true, Nonce: n, Message: "settlement retry requested"})
}

// ExecutionStateHandler GET /api/branch/executions/:nonce
func (h *BranchHandler) ExecutionStateHandler(c *gin.Context) {
	n, ok := nonceParam(c)
	if !ok {
		return
	}
	cfg := h.agent.Config()
	st := h.agent.ExecutionState(n)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": dto.NewExecutionStateResponse(cfg.ChainID, cfg.RootChainID, n, st)})
}

// StatusHandler GET /api/branch/status
func (h *BranchHandler) StatusHandler(c *gin.Context) {
	cfg := h.agent.Config()
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"chain_id":      cfg.ChainID,
		"address":       cfg.Self.Hex(),
		"root_chain_id": cfg.RootChainID,
		"next_nonce":    h.agent.NextNonce(),
		"open_deposits": len(h.agent.Deposits()),
	})
}
