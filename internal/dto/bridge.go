package dto

import (
	"fmt"
	"time"

	"bridge-agent/internal/models"
	"bridge-agent/internal/nonce"
	"bridge-agent/internal/utils"
	"bridge-agent/internal/wire"
)

// ==================== Request DTOs ====================

// AssetRequest one branch asset: Amount hTokens of which Deposit are
// backed by underlying tokens. Amounts are decimal or 0x strings.
type AssetRequest struct {
	HToken  string `json:"h_token" binding:"required"`
	Token   string `json:"token" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
	Deposit string `json:"deposit"`
}

// GasRequest gas budget forwarded with the message
type GasRequest struct {
	GasLimit  string `json:"gas_limit,omitempty"`
	RemoteGas string `json:"remote_gas,omitempty"`
}

// CallOutRequest call-out from a branch. No assets sends a plain call-out,
// one asset a single deposit, more a multi deposit. Signed call-outs run in
// the caller's delegated account on the root; unsigned ones refund
// Refundee, or the caller when empty.
type CallOutRequest struct {
	Params   string         `json:"params"`
	Assets   []AssetRequest `json:"assets,omitempty"`
	Gas      GasRequest     `json:"gas"`
	Fallback bool           `json:"fallback"`
	Signed   bool           `json:"signed"`
	Refundee string         `json:"refundee,omitempty"`
}

// RetryRequest re-sends a record with new params and gas. Recipient is
// only read for settlements and may be empty to keep the current one.
// SettlementGas is the gas the root spends re-sending a settlement
// requested from a branch.
type RetryRequest struct {
	Params        string     `json:"params"`
	Recipient     string     `json:"recipient,omitempty"`
	Gas           GasRequest `json:"gas"`
	SettlementGas GasRequest `json:"settlement_gas"`
	Fallback      bool       `json:"fallback"`
}

type RetrieveRequest struct {
	Gas GasRequest `json:"gas"`
}

// RedeemRequest an empty recipient redeems to the caller.
type RedeemRequest struct {
	Recipient string `json:"recipient"`
}

type BranchApprovalRequest struct {
	ChainID uint16 `json:"chain_id" binding:"required"`
}

type BranchSyncRequest struct {
	ChainID uint16 `json:"chain_id" binding:"required"`
	Address string `json:"address" binding:"required"`
}

func (g GasRequest) ToWire() (wire.GasParams, error) {
	limit, err := utils.ParseAmount(g.GasLimit)
	if err != nil {
		return wire.GasParams{}, fmt.Errorf("gas_limit: %w", err)
	}
	remote, err := utils.ParseAmount(g.RemoteGas)
	if err != nil {
		return wire.GasParams{}, fmt.Errorf("remote_gas: %w", err)
	}
	return wire.GasParams{GasLimit: limit, RemoteBranchExecutionGas: remote}, nil
}

func (a AssetRequest) ToWire() (wire.Asset, error) {
	hToken, err := utils.ParseAddress(a.HToken)
	if err != nil {
		return wire.Asset{}, fmt.Errorf("h_token: %w", err)
	}
	token, err := utils.ParseAddress(a.Token)
	if err != nil {
		return wire.Asset{}, fmt.Errorf("token: %w", err)
	}
	amount, err := utils.ParseAmount(a.Amount)
	if err != nil {
		return wire.Asset{}, fmt.Errorf("amount: %w", err)
	}
	deposit, err := utils.ParseAmount(a.Deposit)
	if err != nil {
		return wire.Asset{}, fmt.Errorf("deposit: %w", err)
	}
	return wire.Asset{HToken: hToken, Token: token, Amount: amount, Deposit: deposit}, nil
}

// DecodeAssets converts every asset, failing on the first bad one.
func DecodeAssets(in []AssetRequest) ([]wire.Asset, error) {
	out := make([]wire.Asset, 0, len(in))
	for i, a := range in {
		w, err := a.ToWire()
		if err != nil {
			return nil, fmt.Errorf("assets[%d].%w", i, err)
		}
		out = append(out, w)
	}
	return out, nil
}

// ==================== Response DTOs ====================

type DepositResponse struct {
	ChainID     uint16             `json:"chain_id"`
	Nonce       uint32             `json:"nonce"`
	Owner       string             `json:"owner"`
	Params      string             `json:"params"`
	Assets      []models.AssetJSON `json:"assets"`
	Status      string             `json:"status"`
	IsSigned    bool               `json:"is_signed"`
	HasFallback bool               `json:"has_fallback"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

type SettlementResponse struct {
	ChainID     uint16             `json:"chain_id"`
	Nonce       uint32             `json:"nonce"`
	Owner       string             `json:"owner"`
	Recipient   string             `json:"recipient"`
	DstChainID  uint16             `json:"dst_chain_id"`
	Params      string             `json:"params"`
	Assets      []models.AssetJSON `json:"assets"`
	Status      string             `json:"status"`
	HasFallback bool               `json:"has_fallback"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func NewDepositResponse(r *models.DepositRecord) DepositResponse {
	return DepositResponse{
		ChainID:     r.ChainID,
		Nonce:       r.Nonce,
		Owner:       r.Owner,
		Params:      r.Params,
		Assets:      r.DecodedAssets(),
		Status:      r.Status,
		IsSigned:    r.IsSigned,
		HasFallback: r.HasFallback,
		UpdatedAt:   r.UpdatedAt,
	}
}

func NewSettlementResponse(r *models.SettlementRecord) SettlementResponse {
	return SettlementResponse{
		ChainID:     r.ChainID,
		Nonce:       r.Nonce,
		Owner:       r.Owner,
		Recipient:   r.Recipient,
		DstChainID:  r.DstChainID,
		Params:      r.Params,
		Assets:      r.DecodedAssets(),
		Status:      r.Status,
		HasFallback: r.HasFallback,
		UpdatedAt:   r.UpdatedAt,
	}
}

// OperationResponse outcome of a bridge operation. Nonce is set when one
// was allocated.
type OperationResponse struct {
	Success bool   `json:"success"`
	Nonce   uint32 `json:"nonce,omitempty"`
	Message string `json:"message"`
}

type ExecutionStateResponse struct {
	ChainID       uint16 `json:"chain_id"`
	RemoteChainID uint16 `json:"remote_chain_id"`
	Nonce         uint32 `json:"nonce"`
	State         string `json:"state"`
}

func NewExecutionStateResponse(chainID, remote uint16, n uint32, st nonce.State) ExecutionStateResponse {
	return ExecutionStateResponse{ChainID: chainID, RemoteChainID: remote, Nonce: n, State: st.String()}
}

// ListResponse paginated list
type ListResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Total   int64       `json:"total"`
	Page    int         `json:"page"`
	Limit   int         `json:"limit"`
}

// ErrorResponse unified error body
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}
