package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/nonce"
	"bridge-agent/internal/wire"
)

// DepositRecord is the persisted form of a branch deposit.
type DepositRecord struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	ChainID     uint16 `json:"chain_id" gorm:"not null;uniqueIndex:idx_deposit_key"` // branch chain
	Nonce       uint32 `json:"nonce" gorm:"not null;uniqueIndex:idx_deposit_key"`
	Owner       string `json:"owner" gorm:"not null;size:42;index"`
	Params      string `json:"params" gorm:"type:text"` // hex
	Assets      string `json:"assets" gorm:"type:text"` // JSON []AssetJSON
	Status      string `json:"status" gorm:"not null;size:16;index"`
	IsSigned    bool   `json:"is_signed"`
	HasFallback bool   `json:"has_fallback"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DepositRecord) TableName() string {
	return "deposits"
}

// SettlementRecord is the persisted form of a root settlement.
type SettlementRecord struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	ChainID     uint16 `json:"chain_id" gorm:"not null;uniqueIndex:idx_settlement_key"` // root chain
	Nonce       uint32 `json:"nonce" gorm:"not null;uniqueIndex:idx_settlement_key"`
	Owner       string `json:"owner" gorm:"not null;size:42;index"`
	Recipient   string `json:"recipient" gorm:"size:42"`
	DstChainID  uint16 `json:"dst_chain_id" gorm:"not null;index"`
	Params      string `json:"params" gorm:"type:text"`
	Assets      string `json:"assets" gorm:"type:text"`
	Status      string `json:"status" gorm:"not null;size:16;index"`
	HasFallback bool   `json:"has_fallback"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SettlementRecord) TableName() string {
	return "settlements"
}

// ExecutionState is one consumed inbound nonce. Ready nonces are never
// stored.
type ExecutionState struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	Role          string    `json:"role" gorm:"not null;size:8;uniqueIndex:idx_exec_key"`
	ChainID       uint16    `json:"chain_id" gorm:"not null;uniqueIndex:idx_exec_key"`
	RemoteChainID uint16    `json:"remote_chain_id" gorm:"not null;uniqueIndex:idx_exec_key"`
	Nonce         uint32    `json:"nonce" gorm:"not null;uniqueIndex:idx_exec_key"`
	State         string    `json:"state" gorm:"not null;size:16"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (ExecutionState) TableName() string {
	return "execution_states"
}

// AgentCursor holds the next outbound nonce of one agent.
type AgentCursor struct {
	Role      string    `json:"role" gorm:"primaryKey;size:8"`
	ChainID   uint16    `json:"chain_id" gorm:"primaryKey;autoIncrement:false"`
	NextNonce uint32    `json:"next_nonce" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AgentCursor) TableName() string {
	return "agent_cursors"
}

// BranchRegistration is a chain approved for onboarding on the root, or a
// synced branch agent once Agent is set.
type BranchRegistration struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	RootChainID uint16    `json:"root_chain_id" gorm:"not null;uniqueIndex:idx_branch_key"`
	ChainID     uint16    `json:"chain_id" gorm:"not null;uniqueIndex:idx_branch_key"`
	Agent       string    `json:"agent" gorm:"size:42"`
	Approved    bool      `json:"approved"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (BranchRegistration) TableName() string {
	return "branch_registrations"
}

// BridgeEvent is one committed audit event.
type BridgeEvent struct {
	ID            string    `json:"id" gorm:"primaryKey;size:36"` // UUID
	Kind          string    `json:"kind" gorm:"not null;size:40;index"`
	Role          string    `json:"role" gorm:"not null;size:8;index:idx_event_agent"`
	ChainID       uint16    `json:"chain_id" gorm:"not null;index:idx_event_agent"`
	RemoteChainID uint16    `json:"remote_chain_id"`
	Nonce         uint32    `json:"nonce" gorm:"index"`
	Flag          string    `json:"flag" gorm:"size:40"`
	Account       string    `json:"account" gorm:"size:42;index"`
	ExecState     string    `json:"exec_state" gorm:"size:16"`
	Error         string    `json:"error" gorm:"type:text"`
	Payload       string    `json:"payload" gorm:"type:text"` // JSON record snapshot
	CreatedAt     time.Time `json:"created_at" gorm:"index"`
}

func (BridgeEvent) TableName() string {
	return "bridge_events"
}

// AllModels lists every table managed by AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&DepositRecord{},
		&SettlementRecord{},
		&ExecutionState{},
		&AgentCursor{},
		&BranchRegistration{},
		&BridgeEvent{},
	}
}

// ============================================
// Conversions
// ============================================

// AssetJSON is the stored and API form of a wire.Asset.
type AssetJSON struct {
	HToken  string `json:"h_token"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
	Deposit string `json:"deposit"`
}

func AssetsToJSON(assets []wire.Asset) []AssetJSON {
	out := make([]AssetJSON, 0, len(assets))
	for _, a := range assets {
		out = append(out, AssetJSON{
			HToken:  a.HToken.Hex(),
			Token:   a.Token.Hex(),
			Amount:  bigString(a.Amount),
			Deposit: bigString(a.Deposit),
		})
	}
	return out
}

func AssetsFromJSON(in []AssetJSON) ([]wire.Asset, error) {
	out := make([]wire.Asset, 0, len(in))
	for i, a := range in {
		if !common.IsHexAddress(a.HToken) || !common.IsHexAddress(a.Token) {
			return nil, fmt.Errorf("asset %d: invalid token address", i)
		}
		amount, ok := new(big.Int).SetString(a.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("asset %d: invalid amount %q", i, a.Amount)
		}
		deposit, ok := new(big.Int).SetString(a.Deposit, 10)
		if !ok {
			return nil, fmt.Errorf("asset %d: invalid deposit %q", i, a.Deposit)
		}
		out = append(out, wire.Asset{
			HToken:  common.HexToAddress(a.HToken),
			Token:   common.HexToAddress(a.Token),
			Amount:  amount,
			Deposit: deposit,
		})
	}
	return out, nil
}

func encodeAssets(assets []wire.Asset) (string, error) {
	b, err := json.Marshal(AssetsToJSON(assets))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeAssets(s string) ([]wire.Asset, error) {
	if s == "" {
		return nil, nil
	}
	var in []AssetJSON
	if err := json.Unmarshal([]byte(s), &in); err != nil {
		return nil, fmt.Errorf("decode assets: %w", err)
	}
	return AssetsFromJSON(in)
}

func encodeParams(p []byte) string {
	if len(p) == 0 {
		return ""
	}
	return hexutil.Encode(p)
}

func decodeParams(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hexutil.Decode(s)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// NewDepositRecord converts a branch deposit held on chainID.
func NewDepositRecord(chainID uint16, d *agent.Deposit) (*DepositRecord, error) {
	assets, err := encodeAssets(d.Assets)
	if err != nil {
		return nil, err
	}
	return &DepositRecord{
		ChainID:     chainID,
		Nonce:       d.Nonce,
		Owner:       d.Owner.Hex(),
		Params:      encodeParams(d.Params),
		Assets:      assets,
		Status:      d.Status.String(),
		IsSigned:    d.IsSigned,
		HasFallback: d.HasFallback,
	}, nil
}

func (r *DepositRecord) ToAgent() (*agent.Deposit, error) {
	assets, err := decodeAssets(r.Assets)
	if err != nil {
		return nil, fmt.Errorf("deposit %d: %w", r.Nonce, err)
	}
	params, err := decodeParams(r.Params)
	if err != nil {
		return nil, fmt.Errorf("deposit %d params: %w", r.Nonce, err)
	}
	status, err := agent.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	return &agent.Deposit{
		Nonce:       r.Nonce,
		Owner:       common.HexToAddress(r.Owner),
		Params:      params,
		Assets:      assets,
		Status:      status,
		IsSigned:    r.IsSigned,
		HasFallback: r.HasFallback,
	}, nil
}

// DecodedAssets is used by the API to render stored assets.
func (r *DepositRecord) DecodedAssets() []AssetJSON {
	var out []AssetJSON
	_ = json.Unmarshal([]byte(r.Assets), &out)
	return out
}

// NewSettlementRecord converts a root settlement held on chainID.
func NewSettlementRecord(chainID uint16, s *agent.Settlement) (*SettlementRecord, error) {
	assets, err := encodeAssets(s.Assets)
	if err != nil {
		return nil, err
	}
	return &SettlementRecord{
		ChainID:     chainID,
		Nonce:       s.Nonce,
		Owner:       s.Owner.Hex(),
		Recipient:   s.Recipient.Hex(),
		DstChainID:  s.DstChainID,
		Params:      encodeParams(s.Params),
		Assets:      assets,
		Status:      s.Status.String(),
		HasFallback: s.HasFallback,
	}, nil
}

func (r *SettlementRecord) ToAgent() (*agent.Settlement, error) {
	assets, err := decodeAssets(r.Assets)
	if err != nil {
		return nil, fmt.Errorf("settlement %d: %w", r.Nonce, err)
	}
	params, err := decodeParams(r.Params)
	if err != nil {
		return nil, fmt.Errorf("settlement %d params: %w", r.Nonce, err)
	}
	status, err := agent.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	return &agent.Settlement{
		Nonce:       r.Nonce,
		Owner:       common.HexToAddress(r.Owner),
		Recipient:   common.HexToAddress(r.Recipient),
		DstChainID:  r.DstChainID,
		Params:      params,
		Assets:      assets,
		Status:      status,
		HasFallback: r.HasFallback,
	}, nil
}

func (r *SettlementRecord) DecodedAssets() []AssetJSON {
	var out []AssetJSON
	_ = json.Unmarshal([]byte(r.Assets), &out)
	return out
}

func (e *ExecutionState) Entry() (nonce.Entry, error) {
	st, err := nonce.ParseState(e.State)
	if err != nil {
		return nonce.Entry{}, err
	}
	return nonce.Entry{ChainID: e.RemoteChainID, Nonce: e.Nonce, State: st}, nil
}

// NewBridgeEvent flattens an audit event. The record snapshot, when
// present, is kept as JSON in Payload.
func NewBridgeEvent(ev agent.Event) (*BridgeEvent, error) {
	row := &BridgeEvent{
		ID:            ev.ID,
		Kind:          string(ev.Kind),
		Role:          string(ev.Role),
		ChainID:       ev.ChainID,
		RemoteChainID: ev.RemoteChainID,
		Nonce:         ev.Nonce,
		Flag:          ev.Flag,
		Error:         ev.Error,
		CreatedAt:     ev.At,
	}
	if ev.Account != (common.Address{}) {
		row.Account = ev.Account.Hex()
	}
	if ev.ExecState != nil {
		row.ExecState = ev.ExecState.String()
	}
	var payload interface{}
	switch {
	case ev.Deposit != nil:
		rec, err := NewDepositRecord(ev.ChainID, ev.Deposit)
		if err != nil {
			return nil, err
		}
		payload = rec
	case ev.Settlement != nil:
		rec, err := NewSettlementRecord(ev.ChainID, ev.Settlement)
		if err != nil {
			return nil, err
		}
		payload = rec
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		row.Payload = string(b)
	}
	return row, nil
}
