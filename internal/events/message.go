package events

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/models"
)

// Message is the JSON form of an audit event on NATS and WebSocket.
type Message struct {
	ID            string      `json:"id"`
	Kind          string      `json:"kind"`
	Role          string      `json:"role"`
	ChainID       uint16      `json:"chain_id"`
	RemoteChainID uint16      `json:"remote_chain_id"`
	Nonce         uint32      `json:"nonce"`
	Flag          string      `json:"flag,omitempty"`
	Account       string      `json:"account,omitempty"`
	ExecState     string      `json:"exec_state,omitempty"`
	Error         string      `json:"error,omitempty"`
	Record        *RecordView `json:"record,omitempty"`
	At            time.Time   `json:"at"`
}

// RecordView is the deposit or settlement attached to an event.
type RecordView struct {
	Owner       string             `json:"owner"`
	Recipient   string             `json:"recipient,omitempty"`
	DstChainID  uint16             `json:"dst_chain_id,omitempty"`
	Status      string             `json:"status"`
	IsSigned    bool               `json:"is_signed,omitempty"`
	HasFallback bool               `json:"has_fallback"`
	Assets      []models.AssetJSON `json:"assets"`
}

func NewMessage(ev agent.Event) Message {
	m := Message{
		ID:            ev.ID,
		Kind:          string(ev.Kind),
		Role:          string(ev.Role),
		ChainID:       ev.ChainID,
		RemoteChainID: ev.RemoteChainID,
		Nonce:         ev.Nonce,
		Flag:          ev.Flag,
		Error:         ev.Error,
		At:            ev.At,
	}
	if ev.Account != (common.Address{}) {
		m.Account = ev.Account.Hex()
	}
	if ev.ExecState != nil {
		m.ExecState = ev.ExecState.String()
	}
	switch {
	case ev.Deposit != nil:
		d := ev.Deposit
		m.Record = &RecordView{
			Owner:       d.Owner.Hex(),
			Status:      d.Status.String(),
			IsSigned:    d.IsSigned,
			HasFallback: d.HasFallback,
			Assets:      models.AssetsToJSON(d.Assets),
		}
	case ev.Settlement != nil:
		s := ev.Settlement
		m.Record = &RecordView{
			Owner:       s.Owner.Hex(),
			Recipient:   s.Recipient.Hex(),
			DstChainID:  s.DstChainID,
			Status:      s.Status.String(),
			HasFallback: s.HasFallback,
			Assets:      models.AssetsToJSON(s.Assets),
		}
	}
	return m
}
