package agent

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"bridge-agent/internal/nonce"
)

type EventKind string

const (
	EventDepositCreated            EventKind = "deposit_created"
	EventDepositRetried            EventKind = "deposit_retried"
	EventDepositRetrieveRequested  EventKind = "deposit_retrieve_requested"
	EventDepositFailed             EventKind = "deposit_failed"
	EventDepositRedeemed           EventKind = "deposit_redeemed"
	EventSettlementCreated         EventKind = "settlement_created"
	EventSettlementRetried         EventKind = "settlement_retried"
	EventSettlementRetrieveRequest EventKind = "settlement_retrieve_requested"
	EventSettlementFailed          EventKind = "settlement_failed"
	EventSettlementRedeemed        EventKind = "settlement_redeemed"
	EventCallOut                   EventKind = "call_out"
	EventExecuted                  EventKind = "executed"
	EventExecutionFallback         EventKind = "execution_fallback"
	EventRetrieved                 EventKind = "retrieved"
	EventDeliveryFailed            EventKind = "delivery_failed"
	EventBranchApproved            EventKind = "branch_approved"
	EventBranchSynced              EventKind = "branch_synced"
)

// Role names the side of the protocol an agent plays.
type Role string

const (
	RoleRoot   Role = "root"
	RoleBranch Role = "branch"
)

// Event is an audit record of a committed state change. Deposit and
// Settlement hold the record as it stands after the change; a redeemed
// record is reported with its last contents.
type Event struct {
	ID            string
	Kind          EventKind
	Role          Role
	ChainID       uint16
	RemoteChainID uint16
	Nonce         uint32
	Flag          string
	Account       common.Address
	Deposit       *Deposit
	Settlement    *Settlement
	// ExecState is set for events that move an inbound nonce.
	ExecState *nonce.State
	Error     string
	At        time.Time
}

func newEvent(kind EventKind) Event {
	return Event{ID: uuid.NewString(), Kind: kind, At: time.Now().UTC()}
}

func stateRef(s nonce.State) *nonce.State {
	return &s
}

// MultiSink fans events out to several sinks and returns the first error.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type discardSink struct{}

func (discardSink) Publish(context.Context, Event) error { return nil }

// memoryJournal keeps nothing; state lives only in the agent.
type memoryJournal struct{}

func (memoryJournal) Commit(ctx context.Context, _ []Event, send func(ctx context.Context) error) error {
	if send == nil {
		return nil
	}
	return send(ctx)
}
