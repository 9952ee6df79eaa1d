package agent

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"bridge-agent/internal/wire"
)

// PathLen is the length of a message path: remote agent then local agent.
const PathLen = 2 * common.AddressLength

// Envelope is one outbound message handed to the transport.
type Envelope struct {
	DstChainID uint16
	// Path is the destination agent followed by the sending agent.
	Path     []byte
	Payload  []byte
	Refundee common.Address
	Gas      wire.GasParams
}

// Delivery is one inbound message handed over by the transport.
type Delivery struct {
	// Endpoint is the address that performed the delivery.
	Endpoint   common.Address
	SrcChainID uint16
	// Path is the sending agent followed by the receiving agent.
	Path    []byte
	Payload []byte
	// Value is native value attached to the delivery, may be nil.
	Value *big.Int
}

// Receipt reports what happened to a delivery. Err is set when the
// delivery was rolled back.
type Receipt struct {
	SrcChainID   uint16
	Flag         wire.Flag
	Nonce        uint32
	Err          error
	FallbackSent bool
	Swept        bool
}

// Transport sends envelopes to counterpart agents. Delivery is not
// guaranteed.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
}

// Receiver is implemented by both agents.
type Receiver interface {
	Receive(ctx context.Context, d Delivery) Receipt
}

// Atomic runs fn so that every custody mutation made through ctx is
// applied only if fn returns nil. Nested calls behave like savepoints.
type Atomic interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
}

// BranchPort is the custody ledger seen by a branch agent.
type BranchPort interface {
	Atomic
	// BridgeOut takes Amount-Deposit hTokens and Deposit underlying tokens
	// from depositor into escrow.
	BridgeOut(ctx context.Context, depositor common.Address, asset wire.Asset) error
	// BridgeIn releases an asset to recipient, minting the hToken part.
	BridgeIn(ctx context.Context, recipient common.Address, asset wire.Asset) error
	Sweep(ctx context.Context, to common.Address, amount *big.Int) error
}

// RootPort is the custody ledger seen by the root agent.
type RootPort interface {
	Atomic
	// MoveToBranch debits global hTokens from depositor on the root chain
	// and accounts them to dstChainID.
	MoveToBranch(ctx context.Context, depositor, globalToken common.Address, amount, deposit *big.Int, dstChainID uint16) error
	// MoveToRoot credits global hTokens to recipient, moving the accounting
	// back from srcChainID.
	MoveToRoot(ctx context.Context, recipient, globalToken common.Address, amount, deposit *big.Int, srcChainID uint16) error
	GlobalToken(ctx context.Context, localToken common.Address, chainID uint16) (common.Address, bool)
	LocalToken(ctx context.Context, globalToken common.Address, chainID uint16) (common.Address, bool)
	UnderlyingToken(ctx context.Context, localToken common.Address, chainID uint16) (common.Address, bool)
	Sweep(ctx context.Context, to common.Address, amount *big.Int) error
}

// AccountInspector tells contracts apart from externally owned accounts.
type AccountInspector interface {
	IsContract(ctx context.Context, addr common.Address) (bool, error)
}

// DepositParams describes an executed deposit. Assets use the source
// branch's token addresses.
type DepositParams struct {
	Nonce  uint32
	Assets []wire.Asset
}

// RootRouter is the business logic invoked for root-bound messages. Any
// returned error fails the execution.
type RootRouter interface {
	Execute(ctx context.Context, params []byte, srcChainID uint16) error
	ExecuteDeposit(ctx context.Context, params []byte, dp DepositParams, srcChainID uint16) error
	ExecuteDepositMultiple(ctx context.Context, params []byte, dp DepositParams, srcChainID uint16) error
	ExecuteSigned(ctx context.Context, params []byte, account common.Address, srcChainID uint16) error
	ExecuteSignedDeposit(ctx context.Context, params []byte, dp DepositParams, account common.Address, srcChainID uint16) error
	ExecuteSignedDepositMultiple(ctx context.Context, params []byte, dp DepositParams, account common.Address, srcChainID uint16) error
}

// SettlementParams describes an executed settlement on a branch.
type SettlementParams struct {
	Nonce     uint32
	Recipient common.Address
	Assets    []wire.Asset
}

// BranchRouter is the business logic invoked for branch-bound messages.
type BranchRouter interface {
	ExecuteNoSettlement(ctx context.Context, params []byte, srcChainID uint16) error
	ExecuteSettlement(ctx context.Context, params []byte, sp SettlementParams) error
	ExecuteSettlementMultiple(ctx context.Context, params []byte, sp SettlementParams) error
}

// EventSink receives committed audit events. Errors are logged and never
// undo the invocation that produced the event. Publish runs while the agent
// lock is held and must not call back into the agent.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// Journal durably records the events of an invocation before it commits.
// Commit writes events, then calls send, which hands the outbox to the
// transport; the writes are kept only if send succeeds. send may be nil.
// An error from Commit rolls the whole invocation back. Commit runs while
// the agent lock is held and must not call back into the agent.
type Journal interface {
	Commit(ctx context.Context, events []Event, send func(ctx context.Context) error) error
}
