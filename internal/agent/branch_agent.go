package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/metrics"
	"bridge-agent/internal/nonce"
	"bridge-agent/internal/wire"
)

// BranchConfig identifies a branch agent and its root counterpart.
type BranchConfig struct {
	ChainID       uint16
	Self          common.Address
	Endpoint      common.Address
	RootChainID   uint16
	RootAgent     common.Address
	Router        common.Address
	SafetyAccount common.Address
}

func (c BranchConfig) validate() error {
	switch {
	case c.Self == (common.Address{}):
		return errors.New("agent: branch address is required")
	case c.Endpoint == (common.Address{}):
		return errors.New("agent: endpoint address is required")
	case c.RootAgent == (common.Address{}):
		return errors.New("agent: root agent address is required")
	case c.Router == (common.Address{}):
		return errors.New("agent: router address is required")
	}
	return nil
}

// BranchDeps are the collaborators of a branch agent. Events, Ledger and
// Logger may be nil.
type BranchDeps struct {
	Port      BranchPort
	Transport Transport
	Journal   Journal
	Events    EventSink
	Ledger    *nonce.Ledger
	Logger    *logrus.Logger
}

// BranchAgent sends deposits to the root agent and executes the
// settlements it receives from it.
type BranchAgent struct {
	*core
	cfg    BranchConfig
	port   BranchPort
	router BranchRouter

	recMu    sync.RWMutex
	deposits map[uint32]*Deposit
}

func NewBranchAgent(cfg BranchConfig, deps BranchDeps) (*BranchAgent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Port == nil || deps.Transport == nil {
		return nil, errors.New("agent: branch port and transport are required")
	}
	b := &BranchAgent{
		cfg:      cfg,
		port:     deps.Port,
		deposits: make(map[uint32]*Deposit),
	}
	b.core = newCore(RoleBranch, cfg.ChainID, cfg.Self, cfg.Endpoint, cfg.SafetyAccount, deps.Port, deps.Port.Sweep, deps.Transport, deps.Journal, deps.Events, deps.Ledger, deps.Logger)
	return b, nil
}

// SetRouter installs the business logic invoked for inbound settlements.
func (b *BranchAgent) SetRouter(r BranchRouter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.router = r
}

func (b *BranchAgent) Config() BranchConfig { return b.cfg }

// ============================================
// Call-outs
// ============================================

// CallOut sends params to the root router without moving assets. Only the
// local router may call it.
func (b *BranchAgent) CallOut(ctx context.Context, caller, refundee common.Address, params []byte, gas wire.GasParams) (uint32, error) {
	return b.callOut(ctx, caller, refundee, wire.KindCallOut, params, nil, gas, false)
}

func (b *BranchAgent) CallOutAndBridge(ctx context.Context, caller, refundee common.Address, params []byte, asset wire.Asset, gas wire.GasParams, fallback bool) (uint32, error) {
	return b.callOut(ctx, caller, refundee, wire.KindCallOutDeposit, params, []wire.Asset{asset}, gas, fallback)
}

func (b *BranchAgent) CallOutAndBridgeMultiple(ctx context.Context, caller, refundee common.Address, params []byte, assets []wire.Asset, gas wire.GasParams, fallback bool) (uint32, error) {
	return b.callOut(ctx, caller, refundee, wire.KindCallOutDepositMultiple, params, assets, gas, fallback)
}

// CallOutSigned executes params on the root chain through the caller's
// delegated account.
func (b *BranchAgent) CallOutSigned(ctx context.Context, caller common.Address, params []byte, gas wire.GasParams) (uint32, error) {
	return b.callOut(ctx, caller, caller, wire.KindCallOutSigned, params, nil, gas, false)
}

func (b *BranchAgent) CallOutSignedAndBridge(ctx context.Context, caller common.Address, params []byte, asset wire.Asset, gas wire.GasParams, fallback bool) (uint32, error) {
	return b.callOut(ctx, caller, caller, wire.KindCallOutSignedDeposit, params, []wire.Asset{asset}, gas, fallback)
}

func (b *BranchAgent) CallOutSignedAndBridgeMultiple(ctx context.Context, caller common.Address, params []byte, assets []wire.Asset, gas wire.GasParams, fallback bool) (uint32, error) {
	return b.callOut(ctx, caller, caller, wire.KindCallOutSignedDepositMultiple, params, assets, gas, fallback)
}

func (b *BranchAgent) callOut(ctx context.Context, caller, refundee common.Address, kind wire.Kind, params []byte,
	assets []wire.Asset, gas wire.GasParams, fallback bool) (uint32, error) {
	signed := kind == wire.KindCallOutSigned || kind == wire.KindCallOutSignedDeposit || kind == wire.KindCallOutSignedDepositMultiple
	var n uint32
	err := b.run(ctx, guardOp, func(ctx context.Context) error {
		if !signed && caller != b.cfg.Router {
			return fmt.Errorf("%w: %s is not the router", ErrUnauthorizedCaller, caller.Hex())
		}
		switch kind {
		case wire.KindCallOutDeposit, wire.KindCallOutSignedDeposit:
			if len(assets) != 1 {
				return fmt.Errorf("%w: want exactly one asset", ErrInvalidAssets)
			}
		}
		if kind != wire.KindCallOut && kind != wire.KindCallOutSigned {
			if err := validateAssets(assets); err != nil {
				return err
			}
		}
		if refundee == (common.Address{}) {
			refundee = caller
		}

		n = b.allocate(ctx)
		for i, a := range assets {
			if err := b.port.BridgeOut(ctx, caller, a); err != nil {
				return fmt.Errorf("bridge out asset %d: %w", i, err)
			}
		}

		msg := wire.DepositMessage{
			Flag:   wire.Flag{Kind: kind, Fallback: fallback && len(assets) > 0},
			Nonce:  n,
			Assets: assets,
			Params: params,
		}
		if signed {
			msg.Sender = caller
		}
		payload, err := wire.EncodeDeposit(msg)
		if err != nil {
			return err
		}
		b.enqueue(ctx, b.envelope(b.cfg.RootChainID, b.cfg.RootAgent, payload, refundee, gas))

		if len(assets) == 0 {
			ev := newEvent(EventCallOut)
			ev.RemoteChainID = b.cfg.RootChainID
			ev.Nonce = n
			ev.Flag = msg.Flag.String()
			ev.Account = caller
			b.emit(ctx, ev)
			return nil
		}

		d := &Deposit{
			Nonce:       n,
			Owner:       refundee,
			Params:      cloneBytes(params),
			Assets:      wire.CloneAssets(assets),
			Status:      StatusSuccess,
			IsSigned:    signed,
			HasFallback: msg.Flag.Fallback,
		}
		b.putDeposit(ctx, d)
		b.emitDeposit(ctx, EventDepositCreated, d, msg.Flag)
		metrics.RecordOperations.WithLabelValues("deposit", "created").Inc()
		return nil
	})
	if err != nil {
		return 0, err
	}
	b.log.WithFields(logrus.Fields{"nonce": n, "kind": wire.RootKindName(kind), "caller": caller.Hex()}).
		Info("📤 Call-out sent to root")
	return n, nil
}

// ============================================
// Deposit lifecycle
// ============================================

// RetryDeposit re-sends a deposit still in Success under its original
// nonce with new params, gas and fallback mode.
func (b *BranchAgent) RetryDeposit(ctx context.Context, caller common.Address, depositNonce uint32, params []byte, gas wire.GasParams, fallback bool) error {
	return b.run(ctx, guardOp, func(ctx context.Context) error {
		d, err := b.ownedDeposit(caller, depositNonce)
		if err != nil {
			return err
		}
		if d.Status != StatusSuccess {
			return fmt.Errorf("%w: deposit %d is %s", ErrRetryUnavailable, depositNonce, d.Status)
		}
		if len(d.Assets) == 0 {
			return fmt.Errorf("%w: deposit %d moves no assets", ErrRetryUnavailable, depositNonce)
		}

		kind := wire.KindCallOutDeposit
		switch {
		case d.IsSigned && len(d.Assets) == 1:
			kind = wire.KindCallOutSignedDeposit
		case d.IsSigned:
			kind = wire.KindCallOutSignedDepositMultiple
		case len(d.Assets) > 1:
			kind = wire.KindCallOutDepositMultiple
		}
		msg := wire.DepositMessage{
			Flag:   wire.Flag{Kind: kind, Fallback: fallback},
			Nonce:  depositNonce,
			Assets: d.Assets,
			Params: params,
		}
		if d.IsSigned {
			msg.Sender = d.Owner
		}
		payload, err := wire.EncodeDeposit(msg)
		if err != nil {
			return err
		}

		updated := b.updateDeposit(ctx, depositNonce, func(d *Deposit) {
			d.Params = cloneBytes(params)
			d.HasFallback = fallback
		})
		b.enqueue(ctx, b.envelope(b.cfg.RootChainID, b.cfg.RootAgent, payload, d.Owner, gas))
		b.emitDeposit(ctx, EventDepositRetried, updated, msg.Flag)
		metrics.RecordOperations.WithLabelValues("deposit", "retried").Inc()
		return nil
	})
}

// RetrieveDeposit asks the root to abandon a deposit it has not executed.
// The root answers with a deposit fallback that makes it redeemable.
func (b *BranchAgent) RetrieveDeposit(ctx context.Context, caller common.Address, depositNonce uint32, gas wire.GasParams) error {
	return b.run(ctx, guardOp, func(ctx context.Context) error {
		d, err := b.ownedDeposit(caller, depositNonce)
		if err != nil {
			return err
		}
		if d.Status != StatusSuccess {
			return fmt.Errorf("%w: deposit %d is %s", ErrRetrieveUnavailable, depositNonce, d.Status)
		}
		flag := wire.Flag{Kind: wire.KindRetrieveDeposit}
		payload, err := wire.EncodeRetrieve(wire.RetrieveMessage{Flag: flag, Owner: d.Owner, Nonce: depositNonce})
		if err != nil {
			return err
		}
		b.enqueue(ctx, b.envelope(b.cfg.RootChainID, b.cfg.RootAgent, payload, d.Owner, gas))
		b.emitDeposit(ctx, EventDepositRetrieveRequested, d, flag)
		metrics.RecordOperations.WithLabelValues("deposit", "retrieve_requested").Inc()
		return nil
	})
}

// RedeemDeposit returns the assets of a Failed deposit to recipient, or to
// the owner when recipient is zero, and deletes the record.
func (b *BranchAgent) RedeemDeposit(ctx context.Context, caller common.Address, depositNonce uint32, recipient common.Address) error {
	return b.run(ctx, guardOp, func(ctx context.Context) error {
		d, err := b.ownedDeposit(caller, depositNonce)
		if err != nil {
			return err
		}
		if d.Status != StatusFailed {
			return fmt.Errorf("%w: deposit %d is %s", ErrRedeemUnavailable, depositNonce, d.Status)
		}
		if recipient == (common.Address{}) {
			recipient = d.Owner
		}
		b.deleteDeposit(ctx, depositNonce)
		for i, a := range d.Assets {
			if err := b.port.BridgeIn(ctx, recipient, a); err != nil {
				return fmt.Errorf("bridge in asset %d: %w", i, err)
			}
		}
		ev := newEvent(EventDepositRedeemed)
		ev.RemoteChainID = b.cfg.RootChainID
		ev.Nonce = depositNonce
		ev.Account = recipient
		ev.Deposit = d
		b.emit(ctx, ev)
		metrics.RecordOperations.WithLabelValues("deposit", "redeemed").Inc()
		return nil
	})
}

// RetrySettlement asks the root to re-send one of caller's settlements.
// The request travels under a fresh deposit nonce and leaves no record.
func (b *BranchAgent) RetrySettlement(ctx context.Context, caller common.Address, settlementNonce uint32, params []byte,
	gas, settlementGas wire.GasParams, fallback bool) (uint32, error) {
	var n uint32
	err := b.run(ctx, guardOp, func(ctx context.Context) error {
		n = b.allocate(ctx)
		payload, err := wire.EncodeRetrySettlement(wire.RetrySettlementMessage{
			Fallback:        fallback,
			Owner:           caller,
			Nonce:           n,
			SettlementNonce: settlementNonce,
			Gas:             settlementGas,
			Params:          params,
		})
		if err != nil {
			return err
		}
		b.enqueue(ctx, b.envelope(b.cfg.RootChainID, b.cfg.RootAgent, payload, caller, gas))
		ev := newEvent(EventCallOut)
		ev.RemoteChainID = b.cfg.RootChainID
		ev.Nonce = n
		ev.Flag = wire.Flag{Kind: wire.KindRetrySettlement, Fallback: fallback}.String()
		ev.Account = caller
		b.emit(ctx, ev)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ownedDeposit returns a copy of the deposit when caller owns it. Branch
// deposits have no delegation.
func (b *BranchAgent) ownedDeposit(caller common.Address, depositNonce uint32) (*Deposit, error) {
	d, ok := b.Deposit(depositNonce)
	if !ok {
		return nil, fmt.Errorf("%w: deposit %d does not exist", ErrNotOwner, depositNonce)
	}
	if d.Owner != caller {
		return nil, fmt.Errorf("%w: deposit %d", ErrNotOwner, depositNonce)
	}
	return d, nil
}

func (b *BranchAgent) emitDeposit(ctx context.Context, kind EventKind, d *Deposit, flag wire.Flag) {
	ev := newEvent(kind)
	ev.RemoteChainID = b.cfg.RootChainID
	ev.Nonce = d.Nonce
	ev.Flag = flag.String()
	ev.Account = d.Owner
	ev.Deposit = d.Clone()
	b.emit(ctx, ev)
}

// ============================================
// Record store
// ============================================

// Deposit returns a copy of the record under depositNonce.
func (b *BranchAgent) Deposit(depositNonce uint32) (*Deposit, bool) {
	b.recMu.RLock()
	defer b.recMu.RUnlock()
	d, ok := b.deposits[depositNonce]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Deposits returns copies of all open records ordered by nonce.
func (b *BranchAgent) Deposits() []*Deposit {
	b.recMu.RLock()
	defer b.recMu.RUnlock()
	out := make([]*Deposit, 0, len(b.deposits))
	for _, d := range b.deposits {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out
}

// ExecutionState reports the state of an inbound nonce from the root.
func (b *BranchAgent) ExecutionState(n uint32) nonce.State {
	return b.ledger.State(b.cfg.RootChainID, n)
}

// NextNonce is the deposit nonce the next call-out will use.
func (b *BranchAgent) NextNonce() uint32 {
	return b.ledger.Next()
}

func (b *BranchAgent) putDeposit(ctx context.Context, d *Deposit) {
	b.recMu.Lock()
	b.deposits[d.Nonce] = d.Clone()
	b.recMu.Unlock()
	b.onUndo(ctx, func() {
		b.recMu.Lock()
		delete(b.deposits, d.Nonce)
		b.recMu.Unlock()
	})
}

func (b *BranchAgent) deleteDeposit(ctx context.Context, depositNonce uint32) {
	b.recMu.Lock()
	prev := b.deposits[depositNonce]
	delete(b.deposits, depositNonce)
	b.recMu.Unlock()
	if prev == nil {
		return
	}
	b.onUndo(ctx, func() {
		b.recMu.Lock()
		b.deposits[depositNonce] = prev
		b.recMu.Unlock()
	})
}

// updateDeposit mutates a stored record in place and returns a copy of the
// result.
func (b *BranchAgent) updateDeposit(ctx context.Context, depositNonce uint32, mutate func(d *Deposit)) *Deposit {
	b.recMu.Lock()
	cur := b.deposits[depositNonce]
	prev := cur.Clone()
	mutate(cur)
	out := cur.Clone()
	b.recMu.Unlock()
	b.onUndo(ctx, func() {
		b.recMu.Lock()
		b.deposits[depositNonce] = prev
		b.recMu.Unlock()
	})
	return out
}
