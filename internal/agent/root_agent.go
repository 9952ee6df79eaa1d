package agent

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/metrics"
	"bridge-agent/internal/nonce"
	"bridge-agent/internal/wire"
)

// RootConfig identifies the root agent. Branches pre-registers counterpart
// agents by chain id, the root chain's own branch included.
type RootConfig struct {
	ChainID       uint16
	Self          common.Address
	Endpoint      common.Address
	Router        common.Address
	Manager       common.Address
	SafetyAccount common.Address
	Delegation    Delegation
	Branches      map[uint16]common.Address
}

func (c RootConfig) validate() error {
	switch {
	case c.Self == (common.Address{}):
		return errors.New("agent: root address is required")
	case c.Endpoint == (common.Address{}):
		return errors.New("agent: endpoint address is required")
	case c.Router == (common.Address{}):
		return errors.New("agent: router address is required")
	case c.Manager == (common.Address{}):
		return errors.New("agent: manager address is required")
	}
	return nil
}

// RootDeps are the collaborators of the root agent. Inspector, Events,
// Ledger and Logger may be nil; without an inspector every owner is
// treated as an externally owned account.
type RootDeps struct {
	Port      RootPort
	Transport Transport
	// Inspector is required: owner checks fail closed without it.
	Inspector AccountInspector
	Journal   Journal
	Events    EventSink
	Ledger    *nonce.Ledger
	Logger    *logrus.Logger
}

// RootAgent executes deposits from branch agents and settles assets back
// to them.
type RootAgent struct {
	*core
	cfg       RootConfig
	port      RootPort
	inspector AccountInspector
	router    RootRouter

	recMu       sync.RWMutex
	settlements map[uint32]*Settlement
	branches    map[uint16]common.Address
	approved    map[uint16]bool
}

func NewRootAgent(cfg RootConfig, deps RootDeps) (*RootAgent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Port == nil || deps.Transport == nil {
		return nil, errors.New("agent: root port and transport are required")
	}
	if deps.Inspector == nil {
		return nil, errors.New("agent: root account inspector is required")
	}
	r := &RootAgent{
		cfg:         cfg,
		port:        deps.Port,
		inspector:   deps.Inspector,
		settlements: make(map[uint32]*Settlement),
		branches:    make(map[uint16]common.Address, len(cfg.Branches)),
		approved:    make(map[uint16]bool),
	}
	for chain, addr := range cfg.Branches {
		r.branches[chain] = addr
	}
	r.core = newCore(RoleRoot, cfg.ChainID, cfg.Self, cfg.Endpoint, cfg.SafetyAccount, deps.Port, deps.Port.Sweep, deps.Transport, deps.Journal, deps.Events, deps.Ledger, deps.Logger)
	return r, nil
}

func (r *RootAgent) SetRouter(router RootRouter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.router = router
}

func (r *RootAgent) Config() RootConfig { return r.cfg }

// DelegatedAccount returns the virtual account acting for owner.
func (r *RootAgent) DelegatedAccount(owner common.Address) common.Address {
	return r.cfg.Delegation.Account(owner)
}

// Approved reports whether account holds the transient signed-call grant
// of the invocation carried by ctx. Routers check it before acting for a
// delegated account.
func (r *RootAgent) Approved(ctx context.Context, account common.Address) bool {
	return r.granted(ctx, account)
}

// ============================================
// Branch registry
// ============================================

// ApproveBranch allows a counterpart for chainID to be synced.
func (r *RootAgent) ApproveBranch(ctx context.Context, caller common.Address, chainID uint16) error {
	return r.run(ctx, guardOp, func(ctx context.Context) error {
		if caller != r.cfg.Manager {
			return fmt.Errorf("%w: %s is not the manager", ErrUnauthorizedCaller, caller.Hex())
		}
		if _, ok := r.Branch(chainID); ok {
			return fmt.Errorf("%w: chain %d", ErrAlreadyRegistered, chainID)
		}
		r.recMu.Lock()
		prev := r.approved[chainID]
		r.approved[chainID] = true
		r.recMu.Unlock()
		r.onUndo(ctx, func() {
			r.recMu.Lock()
			r.approved[chainID] = prev
			r.recMu.Unlock()
		})
		ev := newEvent(EventBranchApproved)
		ev.RemoteChainID = chainID
		ev.Account = caller
		r.emit(ctx, ev)
		return nil
	})
}

// SyncBranch registers the counterpart agent of an approved chain and
// consumes the approval.
func (r *RootAgent) SyncBranch(ctx context.Context, caller common.Address, chainID uint16, branch common.Address) error {
	return r.run(ctx, guardOp, func(ctx context.Context) error {
		if caller != r.cfg.Manager {
			return fmt.Errorf("%w: %s is not the manager", ErrUnauthorizedCaller, caller.Hex())
		}
		if branch == (common.Address{}) {
			return fmt.Errorf("%w: zero branch address", ErrUnauthorizedCaller)
		}
		if _, ok := r.Branch(chainID); ok {
			return fmt.Errorf("%w: chain %d", ErrAlreadyRegistered, chainID)
		}
		r.recMu.Lock()
		if !r.approved[chainID] {
			r.recMu.Unlock()
			return fmt.Errorf("%w: chain %d not approved", ErrUnknownChain, chainID)
		}
		delete(r.approved, chainID)
		r.branches[chainID] = branch
		r.recMu.Unlock()
		r.onUndo(ctx, func() {
			r.recMu.Lock()
			delete(r.branches, chainID)
			r.approved[chainID] = true
			r.recMu.Unlock()
		})
		ev := newEvent(EventBranchSynced)
		ev.RemoteChainID = chainID
		ev.Account = branch
		r.emit(ctx, ev)
		r.log.WithFields(logrus.Fields{"chain": chainID, "branch": branch.Hex()}).Info("🔗 Branch agent synced")
		return nil
	})
}

// Branch returns the counterpart registered for chainID.
func (r *RootAgent) Branch(chainID uint16) (common.Address, bool) {
	r.recMu.RLock()
	defer r.recMu.RUnlock()
	addr, ok := r.branches[chainID]
	return addr, ok
}

// Branches returns a copy of the registry.
func (r *RootAgent) Branches() map[uint16]common.Address {
	r.recMu.RLock()
	defer r.recMu.RUnlock()
	out := make(map[uint16]common.Address, len(r.branches))
	for k, v := range r.branches {
		out[k] = v
	}
	return out
}

// BranchApproved reports a pending onboarding approval.
func (r *RootAgent) BranchApproved(chainID uint16) bool {
	r.recMu.RLock()
	defer r.recMu.RUnlock()
	return r.approved[chainID]
}

// ============================================
// Call-outs (router only)
// ============================================

// CallOut sends params to the router of dstChainID without assets.
func (r *RootAgent) CallOut(ctx context.Context, caller, refundee common.Address, dstChainID uint16, params []byte, gas wire.GasParams) (uint32, error) {
	return r.callOut(ctx, caller, refundee, common.Address{}, dstChainID, params, nil, gas, false)
}

// CallOutAndBridge settles one global token to recipient on dstChainID.
// The settlement is owned by refundee.
func (r *RootAgent) CallOutAndBridge(ctx context.Context, caller, refundee, recipient common.Address, dstChainID uint16,
	params []byte, asset TokenAmount, gas wire.GasParams, fallback bool) (uint32, error) {
	return r.callOut(ctx, caller, refundee, recipient, dstChainID, params, []TokenAmount{asset}, gas, fallback)
}

func (r *RootAgent) CallOutAndBridgeMultiple(ctx context.Context, caller, refundee, recipient common.Address, dstChainID uint16,
	params []byte, assets []TokenAmount, gas wire.GasParams, fallback bool) (uint32, error) {
	if len(assets) == 0 {
		return 0, fmt.Errorf("%w: no assets", ErrInvalidAssets)
	}
	return r.callOut(ctx, caller, refundee, recipient, dstChainID, params, assets, gas, fallback)
}

func (r *RootAgent) callOut(ctx context.Context, caller, refundee, recipient common.Address, dstChainID uint16,
	params []byte, amounts []TokenAmount, gas wire.GasParams, fallback bool) (uint32, error) {
	var n uint32
	err := r.run(ctx, guardOp, func(ctx context.Context) error {
		if caller != r.cfg.Router {
			return fmt.Errorf("%w: %s is not the router", ErrUnauthorizedCaller, caller.Hex())
		}
		branch, ok := r.Branch(dstChainID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownChain, dstChainID)
		}
		if refundee == (common.Address{}) {
			refundee = caller
		}

		assets, err := r.resolveAssets(ctx, dstChainID, amounts)
		if err != nil {
			return err
		}
		n = r.allocate(ctx)
		for i, a := range amounts {
			if err := r.port.MoveToBranch(ctx, caller, a.GlobalToken, a.Amount, a.Deposit, dstChainID); err != nil {
				return fmt.Errorf("move asset %d to branch: %w", i, err)
			}
		}

		kind := wire.KindNoSettlement
		switch len(assets) {
		case 0:
		case 1:
			kind = wire.KindSettlement
		default:
			kind = wire.KindSettlementMultiple
		}
		msg := wire.SettlementMessage{
			Flag:      wire.Flag{Kind: kind, Fallback: fallback && len(assets) > 0},
			Recipient: recipient,
			Nonce:     n,
			Assets:    assets,
			Params:    params,
		}
		payload, err := wire.EncodeSettlement(msg)
		if err != nil {
			return err
		}
		r.enqueue(ctx, r.envelope(dstChainID, branch, payload, refundee, gas))

		if len(assets) == 0 {
			ev := newEvent(EventCallOut)
			ev.RemoteChainID = dstChainID
			ev.Nonce = n
			ev.Flag = msg.Flag.String()
			ev.Account = refundee
			r.emit(ctx, ev)
			return nil
		}

		s := &Settlement{
			Nonce:       n,
			Owner:       refundee,
			Recipient:   recipient,
			DstChainID:  dstChainID,
			Assets:      wire.CloneAssets(assets),
			Status:      StatusSuccess,
			Params:      cloneBytes(params),
			HasFallback: msg.Flag.Fallback,
		}
		r.putSettlement(ctx, s)
		r.emitSettlement(ctx, EventSettlementCreated, s, msg.Flag)
		metrics.RecordOperations.WithLabelValues("settlement", "created").Inc()
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.log.WithFields(logrus.Fields{"nonce": n, "dst_chain": dstChainID, "assets": len(amounts)}).
		Info("📤 Settlement call-out sent to branch")
	return n, nil
}

// resolveAssets maps global tokens to the destination chain's hToken and
// underlying token.
func (r *RootAgent) resolveAssets(ctx context.Context, dstChainID uint16, amounts []TokenAmount) ([]wire.Asset, error) {
	if len(amounts) > wire.MaxTokens {
		return nil, fmt.Errorf("%w: %d assets, max %d", ErrInvalidAssets, len(amounts), wire.MaxTokens)
	}
	assets := make([]wire.Asset, 0, len(amounts))
	for i, a := range amounts {
		if err := validateAmounts(a.Amount, a.Deposit); err != nil {
			return nil, fmt.Errorf("asset %d: %w", i, err)
		}
		local, ok := r.port.LocalToken(ctx, a.GlobalToken, dstChainID)
		if !ok {
			return nil, fmt.Errorf("%w: no local token for %s on chain %d", ErrUnknownToken, a.GlobalToken.Hex(), dstChainID)
		}
		underlying, ok := r.port.UnderlyingToken(ctx, local, dstChainID)
		if !ok && a.Deposit.Sign() > 0 {
			return nil, fmt.Errorf("%w: no underlying token for %s on chain %d", ErrUnknownToken, local.Hex(), dstChainID)
		}
		assets = append(assets, wire.Asset{
			HToken:  local,
			Token:   underlying,
			Amount:  new(big.Int).Set(a.Amount),
			Deposit: new(big.Int).Set(a.Deposit),
		})
	}
	return assets, nil
}

// ============================================
// Settlement lifecycle
// ============================================

// RetrySettlement re-sends a Success settlement under its original nonce.
// A zero recipient keeps the recorded one.
func (r *RootAgent) RetrySettlement(ctx context.Context, caller common.Address, settlementNonce uint32, recipient common.Address,
	params []byte, gas wire.GasParams, fallback bool) error {
	return r.run(ctx, guardOp, func(ctx context.Context) error {
		return r.retrySettlement(ctx, caller, settlementNonce, recipient, params, gas, fallback)
	})
}

func (r *RootAgent) retrySettlement(ctx context.Context, caller common.Address, settlementNonce uint32, recipient common.Address,
	params []byte, gas wire.GasParams, fallback bool) error {
	s, err := r.ownedSettlement(ctx, caller, settlementNonce)
	if err != nil {
		return err
	}
	if s.Status != StatusSuccess {
		return fmt.Errorf("%w: settlement %d is %s", ErrRetryUnavailable, settlementNonce, s.Status)
	}
	if len(s.Assets) == 0 {
		return fmt.Errorf("%w: settlement %d moves no assets", ErrRetryUnavailable, settlementNonce)
	}
	branch, ok := r.Branch(s.DstChainID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChain, s.DstChainID)
	}
	if recipient == (common.Address{}) {
		recipient = s.Recipient
	}

	kind := wire.KindSettlement
	if len(s.Assets) > 1 {
		kind = wire.KindSettlementMultiple
	}
	msg := wire.SettlementMessage{
		Flag:      wire.Flag{Kind: kind, Fallback: fallback},
		Recipient: recipient,
		Nonce:     settlementNonce,
		Assets:    s.Assets,
		Params:    params,
	}
	payload, err := wire.EncodeSettlement(msg)
	if err != nil {
		return err
	}
	updated := r.updateSettlement(ctx, settlementNonce, func(s *Settlement) {
		s.Recipient = recipient
		s.Params = cloneBytes(params)
		s.HasFallback = fallback
	})
	r.enqueue(ctx, r.envelope(s.DstChainID, branch, payload, s.Owner, gas))
	r.emitSettlement(ctx, EventSettlementRetried, updated, msg.Flag)
	metrics.RecordOperations.WithLabelValues("settlement", "retried").Inc()
	return nil
}

// RetrieveSettlement asks the destination branch to abandon a settlement it
// has not executed. Requests may repeat while the settlement is Success.
func (r *RootAgent) RetrieveSettlement(ctx context.Context, caller common.Address, settlementNonce uint32, gas wire.GasParams) error {
	return r.run(ctx, guardOp, func(ctx context.Context) error {
		s, err := r.ownedSettlement(ctx, caller, settlementNonce)
		if err != nil {
			return err
		}
		if s.Status != StatusSuccess {
			return fmt.Errorf("%w: settlement %d is %s", ErrRetrieveUnavailable, settlementNonce, s.Status)
		}
		branch, ok := r.Branch(s.DstChainID)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownChain, s.DstChainID)
		}
		flag := wire.Flag{Kind: wire.KindRetrieveSettlement}
		payload, err := wire.EncodeRetrieve(wire.RetrieveMessage{Flag: flag, Owner: s.Owner, Nonce: settlementNonce})
		if err != nil {
			return err
		}
		r.enqueue(ctx, r.envelope(s.DstChainID, branch, payload, s.Owner, gas))
		r.emitSettlement(ctx, EventSettlementRetrieveRequest, s, flag)
		metrics.RecordOperations.WithLabelValues("settlement", "retrieve_requested").Inc()
		return nil
	})
}

// RedeemSettlement credits the global tokens of a Failed settlement back to
// recipient on the root chain, or to the owner when recipient is zero, and
// deletes the record.
func (r *RootAgent) RedeemSettlement(ctx context.Context, caller common.Address, settlementNonce uint32, recipient common.Address) error {
	return r.run(ctx, guardOp, func(ctx context.Context) error {
		s, err := r.ownedSettlement(ctx, caller, settlementNonce)
		if err != nil {
			return err
		}
		if s.Status != StatusFailed {
			return fmt.Errorf("%w: settlement %d is %s", ErrRedeemUnavailable, settlementNonce, s.Status)
		}
		if recipient == (common.Address{}) {
			recipient = s.Owner
		}
		r.deleteSettlement(ctx, settlementNonce)
		for i, a := range s.Assets {
			global, ok := r.port.GlobalToken(ctx, a.HToken, s.DstChainID)
			if !ok {
				return fmt.Errorf("%w: no global token for %s on chain %d", ErrUnknownToken, a.HToken.Hex(), s.DstChainID)
			}
			if err := r.port.MoveToRoot(ctx, recipient, global, a.Amount, a.Deposit, s.DstChainID); err != nil {
				return fmt.Errorf("move asset %d to root: %w", i, err)
			}
		}
		ev := newEvent(EventSettlementRedeemed)
		ev.RemoteChainID = s.DstChainID
		ev.Nonce = settlementNonce
		ev.Account = recipient
		ev.Settlement = s
		r.emit(ctx, ev)
		metrics.RecordOperations.WithLabelValues("settlement", "redeemed").Inc()
		return nil
	})
}

func (r *RootAgent) ownedSettlement(ctx context.Context, caller common.Address, settlementNonce uint32) (*Settlement, error) {
	s, ok := r.Settlement(settlementNonce)
	if !ok {
		return nil, fmt.Errorf("%w: settlement %d does not exist", ErrNotOwner, settlementNonce)
	}
	if err := checkOwner(ctx, r.inspector, r.cfg.Delegation, caller, s.Owner); err != nil {
		return nil, fmt.Errorf("settlement %d: %w", settlementNonce, err)
	}
	return s, nil
}

func (r *RootAgent) emitSettlement(ctx context.Context, kind EventKind, s *Settlement, flag wire.Flag) {
	ev := newEvent(kind)
	ev.RemoteChainID = s.DstChainID
	ev.Nonce = s.Nonce
	ev.Flag = flag.String()
	ev.Account = s.Owner
	ev.Settlement = s.Clone()
	r.emit(ctx, ev)
}

// ============================================
// Record store
// ============================================

func (r *RootAgent) Settlement(settlementNonce uint32) (*Settlement, bool) {
	r.recMu.RLock()
	defer r.recMu.RUnlock()
	s, ok := r.settlements[settlementNonce]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Settlements returns copies of all open records ordered by nonce.
func (r *RootAgent) Settlements() []*Settlement {
	r.recMu.RLock()
	defer r.recMu.RUnlock()
	out := make([]*Settlement, 0, len(r.settlements))
	for _, s := range r.settlements {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out
}

// ExecutionState reports the state of an inbound deposit nonce.
func (r *RootAgent) ExecutionState(srcChainID uint16, n uint32) nonce.State {
	return r.ledger.State(srcChainID, n)
}

// NextNonce is the settlement nonce the next call-out will use.
func (r *RootAgent) NextNonce() uint32 {
	return r.ledger.Next()
}

func (r *RootAgent) putSettlement(ctx context.Context, s *Settlement) {
	r.recMu.Lock()
	r.settlements[s.Nonce] = s.Clone()
	r.recMu.Unlock()
	r.onUndo(ctx, func() {
		r.recMu.Lock()
		delete(r.settlements, s.Nonce)
		r.recMu.Unlock()
	})
}

func (r *RootAgent) deleteSettlement(ctx context.Context, settlementNonce uint32) {
	r.recMu.Lock()
	prev := r.settlements[settlementNonce]
	delete(r.settlements, settlementNonce)
	r.recMu.Unlock()
	if prev == nil {
		return
	}
	r.onUndo(ctx, func() {
		r.recMu.Lock()
		r.settlements[settlementNonce] = prev
		r.recMu.Unlock()
	})
}

func (r *RootAgent) updateSettlement(ctx context.Context, settlementNonce uint32, mutate func(s *Settlement)) *Settlement {
	r.recMu.Lock()
	cur := r.settlements[settlementNonce]
	prev := cur.Clone()
	mutate(cur)
	out := cur.Clone()
	r.recMu.Unlock()
	r.onUndo(ctx, func() {
		r.recMu.Lock()
		r.settlements[settlementNonce] = prev
		r.recMu.Unlock()
	})
	return out
}
