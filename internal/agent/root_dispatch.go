package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/metrics"
	"bridge-agent/internal/nonce"
	"bridge-agent/internal/wire"
)

// Receive handles one delivery from a branch agent. It never fails; the
// receipt reports whether the delivery was rolled back.
func (r *RootAgent) Receive(ctx context.Context, d Delivery) Receipt {
	return r.receive(ctx, d, wire.RootKindName, r.handle)
}

// ReceiveNonBlocking handles one delivery and returns its error. On error
// nothing the delivery did is kept.
func (r *RootAgent) ReceiveNonBlocking(ctx context.Context, d Delivery) (Receipt, error) {
	return r.receiveNonBlocking(ctx, d, wire.RootKindName, r.handle)
}

func (r *RootAgent) handle(ctx context.Context, d Delivery, rc *Receipt) error {
	remote, known := r.Branch(d.SrcChainID)
	if err := r.authenticate(d, remote, known); err != nil {
		return err
	}
	flag, err := wire.PeekFlag(d.Payload)
	if err != nil {
		return err
	}

	switch flag.Kind {
	case wire.KindCallOut, wire.KindCallOutDeposit, wire.KindCallOutDepositMultiple,
		wire.KindCallOutSigned, wire.KindCallOutSignedDeposit, wire.KindCallOutSignedDepositMultiple:
		msg, err := wire.DecodeDeposit(d.Payload)
		if err != nil {
			return err
		}
		rc.Nonce = msg.Nonce
		return r.executeDeposit(ctx, d.SrcChainID, msg, rc)

	case wire.KindRetrySettlement:
		msg, err := wire.DecodeRetrySettlement(d.Payload)
		if err != nil {
			return err
		}
		rc.Nonce = msg.Nonce
		if err := r.markDone(ctx, d.SrcChainID, msg.Nonce); err != nil {
			return err
		}
		return rootExecutor{r}.executeRetrySettlement(ctx, msg, d.SrcChainID)

	case wire.KindRetrieveDeposit:
		msg, err := wire.DecodeRetrieve(d.Payload)
		if err != nil {
			return err
		}
		rc.Nonce = msg.Nonce
		return r.retrieveDeposit(ctx, d.SrcChainID, remote, msg, rc)

	case wire.KindSettlementFallback:
		msg, err := wire.DecodeFallback(d.Payload)
		if err != nil {
			return err
		}
		rc.Nonce = msg.Nonce
		return r.failSettlement(ctx, d.SrcChainID, msg.Nonce)
	}
	return fmt.Errorf("%w: %s", ErrUnknownFlag, flag)
}

func (r *RootAgent) executeDeposit(ctx context.Context, src uint16, msg wire.DepositMessage, rc *Receipt) error {
	if err := r.markDone(ctx, src, msg.Nonce); err != nil {
		return err
	}

	exec := rootExecutor{r}
	err := r.try(ctx, func(ctx context.Context) error {
		switch msg.Flag.Kind {
		case wire.KindCallOutDeposit:
			return exec.executeWithAsset(ctx, msg, src)
		case wire.KindCallOutDepositMultiple:
			return exec.executeWithAssets(ctx, msg, src)
		case wire.KindCallOutSigned:
			return exec.executeSigned(ctx, msg, src)
		case wire.KindCallOutSignedDeposit:
			return exec.executeSignedWithAsset(ctx, msg, src)
		case wire.KindCallOutSignedDepositMultiple:
			return exec.executeSignedWithAssets(ctx, msg, src)
		}
		return exec.executeNoAsset(ctx, msg.Params, src)
	})
	if err == nil {
		ev := newEvent(EventExecuted)
		ev.RemoteChainID = src
		ev.Nonce = msg.Nonce
		ev.Flag = msg.Flag.String()
		ev.Account = msg.Sender
		ev.ExecState = stateRef(nonce.Done)
		r.emit(ctx, ev)
		return nil
	}

	entry := r.log.WithError(err).WithFields(logrus.Fields{"src_chain": src, "nonce": msg.Nonce, "flag": msg.Flag.String()})
	if !msg.Flag.Fallback || len(msg.Assets) == 0 {
		return errors.Join(ErrExecutionFailed, err)
	}

	branch, _ := r.Branch(src)
	if err := r.downgrade(ctx, src, msg.Nonce); err != nil {
		return err
	}
	if err := r.sendDepositFallback(ctx, src, branch, msg.Nonce, msg.Sender); err != nil {
		return err
	}
	rc.FallbackSent = true

	ev := newEvent(EventExecutionFallback)
	ev.RemoteChainID = src
	ev.Nonce = msg.Nonce
	ev.Flag = msg.Flag.String()
	ev.Account = msg.Sender
	ev.ExecState = stateRef(nonce.Retrieve)
	ev.Error = err.Error()
	r.emit(ctx, ev)
	entry.Warn("↩️ Deposit execution failed, fallback sent to branch")
	return nil
}

// retrieveDeposit abandons a deposit its branch wants back. A deposit
// already executed here cannot be retrieved.
func (r *RootAgent) retrieveDeposit(ctx context.Context, src uint16, branch common.Address, msg wire.RetrieveMessage, rc *Receipt) error {
	if err := r.markRetrieve(ctx, src, msg.Nonce); err != nil {
		return err
	}
	if err := r.sendDepositFallback(ctx, src, branch, msg.Nonce, msg.Owner); err != nil {
		return err
	}
	rc.FallbackSent = true

	ev := newEvent(EventRetrieved)
	ev.RemoteChainID = src
	ev.Nonce = msg.Nonce
	ev.Flag = msg.Flag.String()
	ev.Account = msg.Owner
	ev.ExecState = stateRef(nonce.Retrieve)
	r.emit(ctx, ev)
	return nil
}

func (r *RootAgent) sendDepositFallback(ctx context.Context, dst uint16, branch common.Address, depositNonce uint32, refundee common.Address) error {
	payload, err := wire.EncodeFallback(wire.FallbackMessage{Flag: wire.Flag{Kind: wire.KindDepositFallback}, Nonce: depositNonce})
	if err != nil {
		return err
	}
	r.enqueue(ctx, r.envelope(dst, branch, payload, refundee, wire.GasParams{}))
	return nil
}

// failSettlement marks a settlement Failed after its destination branch
// reported it was not executed. Repeated fallbacks are no-ops.
func (r *RootAgent) failSettlement(ctx context.Context, src uint16, settlementNonce uint32) error {
	s, ok := r.Settlement(settlementNonce)
	if !ok {
		return fmt.Errorf("%w: settlement %d", ErrRecordNotFound, settlementNonce)
	}
	if s.DstChainID != src {
		return fmt.Errorf("%w: settlement %d was sent to chain %d, not %d", ErrUnauthorizedCaller, settlementNonce, s.DstChainID, src)
	}
	if s.Status == StatusFailed {
		return nil
	}
	updated := r.updateSettlement(ctx, settlementNonce, func(s *Settlement) { s.Status = StatusFailed })
	r.emitSettlement(ctx, EventSettlementFailed, updated, wire.Flag{Kind: wire.KindSettlementFallback})
	metrics.RecordOperations.WithLabelValues("settlement", "failed").Inc()
	r.log.WithFields(logrus.Fields{"nonce": settlementNonce, "owner": s.Owner.Hex()}).
		Info("🔓 Settlement marked failed, owner may redeem")
	return nil
}

// rootExecutor credits deposited assets before handing control to the
// router. Signed variants act through the sender's delegated account,
// which holds a grant for exactly the duration of the router call.
type rootExecutor struct{ r *RootAgent }

func (e rootExecutor) routerOrErr() (RootRouter, error) {
	if e.r.router == nil {
		return nil, fmt.Errorf("%w: no router installed", ErrExecutionFailed)
	}
	return e.r.router, nil
}

func (e rootExecutor) executeNoAsset(ctx context.Context, params []byte, src uint16) error {
	router, err := e.routerOrErr()
	if err != nil {
		return err
	}
	return router.Execute(ctx, params, src)
}

func (e rootExecutor) executeWithAsset(ctx context.Context, msg wire.DepositMessage, src uint16) error {
	if err := e.credit(ctx, e.r.cfg.Router, msg.Assets, src); err != nil {
		return err
	}
	if len(msg.Params) == 0 {
		return nil
	}
	router, err := e.routerOrErr()
	if err != nil {
		return err
	}
	return router.ExecuteDeposit(ctx, msg.Params, DepositParams{Nonce: msg.Nonce, Assets: msg.Assets}, src)
}

func (e rootExecutor) executeWithAssets(ctx context.Context, msg wire.DepositMessage, src uint16) error {
	if err := e.credit(ctx, e.r.cfg.Router, msg.Assets, src); err != nil {
		return err
	}
	if len(msg.Params) == 0 {
		return nil
	}
	router, err := e.routerOrErr()
	if err != nil {
		return err
	}
	return router.ExecuteDepositMultiple(ctx, msg.Params, DepositParams{Nonce: msg.Nonce, Assets: msg.Assets}, src)
}

func (e rootExecutor) executeSigned(ctx context.Context, msg wire.DepositMessage, src uint16) error {
	router, err := e.routerOrErr()
	if err != nil {
		return err
	}
	account := e.r.cfg.Delegation.Account(msg.Sender)
	revoke, err := e.r.grant(ctx, account)
	if err != nil {
		return err
	}
	defer revoke()
	return router.ExecuteSigned(ctx, msg.Params, account, src)
}

func (e rootExecutor) executeSignedWithAsset(ctx context.Context, msg wire.DepositMessage, src uint16) error {
	return e.executeSignedDeposit(ctx, msg, src, func(router RootRouter, account common.Address, dp DepositParams) error {
		return router.ExecuteSignedDeposit(ctx, msg.Params, dp, account, src)
	})
}

func (e rootExecutor) executeSignedWithAssets(ctx context.Context, msg wire.DepositMessage, src uint16) error {
	return e.executeSignedDeposit(ctx, msg, src, func(router RootRouter, account common.Address, dp DepositParams) error {
		return router.ExecuteSignedDepositMultiple(ctx, msg.Params, dp, account, src)
	})
}

func (e rootExecutor) executeSignedDeposit(ctx context.Context, msg wire.DepositMessage, src uint16,
	call func(RootRouter, common.Address, DepositParams) error) error {
	account := e.r.cfg.Delegation.Account(msg.Sender)
	if err := e.credit(ctx, account, msg.Assets, src); err != nil {
		return err
	}
	if len(msg.Params) == 0 {
		return nil
	}
	router, err := e.routerOrErr()
	if err != nil {
		return err
	}
	revoke, err := e.r.grant(ctx, account)
	if err != nil {
		return err
	}
	defer revoke()
	return call(router, account, DepositParams{Nonce: msg.Nonce, Assets: msg.Assets})
}

// executeRetrySettlement re-sends a settlement on behalf of the owner named
// in a branch request.
func (e rootExecutor) executeRetrySettlement(ctx context.Context, msg wire.RetrySettlementMessage, src uint16) error {
	err := e.r.retrySettlement(ctx, msg.Owner, msg.SettlementNonce, common.Address{}, msg.Params, msg.Gas, msg.Fallback)
	if err != nil {
		return err
	}
	ev := newEvent(EventExecuted)
	ev.RemoteChainID = src
	ev.Nonce = msg.Nonce
	ev.Flag = wire.Flag{Kind: wire.KindRetrySettlement, Fallback: msg.Fallback}.String()
	ev.Account = msg.Owner
	ev.ExecState = stateRef(nonce.Done)
	e.r.emit(ctx, ev)
	return nil
}

func (e rootExecutor) credit(ctx context.Context, to common.Address, assets []wire.Asset, src uint16) error {
	for i, a := range assets {
		if err := validateAmounts(a.Amount, a.Deposit); err != nil {
			return fmt.Errorf("asset %d: %w", i, err)
		}
		global, ok := e.r.port.GlobalToken(ctx, a.HToken, src)
		if !ok {
			return fmt.Errorf("%w: no global token for %s on chain %d", ErrUnknownToken, a.HToken.Hex(), src)
		}
		if err := e.r.port.MoveToRoot(ctx, to, global, a.Amount, a.Deposit, src); err != nil {
			return fmt.Errorf("move asset %d to root: %w", i, err)
		}
	}
	return nil
}
