package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"bridge-agent/internal/metrics"
	"bridge-agent/internal/nonce"
	"bridge-agent/internal/wire"
)

// Receive handles one delivery from the root agent. It never fails; the
// receipt reports whether the delivery was rolled back.
func (b *BranchAgent) Receive(ctx context.Context, d Delivery) Receipt {
	return b.receive(ctx, d, wire.BranchKindName, b.handle)
}

// ReceiveNonBlocking handles one delivery and returns its error. On error
// nothing the delivery did is kept.
func (b *BranchAgent) ReceiveNonBlocking(ctx context.Context, d Delivery) (Receipt, error) {
	return b.receiveNonBlocking(ctx, d, wire.BranchKindName, b.handle)
}

func (b *BranchAgent) handle(ctx context.Context, d Delivery, rc *Receipt) error {
	if err := b.authenticate(d, b.cfg.RootAgent, d.SrcChainID == b.cfg.RootChainID); err != nil {
		return err
	}
	flag, err := wire.PeekFlag(d.Payload)
	if err != nil {
		return err
	}

	switch flag.Kind {
	case wire.KindNoSettlement, wire.KindSettlement, wire.KindSettlementMultiple:
		msg, err := wire.DecodeSettlement(d.Payload)
		if err != nil {
			return err
		}
		rc.Nonce = msg.Nonce
		return b.executeSettlement(ctx, d.SrcChainID, msg, rc)

	case wire.KindRetrieveSettlement:
		msg, err := wire.DecodeRetrieve(d.Payload)
		if err != nil {
			return err
		}
		rc.Nonce = msg.Nonce
		return b.retrieveSettlement(ctx, d.SrcChainID, msg, rc)

	case wire.KindDepositFallback:
		msg, err := wire.DecodeFallback(d.Payload)
		if err != nil {
			return err
		}
		rc.Nonce = msg.Nonce
		return b.failDeposit(ctx, msg.Nonce)
	}
	return fmt.Errorf("%w: %s", ErrUnknownFlag, flag)
}

func (b *BranchAgent) executeSettlement(ctx context.Context, src uint16, msg wire.SettlementMessage, rc *Receipt) error {
	if err := b.markDone(ctx, src, msg.Nonce); err != nil {
		return err
	}

	exec := branchExecutor{b}
	err := b.try(ctx, func(ctx context.Context) error {
		switch msg.Flag.Kind {
		case wire.KindSettlement:
			return exec.executeWithAsset(ctx, msg)
		case wire.KindSettlementMultiple:
			return exec.executeWithAssets(ctx, msg)
		}
		return exec.executeNoAsset(ctx, msg.Params, src)
	})
	if err == nil {
		ev := newEvent(EventExecuted)
		ev.RemoteChainID = src
		ev.Nonce = msg.Nonce
		ev.Flag = msg.Flag.String()
		ev.Account = msg.Recipient
		ev.ExecState = stateRef(nonce.Done)
		b.emit(ctx, ev)
		return nil
	}

	entry := b.log.WithError(err).WithFields(logrus.Fields{"src_chain": src, "nonce": msg.Nonce, "flag": msg.Flag.String()})
	if !msg.Flag.Fallback || msg.Flag.Kind == wire.KindNoSettlement {
		return errors.Join(ErrExecutionFailed, err)
	}

	if err := b.downgrade(ctx, src, msg.Nonce); err != nil {
		return err
	}
	payload, ferr := wire.EncodeFallback(wire.FallbackMessage{Flag: wire.Flag{Kind: wire.KindSettlementFallback}, Nonce: msg.Nonce})
	if ferr != nil {
		return ferr
	}
	b.enqueue(ctx, b.envelope(b.cfg.RootChainID, b.cfg.RootAgent, payload, msg.Recipient, wire.GasParams{}))
	rc.FallbackSent = true

	ev := newEvent(EventExecutionFallback)
	ev.RemoteChainID = src
	ev.Nonce = msg.Nonce
	ev.Flag = msg.Flag.String()
	ev.Account = msg.Recipient
	ev.ExecState = stateRef(nonce.Retrieve)
	ev.Error = err.Error()
	b.emit(ctx, ev)
	entry.Warn("↩️ Settlement execution failed, fallback sent to root")
	return nil
}

// retrieveSettlement abandons a settlement the root wants back. A settlement
// already executed here cannot be retrieved.
func (b *BranchAgent) retrieveSettlement(ctx context.Context, src uint16, msg wire.RetrieveMessage, rc *Receipt) error {
	if err := b.markRetrieve(ctx, src, msg.Nonce); err != nil {
		return err
	}
	payload, err := wire.EncodeFallback(wire.FallbackMessage{Flag: wire.Flag{Kind: wire.KindSettlementFallback}, Nonce: msg.Nonce})
	if err != nil {
		return err
	}
	b.enqueue(ctx, b.envelope(b.cfg.RootChainID, b.cfg.RootAgent, payload, msg.Owner, wire.GasParams{}))
	rc.FallbackSent = true

	ev := newEvent(EventRetrieved)
	ev.RemoteChainID = src
	ev.Nonce = msg.Nonce
	ev.Flag = msg.Flag.String()
	ev.Account = msg.Owner
	ev.ExecState = stateRef(nonce.Retrieve)
	b.emit(ctx, ev)
	return nil
}

// failDeposit marks a deposit Failed after the root reported it was not
// executed. Repeated fallbacks are no-ops.
func (b *BranchAgent) failDeposit(ctx context.Context, depositNonce uint32) error {
	d, ok := b.Deposit(depositNonce)
	if !ok {
		return fmt.Errorf("%w: deposit %d", ErrRecordNotFound, depositNonce)
	}
	if d.Status == StatusFailed {
		return nil
	}
	updated := b.updateDeposit(ctx, depositNonce, func(d *Deposit) { d.Status = StatusFailed })
	b.emitDeposit(ctx, EventDepositFailed, updated, wire.Flag{Kind: wire.KindDepositFallback})
	metrics.RecordOperations.WithLabelValues("deposit", "failed").Inc()
	b.log.WithFields(logrus.Fields{"nonce": depositNonce, "owner": d.Owner.Hex()}).
		Info("🔓 Deposit marked failed, owner may redeem")
	return nil
}

// branchExecutor credits settled assets before handing control to the
// router.
type branchExecutor struct{ b *BranchAgent }

func (e branchExecutor) routerOrErr() (BranchRouter, error) {
	if e.b.router == nil {
		return nil, fmt.Errorf("%w: no router installed", ErrExecutionFailed)
	}
	return e.b.router, nil
}

func (e branchExecutor) executeNoAsset(ctx context.Context, params []byte, src uint16) error {
	r, err := e.routerOrErr()
	if err != nil {
		return err
	}
	return r.ExecuteNoSettlement(ctx, params, src)
}

func (e branchExecutor) executeWithAsset(ctx context.Context, msg wire.SettlementMessage) error {
	if err := e.bridgeIn(ctx, msg); err != nil {
		return err
	}
	if len(msg.Params) == 0 {
		return nil
	}
	r, err := e.routerOrErr()
	if err != nil {
		return err
	}
	return r.ExecuteSettlement(ctx, msg.Params, SettlementParams{Nonce: msg.Nonce, Recipient: msg.Recipient, Assets: msg.Assets})
}

func (e branchExecutor) executeWithAssets(ctx context.Context, msg wire.SettlementMessage) error {
	if err := e.bridgeIn(ctx, msg); err != nil {
		return err
	}
	if len(msg.Params) == 0 {
		return nil
	}
	r, err := e.routerOrErr()
	if err != nil {
		return err
	}
	return r.ExecuteSettlementMultiple(ctx, msg.Params, SettlementParams{Nonce: msg.Nonce, Recipient: msg.Recipient, Assets: msg.Assets})
}

func (e branchExecutor) bridgeIn(ctx context.Context, msg wire.SettlementMessage) error {
	for i, a := range msg.Assets {
		if err := validateAmounts(a.Amount, a.Deposit); err != nil {
			return err
		}
		if err := e.b.port.BridgeIn(ctx, msg.Recipient, a); err != nil {
			return fmt.Errorf("bridge in asset %d: %w", i, err)
		}
	}
	return nil
}
