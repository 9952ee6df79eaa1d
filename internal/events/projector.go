package events

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/models"
	"bridge-agent/internal/repository"
)

// Transactor opens one transaction over the record and event repositories.
type Transactor interface {
	Transaction(ctx context.Context, fn func(records repository.RecordRepository, events repository.EventRepository) error) error
}

// Projector keeps the database in step with the agents. It journals every
// invocation in one transaction: each event updates the record, nonce and
// registry tables it affects and is appended to the audit trail, and the
// transaction commits only after the outbox was sent.
type Projector struct {
	store Transactor
	log   *logrus.Logger
}

func NewProjector(store Transactor, log *logrus.Logger) *Projector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Projector{store: store, log: log}
}

func (p *Projector) Commit(ctx context.Context, evs []agent.Event, send func(ctx context.Context) error) error {
	if len(evs) == 0 {
		if send == nil {
			return nil
		}
		return send(ctx)
	}

	sent := false
	err := p.store.Transaction(ctx, func(records repository.RecordRepository, events repository.EventRepository) error {
		for _, ev := range evs {
			if err := p.write(ctx, records, events, ev); err != nil {
				p.log.WithError(err).WithFields(logrus.Fields{
					"event": ev.Kind,
					"role":  ev.Role,
					"nonce": ev.Nonce,
				}).Error("❌ Failed to persist audit event")
				return err
			}
		}
		if send == nil {
			return nil
		}
		if err := send(ctx); err != nil {
			return err
		}
		sent = true
		return nil
	})
	if err != nil && sent {
		p.log.WithError(err).WithField("events", len(evs)).
			Error("❌ Journal commit failed after the outbox was sent")
	}
	return err
}

func (p *Projector) write(ctx context.Context, records repository.RecordRepository, events repository.EventRepository, ev agent.Event) error {
	if err := p.project(ctx, records, ev); err != nil {
		return fmt.Errorf("project %s: %w", ev.Kind, err)
	}
	row, err := models.NewBridgeEvent(ev)
	if err == nil {
		err = events.CreateEvent(ctx, row)
	}
	if err != nil {
		return fmt.Errorf("record event %s: %w", ev.ID, err)
	}
	return nil
}

func (p *Projector) project(ctx context.Context, records repository.RecordRepository, ev agent.Event) error {
	if ev.ExecState != nil {
		if err := records.SaveExecutionState(ctx, ev.Role, ev.ChainID, ev.RemoteChainID, ev.Nonce, *ev.ExecState); err != nil {
			return err
		}
	}

	switch ev.Kind {
	case agent.EventDepositCreated, agent.EventSettlementCreated, agent.EventCallOut:
		if err := records.AdvanceCursor(ctx, ev.Role, ev.ChainID, ev.Nonce+1); err != nil {
			return err
		}
	}

	switch ev.Kind {
	case agent.EventDepositCreated, agent.EventDepositRetried, agent.EventDepositRetrieveRequested, agent.EventDepositFailed:
		if ev.Deposit != nil {
			return records.SaveDeposit(ctx, ev.ChainID, ev.Deposit)
		}
	case agent.EventDepositRedeemed:
		return records.DeleteDeposit(ctx, ev.ChainID, ev.Nonce)

	case agent.EventSettlementCreated, agent.EventSettlementRetried, agent.EventSettlementRetrieveRequest, agent.EventSettlementFailed:
		if ev.Settlement != nil {
			return records.SaveSettlement(ctx, ev.ChainID, ev.Settlement)
		}
	case agent.EventSettlementRedeemed:
		return records.DeleteSettlement(ctx, ev.ChainID, ev.Nonce)

	case agent.EventBranchApproved:
		return records.SaveBranch(ctx, ev.ChainID, ev.RemoteChainID, common.Address{}, true)
	case agent.EventBranchSynced:
		// the approval is consumed by the sync
		return records.SaveBranch(ctx, ev.ChainID, ev.RemoteChainID, ev.Account, false)
	}
	return nil
}
