package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/agent"
)

// Publisher is the part of the NATS client the event publisher needs.
type Publisher interface {
	Publish(ctx context.Context, msg *nats.Msg) error
}

// NATSPublisher publishes committed audit events as JSON on
// <subject>.<role>.<chain>.<kind>.
type NATSPublisher struct {
	pub     Publisher
	subject string
	log     *logrus.Logger
}

func NewNATSPublisher(pub Publisher, subject string, log *logrus.Logger) *NATSPublisher {
	if subject == "" {
		subject = "bridge.events"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &NATSPublisher{pub: pub, subject: subject, log: log}
}

// Subject is where events of kind from one agent are published.
func Subject(root string, role agent.Role, chainID uint16, kind agent.EventKind) string {
	return root + "." + string(role) + "." + strconv.Itoa(int(chainID)) + "." + string(kind)
}

func (p *NATSPublisher) Publish(ctx context.Context, ev agent.Event) error {
	data, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	msg := nats.NewMsg(Subject(p.subject, ev.Role, ev.ChainID, ev.Kind))
	msg.Data = data
	// JetStream drops a republished id inside its duplicate window
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	if err := p.pub.Publish(ctx, msg); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{
		"subject": msg.Subject,
		"nonce":   ev.Nonce,
	}).Debug("📡 Audit event published")
	return nil
}
