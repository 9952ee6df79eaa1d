package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/metrics"
)

// NATSOptions configures a NATSClient.
type NATSOptions struct {
	URL  string
	Name string
	// Timeout is the connect timeout, 10s when zero.
	Timeout time.Duration
	// StreamName enables JetStream when set; Subjects are bound to it.
	StreamName string
	Subjects   []string
	MaxAge     time.Duration
}

// NATSClient NATS connection shared by the transport, the router client
// and the event publisher
type NATSClient struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
	log        *logrus.Logger
}

// NewNATSClient connects to NATS and, when a stream is configured,
// makes sure it exists.
func NewNATSClient(opts NATSOptions, log *logrus.Logger) (*NATSClient, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	connectTimeout := 10 * time.Second
	if opts.Timeout > 0 {
		connectTimeout = opts.Timeout
	}
	log.WithField("timeout", connectTimeout).Info("🔌 Connecting to NATS")

	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.WithError(err).Warn("⚠️ NATS disconnected")
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("✅ NATS reconnected")
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)

	client := &NATSClient{conn: conn, log: log}
	if opts.StreamName == "" {
		log.Info("✅ NATS connected (core only)")
		return client, nil
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	client.js = js
	client.streamName = opts.StreamName
	if err := client.ensureStream(opts.Subjects, opts.MaxAge); err != nil {
		conn.Close()
		return nil, err
	}
	log.WithField("stream", opts.StreamName).Info("✅ NATS connected with JetStream")
	return client, nil
}

// NewNATSClientFromConn wraps an existing connection without JetStream.
func NewNATSClientFromConn(conn *nats.Conn, log *logrus.Logger) *NATSClient {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &NATSClient{conn: conn, log: log}
}

// ensureStream JetStream stream exists
func (c *NATSClient) ensureStream(subjects []string, maxAge time.Duration) error {
	if _, err := c.js.StreamInfo(c.streamName); err == nil {
		c.log.WithField("stream", c.streamName).Debug("Stream already exists")
		return nil
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:      c.streamName,
		Subjects:  subjects,
		Retention: nats.LimitsPolicy,
		MaxAge:    maxAge,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", c.streamName, err)
	}
	c.log.WithField("stream", c.streamName).Info("✅ Stream created")
	return nil
}

// JetStreamEnabled reports whether publishes go through a stream.
func (c *NATSClient) JetStreamEnabled() bool { return c.js != nil }

// Publish sends msg, through JetStream when enabled so the publish is
// acknowledged by the stream.
func (c *NATSClient) Publish(ctx context.Context, msg *nats.Msg) error {
	if c.js != nil {
		if _, err := c.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish %s: %w", msg.Subject, err)
		}
		return nil
	}
	if err := c.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Request sends msg and waits for one reply.
func (c *NATSClient) Request(ctx context.Context, msg *nats.Msg) (*nats.Msg, error) {
	reply, err := c.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("request %s: no responders: %w", msg.Subject, err)
		}
		return nil, fmt.Errorf("request %s: %w", msg.Subject, err)
	}
	return reply, nil
}

// Subscribe registers handler on subject. With JetStream a durable
// consumer is used and messages must be acked by the handler; otherwise a
// plain queue subscription is made, falling back to JetStream when the
// core subscription fails.
func (c *NATSClient) Subscribe(subject, durable string, handler nats.MsgHandler) (*nats.Subscription, error) {
	if c.js != nil && durable != "" {
		sub, err := c.js.Subscribe(subject, handler, nats.Durable(durable), nats.ManualAck(), nats.DeliverAll())
		if err != nil {
			return nil, fmt.Errorf("JetStream subscribe %s: %w", subject, err)
		}
		c.log.WithFields(logrus.Fields{"subject": subject, "durable": durable}).Info("✅ JetStream subscription ready")
		return sub, nil
	}

	c.log.WithField("subject", subject).Debug("🔍 Subscribing")
	sub, err := c.conn.QueueSubscribe(subject, durable, handler)
	if err == nil {
		c.log.WithField("subject", subject).Info("✅ NATS subscription ready")
		return sub, nil
	}
	if c.js == nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.log.WithError(err).Warn("⚠️ NATS subscription failed, trying JetStream")
	sub, err = c.js.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Close drains subscriptions and closes the connection.
func (c *NATSClient) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
	metrics.NATSConnectionStatus.Set(0)
}

func (c *NATSClient) Conn() *nats.Conn { return c.conn }
