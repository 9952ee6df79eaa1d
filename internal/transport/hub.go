// Package transport moves encoded agent messages between chains. Hub is an
// in-memory transport with operator-controlled delivery; NATSTransport
// carries the same envelopes over NATS subjects.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/agent"
)

var (
	ErrNoRoute     = errors.New("transport: no agent bound for destination")
	ErrInvalidPath = errors.New("transport: invalid path")
)

// maxFlush bounds Flush so that two agents bouncing messages forever
// cannot hang a caller.
const maxFlush = 10000

type routeKey struct {
	chainID uint16
	agent   common.Address
}

type route struct {
	endpoint common.Address
	receiver agent.Receiver
}

// Pending is one queued delivery.
type Pending struct {
	ID         uint64
	DstChainID uint16
	Dst        common.Address
	Delivery   agent.Delivery
	Refundee   common.Address
}

// Hub queues envelopes until they are delivered, dropped or flushed.
// Deliveries run outside the hub lock so receivers may send again.
type Hub struct {
	log *logrus.Logger

	mu      sync.Mutex
	routes  map[routeKey]route
	queue   []Pending
	seq     uint64
	failErr error
}

func NewHub(log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{log: log, routes: make(map[routeKey]route)}
}

// Bind registers receiver as the agent at addr on chainID. Cross-chain
// deliveries to it carry endpoint as the delivering address.
func (h *Hub) Bind(chainID uint16, addr, endpoint common.Address, receiver agent.Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes[routeKey{chainID, addr}] = route{endpoint: endpoint, receiver: receiver}
}

// Port returns the agent.Transport used by agents living on chainID.
func (h *Hub) Port(chainID uint16) agent.Transport {
	return &hubPort{hub: h, chainID: chainID}
}

// FailSends makes every following Send return err. nil restores delivery.
func (h *Hub) FailSends(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failErr = err
}

type hubPort struct {
	hub     *Hub
	chainID uint16
}

func (p *hubPort) Send(_ context.Context, env agent.Envelope) error {
	return p.hub.send(p.chainID, env)
}

func (h *Hub) send(srcChainID uint16, env agent.Envelope) error {
	if len(env.Path) != agent.PathLen {
		return fmt.Errorf("%w: length %d", ErrInvalidPath, len(env.Path))
	}
	dst := common.BytesToAddress(env.Path[:common.AddressLength])
	sender := common.BytesToAddress(env.Path[common.AddressLength:])

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failErr != nil {
		return h.failErr
	}
	rt, ok := h.routes[routeKey{env.DstChainID, dst}]
	if !ok {
		return fmt.Errorf("%w: chain %d agent %s", ErrNoRoute, env.DstChainID, dst.Hex())
	}

	endpoint := rt.endpoint
	if srcChainID == env.DstChainID {
		// same-chain counterparts call each other directly
		endpoint = sender
	}
	h.seq++
	h.queue = append(h.queue, Pending{
		ID:         h.seq,
		DstChainID: env.DstChainID,
		Dst:        dst,
		Refundee:   env.Refundee,
		Delivery: agent.Delivery{
			Endpoint:   endpoint,
			SrcChainID: srcChainID,
			Path:       SwapPath(env.Path),
			Payload:    append([]byte(nil), env.Payload...),
		},
	})
	return nil
}

// Pending returns a copy of the queue in send order.
func (h *Hub) Pending() []Pending {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Pending(nil), h.queue...)
}

// Len is the number of queued deliveries.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Drop removes the oldest queued delivery without delivering it.
func (h *Hub) Drop() (Pending, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) == 0 {
		return Pending{}, false
	}
	p := h.queue[0]
	h.queue = h.queue[1:]
	h.log.WithFields(logrus.Fields{"id": p.ID, "dst_chain": p.DstChainID}).Warn("⚠️ Hub delivery dropped")
	return p, true
}

// DeliverNext delivers the oldest queued message.
func (h *Hub) DeliverNext(ctx context.Context) (agent.Receipt, bool) {
	h.mu.Lock()
	if len(h.queue) == 0 {
		h.mu.Unlock()
		return agent.Receipt{}, false
	}
	p := h.queue[0]
	h.queue = h.queue[1:]
	h.mu.Unlock()
	return h.Redeliver(ctx, p), true
}

// Redeliver hands p to its receiver again. Used to simulate duplicate
// delivery by the underlying transport.
func (h *Hub) Redeliver(ctx context.Context, p Pending) agent.Receipt {
	h.mu.Lock()
	rt, ok := h.routes[routeKey{p.DstChainID, p.Dst}]
	h.mu.Unlock()
	if !ok {
		return agent.Receipt{SrcChainID: p.Delivery.SrcChainID, Err: ErrNoRoute}
	}
	d := p.Delivery
	d.Path = append([]byte(nil), d.Path...)
	d.Payload = append([]byte(nil), d.Payload...)
	rc := rt.receiver.Receive(ctx, d)
	h.log.WithFields(logrus.Fields{
		"id":        p.ID,
		"src_chain": p.Delivery.SrcChainID,
		"dst_chain": p.DstChainID,
		"flag":      rc.Flag.String(),
		"nonce":     rc.Nonce,
	}).Debug("📨 Hub delivered message")
	return rc
}

// Flush delivers until the queue is empty, including messages sent while
// flushing, and returns the receipts in delivery order.
func (h *Hub) Flush(ctx context.Context) []agent.Receipt {
	var out []agent.Receipt
	for i := 0; i < maxFlush; i++ {
		rc, ok := h.DeliverNext(ctx)
		if !ok {
			return out
		}
		out = append(out, rc)
	}
	h.log.WithField("pending", h.Len()).Error("❌ Hub flush limit reached")
	return out
}

// SwapPath turns an outbound [remote][self] path into the [sender][receiver]
// path the receiving agent expects.
func SwapPath(path []byte) []byte {
	out := make([]byte, 0, len(path))
	out = append(out, path[common.AddressLength:]...)
	return append(out, path[:common.AddressLength]...)
}
