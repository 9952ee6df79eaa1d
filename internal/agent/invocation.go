package agent

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/metrics"
	"bridge-agent/internal/nonce"
	"bridge-agent/internal/wire"
)

type guard uint8

const (
	guardNone guard = iota
	// guardOp rejects a user-facing operation nested in another one.
	guardOp
	// guardReceive only allows top-level inbound handling.
	guardReceive
)

type invocationKey struct{ c *core }

// invocation is one top-level entry into an agent. Router callbacks made
// while it runs carry it in their context and join it.
type invocation struct {
	frames    []*frame
	opActive  bool
	receiving bool
	grants    map[common.Address]bool
}

// frame collects the effects of one savepoint. Undo actions run in reverse
// when the frame fails; on success they move to the parent frame, and the
// top frame journals its events, flushes its outbox and publishes.
type frame struct {
	undo   []func()
	outbox []Envelope
	events []Event
}

func (f *frame) rollback() {
	for i := len(f.undo) - 1; i >= 0; i-- {
		f.undo[i]()
	}
	f.undo, f.outbox, f.events = nil, nil, nil
}

func (f *frame) merge(child *frame) {
	f.undo = append(f.undo, child.undo...)
	f.outbox = append(f.outbox, child.outbox...)
	f.events = append(f.events, child.events...)
}

// core is the machinery shared by the root and branch agents.
type core struct {
	role      Role
	chainID   uint16
	self      common.Address
	endpoint  common.Address
	safety    common.Address
	atomic    Atomic
	sweep     func(ctx context.Context, to common.Address, amount *big.Int) error
	transport Transport
	journal   Journal
	events    EventSink
	ledger    *nonce.Ledger
	log       *logrus.Logger

	mu sync.Mutex
}

func newCore(role Role, chainID uint16, self, endpoint, safety common.Address, atomic Atomic,
	sweep func(context.Context, common.Address, *big.Int) error, transport Transport, journal Journal, events EventSink, ledger *nonce.Ledger, log *logrus.Logger) *core {
	if journal == nil {
		journal = memoryJournal{}
	}
	if events == nil {
		events = discardSink{}
	}
	if ledger == nil {
		ledger = nonce.NewLedger()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &core{
		role:      role,
		chainID:   chainID,
		self:      self,
		endpoint:  endpoint,
		safety:    safety,
		atomic:    atomic,
		sweep:     sweep,
		transport: transport,
		journal:   journal,
		events:    events,
		ledger:    ledger,
		log:       log,
	}
}

func (c *core) invocation(ctx context.Context) *invocation {
	inv, _ := ctx.Value(invocationKey{c}).(*invocation)
	return inv
}

func (c *core) current(ctx context.Context) *frame {
	inv := c.invocation(ctx)
	if inv == nil || len(inv.frames) == 0 {
		panic("agent: no active invocation")
	}
	return inv.frames[len(inv.frames)-1]
}

// run executes fn as a transaction. Outside an invocation it takes the
// agent lock and opens one; inside it opens a nested savepoint.
func (c *core) run(ctx context.Context, g guard, fn func(ctx context.Context) error) error {
	inv := c.invocation(ctx)
	nested := inv != nil
	if !nested {
		c.mu.Lock()
		defer c.mu.Unlock()
		inv = &invocation{}
		ctx = context.WithValue(ctx, invocationKey{c}, inv)
	}

	switch g {
	case guardOp:
		if inv.opActive {
			return fmt.Errorf("%w: operation already in progress", ErrReentrantCall)
		}
		inv.opActive = true
		defer func() { inv.opActive = false }()
	case guardReceive:
		if nested {
			return fmt.Errorf("%w: receive inside an active invocation", ErrReentrantCall)
		}
		inv.receiving = true
		defer func() { inv.receiving = false }()
	}

	if nested {
		return c.try(ctx, fn)
	}
	return c.top(ctx, inv, fn)
}

func (c *core) top(ctx context.Context, inv *invocation, fn func(ctx context.Context) error) error {
	f := &frame{}
	inv.frames = []*frame{f}
	err := c.atomic.Atomic(ctx, func(ctx context.Context) error {
		if err := protect(ctx, fn); err != nil {
			return err
		}
		err := c.journal.Commit(ctx, f.events, func(ctx context.Context) error {
			return c.flush(ctx, f.outbox)
		})
		if err != nil {
			metrics.JournalFailures.WithLabelValues(string(c.role)).Inc()
		}
		return err
	})
	inv.frames = nil
	if err != nil {
		f.rollback()
		return err
	}
	c.publish(c.detach(ctx), f.events)
	return nil
}

// try runs fn in a savepoint: on error only fn's own effects are undone
// and the error is returned to the caller.
func (c *core) try(ctx context.Context, fn func(ctx context.Context) error) error {
	inv := c.invocation(ctx)
	if inv == nil {
		panic("agent: savepoint outside an invocation")
	}
	f := &frame{}
	inv.frames = append(inv.frames, f)
	err := c.atomic.Atomic(ctx, func(ctx context.Context) error {
		return protect(ctx, fn)
	})
	inv.frames = inv.frames[:len(inv.frames)-1]
	if err != nil {
		f.rollback()
		return err
	}
	inv.frames[len(inv.frames)-1].merge(f)
	return nil
}

func protect(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrExecutionFailed, r)
		}
	}()
	return fn(ctx)
}

// detach hides the finished invocation from code called with ctx.
func (c *core) detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, invocationKey{c}, (*invocation)(nil))
}

func (c *core) onUndo(ctx context.Context, fn func()) {
	f := c.current(ctx)
	f.undo = append(f.undo, fn)
}

func (c *core) enqueue(ctx context.Context, env Envelope) {
	f := c.current(ctx)
	f.outbox = append(f.outbox, env)
}

func (c *core) emit(ctx context.Context, ev Event) {
	ev.Role = c.role
	ev.ChainID = c.chainID
	f := c.current(ctx)
	f.events = append(f.events, ev)
}

func (c *core) flush(ctx context.Context, out []Envelope) error {
	for i, env := range out {
		dst := strconv.Itoa(int(env.DstChainID))
		if err := c.transport.Send(ctx, env); err != nil {
			metrics.TransportSendFailures.WithLabelValues(string(c.role), dst).Inc()
			if i > 0 {
				c.log.WithFields(logrus.Fields{"sent": i, "dst_chain": env.DstChainID}).
					Warn("⚠️ Transport failed after earlier envelopes of the same invocation were sent")
			}
			return fmt.Errorf("send to chain %d: %w", env.DstChainID, err)
		}
		metrics.TransportSent.WithLabelValues(string(c.role), dst).Inc()
	}
	return nil
}

func (c *core) publish(ctx context.Context, events []Event) {
	for _, ev := range events {
		if err := c.events.Publish(ctx, ev); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"event": ev.Kind,
				"nonce": ev.Nonce,
			}).Warn("⚠️ Failed to publish audit event")
		}
	}
}

// ============================================
// Nonce ledger with undo
// ============================================

func (c *core) allocate(ctx context.Context) uint32 {
	n := c.ledger.Allocate()
	c.onUndo(ctx, func() { c.ledger.Rewind(n) })
	return n
}

func (c *core) markDone(ctx context.Context, chainID uint16, n uint32) error {
	prev, err := c.ledger.MarkDone(chainID, n)
	if err != nil {
		metrics.ReplaysRejected.WithLabelValues(string(c.role)).Inc()
		return err
	}
	c.onUndo(ctx, func() { c.ledger.Reset(chainID, n, prev) })
	return nil
}

func (c *core) markRetrieve(ctx context.Context, chainID uint16, n uint32) error {
	prev, err := c.ledger.MarkRetrieve(chainID, n)
	if err != nil {
		metrics.ReplaysRejected.WithLabelValues(string(c.role)).Inc()
		return err
	}
	c.onUndo(ctx, func() { c.ledger.Reset(chainID, n, prev) })
	return nil
}

func (c *core) downgrade(ctx context.Context, chainID uint16, n uint32) error {
	if err := c.ledger.Downgrade(chainID, n); err != nil {
		return err
	}
	c.onUndo(ctx, func() { c.ledger.Reset(chainID, n, nonce.Done) })
	return nil
}

// ============================================
// Signed call grants
// ============================================

// grant gives account transient authority for the rest of the current
// invocation frame. The returned revoke must be called on every exit path.
func (c *core) grant(ctx context.Context, account common.Address) (func(), error) {
	inv := c.invocation(ctx)
	if inv == nil {
		panic("agent: grant outside an invocation")
	}
	if inv.grants == nil {
		inv.grants = make(map[common.Address]bool)
	}
	if inv.grants[account] {
		return nil, fmt.Errorf("%w: account %s already holds a grant", ErrReentrantCall, account.Hex())
	}
	inv.grants[account] = true
	return func() { delete(inv.grants, account) }, nil
}

func (c *core) granted(ctx context.Context, account common.Address) bool {
	inv := c.invocation(ctx)
	return inv != nil && inv.grants[account]
}

// ============================================
// Transport paths and authentication
// ============================================

func (c *core) pathTo(remote common.Address) []byte {
	p := make([]byte, 0, PathLen)
	p = append(p, remote.Bytes()...)
	return append(p, c.self.Bytes()...)
}

func (c *core) envelope(dst uint16, remote common.Address, payload []byte, refundee common.Address, gas wire.GasParams) Envelope {
	return Envelope{
		DstChainID: dst,
		Path:       c.pathTo(remote),
		Payload:    payload,
		Refundee:   refundee,
		Gas:        gas.Clone(),
	}
}

// authenticate checks that d came through the configured endpoint, or
// directly from the counterpart on the same chain, and that its path
// names the registered counterpart and this agent.
func (c *core) authenticate(d Delivery, remote common.Address, known bool) error {
	if d.Endpoint != c.endpoint {
		loopback := known && d.SrcChainID == c.chainID && d.Endpoint == remote
		if !loopback {
			return fmt.Errorf("%w: %s", ErrUnauthorizedEndpoint, d.Endpoint.Hex())
		}
	}
	if !known {
		return fmt.Errorf("%w: no counterpart registered for chain %d", ErrUnauthorizedCaller, d.SrcChainID)
	}
	if len(d.Path) != PathLen {
		return fmt.Errorf("%w: path length %d", ErrUnauthorizedCaller, len(d.Path))
	}
	if got := common.BytesToAddress(d.Path[:common.AddressLength]); got != remote {
		return fmt.Errorf("%w: path source %s", ErrUnauthorizedCaller, got.Hex())
	}
	if got := common.BytesToAddress(d.Path[common.AddressLength:]); got != c.self {
		return fmt.Errorf("%w: path destination %s", ErrUnauthorizedCaller, got.Hex())
	}
	return nil
}

// ============================================
// Inbound isolation
// ============================================

// receiveNonBlocking runs handle as one invocation. Any error means every
// effect of the delivery, including the nonce transition, was rolled back.
func (c *core) receiveNonBlocking(ctx context.Context, d Delivery, kindName func(wire.Kind) string, handle func(ctx context.Context, d Delivery, rc *Receipt) error) (Receipt, error) {
	rc := Receipt{SrcChainID: d.SrcChainID}
	kind := "malformed"
	if f, err := wire.PeekFlag(d.Payload); err == nil {
		rc.Flag = f
		kind = kindName(f.Kind)
	}
	role := string(c.role)
	metrics.MessagesReceived.WithLabelValues(role, kind).Inc()
	start := time.Now()

	err := c.run(ctx, guardReceive, func(ctx context.Context) error {
		return handle(ctx, d, &rc)
	})
	metrics.ProcessingDuration.WithLabelValues(role, kind).Observe(time.Since(start).Seconds())
	if err != nil {
		rc.Err = err
		rc.FallbackSent = false
		metrics.MessagesFailed.WithLabelValues(role, kind, ErrorCode(err)).Inc()
		return rc, err
	}
	metrics.MessagesProcessed.WithLabelValues(role, kind).Inc()
	if rc.FallbackSent {
		metrics.FallbacksSent.WithLabelValues(role).Inc()
	}
	return rc, nil
}

// receive never fails: a rolled back delivery is logged, journalled and
// its attached value swept to the safety account.
func (c *core) receive(ctx context.Context, d Delivery, kindName func(wire.Kind) string, handle func(ctx context.Context, d Delivery, rc *Receipt) error) (rc Receipt) {
	defer func() {
		if r := recover(); r != nil {
			rc = Receipt{SrcChainID: d.SrcChainID, Err: fmt.Errorf("%w: panic: %v", ErrExecutionFailed, r)}
			c.log.WithField("panic", r).Error("❌ Inbound handler panicked outside the invocation")
		}
	}()

	rc, err := c.receiveNonBlocking(ctx, d, kindName, handle)
	if err == nil {
		return rc
	}

	entry := c.log.WithError(err).WithFields(logrus.Fields{
		"src_chain": d.SrcChainID,
		"flag":      rc.Flag.String(),
		"nonce":     rc.Nonce,
		"code":      ErrorCode(err),
	})
	entry.Warn("❌ Delivery rolled back")

	// a rejected nested delivery leaves its value with the outer invocation
	nested := c.invocation(ctx) != nil
	if !nested && d.Value != nil && d.Value.Sign() > 0 && c.safety != (common.Address{}) {
		value := new(big.Int).Set(d.Value)
		serr := c.run(ctx, guardNone, func(ctx context.Context) error {
			return c.sweep(ctx, c.safety, value)
		})
		if serr != nil {
			entry.WithField("sweep_error", serr.Error()).Error("❌ Failed to sweep stranded value")
		} else {
			rc.Swept = true
			metrics.ValueSwept.WithLabelValues(string(c.role)).Inc()
			entry.WithField("value", value.String()).Info("🧹 Swept stranded value to safety account")
		}
	}

	ev := newEvent(EventDeliveryFailed)
	ev.Role = c.role
	ev.ChainID = c.chainID
	ev.RemoteChainID = d.SrcChainID
	ev.Nonce = rc.Nonce
	ev.Flag = rc.Flag.String()
	ev.Error = err.Error()
	if jerr := c.journal.Commit(ctx, []Event{ev}, nil); jerr != nil {
		entry.WithField("journal_error", jerr.Error()).Error("❌ Failed to journal rejected delivery")
	}
	c.publish(ctx, []Event{ev})
	return rc
}
