// Package nonce tracks an agent's outbound nonce counter and the execution
// state of every inbound nonce, keyed by remote chain.
package nonce

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// State is the execution state of one inbound nonce.
type State uint8

const (
	// Ready is the zero value: the nonce has never been consumed.
	Ready State = iota
	Done
	// Retrieve marks a nonce abandoned by its originator, or one whose
	// execution failed and was rolled back through a fallback.
	Retrieve
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Done:
		return "done"
	case Retrieve:
		return "retrieve"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "ready":
		return Ready, nil
	case "done":
		return Done, nil
	case "retrieve":
		return Retrieve, nil
	}
	return Ready, fmt.Errorf("nonce: unknown state %q", s)
}

var (
	// ErrAlreadyExecuted rejects any transition that would consume a nonce
	// that is no longer Ready.
	ErrAlreadyExecuted = errors.New("nonce: already executed")
	ErrBadTransition   = errors.New("nonce: invalid state transition")
)

// Key identifies an inbound nonce.
type Key struct {
	ChainID uint16
	Nonce   uint32
}

// Entry is one non-Ready execution state in a snapshot.
type Entry struct {
	ChainID uint16
	Nonce   uint32
	State   State
}

// Snapshot is the persisted form of a Ledger.
type Snapshot struct {
	Next    uint32
	Entries []Entry
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu     sync.RWMutex
	next   uint32
	states map[Key]State
}

func NewLedger() *Ledger {
	return &Ledger{next: 1, states: make(map[Key]State)}
}

// Allocate returns the current outbound nonce and advances the counter.
func (l *Ledger) Allocate() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	l.next++
	return n
}

// Next returns the nonce the next Allocate will hand out.
func (l *Ledger) Next() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next
}

// Rewind sets the counter back to n. It only moves backwards and is used
// to undo an allocation inside a failed invocation.
func (l *Ledger) Rewind(n uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < l.next {
		l.next = n
	}
}

func (l *Ledger) State(chainID uint16, nonce uint32) State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.states[Key{chainID, nonce}]
}

// CheckReady fails with ErrAlreadyExecuted unless the nonce is Ready.
func (l *Ledger) CheckReady(chainID uint16, nonce uint32) error {
	if s := l.State(chainID, nonce); s != Ready {
		return fmt.Errorf("%w: chain %d nonce %d is %s", ErrAlreadyExecuted, chainID, nonce, s)
	}
	return nil
}

// MarkDone consumes a Ready nonce and returns the previous state.
func (l *Ledger) MarkDone(chainID uint16, nonce uint32) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := Key{chainID, nonce}
	prev := l.states[k]
	if prev != Ready {
		return prev, fmt.Errorf("%w: chain %d nonce %d is %s", ErrAlreadyExecuted, chainID, nonce, prev)
	}
	l.states[k] = Done
	return prev, nil
}

// MarkRetrieve abandons a nonce that has not been executed.
func (l *Ledger) MarkRetrieve(chainID uint16, nonce uint32) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := Key{chainID, nonce}
	prev := l.states[k]
	if prev == Done {
		return prev, fmt.Errorf("%w: chain %d nonce %d is done", ErrAlreadyExecuted, chainID, nonce)
	}
	l.states[k] = Retrieve
	return prev, nil
}

// Downgrade moves a Done nonce to Retrieve after its execution failed with
// fallback enabled.
func (l *Ledger) Downgrade(chainID uint16, nonce uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := Key{chainID, nonce}
	if prev := l.states[k]; prev != Done {
		return fmt.Errorf("%w: downgrade chain %d nonce %d from %s", ErrBadTransition, chainID, nonce, prev)
	}
	l.states[k] = Retrieve
	return nil
}

// Reset restores a state captured before a rolled back transition.
func (l *Ledger) Reset(chainID uint16, nonce uint32, s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := Key{chainID, nonce}
	if s == Ready {
		delete(l.states, k)
		return
	}
	l.states[k] = s
}

// Snapshot returns the counter and every non-Ready entry, ordered by chain
// then nonce.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := Snapshot{Next: l.next, Entries: make([]Entry, 0, len(l.states))}
	for k, s := range l.states {
		snap.Entries = append(snap.Entries, Entry{ChainID: k.ChainID, Nonce: k.Nonce, State: s})
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		a, b := snap.Entries[i], snap.Entries[j]
		if a.ChainID != b.ChainID {
			return a.ChainID < b.ChainID
		}
		return a.Nonce < b.Nonce
	})
	return snap
}

// Restore replaces the ledger contents with snap. A zero counter is
// treated as 1.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next = snap.Next
	if l.next == 0 {
		l.next = 1
	}
	l.states = make(map[Key]State, len(snap.Entries))
	for _, e := range snap.Entries {
		if e.State != Ready {
			l.states[Key{e.ChainID, e.Nonce}] = e.State
		}
	}
}
