package agent

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"bridge-agent/internal/nonce"
)

// BranchState is everything a branch agent needs to resume after restart.
type BranchState struct {
	Ledger   nonce.Snapshot
	Deposits []*Deposit
}

func (b *BranchAgent) Snapshot() BranchState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BranchState{Ledger: b.ledger.Snapshot(), Deposits: b.Deposits()}
}

// Restore replaces the agent's state. It must not race with invocations.
func (b *BranchAgent) Restore(st BranchState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ledger.Restore(st.Ledger)
	b.recMu.Lock()
	defer b.recMu.Unlock()
	b.deposits = make(map[uint32]*Deposit, len(st.Deposits))
	for _, d := range st.Deposits {
		if d == nil || d.Owner == (common.Address{}) {
			continue
		}
		b.deposits[d.Nonce] = d.Clone()
	}
}

// RootState is everything the root agent needs to resume after restart.
type RootState struct {
	Ledger      nonce.Snapshot
	Settlements []*Settlement
	Branches    map[uint16]common.Address
	Approved    []uint16
}

func (r *RootAgent) Snapshot() RootState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RootState{
		Ledger:      r.ledger.Snapshot(),
		Settlements: r.Settlements(),
		Branches:    r.Branches(),
	}
	r.recMu.RLock()
	for chain, ok := range r.approved {
		if ok {
			st.Approved = append(st.Approved, chain)
		}
	}
	r.recMu.RUnlock()
	sort.Slice(st.Approved, func(i, j int) bool { return st.Approved[i] < st.Approved[j] })
	return st
}

// Restore replaces the agent's state. Branches configured at construction
// are kept unless the snapshot names the same chain.
func (r *RootAgent) Restore(st RootState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledger.Restore(st.Ledger)
	r.recMu.Lock()
	defer r.recMu.Unlock()
	r.settlements = make(map[uint32]*Settlement, len(st.Settlements))
	for _, s := range st.Settlements {
		if s == nil || s.Owner == (common.Address{}) {
			continue
		}
		r.settlements[s.Nonce] = s.Clone()
	}
	for chain, addr := range st.Branches {
		r.branches[chain] = addr
	}
	r.approved = make(map[uint16]bool, len(st.Approved))
	for _, chain := range st.Approved {
		r.approved[chain] = true
	}
}
