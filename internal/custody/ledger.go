// Package custody is an in-memory token custody ledger for running agents
// without chain access. It implements agent.BranchPort and agent.RootPort
// through per-chain views and supports nested atomic scopes.
package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NativeToken is the token key used for native value.
var NativeToken = common.Address{}

var (
	ErrInsufficientBalance = errors.New("custody: insufficient balance")
	ErrInvalidAmount       = errors.New("custody: invalid amount")
)

type balanceKey struct {
	chain   uint16
	token   common.Address
	account common.Address
}

type tokenKey struct {
	chain uint16
	token common.Address
}

type txKey struct{ l *Ledger }

// txn records delta undos for one atomic scope.
type txn struct {
	undo []func()
}

// Ledger holds balances per chain, token and account. Undo is delta based
// so concurrent scopes on different agents never overwrite each other.
type Ledger struct {
	mu         sync.Mutex
	balances   map[balanceKey]*big.Int
	global     map[tokenKey]common.Address
	local      map[tokenKey]common.Address
	underlying map[tokenKey]common.Address
	contracts  map[common.Address]bool
}

func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[balanceKey]*big.Int),
		global:     make(map[tokenKey]common.Address),
		local:      make(map[tokenKey]common.Address),
		underlying: make(map[tokenKey]common.Address),
		contracts:  make(map[common.Address]bool),
	}
}

// Atomic applies the mutations fn makes through ctx only if it returns nil.
// A nested call commits into its parent scope.
func (l *Ledger) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	parent, _ := ctx.Value(txKey{l}).(*txn)
	tx := &txn{}
	err := fn(context.WithValue(ctx, txKey{l}, tx))
	if err != nil {
		l.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		l.mu.Unlock()
		return err
	}
	if parent != nil {
		parent.undo = append(parent.undo, tx.undo...)
	}
	return nil
}

// AddToken registers a chain-local hToken, the global token it represents
// and its underlying token on that chain. underlying may be zero.
func (l *Ledger) AddToken(chainID uint16, local, global, underlying common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.global[tokenKey{chainID, local}] = global
	l.local[tokenKey{chainID, global}] = local
	if underlying != (common.Address{}) {
		l.underlying[tokenKey{chainID, local}] = underlying
	}
}

func (l *Ledger) globalToken(chainID uint16, local common.Address) (common.Address, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.global[tokenKey{chainID, local}]
	return g, ok
}

func (l *Ledger) localToken(chainID uint16, global common.Address) (common.Address, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.local[tokenKey{chainID, global}]
	return t, ok
}

func (l *Ledger) underlyingToken(chainID uint16, local common.Address) (common.Address, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.underlying[tokenKey{chainID, local}]
	return t, ok
}

// Mint credits amount outside any atomic scope. Used to seed balances; it
// panics on a negative amount.
func (l *Ledger) Mint(chainID uint16, token, account common.Address, amount *big.Int) {
	if amount != nil && amount.Sign() < 0 {
		panic(fmt.Sprintf("custody: mint of negative amount %s", amount))
	}
	if err := l.adjust(context.Background(), chainID, token, account, amount); err != nil {
		panic(err)
	}
}

// Balance returns a copy of the balance, zero when unknown.
func (l *Ledger) Balance(chainID uint16, token, account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[balanceKey{chainID, token, account}]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// MarkContract flags addr as a contract for IsContract.
func (l *Ledger) MarkContract(addr common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contracts[addr] = true
}

func (l *Ledger) IsContract(_ context.Context, addr common.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.contracts[addr], nil
}

// adjust adds delta to a balance and records the inverse in the scope
// carried by ctx. A result below zero fails without changing anything.
func (l *Ledger) adjust(ctx context.Context, chainID uint16, token, account common.Address, delta *big.Int) error {
	if delta == nil || delta.Sign() == 0 {
		return nil
	}
	k := balanceKey{chainID, token, account}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.balances[k]
	if !ok {
		cur = new(big.Int)
	}
	next := new(big.Int).Add(cur, delta)
	if next.Sign() < 0 {
		return fmt.Errorf("%w: chain %d token %s account %s has %s, needs %s",
			ErrInsufficientBalance, chainID, token.Hex(), account.Hex(), cur, new(big.Int).Neg(delta))
	}
	l.balances[k] = next

	if tx, _ := ctx.Value(txKey{l}).(*txn); tx != nil {
		d := new(big.Int).Set(delta)
		tx.undo = append(tx.undo, func() {
			b := l.balances[k]
			if b == nil {
				b = new(big.Int)
			}
			l.balances[k] = new(big.Int).Sub(b, d)
		})
	}
	return nil
}

// transfer moves amount between two accounts of one token.
func (l *Ledger) transfer(ctx context.Context, chainID uint16, token, from, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := l.adjust(ctx, chainID, token, from, new(big.Int).Neg(amount)); err != nil {
		return err
	}
	return l.adjust(ctx, chainID, token, to, amount)
}

func checkAmounts(amount, deposit *big.Int) (*big.Int, error) {
	if amount == nil || deposit == nil || amount.Sign() < 0 || deposit.Sign() < 0 || deposit.Cmp(amount) > 0 {
		return nil, fmt.Errorf("%w: amount %v deposit %v", ErrInvalidAmount, amount, deposit)
	}
	return new(big.Int).Sub(amount, deposit), nil
}
