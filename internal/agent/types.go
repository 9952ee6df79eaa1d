package agent

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"bridge-agent/internal/wire"
)

// Status of a deposit or settlement record.
type Status uint8

const (
	// StatusSuccess means the record is in flight or executed remotely.
	StatusSuccess Status = iota
	// StatusFailed means the counterpart reported a fallback and the
	// record can be redeemed.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "success":
		return StatusSuccess, nil
	case "failed":
		return StatusFailed, nil
	}
	return StatusSuccess, fmt.Errorf("agent: unknown status %q", s)
}

// Deposit is a branch-originated, root-bound asset transfer awaiting
// execution on the root chain.
type Deposit struct {
	Nonce       uint32
	Owner       common.Address
	Params      []byte
	Assets      []wire.Asset
	Status      Status
	IsSigned    bool
	HasFallback bool
}

func (d *Deposit) Clone() *Deposit {
	if d == nil {
		return nil
	}
	c := *d
	c.Params = cloneBytes(d.Params)
	c.Assets = wire.CloneAssets(d.Assets)
	return &c
}

// Settlement is a root-originated, branch-bound asset transfer. Assets
// carry the destination chain's hToken and underlying token addresses.
type Settlement struct {
	Nonce       uint32
	Owner       common.Address
	Recipient   common.Address
	DstChainID  uint16
	Assets      []wire.Asset
	Status      Status
	Params      []byte
	HasFallback bool
}

func (s *Settlement) Clone() *Settlement {
	if s == nil {
		return nil
	}
	c := *s
	c.Params = cloneBytes(s.Params)
	c.Assets = wire.CloneAssets(s.Assets)
	return &c
}

// TokenAmount is a root-side asset to settle to a branch, named by its
// global token.
type TokenAmount struct {
	GlobalToken common.Address
	Amount      *big.Int
	Deposit     *big.Int
}

// validateAssets enforces 1 <= len <= MaxTokens and deposit <= amount.
func validateAssets(assets []wire.Asset) error {
	if len(assets) == 0 || len(assets) > wire.MaxTokens {
		return fmt.Errorf("%w: %d assets, want 1..%d", ErrInvalidAssets, len(assets), wire.MaxTokens)
	}
	for i, a := range assets {
		if err := validateAmounts(a.Amount, a.Deposit); err != nil {
			return fmt.Errorf("asset %d: %w", i, err)
		}
	}
	return nil
}

func validateAmounts(amount, deposit *big.Int) error {
	if amount == nil || deposit == nil {
		return fmt.Errorf("%w: missing amount", ErrInvalidAssets)
	}
	if amount.Sign() < 0 || deposit.Sign() < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidAssets)
	}
	if deposit.Cmp(amount) > 0 {
		return fmt.Errorf("%w: deposit %s exceeds amount %s", ErrInvalidAssets, deposit, amount)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
