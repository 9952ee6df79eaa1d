package wire

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Asset is one bridged token position. HToken is the hToken address in the
// sender's chain view, Token its underlying. Deposit is the part of Amount
// backed by underlying tokens; the rest is settled as hTokens.
type Asset struct {
	HToken  common.Address
	Token   common.Address
	Amount  *big.Int
	Deposit *big.Int
}

// Clone returns a deep copy.
func (a Asset) Clone() Asset {
	return Asset{
		HToken:  a.HToken,
		Token:   a.Token,
		Amount:  cloneInt(a.Amount),
		Deposit: cloneInt(a.Deposit),
	}
}

// CloneAssets deep-copies a slice of assets.
func CloneAssets(in []Asset) []Asset {
	if in == nil {
		return nil
	}
	out := make([]Asset, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

const (
	singleAssetLen = 2*AddressLen + 2*AmountLen
	multiAssetLen  = 4 * WordLen
)

func (w *writer) singleAsset(a Asset) {
	w.address(a.HToken)
	w.address(a.Token)
	w.amount(a.Amount)
	w.amount(a.Deposit)
}

func (r *reader) singleAsset() Asset {
	return Asset{
		HToken:  r.address(),
		Token:   r.address(),
		Amount:  r.amount(),
		Deposit: r.amount(),
	}
}

// multiAssets writes the four parallel arrays, each element one 32 byte word.
func (w *writer) multiAssets(assets []Asset) {
	for _, a := range assets {
		w.paddedAddress(a.HToken)
	}
	for _, a := range assets {
		w.paddedAddress(a.Token)
	}
	for _, a := range assets {
		w.amount(a.Amount)
	}
	for _, a := range assets {
		w.amount(a.Deposit)
	}
}

func (r *reader) multiAssets(n int) []Asset {
	if r.err != nil {
		return nil
	}
	if len(r.b)-r.off < n*multiAssetLen {
		r.err = fmt.Errorf("%w: %d assets need %d bytes, have %d", ErrMalformedPayload, n, n*multiAssetLen, len(r.b)-r.off)
		return nil
	}
	assets := make([]Asset, n)
	for i := range assets {
		assets[i].HToken = r.paddedAddress()
	}
	for i := range assets {
		assets[i].Token = r.paddedAddress()
	}
	for i := range assets {
		assets[i].Amount = r.amount()
	}
	for i := range assets {
		assets[i].Deposit = r.amount()
	}
	if r.err != nil {
		return nil
	}
	return assets
}

// count reads the multi-asset count byte and rejects zero.
func (r *reader) count() int {
	n := int(r.byte())
	if r.err == nil && n == 0 {
		r.err = fmt.Errorf("%w: zero asset count", ErrMalformedPayload)
	}
	return n
}

func checkMultiCount(n int) error {
	if n == 0 || n > MaxTokens {
		return fmt.Errorf("%w: %d assets, want 1..%d", ErrAssetCount, n, MaxTokens)
	}
	return nil
}

func checkSingleCount(n int) error {
	if n != 1 {
		return fmt.Errorf("%w: %d assets, want 1", ErrAssetCount, n)
	}
	return nil
}

func checkNoAssets(n int) error {
	if n != 0 {
		return fmt.Errorf("%w: %d assets, want none", ErrAssetCount, n)
	}
	return nil
}
