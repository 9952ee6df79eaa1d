package custody

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"bridge-agent/internal/wire"
)

// ChainAccount is the root-side account that holds hTokens accounted to a
// branch chain.
func ChainAccount(chainID uint16) common.Address {
	return common.BigToAddress(new(big.Int).SetUint64(0xc0de0000 + uint64(chainID)))
}

// BranchView is the custody seen by the branch agent of one chain. Escrow
// holds the underlying tokens deposited through the agent.
type BranchView struct {
	*Ledger
	ChainID uint16
	Escrow  common.Address
}

func (l *Ledger) Branch(chainID uint16, escrow common.Address) *BranchView {
	return &BranchView{Ledger: l, ChainID: chainID, Escrow: escrow}
}

// BridgeOut burns the hToken part of asset from depositor and escrows the
// underlying part.
func (v *BranchView) BridgeOut(ctx context.Context, depositor common.Address, asset wire.Asset) error {
	hPart, err := checkAmounts(asset.Amount, asset.Deposit)
	if err != nil {
		return err
	}
	if err := v.adjust(ctx, v.ChainID, asset.HToken, depositor, new(big.Int).Neg(hPart)); err != nil {
		return err
	}
	return v.transfer(ctx, v.ChainID, asset.Token, depositor, v.Escrow, asset.Deposit)
}

// BridgeIn mints the hToken part of asset to recipient and releases the
// underlying part from escrow.
func (v *BranchView) BridgeIn(ctx context.Context, recipient common.Address, asset wire.Asset) error {
	hPart, err := checkAmounts(asset.Amount, asset.Deposit)
	if err != nil {
		return err
	}
	if err := v.adjust(ctx, v.ChainID, asset.HToken, recipient, hPart); err != nil {
		return err
	}
	return v.transfer(ctx, v.ChainID, asset.Token, v.Escrow, recipient, asset.Deposit)
}

// Sweep hands native value attached to a failed delivery to the safety
// account.
func (v *BranchView) Sweep(ctx context.Context, to common.Address, amount *big.Int) error {
	return v.adjust(ctx, v.ChainID, NativeToken, to, amount)
}

// RootView is the custody seen by the root agent.
type RootView struct {
	*Ledger
	ChainID uint16
}

func (l *Ledger) Root(chainID uint16) *RootView {
	return &RootView{Ledger: l, ChainID: chainID}
}

// MoveToBranch takes amount global tokens from depositor. The hToken part
// stays accounted to dstChainID, the deposit part is burned as it is
// released from the branch escrow.
func (v *RootView) MoveToBranch(ctx context.Context, depositor, globalToken common.Address, amount, deposit *big.Int, dstChainID uint16) error {
	hPart, err := checkAmounts(amount, deposit)
	if err != nil {
		return err
	}
	if err := v.adjust(ctx, v.ChainID, globalToken, depositor, new(big.Int).Neg(amount)); err != nil {
		return err
	}
	return v.adjust(ctx, v.ChainID, globalToken, ChainAccount(dstChainID), hPart)
}

// MoveToRoot credits amount global tokens to recipient: the hToken part
// from the tokens accounted to srcChainID, the deposit part newly minted.
func (v *RootView) MoveToRoot(ctx context.Context, recipient, globalToken common.Address, amount, deposit *big.Int, srcChainID uint16) error {
	hPart, err := checkAmounts(amount, deposit)
	if err != nil {
		return err
	}
	if err := v.adjust(ctx, v.ChainID, globalToken, ChainAccount(srcChainID), new(big.Int).Neg(hPart)); err != nil {
		return err
	}
	return v.adjust(ctx, v.ChainID, globalToken, recipient, amount)
}

func (v *RootView) GlobalToken(_ context.Context, localToken common.Address, chainID uint16) (common.Address, bool) {
	return v.globalToken(chainID, localToken)
}

func (v *RootView) LocalToken(_ context.Context, globalToken common.Address, chainID uint16) (common.Address, bool) {
	return v.localToken(chainID, globalToken)
}

func (v *RootView) UnderlyingToken(_ context.Context, localToken common.Address, chainID uint16) (common.Address, bool) {
	return v.underlyingToken(chainID, localToken)
}

func (v *RootView) Sweep(ctx context.Context, to common.Address, amount *big.Int) error {
	return v.adjust(ctx, v.ChainID, NativeToken, to, amount)
}
