package agent

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Delegation derives the virtual account that acts for an owner on the
// root chain: CREATE2(factory, keccak256(owner), initCodeHash).
type Delegation struct {
	Factory      common.Address
	InitCodeHash common.Hash
}

func (d Delegation) Account(owner common.Address) common.Address {
	salt := crypto.Keccak256Hash(owner.Bytes())
	return crypto.CreateAddress2(d.Factory, salt, d.InitCodeHash.Bytes())
}

// checkOwner allows the owner itself, or the owner's delegated account
// when the owner is not a contract.
func checkOwner(ctx context.Context, inspector AccountInspector, delegation Delegation, caller, owner common.Address) error {
	if owner == (common.Address{}) {
		return fmt.Errorf("%w: record does not exist", ErrNotOwner)
	}
	if caller == owner {
		return nil
	}
	if inspector == nil {
		return fmt.Errorf("%w: no account inspector to check owner %s", ErrContractOwner, owner.Hex())
	}
	isContract, err := inspector.IsContract(ctx, owner)
	if err != nil {
		return fmt.Errorf("inspect owner %s: %w", owner.Hex(), err)
	}
	if isContract {
		return fmt.Errorf("%w: %s", ErrContractOwner, owner.Hex())
	}
	if caller != delegation.Account(owner) {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	return nil
}
