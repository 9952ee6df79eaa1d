package agent_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/custody"
	"bridge-agent/internal/nonce"
	"bridge-agent/internal/wire"
)

func TestDepositExecutesOnRoot(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(branchChain, hToken, branchRouter, big.NewInt(25))
	f.ledger.Mint(branchChain, underlying, branchRouter, big.NewInt(75))
	f.ledger.Mint(rootChain, global, custody.ChainAccount(branchChain), big.NewInt(25))

	n, err := f.branch.CallOutAndBridge(f.ctx, branchRouter, alice, []byte("buy"), asset(hToken, underlying, 100, 75), noGas, true)
	require.NoError(t, err)
	assert.Equal(t, int64(75), f.balance(branchChain, underlying, escrow))

	d, ok := f.branch.Deposit(n)
	require.True(t, ok)
	assert.Equal(t, alice, d.Owner)
	assert.False(t, d.IsSigned)
	assert.True(t, d.HasFallback)

	receipts := f.hub.Flush(f.ctx)
	require.Len(t, receipts, 1)
	require.NoError(t, receipts[0].Err)
	assert.Equal(t, nonce.Done, f.root.ExecutionState(branchChain, n))
	assert.Equal(t, int64(100), f.balance(rootChain, global, rootRouter))
	require.Len(t, f.rootRouter.deposits, 1)
	assert.Equal(t, n, f.rootRouter.deposits[0].Nonce)
	assert.Equal(t, hToken, f.rootRouter.deposits[0].Assets[0].HToken)

	err = f.branch.RedeemDeposit(f.ctx, alice, n, common.Address{})
	assert.ErrorIs(t, err, agent.ErrRedeemUnavailable)
}

func TestDepositFallbackThenRedeem(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(branchChain, underlying, alice, big.NewInt(50))
	f.rootRouter.fail = errors.New("pool paused")

	n, err := f.branch.CallOutSignedAndBridge(f.ctx, alice, []byte("stake"), asset(hToken, underlying, 50, 50), noGas, true)
	require.NoError(t, err)
	assert.Zero(t, f.balance(branchChain, underlying, alice))

	receipts := f.hub.Flush(f.ctx)
	require.Len(t, receipts, 2)
	require.NoError(t, receipts[0].Err)
	assert.True(t, receipts[0].FallbackSent)
	require.NoError(t, receipts[1].Err)

	account := f.root.DelegatedAccount(alice)
	assert.Zero(t, f.balance(rootChain, global, account))
	assert.Equal(t, nonce.Retrieve, f.root.ExecutionState(branchChain, n))
	assert.Equal(t, []common.Address{account}, f.rootRouter.accounts)

	d, _ := f.branch.Deposit(n)
	assert.Equal(t, agent.StatusFailed, d.Status)
	assert.True(t, d.IsSigned)

	err = f.branch.RetryDeposit(f.ctx, alice, n, nil, noGas, false)
	assert.ErrorIs(t, err, agent.ErrRetryUnavailable)
	err = f.branch.RetrieveDeposit(f.ctx, alice, n, noGas)
	assert.ErrorIs(t, err, agent.ErrRetrieveUnavailable)

	require.NoError(t, f.branch.RedeemDeposit(f.ctx, alice, n, common.Address{}))
	assert.Equal(t, int64(50), f.balance(branchChain, underlying, alice))
	assert.Zero(t, f.balance(branchChain, underlying, escrow))
	assert.Empty(t, f.branch.Deposits())

	assert.Equal(t, []agent.EventKind{
		agent.EventDepositCreated,
		agent.EventDepositFailed,
		agent.EventDepositRedeemed,
	}, f.sink.kinds(agent.RoleBranch))
}

func TestRetrieveDepositOnExecutedNonce(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(branchChain, underlying, alice, big.NewInt(5))

	n, err := f.branch.CallOutSignedAndBridge(f.ctx, alice, nil, asset(hToken, underlying, 5, 5), noGas, false)
	require.NoError(t, err)
	require.NoError(t, f.hub.Flush(f.ctx)[0].Err)
	assert.Equal(t, int64(5), f.balance(rootChain, global, f.root.DelegatedAccount(alice)))
	assert.Empty(t, f.rootRouter.Calls(), "deposits without params skip the router")

	require.NoError(t, f.branch.RetrieveDeposit(f.ctx, alice, n, noGas))
	receipts := f.hub.Flush(f.ctx)
	require.Len(t, receipts, 1)
	assert.ErrorIs(t, receipts[0].Err, agent.ErrAlreadyExecuted)
	assert.Equal(t, nonce.Done, f.root.ExecutionState(branchChain, n))

	d, _ := f.branch.Deposit(n)
	assert.Equal(t, agent.StatusSuccess, d.Status)
}

func TestRetrieveDepositBeforeExecution(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(branchChain, hToken, alice, big.NewInt(8))

	n, err := f.branch.CallOutSignedAndBridge(f.ctx, alice, []byte("x"), asset(hToken, underlying, 8, 0), noGas, false)
	require.NoError(t, err)
	lost, _ := f.hub.Drop()

	err = f.branch.RetrieveDeposit(f.ctx, bob, n, noGas)
	assert.ErrorIs(t, err, agent.ErrNotOwner)
	require.NoError(t, f.branch.RetrieveDeposit(f.ctx, alice, n, noGas))

	receipts := f.hub.Flush(f.ctx)
	require.Len(t, receipts, 2)
	require.NoError(t, receipts[0].Err)
	require.NoError(t, receipts[1].Err)
	assert.Equal(t, nonce.Retrieve, f.root.ExecutionState(branchChain, n))

	rc := f.hub.Redeliver(f.ctx, lost)
	assert.ErrorIs(t, rc.Err, agent.ErrAlreadyExecuted)
	assert.Empty(t, f.rootRouter.Calls())

	require.NoError(t, f.branch.RedeemDeposit(f.ctx, alice, n, bob))
	assert.Equal(t, int64(8), f.balance(branchChain, hToken, bob))
}

func TestExecutionFailureWithoutFallbackRollsBack(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(branchChain, underlying, alice, big.NewInt(20))
	f.rootRouter.fail = errors.New("slippage")

	n, err := f.branch.CallOutSignedAndBridge(f.ctx, alice, []byte("swap"), asset(hToken, underlying, 20, 20), noGas, false)
	require.NoError(t, err)
	receipts := f.hub.Flush(f.ctx)
	require.Len(t, receipts, 1)
	assert.ErrorIs(t, receipts[0].Err, agent.ErrExecutionFailed)
	assert.False(t, receipts[0].FallbackSent)
	assert.Equal(t, nonce.Ready, f.root.ExecutionState(branchChain, n))
	assert.Zero(t, f.balance(rootChain, global, f.root.DelegatedAccount(alice)))

	// the owner retries with new params once the router recovers
	f.rootRouter.fail = nil
	require.NoError(t, f.branch.RetryDeposit(f.ctx, alice, n, []byte("swap-v2"), noGas, true))
	d, _ := f.branch.Deposit(n)
	assert.Equal(t, []byte("swap-v2"), d.Params)

	receipts = f.hub.Flush(f.ctx)
	require.Len(t, receipts, 1)
	require.NoError(t, receipts[0].Err)
	assert.Equal(t, nonce.Done, f.root.ExecutionState(branchChain, n))
	assert.Equal(t, int64(20), f.balance(rootChain, global, f.root.DelegatedAccount(alice)))
}

func TestDepositMultipleAssets(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(branchChain, underlying, branchRouter, big.NewInt(10))
	f.ledger.Mint(branchChain, underlying2, branchRouter, big.NewInt(20))

	assets := []wire.Asset{asset(hToken, underlying, 10, 10), asset(hToken2, underlying2, 20, 20)}
	n, err := f.branch.CallOutAndBridgeMultiple(f.ctx, branchRouter, common.Address{}, []byte("lp"), assets, noGas, false)
	require.NoError(t, err)
	d, _ := f.branch.Deposit(n)
	assert.Equal(t, branchRouter, d.Owner)
	assert.Len(t, d.Assets, 2)

	require.NoError(t, f.hub.Flush(f.ctx)[0].Err)
	assert.Equal(t, []string{"deposit_multiple"}, f.rootRouter.Calls())
	assert.Len(t, f.rootRouter.deposits[0].Assets, 2)
	assert.Equal(t, int64(10), f.balance(rootChain, global, rootRouter))
	assert.Equal(t, int64(20), f.balance(rootChain, global2, rootRouter))
}

func TestBranchCallOutValidation(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(branchChain, underlying, alice, big.NewInt(5))

	_, err := f.branch.CallOut(f.ctx, alice, alice, []byte("x"), noGas)
	assert.ErrorIs(t, err, agent.ErrUnauthorizedCaller)
	_, err = f.branch.CallOutSignedAndBridge(f.ctx, alice, nil, asset(hToken, underlying, 5, 6), noGas, false)
	assert.ErrorIs(t, err, agent.ErrInvalidAssets)
	_, err = f.branch.CallOutSignedAndBridgeMultiple(f.ctx, alice, nil, nil, noGas, false)
	assert.ErrorIs(t, err, agent.ErrInvalidAssets)
	_, err = f.branch.CallOutSignedAndBridge(f.ctx, alice, nil, asset(hToken, underlying, 6, 6), noGas, false)
	assert.ErrorIs(t, err, custody.ErrInsufficientBalance)

	assert.Equal(t, uint32(1), f.branch.NextNonce())
	assert.Equal(t, int64(5), f.balance(branchChain, underlying, alice))
	assert.Empty(t, f.branch.Deposits())
	assert.Zero(t, f.hub.Len())

	// without assets the fallback bit is never set
	n, err := f.branch.CallOutSigned(f.ctx, alice, []byte("vote"), noGas)
	require.NoError(t, err)
	pending := f.hub.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, byte(0x04), pending[0].Delivery.Payload[0])
	_, ok := f.branch.Deposit(n)
	assert.False(t, ok)

	require.NoError(t, f.hub.Flush(f.ctx)[0].Err)
	assert.Equal(t, []string{"signed"}, f.rootRouter.Calls())
}

func TestDepositFallbackForUnknownDeposit(t *testing.T) {
	f := newFixture(t)
	_, err := f.branch.ReceiveNonBlocking(f.ctx, agent.Delivery{
		Endpoint:   branchEndpoint,
		SrcChainID: rootChain,
		Path:       branchPath(),
		Payload:    []byte{0x04, 0, 0, 0, 7},
	})
	assert.ErrorIs(t, err, agent.ErrRecordNotFound)
}
