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
)

func TestSettlementFallbackThenRedeem(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(rootChain, global, rootRouter, big.NewInt(100))
	f.branchRouter.fail = errors.New("swap reverted")

	n, err := f.root.CallOutAndBridge(f.ctx, rootRouter, alice, bob, branchChain, []byte("swap"), tokenAmount(global, 100, 0), noGas, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)
	assert.Equal(t, int64(0), f.balance(rootChain, global, rootRouter))
	assert.Equal(t, int64(100), f.balance(rootChain, global, custody.ChainAccount(branchChain)))

	s, ok := f.root.Settlement(n)
	require.True(t, ok)
	assert.Equal(t, agent.StatusSuccess, s.Status)
	assert.Equal(t, alice, s.Owner)
	assert.Equal(t, hToken, s.Assets[0].HToken)
	assert.True(t, s.HasFallback)

	pending := f.hub.Pending()
	require.Len(t, pending, 1)

	receipts := f.hub.Flush(f.ctx)
	require.Len(t, receipts, 2)
	assert.NoError(t, receipts[0].Err)
	assert.True(t, receipts[0].FallbackSent)
	assert.NoError(t, receipts[1].Err)

	assert.Equal(t, nonce.Retrieve, f.branch.ExecutionState(n))
	assert.Equal(t, int64(0), f.balance(branchChain, hToken, bob), "failed execution must not leave assets behind")
	s, _ = f.root.Settlement(n)
	assert.Equal(t, agent.StatusFailed, s.Status)

	// the transport delivers the settlement twice
	rc := f.hub.Redeliver(f.ctx, pending[0])
	assert.ErrorIs(t, rc.Err, agent.ErrAlreadyExecuted)
	assert.Zero(t, f.hub.Len())

	err = f.root.RetrySettlement(f.ctx, alice, n, common.Address{}, nil, noGas, false)
	assert.ErrorIs(t, err, agent.ErrRetryUnavailable)
	err = f.root.RetrieveSettlement(f.ctx, alice, n, noGas)
	assert.ErrorIs(t, err, agent.ErrRetrieveUnavailable)

	err = f.root.RedeemSettlement(f.ctx, bob, n, bob)
	assert.ErrorIs(t, err, agent.ErrNotOwner)

	require.NoError(t, f.root.RedeemSettlement(f.ctx, alice, n, common.Address{}))
	assert.Equal(t, int64(100), f.balance(rootChain, global, alice))
	assert.Zero(t, f.balance(rootChain, global, custody.ChainAccount(branchChain)))
	_, ok = f.root.Settlement(n)
	assert.False(t, ok)

	err = f.root.RedeemSettlement(f.ctx, alice, n, common.Address{})
	assert.ErrorIs(t, err, agent.ErrNotOwner)

	assert.Equal(t, []agent.EventKind{
		agent.EventSettlementCreated,
		agent.EventSettlementFailed,
		agent.EventSettlementRedeemed,
	}, f.sink.kinds(agent.RoleRoot))
	assert.Contains(t, f.sink.kinds(agent.RoleBranch), agent.EventExecutionFallback)
}

func TestSettlementExecutesWithDeposit(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(rootChain, global, rootRouter, big.NewInt(100))
	f.ledger.Mint(branchChain, underlying, escrow, big.NewInt(40))

	n, err := f.root.CallOutAndBridge(f.ctx, rootRouter, alice, bob, branchChain, []byte("pay"), tokenAmount(global, 100, 40), noGas, true)
	require.NoError(t, err)
	assert.Equal(t, int64(60), f.balance(rootChain, global, custody.ChainAccount(branchChain)))

	receipts := f.hub.Flush(f.ctx)
	require.Len(t, receipts, 1)
	require.NoError(t, receipts[0].Err)
	assert.False(t, receipts[0].FallbackSent)

	assert.Equal(t, int64(60), f.balance(branchChain, hToken, bob))
	assert.Equal(t, int64(40), f.balance(branchChain, underlying, bob))
	require.Len(t, f.branchRouter.settlements, 1)
	assert.Equal(t, bob, f.branchRouter.settlements[0].Recipient)
	assert.Equal(t, n, f.branchRouter.settlements[0].Nonce)
	assert.Equal(t, nonce.Done, f.branch.ExecutionState(n))

	err = f.root.RedeemSettlement(f.ctx, alice, n, common.Address{})
	assert.ErrorIs(t, err, agent.ErrRedeemUnavailable)

	// an executed settlement cannot be retrieved
	require.NoError(t, f.root.RetrieveSettlement(f.ctx, alice, n, noGas))
	receipts = f.hub.Flush(f.ctx)
	require.Len(t, receipts, 1)
	assert.ErrorIs(t, receipts[0].Err, agent.ErrAlreadyExecuted)
	s, _ := f.root.Settlement(n)
	assert.Equal(t, agent.StatusSuccess, s.Status)
}

func TestTwoFailedSettlementsRedeemIndependently(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(rootChain, global, rootRouter, big.NewInt(30))
	f.ledger.Mint(rootChain, global2, rootRouter, big.NewInt(70))
	f.branchRouter.fail = errors.New("no liquidity")

	n1, err := f.root.CallOutAndBridge(f.ctx, rootRouter, alice, bob, branchChain, []byte("a"), tokenAmount(global, 30, 0), noGas, true)
	require.NoError(t, err)
	n2, err := f.root.CallOutAndBridgeMultiple(f.ctx, rootRouter, bob, bob, branchChain, []byte("b"),
		[]agent.TokenAmount{tokenAmount(global2, 70, 0)}, noGas, true)
	require.NoError(t, err)
	assert.Equal(t, n1+1, n2)

	for _, rc := range f.hub.Flush(f.ctx) {
		require.NoError(t, rc.Err)
	}
	for _, n := range []uint32{n1, n2} {
		s, ok := f.root.Settlement(n)
		require.True(t, ok)
		assert.Equal(t, agent.StatusFailed, s.Status)
	}

	require.NoError(t, f.root.RedeemSettlement(f.ctx, bob, n2, common.Address{}))
	assert.Equal(t, int64(70), f.balance(rootChain, global2, bob))
	s1, ok := f.root.Settlement(n1)
	require.True(t, ok)
	assert.Equal(t, agent.StatusFailed, s1.Status)

	require.NoError(t, f.root.RedeemSettlement(f.ctx, alice, n1, alice))
	assert.Equal(t, int64(30), f.balance(rootChain, global, alice))
	assert.Empty(t, f.root.Settlements())
}

func TestRetrieveSettlementBeforeExecution(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(rootChain, global, rootRouter, big.NewInt(10))

	n, err := f.root.CallOutAndBridge(f.ctx, rootRouter, alice, bob, branchChain, nil, tokenAmount(global, 10, 0), noGas, false)
	require.NoError(t, err)
	lost, ok := f.hub.Drop()
	require.True(t, ok)

	// retrieve may be requested again while no answer arrived
	require.NoError(t, f.root.RetrieveSettlement(f.ctx, alice, n, noGas))
	f.hub.Drop()
	require.NoError(t, f.root.RetrieveSettlement(f.ctx, alice, n, noGas))

	receipts := f.hub.Flush(f.ctx)
	require.Len(t, receipts, 2)
	assert.True(t, receipts[0].FallbackSent)
	assert.Equal(t, nonce.Retrieve, f.branch.ExecutionState(n))
	s, _ := f.root.Settlement(n)
	assert.Equal(t, agent.StatusFailed, s.Status)

	rc := f.hub.Redeliver(f.ctx, lost)
	assert.ErrorIs(t, rc.Err, agent.ErrAlreadyExecuted)
	assert.Zero(t, f.balance(branchChain, hToken, bob))

	require.NoError(t, f.root.RedeemSettlement(f.ctx, alice, n, common.Address{}))
	assert.Equal(t, int64(10), f.balance(rootChain, global, alice))
}

func TestRetrySettlementResendsUnderSameNonce(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(rootChain, global, rootRouter, big.NewInt(10))

	n, err := f.root.CallOutAndBridge(f.ctx, rootRouter, alice, bob, branchChain, []byte("v1"), tokenAmount(global, 10, 0), noGas, false)
	require.NoError(t, err)
	f.hub.Drop()

	require.NoError(t, f.root.RetrySettlement(f.ctx, alice, n, alice, []byte("v2"), noGas, true))
	s, _ := f.root.Settlement(n)
	assert.Equal(t, alice, s.Recipient)
	assert.Equal(t, []byte("v2"), s.Params)
	assert.True(t, s.HasFallback)

	receipts := f.hub.Flush(f.ctx)
	require.Len(t, receipts, 1)
	require.NoError(t, receipts[0].Err)
	assert.Equal(t, n, receipts[0].Nonce)
	assert.Equal(t, int64(10), f.balance(branchChain, hToken, alice))
	assert.Equal(t, uint32(2), f.root.NextNonce())
}

func TestRetrySettlementRequestedFromBranch(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(rootChain, global, rootRouter, big.NewInt(10))

	n, err := f.root.CallOutAndBridge(f.ctx, rootRouter, alice, bob, branchChain, nil, tokenAmount(global, 10, 0), noGas, false)
	require.NoError(t, err)
	f.hub.Drop()

	// bob does not own the settlement: the request is rolled back on root
	_, err = f.branch.RetrySettlement(f.ctx, bob, n, nil, noGas, noGas, false)
	require.NoError(t, err)
	receipts := f.hub.Flush(f.ctx)
	require.Len(t, receipts, 1)
	assert.ErrorIs(t, receipts[0].Err, agent.ErrNotOwner)

	reqNonce, err := f.branch.RetrySettlement(f.ctx, alice, n, []byte("again"), noGas, noGas, true)
	require.NoError(t, err)
	receipts = f.hub.Flush(f.ctx)
	require.Len(t, receipts, 2)
	require.NoError(t, receipts[0].Err)
	assert.Equal(t, reqNonce, receipts[0].Nonce)
	require.NoError(t, receipts[1].Err)
	assert.Equal(t, n, receipts[1].Nonce)

	assert.Equal(t, nonce.Done, f.root.ExecutionState(branchChain, reqNonce))
	assert.Equal(t, int64(10), f.balance(branchChain, hToken, bob))
	assert.Empty(t, f.branch.Deposits(), "retry requests leave no deposit record")
}

func TestSettlementFallbackFromWrongChainRejected(t *testing.T) {
	f := newFixture(t)
	other := common.HexToAddress("0x00000000000000000000000000000000000000b9")
	require.NoError(t, f.root.ApproveBranch(f.ctx, manager, 9))
	require.NoError(t, f.root.SyncBranch(f.ctx, manager, 9, other))
	f.ledger.Mint(rootChain, global, rootRouter, big.NewInt(10))

	n, err := f.root.CallOutAndBridge(f.ctx, rootRouter, alice, bob, branchChain, nil, tokenAmount(global, 10, 0), noGas, true)
	require.NoError(t, err)

	payload := []byte{0x09, 0, 0, 0, byte(n)}
	path := append(append([]byte(nil), other.Bytes()...), rootAddr.Bytes()...)
	_, err = f.root.ReceiveNonBlocking(f.ctx, agent.Delivery{Endpoint: rootEndpoint, SrcChainID: 9, Path: path, Payload: payload})
	assert.ErrorIs(t, err, agent.ErrUnauthorizedCaller)

	_, err = f.root.ReceiveNonBlocking(f.ctx, agent.Delivery{Endpoint: rootEndpoint, SrcChainID: branchChain, Path: rootPath(), Payload: []byte{0x09, 0, 0, 0, 99}})
	assert.ErrorIs(t, err, agent.ErrRecordNotFound)

	// fallbacks are not nonce guarded and repeat harmlessly
	for i := 0; i < 2; i++ {
		_, err = f.root.ReceiveNonBlocking(f.ctx, agent.Delivery{Endpoint: rootEndpoint, SrcChainID: branchChain, Path: rootPath(), Payload: payload})
		require.NoError(t, err)
	}
	s, _ := f.root.Settlement(n)
	assert.Equal(t, agent.StatusFailed, s.Status)
}

func TestCallOutValidation(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(rootChain, global, rootRouter, big.NewInt(10))

	_, err := f.root.CallOutAndBridge(f.ctx, alice, alice, bob, branchChain, nil, tokenAmount(global, 10, 0), noGas, false)
	assert.ErrorIs(t, err, agent.ErrUnauthorizedCaller)
	_, err = f.root.CallOut(f.ctx, rootRouter, alice, 77, nil, noGas)
	assert.ErrorIs(t, err, agent.ErrUnknownChain)
	_, err = f.root.CallOutAndBridge(f.ctx, rootRouter, alice, bob, branchChain, nil, tokenAmount(global, 5, 6), noGas, false)
	assert.ErrorIs(t, err, agent.ErrInvalidAssets)
	_, err = f.root.CallOutAndBridge(f.ctx, rootRouter, alice, bob, branchChain, nil, tokenAmount(bob, 5, 0), noGas, false)
	assert.ErrorIs(t, err, agent.ErrUnknownToken)
	_, err = f.root.CallOutAndBridgeMultiple(f.ctx, rootRouter, alice, bob, branchChain, nil, nil, noGas, false)
	assert.ErrorIs(t, err, agent.ErrInvalidAssets)
	_, err = f.root.CallOutAndBridge(f.ctx, rootRouter, alice, bob, branchChain, nil, tokenAmount(global, 11, 0), noGas, false)
	assert.ErrorIs(t, err, custody.ErrInsufficientBalance)

	assert.Equal(t, uint32(1), f.root.NextNonce(), "failed call-outs must not consume nonces")
	assert.Zero(t, f.hub.Len())
	assert.Equal(t, int64(10), f.balance(rootChain, global, rootRouter))

	n, err := f.root.CallOut(f.ctx, rootRouter, common.Address{}, branchChain, []byte("ping"), noGas)
	require.NoError(t, err)
	_, ok := f.root.Settlement(n)
	assert.False(t, ok, "call-outs without assets are not tracked")
	receipts := f.hub.Flush(f.ctx)
	require.Len(t, receipts, 1)
	require.NoError(t, receipts[0].Err)
	assert.Equal(t, []string{"no_settlement"}, f.branchRouter.calls)
}

func TestTransportFailureRollsBackCallOut(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(rootChain, global, rootRouter, big.NewInt(10))
	down := errors.New("relayer unavailable")
	f.hub.FailSends(down)

	_, err := f.root.CallOutAndBridge(f.ctx, rootRouter, alice, bob, branchChain, nil, tokenAmount(global, 10, 0), noGas, true)
	assert.ErrorIs(t, err, down)
	assert.Equal(t, int64(10), f.balance(rootChain, global, rootRouter))
	assert.Empty(t, f.root.Settlements())
	assert.Equal(t, uint32(1), f.root.NextNonce())
	assert.Empty(t, f.sink.kinds(agent.RoleRoot))
}
