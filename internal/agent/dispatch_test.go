package agent_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/custody"
	"bridge-agent/internal/nonce"
)

func TestRootRejectsUnauthenticatedDeliveries(t *testing.T) {
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	callOut := []byte{0x01, 0, 0, 0, 1, 0xaa}

	tests := []struct {
		name    string
		d       agent.Delivery
		wantErr error
	}{
		{"wrong endpoint", agent.Delivery{Endpoint: stranger, SrcChainID: branchChain, Path: rootPath(), Payload: callOut}, agent.ErrUnauthorizedEndpoint},
		{"unknown chain", agent.Delivery{Endpoint: rootEndpoint, SrcChainID: 9, Path: rootPath(), Payload: callOut}, agent.ErrUnauthorizedCaller},
		{"wrong source agent", agent.Delivery{Endpoint: rootEndpoint, SrcChainID: branchChain,
			Path: append(append([]byte(nil), stranger.Bytes()...), rootAddr.Bytes()...), Payload: callOut}, agent.ErrUnauthorizedCaller},
		{"wrong destination agent", agent.Delivery{Endpoint: rootEndpoint, SrcChainID: branchChain,
			Path: append(append([]byte(nil), branchAddr.Bytes()...), stranger.Bytes()...), Payload: callOut}, agent.ErrUnauthorizedCaller},
		{"short path", agent.Delivery{Endpoint: rootEndpoint, SrcChainID: branchChain, Path: branchAddr.Bytes(), Payload: callOut}, agent.ErrUnauthorizedCaller},
		{"forged loopback", agent.Delivery{Endpoint: stranger, SrcChainID: rootChain, Path: rootPath(), Payload: callOut}, agent.ErrUnauthorizedEndpoint},
		{"unknown flag", agent.Delivery{Endpoint: rootEndpoint, SrcChainID: branchChain, Path: rootPath(), Payload: []byte{0x0a, 0, 0, 0, 1}}, agent.ErrUnknownFlag},
		{"truncated", agent.Delivery{Endpoint: rootEndpoint, SrcChainID: branchChain, Path: rootPath(), Payload: []byte{0x02, 0, 0}}, agent.ErrMalformedPayload},
		{"empty", agent.Delivery{Endpoint: rootEndpoint, SrcChainID: branchChain, Path: rootPath()}, agent.ErrMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rc, err := f.root.ReceiveNonBlocking(f.ctx, tt.d)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, rc.Err, tt.wantErr)
			assert.Equal(t, nonce.Ready, f.root.ExecutionState(branchChain, 1))
			assert.Empty(t, f.rootRouter.Calls())
		})
	}
}

func TestBranchRejectsUnauthenticatedDeliveries(t *testing.T) {
	f := newFixture(t)
	settle := []byte{0x00, 0, 0, 0, 1}

	_, err := f.branch.ReceiveNonBlocking(f.ctx, agent.Delivery{Endpoint: rootEndpoint, SrcChainID: rootChain, Path: branchPath(), Payload: settle})
	assert.ErrorIs(t, err, agent.ErrUnauthorizedEndpoint)
	_, err = f.branch.ReceiveNonBlocking(f.ctx, agent.Delivery{Endpoint: branchEndpoint, SrcChainID: 9, Path: branchPath(), Payload: settle})
	assert.ErrorIs(t, err, agent.ErrUnauthorizedCaller)
	// 0x05 is not a branch-bound kind
	_, err = f.branch.ReceiveNonBlocking(f.ctx, agent.Delivery{Endpoint: branchEndpoint, SrcChainID: rootChain, Path: branchPath(), Payload: []byte{0x05, 0, 0, 0, 1}})
	assert.ErrorIs(t, err, agent.ErrUnknownFlag)
	assert.Empty(t, f.branchRouter.calls)

	rc, err := f.branch.ReceiveNonBlocking(f.ctx, agent.Delivery{Endpoint: branchEndpoint, SrcChainID: rootChain, Path: branchPath(), Payload: settle})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rc.Nonce)
	assert.Equal(t, nonce.Done, f.branch.ExecutionState(1))
}

func TestFailedDeliverySweepsValue(t *testing.T) {
	f := newFixture(t)
	rc := f.root.Receive(f.ctx, agent.Delivery{
		Endpoint:   bob,
		SrcChainID: branchChain,
		Path:       rootPath(),
		Payload:    []byte{0x01, 0, 0, 0, 1},
		Value:      big.NewInt(7),
	})
	assert.ErrorIs(t, rc.Err, agent.ErrUnauthorizedEndpoint)
	assert.True(t, rc.Swept)
	assert.Equal(t, int64(7), f.balance(rootChain, custody.NativeToken, safety))
	assert.Equal(t, []agent.EventKind{agent.EventDeliveryFailed}, f.sink.kinds(agent.RoleRoot))

	rc = f.root.Receive(f.ctx, agent.Delivery{
		Endpoint:   rootEndpoint,
		SrcChainID: branchChain,
		Path:       rootPath(),
		Payload:    []byte{0x01, 0, 0, 0, 1},
		Value:      big.NewInt(3),
	})
	require.NoError(t, rc.Err)
	assert.False(t, rc.Swept)
	assert.Equal(t, int64(7), f.balance(rootChain, custody.NativeToken, safety))

	// a failed duplicate has its value swept on the branch as well
	rc = f.branch.Receive(f.ctx, agent.Delivery{Endpoint: branchEndpoint, SrcChainID: rootChain, Path: branchPath(),
		Payload: []byte{0x04, 0, 0, 0, 3}, Value: big.NewInt(2)})
	assert.ErrorIs(t, rc.Err, agent.ErrRecordNotFound)
	assert.Equal(t, int64(2), f.balance(branchChain, custody.NativeToken, safety))
}

func TestNestedOperationIsRejected(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(rootChain, global, rootRouter, big.NewInt(10))
	f.port.onMove = func(ctx context.Context) error {
		_, err := f.root.CallOut(ctx, rootRouter, alice, branchChain, nil, noGas)
		return err
	}

	_, err := f.root.CallOutAndBridge(f.ctx, rootRouter, alice, bob, branchChain, nil, tokenAmount(global, 10, 0), noGas, false)
	assert.ErrorIs(t, err, agent.ErrReentrantCall)
	assert.Equal(t, int64(10), f.balance(rootChain, global, rootRouter))
	assert.Zero(t, f.hub.Len())
}

func TestRouterMayCallOutDuringExecution(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(branchChain, underlying, branchRouter, big.NewInt(40))

	// the router bridges the deposited tokens straight back to bob
	f.rootRouter.hook = func(ctx context.Context) error {
		_, err := f.root.CallOutAndBridge(ctx, rootRouter, alice, bob, branchChain, nil, tokenAmount(global, 40, 40), noGas, false)
		return err
	}
	n, err := f.branch.CallOutAndBridge(f.ctx, branchRouter, alice, []byte("route"), asset(hToken, underlying, 40, 40), noGas, false)
	require.NoError(t, err)

	receipts := f.hub.Flush(f.ctx)
	require.Len(t, receipts, 2)
	require.NoError(t, receipts[0].Err)
	require.NoError(t, receipts[1].Err)
	assert.Equal(t, nonce.Done, f.root.ExecutionState(branchChain, n))
	assert.Equal(t, int64(40), f.balance(branchChain, underlying, bob))
	assert.Zero(t, f.balance(rootChain, global, rootRouter))
	assert.Len(t, f.root.Settlements(), 1)
}

func TestReceiveInsideReceiveIsRejected(t *testing.T) {
	f := newFixture(t)
	inner := agent.Delivery{Endpoint: rootEndpoint, SrcChainID: branchChain, Path: rootPath(), Payload: []byte{0x01, 0, 0, 0, 9}, Value: big.NewInt(1)}
	var innerRc agent.Receipt
	f.rootRouter.hook = func(ctx context.Context) error {
		innerRc = f.root.Receive(ctx, inner)
		_, err := f.root.ReceiveNonBlocking(ctx, inner)
		return err
	}

	rc, err := f.root.ReceiveNonBlocking(f.ctx, agent.Delivery{Endpoint: rootEndpoint, SrcChainID: branchChain, Path: rootPath(), Payload: []byte{0x01, 0, 0, 0, 1}})
	assert.ErrorIs(t, err, agent.ErrExecutionFailed)
	assert.ErrorIs(t, err, agent.ErrReentrantCall)
	assert.Equal(t, uint32(1), rc.Nonce)
	assert.ErrorIs(t, innerRc.Err, agent.ErrReentrantCall)
	assert.False(t, innerRc.Swept)
	assert.Zero(t, f.balance(rootChain, custody.NativeToken, safety))
	assert.Equal(t, nonce.Ready, f.root.ExecutionState(branchChain, 1))
	assert.Equal(t, nonce.Ready, f.root.ExecutionState(branchChain, 9))
}

func TestSignedCallHoldsGrantDuringExecution(t *testing.T) {
	f := newFixture(t)
	_, err := f.branch.CallOutSigned(f.ctx, alice, []byte("vote"), noGas)
	require.NoError(t, err)
	require.NoError(t, f.hub.Flush(f.ctx)[0].Err)

	account := f.root.DelegatedAccount(alice)
	require.Len(t, f.rootRouter.accounts, 1)
	assert.Equal(t, account, f.rootRouter.accounts[0])
	assert.True(t, f.rootRouter.approved[0])
	assert.False(t, f.root.Approved(f.ctx, account))

	// unsigned calls carry no grant
	_, err = f.branch.CallOut(f.ctx, branchRouter, alice, []byte("ping"), noGas)
	require.NoError(t, err)
	require.NoError(t, f.hub.Flush(f.ctx)[0].Err)
	assert.Len(t, f.rootRouter.accounts, 1)
}

func TestOwnershipAndDelegation(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(rootChain, global, rootRouter, big.NewInt(10))
	n, err := f.root.CallOutAndBridge(f.ctx, rootRouter, alice, bob, branchChain, nil, tokenAmount(global, 10, 0), noGas, false)
	require.NoError(t, err)
	delegated := f.root.DelegatedAccount(alice)
	assert.NotEqual(t, delegated, f.root.DelegatedAccount(bob))

	require.NoError(t, f.root.RetrieveSettlement(f.ctx, delegated, n, noGas))
	assert.ErrorIs(t, f.root.RetrieveSettlement(f.ctx, bob, n, noGas), agent.ErrNotOwner)
	assert.ErrorIs(t, f.root.RetrieveSettlement(f.ctx, f.root.DelegatedAccount(bob), n, noGas), agent.ErrNotOwner)

	f.ledger.MarkContract(alice)
	assert.ErrorIs(t, f.root.RetrieveSettlement(f.ctx, delegated, n, noGas), agent.ErrContractOwner)
	require.NoError(t, f.root.RetrieveSettlement(f.ctx, alice, n, noGas))

	// branch records have no delegation
	f.ledger.Mint(branchChain, hToken, bob, big.NewInt(1))
	dn, err := f.branch.CallOutSignedAndBridge(f.ctx, bob, nil, asset(hToken, underlying, 1, 0), noGas, false)
	require.NoError(t, err)
	err = f.branch.RetryDeposit(f.ctx, f.root.DelegatedAccount(bob), dn, nil, noGas, false)
	assert.ErrorIs(t, err, agent.ErrNotOwner)
	require.NoError(t, f.branch.RetryDeposit(f.ctx, bob, dn, nil, noGas, false))
}

func TestBranchRegistry(t *testing.T) {
	f := newFixture(t)
	third := common.HexToAddress("0x00000000000000000000000000000000000000b3")

	assert.ErrorIs(t, f.root.ApproveBranch(f.ctx, alice, 3), agent.ErrUnauthorizedCaller)
	assert.ErrorIs(t, f.root.SyncBranch(f.ctx, manager, 3, third), agent.ErrUnknownChain)
	assert.ErrorIs(t, f.root.ApproveBranch(f.ctx, manager, branchChain), agent.ErrAlreadyRegistered)

	require.NoError(t, f.root.ApproveBranch(f.ctx, manager, 3))
	assert.True(t, f.root.BranchApproved(3))
	assert.ErrorIs(t, f.root.SyncBranch(f.ctx, alice, 3, third), agent.ErrUnauthorizedCaller)
	require.NoError(t, f.root.SyncBranch(f.ctx, manager, 3, third))
	assert.False(t, f.root.BranchApproved(3))
	addr, ok := f.root.Branch(3)
	require.True(t, ok)
	assert.Equal(t, third, addr)
	assert.ErrorIs(t, f.root.ApproveBranch(f.ctx, manager, 3), agent.ErrAlreadyRegistered)

	require.NoError(t, f.root.ApproveBranch(f.ctx, manager, 5))
	st := f.root.Snapshot()
	assert.Equal(t, []uint16{5}, st.Approved)
	assert.Len(t, st.Branches, 2)

	assert.Equal(t, []agent.EventKind{
		agent.EventBranchApproved,
		agent.EventBranchSynced,
		agent.EventBranchApproved,
	}, f.sink.kinds(agent.RoleRoot))
}

func TestSameChainLoopback(t *testing.T) {
	f := newFixture(t)
	localBranch := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	localEndpoint := common.HexToAddress("0x00000000000000000000000000000000000000e3")
	require.NoError(t, f.root.ApproveBranch(f.ctx, manager, rootChain))
	require.NoError(t, f.root.SyncBranch(f.ctx, manager, rootChain, localBranch))

	local, err := agent.NewBranchAgent(agent.BranchConfig{
		ChainID:     rootChain,
		Self:        localBranch,
		Endpoint:    localEndpoint,
		RootChainID: rootChain,
		RootAgent:   rootAddr,
		Router:      branchRouter,
	}, agent.BranchDeps{
		Port:      f.ledger.Branch(rootChain, escrow),
		Transport: f.hub.Port(rootChain),
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	f.hub.Bind(rootChain, localBranch, localEndpoint, local)

	_, err = local.CallOut(f.ctx, branchRouter, alice, []byte("local"), noGas)
	require.NoError(t, err)
	pending := f.hub.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, localBranch, pending[0].Delivery.Endpoint)

	require.NoError(t, f.hub.Flush(f.ctx)[0].Err)
	assert.Equal(t, []string{"execute"}, f.rootRouter.Calls())
	assert.Equal(t, nonce.Done, f.root.ExecutionState(rootChain, 1))
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(rootChain, global, rootRouter, big.NewInt(10))
	f.ledger.Mint(branchChain, underlying, alice, big.NewInt(4))
	f.branchRouter.fail = assert.AnError

	sn, err := f.root.CallOutAndBridge(f.ctx, rootRouter, alice, bob, branchChain, []byte("p"), tokenAmount(global, 10, 0), noGas, true)
	require.NoError(t, err)
	dn, err := f.branch.CallOutSignedAndBridge(f.ctx, alice, nil, asset(hToken, underlying, 4, 4), noGas, false)
	require.NoError(t, err)
	f.hub.Flush(f.ctx)

	rootState := f.root.Snapshot()
	branchState := f.branch.Snapshot()
	require.Len(t, rootState.Settlements, 1)
	assert.Equal(t, agent.StatusFailed, rootState.Settlements[0].Status)
	require.Len(t, branchState.Deposits, 1)

	root, err := agent.NewRootAgent(f.root.Config(), agent.RootDeps{Port: f.port, Transport: f.hub.Port(rootChain), Inspector: f.ledger, Logger: quietLogger()})
	require.NoError(t, err)
	root.Restore(rootState)
	assert.Equal(t, f.root.NextNonce(), root.NextNonce())
	assert.Equal(t, nonce.Done, root.ExecutionState(branchChain, dn))
	require.NoError(t, root.RedeemSettlement(f.ctx, alice, sn, common.Address{}))
	assert.Equal(t, int64(10), f.balance(rootChain, global, alice))

	branch, err := agent.NewBranchAgent(f.branch.Config(), agent.BranchDeps{Port: f.ledger.Branch(branchChain, escrow), Transport: f.hub.Port(branchChain), Logger: quietLogger()})
	require.NoError(t, err)
	branch.Restore(branchState)
	assert.Equal(t, nonce.Retrieve, branch.ExecutionState(sn))
	assert.Equal(t, uint32(2), branch.NextNonce())
	d, ok := branch.Deposit(dn)
	require.True(t, ok)
	assert.Equal(t, alice, d.Owner)
}

type failingJournal struct{ err error }

func (j failingJournal) Commit(context.Context, []agent.Event, func(context.Context) error) error {
	return j.err
}

func TestJournalFailureRollsBackOperation(t *testing.T) {
	f := newFixture(t)
	f.ledger.Mint(branchChain, underlying, alice, big.NewInt(5))
	branch, err := agent.NewBranchAgent(f.branch.Config(), agent.BranchDeps{
		Port:      f.ledger.Branch(branchChain, escrow),
		Transport: f.hub.Port(branchChain),
		Journal:   failingJournal{assert.AnError},
		Events:    f.sink,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	_, err = branch.CallOutSignedAndBridge(f.ctx, alice, nil, asset(hToken, underlying, 5, 5), noGas, false)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, uint32(1), branch.NextNonce())
	assert.Empty(t, branch.Deposits())
	assert.Equal(t, 0, f.hub.Len())
	assert.Equal(t, int64(5), f.balance(branchChain, underlying, alice))
	assert.Empty(t, f.sink.kinds(agent.RoleBranch))
}

func TestRootRequiresInspector(t *testing.T) {
	f := newFixture(t)
	_, err := agent.NewRootAgent(f.root.Config(), agent.RootDeps{Port: f.port, Transport: f.hub.Port(rootChain), Logger: quietLogger()})
	assert.ErrorContains(t, err, "inspector")
}
