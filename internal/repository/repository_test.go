package repository_test

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/config"
	"bridge-agent/internal/db"
	"bridge-agent/internal/models"
	"bridge-agent/internal/nonce"
	"bridge-agent/internal/repository"
	"bridge-agent/internal/wire"
)

var (
	alice  = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob    = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
	hToken = common.HexToAddress("0x1000000000000000000000000000000000000001")
	token  = common.HexToAddress("0x2000000000000000000000000000000000000001")
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "bridge.db"),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb, nil))
	t.Cleanup(func() { _ = db.Close(gdb) })
	return gdb
}

func testAsset(amount, deposit int64) wire.Asset {
	return wire.Asset{HToken: hToken, Token: token, Amount: big.NewInt(amount), Deposit: big.NewInt(deposit)}
}

func TestDepositRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewRecordRepository(openTestDB(t))

	d := &agent.Deposit{
		Nonce:       3,
		Owner:       alice,
		Params:      []byte{0xde, 0xad},
		Assets:      []wire.Asset{testAsset(10, 4)},
		Status:      agent.StatusSuccess,
		IsSigned:    true,
		HasFallback: true,
	}
	require.NoError(t, repo.SaveDeposit(ctx, 2, d))

	// upsert keeps a single row per nonce
	d.Status = agent.StatusFailed
	require.NoError(t, repo.SaveDeposit(ctx, 2, d))

	rec, err := repo.GetDeposit(ctx, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, "0xdead", rec.Params)

	got, err := rec.ToAgent()
	require.NoError(t, err)
	assert.Equal(t, d.Owner, got.Owner)
	assert.Equal(t, d.Params, got.Params)
	assert.Equal(t, agent.StatusFailed, got.Status)
	require.Len(t, got.Assets, 1)
	assert.Equal(t, 0, got.Assets[0].Amount.Cmp(big.NewInt(10)))
	assert.Equal(t, 0, got.Assets[0].Deposit.Cmp(big.NewInt(4)))

	list, total, err := repo.ListDeposits(ctx, 2, repository.RecordFilter{Status: "failed"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, list, 1)

	require.NoError(t, repo.DeleteDeposit(ctx, 2, 3))
	_, err = repo.GetDeposit(ctx, 2, 3)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSettlementFilters(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewRecordRepository(openTestDB(t))

	for i, dst := range []uint16{2, 2, 5} {
		require.NoError(t, repo.SaveSettlement(ctx, 1, &agent.Settlement{
			Nonce:      uint32(i + 1),
			Owner:      alice,
			Recipient:  bob,
			DstChainID: dst,
			Assets:     []wire.Asset{testAsset(1, 0)},
		}))
	}

	list, total, err := repo.ListSettlements(ctx, 1, repository.RecordFilter{DstChainID: 2}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, list, 2)
	assert.Equal(t, uint32(2), list[0].Nonce, "newest first")

	_, total, err = repo.ListSettlements(ctx, 1, repository.RecordFilter{Owner: bob.Hex()}, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = repo.GetSettlement(ctx, 9, 1)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCursorOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewRecordRepository(openTestDB(t))

	next, err := repo.GetCursor(ctx, agent.RoleBranch, 2)
	require.NoError(t, err)
	assert.Zero(t, next)

	require.NoError(t, repo.AdvanceCursor(ctx, agent.RoleBranch, 2, 5))
	require.NoError(t, repo.AdvanceCursor(ctx, agent.RoleBranch, 2, 3))
	next, err = repo.GetCursor(ctx, agent.RoleBranch, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), next)

	// cursors are per agent
	next, err = repo.GetCursor(ctx, agent.RoleRoot, 2)
	require.NoError(t, err)
	assert.Zero(t, next)
}

func TestLoadRootState(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewRecordRepository(openTestDB(t))

	require.NoError(t, repo.AdvanceCursor(ctx, agent.RoleRoot, 1, 4))
	require.NoError(t, repo.SaveExecutionState(ctx, agent.RoleRoot, 1, 2, 7, nonce.Done))
	require.NoError(t, repo.SaveExecutionState(ctx, agent.RoleRoot, 1, 2, 7, nonce.Retrieve))
	require.NoError(t, repo.SaveExecutionState(ctx, agent.RoleRoot, 1, 3, 1, nonce.Done))
	// another agent's state is not loaded
	require.NoError(t, repo.SaveExecutionState(ctx, agent.RoleBranch, 1, 2, 8, nonce.Done))
	require.NoError(t, repo.SaveSettlement(ctx, 1, &agent.Settlement{
		Nonce: 2, Owner: alice, Recipient: bob, DstChainID: 2,
		Assets: []wire.Asset{testAsset(3, 1)}, Status: agent.StatusFailed,
	}))
	require.NoError(t, repo.SaveBranch(ctx, 1, 2, common.HexToAddress("0xb0"), false))
	require.NoError(t, repo.SaveBranch(ctx, 1, 6, common.Address{}, true))

	st, err := repo.LoadRootState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), st.Ledger.Next)
	assert.ElementsMatch(t, []nonce.Entry{
		{ChainID: 2, Nonce: 7, State: nonce.Retrieve},
		{ChainID: 3, Nonce: 1, State: nonce.Done},
	}, st.Ledger.Entries)
	require.Len(t, st.Settlements, 1)
	assert.Equal(t, agent.StatusFailed, st.Settlements[0].Status)
	assert.Equal(t, map[uint16]common.Address{2: common.HexToAddress("0xb0")}, st.Branches)
	assert.Equal(t, []uint16{6}, st.Approved)
}

func TestLoadBranchState(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewRecordRepository(openTestDB(t))

	require.NoError(t, repo.AdvanceCursor(ctx, agent.RoleBranch, 2, 3))
	require.NoError(t, repo.SaveExecutionState(ctx, agent.RoleBranch, 2, 1, 1, nonce.Done))
	require.NoError(t, repo.SaveDeposit(ctx, 2, &agent.Deposit{Nonce: 1, Owner: alice, Assets: []wire.Asset{testAsset(5, 5)}}))

	st, err := repo.LoadBranchState(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), st.Ledger.Next)
	assert.Equal(t, []nonce.Entry{{ChainID: 1, Nonce: 1, State: nonce.Done}}, st.Ledger.Entries)
	require.Len(t, st.Deposits, 1)
	assert.Equal(t, alice, st.Deposits[0].Owner)
}

func TestEventsAreRecordedOnce(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewEventRepository(openTestDB(t))

	done := nonce.Done
	ev := agent.Event{
		ID:            "0b6a1f0e-6a55-4f7e-9d7e-5d0f7e2c1a01",
		Kind:          agent.EventExecuted,
		Role:          agent.RoleRoot,
		ChainID:       1,
		RemoteChainID: 2,
		Nonce:         9,
		Flag:          "call_out_deposit",
		Account:       alice,
		ExecState:     &done,
		At:            time.Now().UTC(),
	}
	row, err := models.NewBridgeEvent(ev)
	require.NoError(t, err)
	require.NoError(t, repo.CreateEvent(ctx, row))
	row, err = models.NewBridgeEvent(ev)
	require.NoError(t, err)
	require.NoError(t, repo.CreateEvent(ctx, row))

	n := uint32(9)
	list, total, err := repo.ListEvents(ctx, repository.EventFilter{Role: "root", Nonce: &n}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, list, 1)
	assert.Equal(t, "done", list[0].ExecState)
	assert.Equal(t, alice.Hex(), list[0].Account)

	_, total, err = repo.ListEvents(ctx, repository.EventFilter{Kind: string(agent.EventDeliveryFailed)}, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
}
