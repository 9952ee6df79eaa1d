package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/models"
	"bridge-agent/internal/nonce"
)

// ErrNotFound is returned by single-row lookups.
var ErrNotFound = errors.New("repository: not found")

// RecordFilter narrows list queries. Zero values match everything.
type RecordFilter struct {
	Owner      string
	Status     string
	DstChainID uint16
}

// RecordRepository persists agent state: deposits, settlements, inbound
// execution states, nonce cursors and the branch registry.
type RecordRepository interface {
	SaveDeposit(ctx context.Context, chainID uint16, d *agent.Deposit) error
	DeleteDeposit(ctx context.Context, chainID uint16, depositNonce uint32) error
	GetDeposit(ctx context.Context, chainID uint16, depositNonce uint32) (*models.DepositRecord, error)
	ListDeposits(ctx context.Context, chainID uint16, filter RecordFilter, page, limit int) ([]*models.DepositRecord, int64, error)

	SaveSettlement(ctx context.Context, chainID uint16, s *agent.Settlement) error
	DeleteSettlement(ctx context.Context, chainID uint16, settlementNonce uint32) error
	GetSettlement(ctx context.Context, chainID uint16, settlementNonce uint32) (*models.SettlementRecord, error)
	ListSettlements(ctx context.Context, chainID uint16, filter RecordFilter, page, limit int) ([]*models.SettlementRecord, int64, error)

	SaveExecutionState(ctx context.Context, role agent.Role, chainID, remoteChainID uint16, n uint32, st nonce.State) error
	ListExecutionStates(ctx context.Context, role agent.Role, chainID uint16) ([]*models.ExecutionState, error)

	// AdvanceCursor raises the stored next nonce to at least next.
	AdvanceCursor(ctx context.Context, role agent.Role, chainID uint16, next uint32) error
	GetCursor(ctx context.Context, role agent.Role, chainID uint16) (uint32, error)

	SaveBranch(ctx context.Context, rootChainID, chainID uint16, branch common.Address, approved bool) error
	ListBranches(ctx context.Context, rootChainID uint16) ([]*models.BranchRegistration, error)

	LoadBranchState(ctx context.Context, chainID uint16) (agent.BranchState, error)
	LoadRootState(ctx context.Context, chainID uint16) (agent.RootState, error)
}

type recordRepository struct {
	db *gorm.DB
}

func NewRecordRepository(db *gorm.DB) RecordRepository {
	return &recordRepository{db: db}
}

func paginate(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	return (page - 1) * limit, limit
}

// ============================================
// Deposits
// ============================================

func (r *recordRepository) SaveDeposit(ctx context.Context, chainID uint16, d *agent.Deposit) error {
	rec, err := models.NewDepositRecord(chainID, d)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain_id"}, {Name: "nonce"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner", "params", "assets", "status", "is_signed", "has_fallback", "updated_at"}),
	}).Create(rec).Error
}

func (r *recordRepository) DeleteDeposit(ctx context.Context, chainID uint16, depositNonce uint32) error {
	return r.db.WithContext(ctx).
		Where("chain_id = ? AND nonce = ?", chainID, depositNonce).
		Delete(&models.DepositRecord{}).Error
}

func (r *recordRepository) GetDeposit(ctx context.Context, chainID uint16, depositNonce uint32) (*models.DepositRecord, error) {
	var rec models.DepositRecord
	err := r.db.WithContext(ctx).Where("chain_id = ? AND nonce = ?", chainID, depositNonce).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("deposit %d on chain %d: %w", depositNonce, chainID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepository) ListDeposits(ctx context.Context, chainID uint16, filter RecordFilter, page, limit int) ([]*models.DepositRecord, int64, error) {
	var recs []*models.DepositRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&models.DepositRecord{}).Where("chain_id = ?", chainID)
	if filter.Owner != "" {
		query = query.Where("owner = ?", filter.Owner)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := paginate(page, limit)
	if err := query.Offset(offset).Limit(limit).Order("nonce DESC").Find(&recs).Error; err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// ============================================
// Settlements
// ============================================

func (r *recordRepository) SaveSettlement(ctx context.Context, chainID uint16, s *agent.Settlement) error {
	rec, err := models.NewSettlementRecord(chainID, s)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chain_id"}, {Name: "nonce"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner", "recipient", "dst_chain_id", "params", "assets",
			"status", "has_fallback", "updated_at"}),
	}).Create(rec).Error
}

func (r *recordRepository) DeleteSettlement(ctx context.Context, chainID uint16, settlementNonce uint32) error {
	return r.db.WithContext(ctx).
		Where("chain_id = ? AND nonce = ?", chainID, settlementNonce).
		Delete(&models.SettlementRecord{}).Error
}

func (r *recordRepository) GetSettlement(ctx context.Context, chainID uint16, settlementNonce uint32) (*models.SettlementRecord, error) {
	var rec models.SettlementRecord
	err := r.db.WithContext(ctx).Where("chain_id = ? AND nonce = ?", chainID, settlementNonce).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("settlement %d on chain %d: %w", settlementNonce, chainID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepository) ListSettlements(ctx context.Context, chainID uint16, filter RecordFilter, page, limit int) ([]*models.SettlementRecord, int64, error) {
	var recs []*models.SettlementRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&models.SettlementRecord{}).Where("chain_id = ?", chainID)
	if filter.Owner != "" {
		query = query.Where("owner = ?", filter.Owner)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.DstChainID != 0 {
		query = query.Where("dst_chain_id = ?", filter.DstChainID)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := paginate(page, limit)
	if err := query.Offset(offset).Limit(limit).Order("nonce DESC").Find(&recs).Error; err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// ============================================
// Execution states and cursors
// ============================================

func (r *recordRepository) SaveExecutionState(ctx context.Context, role agent.Role, chainID, remoteChainID uint16, n uint32, st nonce.State) error {
	row := &models.ExecutionState{
		Role:          string(role),
		ChainID:       chainID,
		RemoteChainID: remoteChainID,
		Nonce:         n,
		State:         st.String(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "role"}, {Name: "chain_id"}, {Name: "remote_chain_id"}, {Name: "nonce"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
	}).Create(row).Error
}

func (r *recordRepository) ListExecutionStates(ctx context.Context, role agent.Role, chainID uint16) ([]*models.ExecutionState, error) {
	var rows []*models.ExecutionState
	err := r.db.WithContext(ctx).
		Where("role = ? AND chain_id = ?", string(role), chainID).
		Order("remote_chain_id, nonce").
		Find(&rows).Error
	return rows, err
}

func (r *recordRepository) AdvanceCursor(ctx context.Context, role agent.Role, chainID uint16, next uint32) error {
	row := &models.AgentCursor{Role: string(role), ChainID: chainID, NextNonce: next}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "role"}, {Name: "chain_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"next_nonce": gorm.Expr("CASE WHEN excluded.next_nonce > agent_cursors.next_nonce THEN excluded.next_nonce ELSE agent_cursors.next_nonce END"),
			"updated_at": gorm.Expr("excluded.updated_at"),
		}),
	}).Create(row).Error
}

// GetCursor returns 0 when the agent never sent anything.
func (r *recordRepository) GetCursor(ctx context.Context, role agent.Role, chainID uint16) (uint32, error) {
	var row models.AgentCursor
	err := r.db.WithContext(ctx).Where("role = ? AND chain_id = ?", string(role), chainID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.NextNonce, nil
}

// ============================================
// Branch registry
// ============================================

func (r *recordRepository) SaveBranch(ctx context.Context, rootChainID, chainID uint16, branch common.Address, approved bool) error {
	row := &models.BranchRegistration{RootChainID: rootChainID, ChainID: chainID, Approved: approved}
	if branch != (common.Address{}) {
		row.Agent = branch.Hex()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "root_chain_id"}, {Name: "chain_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"agent", "approved", "updated_at"}),
	}).Create(row).Error
}

func (r *recordRepository) ListBranches(ctx context.Context, rootChainID uint16) ([]*models.BranchRegistration, error) {
	var rows []*models.BranchRegistration
	err := r.db.WithContext(ctx).Where("root_chain_id = ?", rootChainID).Order("chain_id").Find(&rows).Error
	return rows, err
}

// ============================================
// Agent state
// ============================================

func (r *recordRepository) ledgerSnapshot(ctx context.Context, role agent.Role, chainID uint16) (nonce.Snapshot, error) {
	next, err := r.GetCursor(ctx, role, chainID)
	if err != nil {
		return nonce.Snapshot{}, err
	}
	rows, err := r.ListExecutionStates(ctx, role, chainID)
	if err != nil {
		return nonce.Snapshot{}, err
	}
	snap := nonce.Snapshot{Next: next, Entries: make([]nonce.Entry, 0, len(rows))}
	for _, row := range rows {
		e, err := row.Entry()
		if err != nil {
			return nonce.Snapshot{}, fmt.Errorf("execution state %d/%d: %w", row.RemoteChainID, row.Nonce, err)
		}
		snap.Entries = append(snap.Entries, e)
	}
	return snap, nil
}

func (r *recordRepository) LoadBranchState(ctx context.Context, chainID uint16) (agent.BranchState, error) {
	ledger, err := r.ledgerSnapshot(ctx, agent.RoleBranch, chainID)
	if err != nil {
		return agent.BranchState{}, err
	}
	var recs []*models.DepositRecord
	if err := r.db.WithContext(ctx).Where("chain_id = ?", chainID).Order("nonce").Find(&recs).Error; err != nil {
		return agent.BranchState{}, err
	}
	st := agent.BranchState{Ledger: ledger, Deposits: make([]*agent.Deposit, 0, len(recs))}
	for _, rec := range recs {
		d, err := rec.ToAgent()
		if err != nil {
			return agent.BranchState{}, err
		}
		st.Deposits = append(st.Deposits, d)
	}
	return st, nil
}

func (r *recordRepository) LoadRootState(ctx context.Context, chainID uint16) (agent.RootState, error) {
	ledger, err := r.ledgerSnapshot(ctx, agent.RoleRoot, chainID)
	if err != nil {
		return agent.RootState{}, err
	}
	var recs []*models.SettlementRecord
	if err := r.db.WithContext(ctx).Where("chain_id = ?", chainID).Order("nonce").Find(&recs).Error; err != nil {
		return agent.RootState{}, err
	}
	st := agent.RootState{
		Ledger:      ledger,
		Settlements: make([]*agent.Settlement, 0, len(recs)),
		Branches:    make(map[uint16]common.Address),
	}
	for _, rec := range recs {
		s, err := rec.ToAgent()
		if err != nil {
			return agent.RootState{}, err
		}
		st.Settlements = append(st.Settlements, s)
	}

	branches, err := r.ListBranches(ctx, chainID)
	if err != nil {
		return agent.RootState{}, err
	}
	for _, b := range branches {
		if b.Agent != "" {
			st.Branches[b.ChainID] = common.HexToAddress(b.Agent)
		}
		if b.Approved {
			st.Approved = append(st.Approved, b.ChainID)
		}
	}
	return st, nil
}
