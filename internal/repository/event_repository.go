package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bridge-agent/internal/models"
)

// EventFilter narrows audit event queries. Zero values match everything.
type EventFilter struct {
	Role    string
	ChainID uint16
	Kind    string
	Nonce   *uint32
	Account string
}

// EventRepository stores the audit trail.
type EventRepository interface {
	// CreateEvent ignores an event whose id is already stored, so a
	// redelivered event is recorded once.
	CreateEvent(ctx context.Context, event *models.BridgeEvent) error
	ListEvents(ctx context.Context, filter EventFilter, page, limit int) ([]*models.BridgeEvent, int64, error)
}

type eventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{db: db}
}

func (r *eventRepository) CreateEvent(ctx context.Context, event *models.BridgeEvent) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(event).Error
}

func (r *eventRepository) ListEvents(ctx context.Context, filter EventFilter, page, limit int) ([]*models.BridgeEvent, int64, error) {
	var events []*models.BridgeEvent
	var total int64

	query := r.db.WithContext(ctx).Model(&models.BridgeEvent{})
	if filter.Role != "" {
		query = query.Where("role = ?", filter.Role)
	}
	if filter.ChainID != 0 {
		query = query.Where("chain_id = ?", filter.ChainID)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.Nonce != nil {
		query = query.Where("nonce = ?", *filter.Nonce)
	}
	if filter.Account != "" {
		query = query.Where("account = ?", filter.Account)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset, limit := paginate(page, limit)
	err := query.Offset(offset).Limit(limit).Order("created_at DESC, id").Find(&events).Error
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}
