package repository

import (
	"context"

	"gorm.io/gorm"
)

// Store opens transactions that span the record and event repositories.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Transaction runs fn with repositories bound to one database
// transaction. It commits when fn returns nil and rolls back otherwise.
func (s *Store) Transaction(ctx context.Context, fn func(records RecordRepository, events EventRepository) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&recordRepository{db: tx}, &eventRepository{db: tx})
	})
}
