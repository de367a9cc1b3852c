// Copyright 2024-2026 Aiku AI

package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// snapshotRecord is the single row holding a deployment's credentials.
type snapshotRecord struct {
	ID        string         `gorm:"primaryKey;size:128"`
	Payload   datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time
}

func (snapshotRecord) TableName() string {
	return "credential_snapshots"
}

type sqliteStore struct {
	db *gorm.DB
	id string
}

// NewSQLite builds a SQLite-backed credential store and migrates its table.
func NewSQLite(db *gorm.DB, cfg Config) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires database handle")
	}
	if err := db.AutoMigrate(&snapshotRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate credential table: %w", err)
	}
	return &sqliteStore{db: db, id: cfg.id()}, nil
}

func (s *sqliteStore) Load(ctx context.Context) (Snapshot, bool, error) {
	var rec snapshotRecord
	err := s.db.WithContext(ctx).Where("id = ?", s.id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	} else if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to load credentials: %w", err)
	}
	var payload Payload
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return Snapshot{ID: rec.ID, Payload: payload, UpdatedAt: rec.UpdatedAt}, true, nil
}

// Save writes the whole payload in a single upsert statement.
func (s *sqliteStore) Save(ctx context.Context, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	rec := snapshotRecord{
		ID:        s.id,
		Payload:   datatypes.JSON(data),
		UpdatedAt: time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

func (s *sqliteStore) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("id = ?", s.id).Delete(&snapshotRecord{}).Error; err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// Close is a no-op, the database handle is owned by the caller.
func (s *sqliteStore) Close() error {
	return nil
}
