// Copyright 2024-2026 Aiku AI

package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageMapping is one reply-routing record.
type MessageMapping struct {
	SecondaryMessageID    string    `gorm:"primaryKey;size:191"`
	PrimaryConversationID string    `gorm:"not null"`
	CreatedAt             time.Time `gorm:"index"`
}

func (MessageMapping) TableName() string {
	return "message_mappings"
}

// ForwardedMessage is one idempotency ledger record.
type ForwardedMessage struct {
	LedgerKey string    `gorm:"primaryKey;size:255"`
	CreatedAt time.Time `gorm:"index"`
}

func (ForwardedMessage) TableName() string {
	return "forwarded_messages"
}

type sqliteStore struct {
	db  *gorm.DB
	cfg Config
}

// NewSQLite builds a SQLite-backed mapping store and migrates its tables.
// Expired rows are filtered on read and removed by CleanupExpired.
func NewSQLite(db *gorm.DB, cfg Config) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires database handle")
	}
	if err := db.AutoMigrate(&MessageMapping{}, &ForwardedMessage{}); err != nil {
		return nil, fmt.Errorf("failed to migrate mapping tables: %w", err)
	}
	return &sqliteStore{db: db, cfg: cfg.withDefaults()}, nil
}

func (s *sqliteStore) now() time.Time {
	return s.cfg.Now().UTC()
}

func (s *sqliteStore) PutMapping(ctx context.Context, secondaryID, conversationID string) error {
	rec := MessageMapping{
		SecondaryMessageID:    secondaryID,
		PrimaryConversationID: conversationID,
		CreatedAt:             s.now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "secondary_message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"primary_conversation_id", "created_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to put mapping: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetMapping(ctx context.Context, secondaryID string) (string, bool, error) {
	var rec MessageMapping
	horizon := s.now().Add(-s.cfg.MappingTTL)
	err := s.db.WithContext(ctx).
		Where("secondary_message_id = ? AND created_at > ?", secondaryID, horizon).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("failed to get mapping: %w", err)
	}
	return rec.PrimaryConversationID, true, nil
}

func (s *sqliteStore) IsForwarded(ctx context.Context, key string) (bool, error) {
	var count int64
	horizon := s.now().Add(-s.cfg.LedgerTTL)
	err := s.db.WithContext(ctx).Model(&ForwardedMessage{}).
		Where("ledger_key = ? AND created_at > ?", key, horizon).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}
	return count > 0, nil
}

// MarkForwarded refreshes the timestamp of a row that expired but was not yet
// swept, so a re-forwarded key is protected for a full window again.
func (s *sqliteStore) MarkForwarded(ctx context.Context, key string) error {
	now := s.now()
	horizon := now.Add(-s.cfg.LedgerTTL)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "ledger_key"}},
		DoUpdates: clause.Set{{
			Column: clause.Column{Name: "created_at"},
			Value:  gorm.Expr("CASE WHEN created_at > ? THEN created_at ELSE ? END", horizon, now),
		}},
	}).Create(&ForwardedMessage{LedgerKey: key, CreatedAt: now}).Error
	if err != nil {
		return fmt.Errorf("failed to mark forwarded: %w", err)
	}
	return nil
}

func (s *sqliteStore) CleanupExpired(ctx context.Context) error {
	now := s.now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("created_at <= ?", now.Add(-s.cfg.MappingTTL)).Delete(&MessageMapping{}).Error; err != nil {
			return fmt.Errorf("failed to sweep mappings: %w", err)
		}
		if err := tx.Where("created_at <= ?", now.Add(-s.cfg.LedgerTTL)).Delete(&ForwardedMessage{}).Error; err != nil {
			return fmt.Errorf("failed to sweep ledger: %w", err)
		}
		return nil
	})
}

// Close is a no-op, the database handle is owned by the caller.
func (s *sqliteStore) Close(context.Context) error {
	return nil
}
