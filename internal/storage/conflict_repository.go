package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConflictRepository persists conflict records.
type ConflictRepository struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

var _ conflict.Repository = (*ConflictRepository)(nil)

// NewConflictRepository validates the configuration and returns a ConflictRepository.
func NewConflictRepository(cfg StoreConfig) (*ConflictRepository, error) {
	normalized, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &ConflictRepository{db: normalized.Database, clock: normalized.Clock, logger: normalized.Logger}, nil
}

// Save inserts a record.
func (r *ConflictRepository) Save(ctx context.Context, record conflict.Record) error {
	if record.ID == "" {
		return fmt.Errorf("conflict record id is required")
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.clock()
	}
	row := ConflictRecord{
		ID:               record.ID,
		GraphID:          record.GraphID,
		EntityType:       record.EntityType,
		EntityID:         record.EntityID,
		Kind:             record.Kind,
		Role:             record.Role,
		VersionAtFailure: record.VersionAtFailure,
		Description:      record.Description,
		PayloadJSON:      string(record.Payload),
		Solved:           record.Solved,
		CreatedAtMillis:  createdAt.UTC().UnixMilli(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		r.logger.Error("conflict record insert failed", zap.String("conflict_id", record.ID), zap.Error(err))
		return translateError(err)
	}
	return nil
}

// List returns records newest first.
func (r *ConflictRepository) List(ctx context.Context, filter conflict.ListFilter) ([]conflict.Record, error) {
	query := r.db.WithContext(ctx).Order("created_at_ms DESC").Order("id ASC")
	if filter.Solved != nil {
		query = query.Where("solved = ?", *filter.Solved)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []ConflictRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]conflict.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, fromConflictRow(row))
	}
	return records, nil
}

// MarkSolved flags a record as solved and returns its new state.
func (r *ConflictRepository) MarkSolved(ctx context.Context, id string) (conflict.Record, error) {
	var row ConflictRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", conflict.ErrRecordNotFound, id)
			}
			return err
		}
		if row.Solved {
			return nil
		}
		row.Solved = true
		row.SolvedAtMillis = r.clock().UTC().UnixMilli()
		return tx.Save(&row).Error
	})
	if err != nil {
		return conflict.Record{}, err
	}
	return fromConflictRow(row), nil
}

func fromConflictRow(row ConflictRecord) conflict.Record {
	record := conflict.Record{
		ID:               row.ID,
		GraphID:          row.GraphID,
		EntityType:       row.EntityType,
		EntityID:         row.EntityID,
		Kind:             row.Kind,
		Role:             row.Role,
		VersionAtFailure: row.VersionAtFailure,
		Description:      row.Description,
		Solved:           row.Solved,
		CreatedAt:        time.UnixMilli(row.CreatedAtMillis).UTC(),
	}
	if row.PayloadJSON != "" {
		record.Payload = []byte(row.PayloadJSON)
	}
	if row.SolvedAtMillis > 0 {
		record.SolvedAt = time.UnixMilli(row.SolvedAtMillis).UTC()
	}
	return record
}
