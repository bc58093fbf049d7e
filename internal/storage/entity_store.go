package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig wires the GORM-backed stores.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

func (cfg StoreConfig) normalized() (StoreConfig, error) {
	if cfg.Database == nil {
		return cfg, errMissingDatabase
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = noOpLogger
	}
	return cfg, nil
}

// EntityStore implements entity.Store over the items, attributes and
// relations tables.
type EntityStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

var _ entity.Store = (*EntityStore)(nil)

// NewEntityStore validates the configuration and returns an EntityStore.
func NewEntityStore(cfg StoreConfig) (*EntityStore, error) {
	normalized, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &EntityStore{db: normalized.Database, clock: normalized.Clock, logger: normalized.Logger}, nil
}

// Read loads one entity. A miss yields nil unless options.MustExist is set.
func (s *EntityStore) Read(ctx context.Context, entityType entity.Type, id string, options entity.ReadOptions) (*entity.Record, error) {
	row, err := newEntityRow(entityType)
	if err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Where("id = ?", id)
	if !options.IncludeInactive {
		query = query.Where("active = ?", true)
	}
	err = query.Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if options.MustExist {
			return nil, fmt.Errorf("%w: %s/%s", entity.ErrNotFound, entityType, id)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", entityType, id, err)
	}
	return toRecord(entityType, row), nil
}

// Create inserts an active entity at the initial version.
func (s *EntityStore) Create(ctx context.Context, entityType entity.Type, id string, fields entity.Fields) (*entity.Record, error) {
	row, err := newEntityRow(entityType)
	if err != nil {
		return nil, err
	}
	normalizedID, err := entity.ResolveID(entityType, id, fields)
	if err != nil {
		return nil, err
	}
	nowMillis := s.clock().UTC().UnixMilli()
	columns := row.columns()
	columns.ID = normalizedID
	columns.Version = entity.InitialVersion
	columns.Active = true
	columns.CreatedAtMillis = nowMillis
	columns.ModifiedAtMillis = nowMillis
	if err := assignFields(entityType, row, fields); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(row).Where("id = ?", normalizedID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s/%s", entity.ErrAlreadyExists, entityType, normalizedID)
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return nil, translateError(err)
	}
	return toRecord(entityType, row), nil
}

// Update merges non-nil fields into an existing row, active or not. The
// reserved keys active, version and graph_id address bookkeeping columns.
func (s *EntityStore) Update(ctx context.Context, entityType entity.Type, id string, fields entity.Fields) (*entity.Record, error) {
	row, err := newEntityRow(entityType)
	if err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s/%s", entity.ErrNotFound, entityType, id)
			}
			return err
		}
		columns := row.columns()
		if value, ok := fields[entity.FieldActive]; ok && value != nil {
			columns.Active = truthy(value)
		}
		if value, ok := fields[entity.FieldVersion]; ok && value != nil {
			columns.Version = fmt.Sprint(value)
		}
		if value, ok := fields[entity.FieldGraphID]; ok && value != nil {
			columns.GraphID = fmt.Sprint(value)
		}
		if err := assignFields(entityType, row, fields); err != nil {
			return err
		}
		columns.ModifiedAtMillis = s.clock().UTC().UnixMilli()
		return tx.Save(row).Error
	})
	if err != nil {
		return nil, translateError(err)
	}
	return toRecord(entityType, row), nil
}

// Remove physically deletes a row.
func (s *EntityStore) Remove(ctx context.Context, entityType entity.Type, id string) error {
	row, err := newEntityRow(entityType)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(row)
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", entity.ErrNotFound, entityType, id)
	}
	return nil
}

// assignFields copies non-nil data fields onto row. A name without a column
// is an integrity error.
func assignFields(entityType entity.Type, row entityRow, fields entity.Fields) error {
	for _, name := range fields.Keys() {
		value := fields[name]
		if value == nil {
			continue
		}
		switch name {
		case entity.FieldActive, entity.FieldVersion, entity.FieldGraphID:
			continue
		}
		rendered := fmt.Sprint(value)
		if row.columns().assignAuthor(name, rendered) || row.assign(name, rendered) {
			continue
		}
		return fmt.Errorf("%w: %s has no field %q", entity.ErrIntegrity, entityType, name)
	}
	return nil
}

func toRecord(entityType entity.Type, row entityRow) *entity.Record {
	columns := row.columns()
	return &entity.Record{
		Type:       entityType,
		ID:         columns.ID,
		Active:     columns.Active,
		Version:    columns.Version,
		GraphID:    columns.GraphID,
		CreatedAt:  time.UnixMilli(columns.CreatedAtMillis).UTC(),
		ModifiedAt: time.UnixMilli(columns.ModifiedAtMillis).UTC(),
		Fields:     columns.withAuthors(row.fields()),
	}
}

func truthy(value any) bool {
	switch typed := value.(type) {
	case bool:
		return typed
	case string:
		normalized := strings.ToLower(strings.TrimSpace(typed))
		return normalized == "true" || normalized == "1"
	default:
		return fmt.Sprint(value) == "1"
	}
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, entity.ErrNotFound) || errors.Is(err, entity.ErrAlreadyExists) || errors.Is(err, entity.ErrIntegrity) {
		return err
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) ||
		strings.Contains(strings.ToLower(err.Error()), "constraint failed") {
		return fmt.Errorf("%w: %v", entity.ErrIntegrity, err)
	}
	return err
}
