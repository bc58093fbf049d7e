package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
	"github.com/MarcoPoloResearchLab/tempo/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillEntityVersions = "2026-10-01_backfill_entity_versions"
	migrationDeriveRelationIDs      = "2026-10-02_derive_relation_ids"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillEntityVersions, apply: backfillEntityVersions},
		{name: migrationDeriveRelationIDs, apply: deriveRelationIDs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillEntityVersions labels rows imported without a version as never synchronized.
func backfillEntityVersions(db *gorm.DB) error {
	for _, model := range []any{&storage.Item{}, &storage.Attribute{}, &storage.Relation{}} {
		if err := db.Model(model).
			Where("version = ''").
			Update("version", entity.InitialVersion).Error; err != nil {
			return err
		}
	}
	return nil
}

// deriveRelationIDs rewrites relations whose id was left empty.
func deriveRelationIDs(db *gorm.DB) error {
	return db.Model(&storage.Relation{}).
		Where("id = ''").
		Update("id", gorm.Expr("parent_id || ? || child_id", "->")).Error
}
