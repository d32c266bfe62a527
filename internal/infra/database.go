package infra

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"refprice/internal/model"
)

// NewDatabase establishes a GORM connection backed by pgx, migrates the
// price_references table, then applies the idempotent SQL patches that GORM
// cannot express (trigram and expression indexes).
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)

	if err := RunMigrations(db); err != nil {
		return nil, err
	}
	return db, nil
}

// RunMigrations creates/updates the schema. Patches only run on PostgreSQL;
// other dialects (sqlite in tests) get the plain AutoMigrate schema.
func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.PriceReference{}); err != nil {
		return fmt.Errorf("AutoMigrate: %w", err)
	}
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	return applySchemaPatches(db)
}

// applySchemaPatches runs idempotent DDL statements. Each statement uses
// IF NOT EXISTS semantics so re-running on an already-patched DB is safe.
func applySchemaPatches(db *gorm.DB) error {
	patches := []struct{ descr, sql string }{
		// pg_trgm may be unavailable on managed instances; the search falls
		// back to a sequential LIKE scan without it.
		{"enable pg_trgm", `
DO $$ BEGIN
  CREATE EXTENSION IF NOT EXISTS pg_trgm;
EXCEPTION WHEN insufficient_privilege THEN
  RAISE NOTICE 'pg_trgm not available';
END $$`},
		{"trigram index on description", `
DO $$ BEGIN
  IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_trgm')
     AND NOT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_price_ref_description_trgm') THEN
    CREATE INDEX idx_price_ref_description_trgm
        ON price_references USING gin (LOWER(description) gin_trgm_ops);
  END IF;
END $$`},
		{"lookup index for region/month search", `
CREATE INDEX IF NOT EXISTS idx_price_ref_lookup
    ON price_references (source, region, reference_month, tax_regime)`},
		{"code prefix index", `
CREATE INDEX IF NOT EXISTS idx_price_ref_code
    ON price_references (source, LOWER(code) text_pattern_ops)`},
	}
	for _, p := range patches {
		if err := db.Exec(p.sql).Error; err != nil {
			return fmt.Errorf("patch %q: %w", p.descr, err)
		}
	}
	return nil
}
