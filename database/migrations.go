package database

import (
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	version     int
	description string
	sql         string
}

// migrations are applied in order. Append only; an applied version is never
// run again.
var migrations = []migration{
	{1, "builds, stages, teardown warnings and held resources", initialSchema},
	{2, "fetched artifacts", artifactsSchema},
	{3, "per-image build locks", imageLocksSchema},
	{4, "device names of held mappings", resourceDeviceSchema},
}

// initSchema brings the database up to the newest migration.
func (d *DB) initSchema() error {
	if _, err := d.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	current, err := d.SchemaVersion()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		start := time.Now()
		if err := d.apply(m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
		}
		d.logger.WithField("version", m.version).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			Info("applied schema migration")
	}
	return nil
}

// apply runs one migration and records it in the same transaction.
func (d *DB) apply(m migration) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, description) VALUES (?, ?)`, m.version, m.description,
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration, or 0 for a new
// database.
func (d *DB) SchemaVersion() (int, error) {
	var v sql.NullInt64
	if err := d.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(v.Int64), nil
}
