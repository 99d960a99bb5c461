// Package database records build history in SQLite.
//
// Every pipeline run gets a row in builds, keyed by a ULID. Stage outcomes,
// teardown warnings and the mounts and mappings the run acquired are stored
// alongside it. The resource rows are what gc reads to reclaim kernel state
// after a build process died without tearing down.
//
// # Usage Example
//
//	db, err := database.New(database.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	b, err := db.StartBuild(ctx, "dos.img", "/tmp/freedos-1.1.src.iso", os.Getpid())
//	if err != nil {
//		log.Fatal(err)
//	}
//	_ = db.RecordStage(ctx, b.ID, database.BuildStage{Seq: 1, Stage: "create-image", Succeeded: true})
//	_ = db.FinishBuild(ctx, b.ID, database.BuildStatusSucceeded, "", "")
//
// # Schema
//
// The database maintains these tables:
//   - builds: one row per run
//   - build_stages: per-stage outcome and duration
//   - teardown_warnings: failed cleanups, never fatal
//   - build_resources: mounts, mappings and directories held by a run
//   - artifacts: files fetched by the resource cache
//   - image_locks: one build per output image
//
// See schema.go for complete table definitions and indexes.
//
// # Concurrency
//
// The database is opened in WAL mode with a 5-second busy timeout, so the
// gc and list-builds commands can read while a build writes.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver
)

// DB wraps the SQL database with helper methods for build history.
type DB struct {
	db     *sql.DB
	path   string
	logger logrus.FieldLogger
}

// pragmas are applied to every pooled connection through the DSN; a plain
// PRAGMA statement would only reach the connection that ran it.
var pragmas = []string{
	"journal_mode(WAL)",
	"foreign_keys(1)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"temp_store(MEMORY)",
}

// Config holds database configuration.
type Config struct {
	// Path to the SQLite database file
	Path string

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection
	ConnMaxLifetime time.Duration

	// Logger receives migration progress. Defaults to the standard logger.
	Logger logrus.FieldLogger
}

// DefaultConfig returns a default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:            "/var/lib/dosimg/builds.db",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 1 * time.Hour,
	}
}

// New opens the database at cfg.Path, creating the parent directory and
// applying any pending migrations.
func New(cfg Config) (*DB, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := cfg.Path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d := &DB{
		db:     db,
		path:   cfg.Path,
		logger: logger.WithField("component", "database"),
	}

	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// AcquireImageLock takes the lock on imagePath for lockedBy (a build id).
// Two builds writing the same image would fight over its loop device and
// partition mapping, so the second one is refused.
//
// The lock is implemented using SQLite's PRIMARY KEY constraint on
// image_path.
func (d *DB) AcquireImageLock(ctx context.Context, imagePath, lockedBy string) error {
	imagePath = absPath(imagePath)
	query := `INSERT INTO image_locks (image_path, locked_at, locked_by) VALUES (?, ?, ?)`
	_, err := d.db.ExecContext(ctx, query, imagePath, time.Now().Unix(), lockedBy)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "constraint failed") {
			var holder string
			var lockedAt int64
			queryLock := `SELECT locked_by, locked_at FROM image_locks WHERE image_path = ?`
			if scanErr := d.db.QueryRowContext(ctx, queryLock, imagePath).Scan(&holder, &lockedAt); scanErr == nil {
				lockTime := time.Unix(lockedAt, 0)
				return fmt.Errorf("image %s is already locked by %s (acquired at %s)", imagePath, holder, lockTime.Format(time.RFC3339))
			}
			return fmt.Errorf("image %s is already locked by another process", imagePath)
		}
		return fmt.Errorf("failed to acquire image lock: %w", err)
	}
	return nil
}

// ReleaseImageLock releases the lock on imagePath. It does not error if the
// lock doesn't exist.
func (d *DB) ReleaseImageLock(ctx context.Context, imagePath string) error {
	query := `DELETE FROM image_locks WHERE image_path = ?`
	if _, err := d.db.ExecContext(ctx, query, absPath(imagePath)); err != nil {
		return fmt.Errorf("failed to release image lock: %w", err)
	}
	return nil
}

// ImageLockHolder returns the build holding the lock on imagePath, or "".
func (d *DB) ImageLockHolder(ctx context.Context, imagePath string) (string, error) {
	var holder string
	query := `SELECT locked_by FROM image_locks WHERE image_path = ?`
	err := d.db.QueryRowContext(ctx, query, absPath(imagePath)).Scan(&holder)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check image lock: %w", err)
	}
	return holder, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
