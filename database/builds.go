package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrBuildNotFound is returned when no build has the requested id.
var ErrBuildNotFound = errors.New("build not found")

// StartBuild inserts a running build and returns it with a fresh ULID.
func (d *DB) StartBuild(ctx context.Context, imagePath, sourcePath string, pid int) (*Build, error) {
	b := &Build{
		ID:         ulid.Make().String(),
		ImagePath:  absPath(imagePath),
		SourcePath: sourcePath,
		Status:     BuildStatusRunning,
		PID:        pid,
		StartedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}

	query := `
		INSERT INTO builds (id, image_path, source_path, status, pid, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := d.db.ExecContext(ctx, query, b.ID, b.ImagePath, b.SourcePath, b.Status, b.PID, b.StartedAt.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to record build start: %w", err)
	}
	return b, nil
}

// FinishBuild sets the terminal status of a build. failedStage and errText
// are empty for a successful build.
func (d *DB) FinishBuild(ctx context.Context, id, status, failedStage, errText string) error {
	query := `
		UPDATE builds
		SET status = ?, failed_stage = ?, error = ?, finished_at = ?
		WHERE id = ?
	`
	res, err := d.db.ExecContext(ctx, query, status, failedStage, errText, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to record build result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	}
	return nil
}

// RecordStage appends the outcome of one stage.
func (d *DB) RecordStage(ctx context.Context, buildID string, s BuildStage) error {
	query := `
		INSERT INTO build_stages (build_id, seq, stage, succeeded, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := d.db.ExecContext(ctx, query, buildID, s.Seq, s.Stage, s.Succeeded, s.Duration.Milliseconds(), s.Error); err != nil {
		return fmt.Errorf("failed to record stage %s: %w", s.Stage, err)
	}
	return nil
}

// RecordTeardownWarning stores a failed cleanup.
func (d *DB) RecordTeardownWarning(ctx context.Context, buildID, stage, errText string) error {
	query := `INSERT INTO teardown_warnings (build_id, stage, error) VALUES (?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, query, buildID, stage, errText); err != nil {
		return fmt.Errorf("failed to record teardown warning for %s: %w", stage, err)
	}
	return nil
}

// GetBuild returns a build by id, or ErrBuildNotFound.
func (d *DB) GetBuild(ctx context.Context, id string) (*Build, error) {
	query := `
		SELECT id, image_path, source_path, status, failed_stage, error, pid, started_at, finished_at
		FROM builds
		WHERE id = ?
	`
	b, err := scanBuild(d.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query build: %w", err)
	}
	return b, nil
}

// ListBuilds returns the most recent builds first. limit <= 0 means all.
func (d *DB) ListBuilds(ctx context.Context, limit int) ([]*Build, error) {
	query := `
		SELECT id, image_path, source_path, status, failed_stage, error, pid, started_at, finished_at
		FROM builds
		ORDER BY id DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return d.queryBuilds(ctx, query, args...)
}

// RunningBuilds returns builds still marked running, oldest first.
func (d *DB) RunningBuilds(ctx context.Context) ([]*Build, error) {
	query := `
		SELECT id, image_path, source_path, status, failed_stage, error, pid, started_at, finished_at
		FROM builds
		WHERE status = ?
		ORDER BY id ASC
	`
	return d.queryBuilds(ctx, query, BuildStatusRunning)
}

func (d *DB) queryBuilds(ctx context.Context, query string, args ...any) ([]*Build, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query builds: %w", err)
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating builds: %w", err)
	}
	return builds, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*Build, error) {
	var b Build
	var startedAt int64
	var finishedAt sql.NullInt64
	err := row.Scan(&b.ID, &b.ImagePath, &b.SourcePath, &b.Status, &b.FailedStage, &b.Error,
		&b.PID, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	b.StartedAt = fromMillis(startedAt)
	if finishedAt.Valid {
		t := fromMillis(finishedAt.Int64)
		b.FinishedAt = &t
	}
	return &b, nil
}

// Stages returns the recorded stages of a build in execution order.
func (d *DB) Stages(ctx context.Context, buildID string) ([]BuildStage, error) {
	query := `
		SELECT seq, stage, succeeded, duration_ms, error
		FROM build_stages
		WHERE build_id = ?
		ORDER BY seq ASC, id ASC
	`
	rows, err := d.db.QueryContext(ctx, query, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}
	defer rows.Close()

	var stages []BuildStage
	for rows.Next() {
		var s BuildStage
		var ms int64
		if err := rows.Scan(&s.Seq, &s.Stage, &s.Succeeded, &ms, &s.Error); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		s.Duration = time.Duration(ms) * time.Millisecond
		stages = append(stages, s)
	}
	return stages, rows.Err()
}

// TeardownWarnings returns the failed cleanups of a build in the order they
// were recorded.
func (d *DB) TeardownWarnings(ctx context.Context, buildID string) ([]TeardownWarning, error) {
	query := `SELECT stage, error FROM teardown_warnings WHERE build_id = ? ORDER BY id ASC`
	rows, err := d.db.QueryContext(ctx, query, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query teardown warnings: %w", err)
	}
	defer rows.Close()

	var warnings []TeardownWarning
	for rows.Next() {
		var w TeardownWarning
		if err := rows.Scan(&w.Stage, &w.Error); err != nil {
			return nil, fmt.Errorf("failed to scan teardown warning: %w", err)
		}
		warnings = append(warnings, w)
	}
	return warnings, rows.Err()
}

// RecordResource notes that a build now holds kind at path. Recording the
// same resource twice re-arms it.
func (d *DB) RecordResource(ctx context.Context, buildID, kind, path string) error {
	query := `
		INSERT INTO build_resources (build_id, kind, path, released, acquired_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(build_id, kind, path) DO UPDATE SET
			released = 0,
			acquired_at = excluded.acquired_at
	`
	if _, err := d.db.ExecContext(ctx, query, buildID, kind, absPath(path), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record %s %s: %w", kind, path, err)
	}
	return nil
}

// SetResourceDevice stores the device-mapper name behind a held resource.
func (d *DB) SetResourceDevice(ctx context.Context, buildID, kind, path, device string) error {
	query := `UPDATE build_resources SET device = ? WHERE build_id = ? AND kind = ? AND path = ?`
	if _, err := d.db.ExecContext(ctx, query, device, buildID, kind, absPath(path)); err != nil {
		return fmt.Errorf("failed to set device of %s %s: %w", kind, path, err)
	}
	return nil
}

// ReleaseResource marks a resource as released. Releasing an unknown
// resource is a no-op.
func (d *DB) ReleaseResource(ctx context.Context, buildID, kind, path string) error {
	query := `UPDATE build_resources SET released = 1 WHERE build_id = ? AND kind = ? AND path = ?`
	if _, err := d.db.ExecContext(ctx, query, buildID, kind, absPath(path)); err != nil {
		return fmt.Errorf("failed to release %s %s: %w", kind, path, err)
	}
	return nil
}

// HeldResources returns the unreleased resources of a build, most recently
// acquired first, which is the order they must be released in.
func (d *DB) HeldResources(ctx context.Context, buildID string) ([]Resource, error) {
	query := `
		SELECT id, build_id, kind, path, device, released, acquired_at
		FROM build_resources
		WHERE build_id = ? AND released = 0
		ORDER BY acquired_at DESC, id DESC
	`
	rows, err := d.db.QueryContext(ctx, query, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query resources: %w", err)
	}
	defer rows.Close()

	var resources []Resource
	for rows.Next() {
		var r Resource
		var acquiredAt int64
		if err := rows.Scan(&r.ID, &r.BuildID, &r.Kind, &r.Path, &r.Device, &r.Released, &acquiredAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		r.AcquiredAt = fromMillis(acquiredAt)
		resources = append(resources, r)
	}
	return resources, rows.Err()
}

// AbandonBuild marks a running build whose process is gone, and releases
// its image lock.
func (d *DB) AbandonBuild(ctx context.Context, b *Build, reason string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE builds SET status = ?, error = ?, finished_at = ? WHERE id = ? AND status = ?`,
		BuildStatusAbandoned, reason, time.Now().UnixMilli(), b.ID, BuildStatusRunning,
	); err != nil {
		return fmt.Errorf("failed to mark build abandoned: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM image_locks WHERE image_path = ? AND locked_by = ?`, b.ImagePath, b.ID,
	); err != nil {
		return fmt.Errorf("failed to release image lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
