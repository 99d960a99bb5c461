package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordArtifact stores or refreshes what the cache knows about a fetched
// file.
func (d *DB) RecordArtifact(ctx context.Context, a Artifact) error {
	if a.FetchedAt.IsZero() {
		a.FetchedAt = time.Now()
	}
	query := `
		INSERT INTO artifacts (path, url, digest, size_bytes, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			url = excluded.url,
			digest = excluded.digest,
			size_bytes = excluded.size_bytes,
			fetched_at = excluded.fetched_at
	`
	_, err := d.db.ExecContext(ctx, query, absPath(a.Path), a.URL, a.Digest, a.SizeBytes, a.FetchedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store artifact metadata: %w", err)
	}
	return nil
}

// GetArtifact returns the stored metadata for path, or nil if the cache
// never fetched it. A file that was placed by hand has no row.
func (d *DB) GetArtifact(ctx context.Context, path string) (*Artifact, error) {
	query := `SELECT path, url, digest, size_bytes, fetched_at FROM artifacts WHERE path = ?`

	var a Artifact
	var fetchedAt int64
	err := d.db.QueryRowContext(ctx, query, absPath(path)).Scan(&a.Path, &a.URL, &a.Digest, &a.SizeBytes, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query artifact: %w", err)
	}
	a.FetchedAt = fromMillis(fetchedAt)
	return &a, nil
}
