package database

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
//
// Timestamps are unix milliseconds.
const initialSchema = `
-- builds table: one row per pipeline run
CREATE TABLE IF NOT EXISTS builds (
    id TEXT PRIMARY KEY,
    image_path TEXT NOT NULL,
    source_path TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'running',
    failed_stage TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    pid INTEGER NOT NULL,
    started_at INTEGER NOT NULL,
    finished_at INTEGER,

    CHECK (status IN ('running', 'succeeded', 'failed', 'abandoned'))
);

CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status);
CREATE INDEX IF NOT EXISTS idx_builds_started_at ON builds(started_at);

-- build_stages table: the outcome of every stage that ran
CREATE TABLE IF NOT EXISTS build_stages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    build_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    stage TEXT NOT NULL,
    succeeded BOOLEAN NOT NULL,
    duration_ms INTEGER NOT NULL,
    error TEXT NOT NULL DEFAULT '',

    FOREIGN KEY (build_id) REFERENCES builds(id) ON DELETE CASCADE,
    CHECK (succeeded IN (0, 1)),
    CHECK (duration_ms >= 0)
);

CREATE INDEX IF NOT EXISTS idx_build_stages_build_id ON build_stages(build_id);

-- teardown_warnings table: cleanups that failed, never fatal
CREATE TABLE IF NOT EXISTS teardown_warnings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    build_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    error TEXT NOT NULL,

    FOREIGN KEY (build_id) REFERENCES builds(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_teardown_warnings_build_id ON teardown_warnings(build_id);

-- build_resources table: kernel state a build holds, for gc after a crash
CREATE TABLE IF NOT EXISTS build_resources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    build_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    path TEXT NOT NULL,
    released BOOLEAN NOT NULL DEFAULT 0,
    acquired_at INTEGER NOT NULL,

    FOREIGN KEY (build_id) REFERENCES builds(id) ON DELETE CASCADE,
    CHECK (kind IN ('mapping', 'mount', 'dir')),
    CHECK (released IN (0, 1)),
    UNIQUE (build_id, kind, path)
);

CREATE INDEX IF NOT EXISTS idx_build_resources_build_id ON build_resources(build_id);
`

// artifactsSchema adds the artifacts table (version 2).
const artifactsSchema = `
-- artifacts table: files the resource cache fetched
CREATE TABLE IF NOT EXISTS artifacts (
    path TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    digest TEXT NOT NULL DEFAULT '',
    size_bytes INTEGER NOT NULL,
    fetched_at INTEGER NOT NULL,

    CHECK (size_bytes >= 0)
);
`

// imageLocksSchema adds the image_locks table for per-image concurrency control (version 3).
const imageLocksSchema = `
-- image_locks table: one build per output image at a time
CREATE TABLE IF NOT EXISTS image_locks (
    image_path TEXT PRIMARY KEY,
    locked_at INTEGER NOT NULL,
    locked_by TEXT NOT NULL
);
`

// resourceDeviceSchema records the device-mapper name behind a mapping
// (version 4).
const resourceDeviceSchema = `
ALTER TABLE build_resources ADD COLUMN device TEXT NOT NULL DEFAULT '';
`
