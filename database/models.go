package database

import "time"

// Build is one recorded pipeline run.
type Build struct {
	ID          string
	ImagePath   string
	SourcePath  string
	Status      string
	FailedStage string
	Error       string
	PID         int
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// BuildStage is the outcome of one stage of a build.
type BuildStage struct {
	Seq       int
	Stage     string
	Succeeded bool
	Duration  time.Duration
	Error     string
}

// TeardownWarning is a cleanup that failed during teardown.
type TeardownWarning struct {
	Stage string
	Error string
}

// Resource is a piece of kernel or filesystem state a build acquired.
type Resource struct {
	ID         int64
	BuildID    string
	Kind       string
	Path       string
	// Device is the device-mapper name of a mapping, if known.
	Device     string
	Released   bool
	AcquiredAt time.Time
}

// Artifact is a file fetched into the resource cache.
type Artifact struct {
	Path      string
	URL       string
	Digest    string
	SizeBytes int64
	FetchedAt time.Time
}

// Build status constants
const (
	BuildStatusRunning   = "running"
	BuildStatusSucceeded = "succeeded"
	BuildStatusFailed    = "failed"
	// BuildStatusAbandoned marks a build whose process died and whose
	// resources were reclaimed by gc.
	BuildStatusAbandoned = "abandoned"
)

// Resource kinds
const (
	ResourceMapping = "mapping"
	ResourceMount   = "mount"
	ResourceDir     = "dir"
)

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
