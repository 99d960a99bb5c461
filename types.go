package dosimg

import (
	"encoding/json"
	"time"
)

// StageTiming is the outcome of one stage in a BuildResult.
type StageTiming struct {
	Stage      string `json:"stage"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// BuildResult is the machine-readable outcome of a build, printed by
// `dosimg build --json`.
type BuildResult struct {
	// BuildID is the ULID of the build in the history database.
	BuildID string `json:"build_id,omitempty"`

	ImagePath string `json:"image_path"`

	// SourcePath is the cached source image. It is kept for future builds.
	SourcePath string `json:"source_path"`

	// SourceFetched is true if the source image was downloaded by this build.
	SourceFetched bool `json:"source_fetched"`

	// SourceDigest is the digest computed while fetching. For a cached
	// image it is the digest recorded when it was fetched, or empty if the
	// file was placed in the cache by hand.
	SourceDigest string `json:"source_digest,omitempty"`

	Succeeded   bool          `json:"succeeded"`
	FailedStage string        `json:"failed_stage,omitempty"`
	Error       string        `json:"error,omitempty"`
	Stages      []StageTiming `json:"stages"`

	// TeardownWarnings lists cleanups that failed. They never make a build
	// fail.
	TeardownWarnings []string `json:"teardown_warnings,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// Marshal encodes r as indented JSON.
func (r *BuildResult) Marshal() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Unmarshal decodes r from JSON.
func (r *BuildResult) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}
