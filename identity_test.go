package dosimg

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveArtifactID(t *testing.T) {
	a := DeriveArtifactID("http://www.freedos.org/download/download/fd11src.iso")
	b := DeriveArtifactID("http://www.freedos.org/download/download/fd11src.iso")
	c := DeriveArtifactID("s3://mirror/fd11src.iso")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "art_"))
	assert.Len(t, a, len("art_")+64)
}

func TestDefaultArtifactPath(t *testing.T) {
	p1 := DefaultArtifactPath("/var/cache/dosimg", "http://www.freedos.org/download/download/fd11src.iso")
	p2 := DefaultArtifactPath("/var/cache/dosimg", "s3://mirror/isos/fd11src.iso")

	assert.Equal(t, "fd11src.iso", filepath.Base(p1))
	assert.Equal(t, "fd11src.iso", filepath.Base(p2))
	assert.NotEqual(t, p1, p2)
	assert.Equal(t, "/var/cache/dosimg", filepath.Dir(filepath.Dir(p1)))

	assert.Equal(t, "artifact", filepath.Base(DefaultArtifactPath("/c", "http://example.com/")))
}

func TestBuildResult_JSON(t *testing.T) {
	r := &BuildResult{
		BuildID:          "01J0000000000000000000000",
		ImagePath:        "dos.img",
		Succeeded:        false,
		FailedStage:      "format",
		Stages:           []StageTiming{{Stage: "create-image", DurationMS: 3}, {Stage: "format", Error: "exit 1"}},
		TeardownWarnings: []string{"map-device: kpartx -dv failed"},
		StartedAt:        time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := r.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"failed_stage": "format"`)
	assert.NotContains(t, string(data), "source_digest")

	var back BuildResult
	require.NoError(t, back.Unmarshal(data))
	assert.Equal(t, r.FailedStage, back.FailedStage)
	assert.Equal(t, r.TeardownWarnings, back.TeardownWarnings)
}
