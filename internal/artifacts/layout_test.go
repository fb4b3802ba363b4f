package artifacts

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutNames(t *testing.T) {
	t.Parallel()

	layout := Layout{OutputDir: "out"}
	assert.Equal(t, filepath.Join("out", "project.psx"), layout.ProjectPath())
	assert.Equal(t, filepath.Join("out", "project.db"), layout.LedgerPath())
	assert.Equal(t, filepath.Join("out", "report_Pair_12.pdf"), layout.ReportPath("12"))
	assert.Equal(t, filepath.Join("out", "dsm_pair12.tif"), layout.RasterPath("12"))
	assert.Equal(t, filepath.Join("out", "dsm_pair12.tfw"), WorldFilePath(layout.RasterPath("12")))

	named := Layout{OutputDir: "out", ProjectName: "batch1"}
	assert.Equal(t, filepath.Join("out", "batch1.psx"), named.ProjectPath())
}

func TestLayoutSanitizesPairIDs(t *testing.T) {
	t.Parallel()

	layout := Layout{OutputDir: "out"}
	assert.Equal(t, filepath.Join("out", "report_Pair_a_b_c.pdf"), layout.ReportPath("a/b c"))
	assert.Equal(t, filepath.Join("out", "dsm_pair_.tif"), layout.RasterPath("  "))
}

func TestNewArtifact(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "report_Pair_1.pdf")
	meta := map[string]any{"title": "x"}
	artifact := New(ReportArtifact, path, "1", meta)
	meta["title"] = "changed"

	assert.NotEmpty(t, artifact.ID)
	assert.Equal(t, "application/pdf", artifact.ContentType)
	assert.Equal(t, "x", artifact.Metadata["title"])

	got, err := PathFromURI(artifact.URI)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = PathFromURI("s3://bucket/key")
	assert.Error(t, err)
}
