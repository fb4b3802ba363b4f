package artifacts

import "time"

type ArtifactKind string

const (
	ReportArtifact    ArtifactKind = "report"     // Per-pair processing report
	RasterArtifact    ArtifactKind = "raster"     // Per-pair elevation raster
	WorldFileArtifact ArtifactKind = "world_file" // Georeferencing sidecar of a raster
)

type Artifact struct {
	ID     string
	Kind   ArtifactKind
	URI    string
	PairID string

	ContentType string
	CreatedAt   time.Time
	Metadata    map[string]any
}
