package artifacts

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultProjectName = "project"
	projectExtension   = ".psx"
	ledgerExtension    = ".db"
)

// Layout names every file a run writes below OutputDir. Names derive only from
// the pair id so reruns overwrite rather than accumulate.
type Layout struct {
	OutputDir   string
	ProjectName string
}

func (l Layout) projectName() string {
	if name := strings.TrimSpace(l.ProjectName); name != "" {
		return name
	}
	return DefaultProjectName
}

// ProjectPath is the engine document shared by all units of a run.
func (l Layout) ProjectPath() string {
	return filepath.Join(l.OutputDir, l.projectName()+projectExtension)
}

// LedgerPath is the checkpoint database recording every stage transition.
func (l Layout) LedgerPath() string {
	return filepath.Join(l.OutputDir, l.projectName()+ledgerExtension)
}

// ReportPath is the per-pair processing report.
func (l Layout) ReportPath(pairID string) string {
	return filepath.Join(l.OutputDir, fmt.Sprintf("report_Pair_%s.pdf", SafeName(pairID)))
}

// RasterPath is the per-pair elevation raster.
func (l Layout) RasterPath(pairID string) string {
	return filepath.Join(l.OutputDir, fmt.Sprintf("dsm_pair%s.tif", SafeName(pairID)))
}

// WorldFilePath returns the ESRI world file that accompanies a raster.
func WorldFilePath(rasterPath string) string {
	return strings.TrimSuffix(rasterPath, filepath.Ext(rasterPath)) + ".tfw"
}

// New describes a file produced for pairID.
func New(kind ArtifactKind, path, pairID string, metadata map[string]any) Artifact {
	return Artifact{
		ID:          uuid.NewString(),
		Kind:        kind,
		URI:         FileURI(path),
		PairID:      pairID,
		ContentType: detectContentType(path),
		CreatedAt:   time.Now().UTC(),
		Metadata:    cloneMetadata(metadata),
	}
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}
