// Package preview is a deterministic, file-backed engine. It performs no real
// photogrammetry: matching and alignment only check their preconditions, and
// the dense products are synthesised around the camera priors. It exists for
// dry runs of a manifest and as the engine of end-to-end tests, and writes the
// same artifacts a production engine would.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stereoforge/pairbatch/crs"
	"github.com/stereoforge/pairbatch/internal/engine"
	"github.com/stereoforge/pairbatch/internal/logging"
)

// Name identifies the backend in settings and the ledger.
const Name = "preview"

var errClosed = errors.New("preview engine is closed")

// Engine holds every unit of one document.
type Engine struct {
	Logger *slog.Logger

	path string

	mu     sync.Mutex
	units  []*unit
	saves  int
	closed bool
}

// New returns an empty document that saves to path.
func New(path string, logger *slog.Logger) *Engine {
	return &Engine{Logger: logger, path: path}
}

// Path returns the document file.
func (e *Engine) Path() string {
	return e.path
}

func (e *Engine) CreateUnit(ctx context.Context, label string) (engine.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errClosed
	}

	u := &unit{
		engine: e,
		label:  label,
		crs:    crs.WGS84,
		transform: engine.Transform{
			Scale:       engine.ComponentAbsent,
			Rotation:    engine.ComponentAbsent,
			Translation: engine.ComponentAbsent,
		},
		primaryChannel: -1,
	}
	e.units = append(e.units, u)
	e.logger().Debug("unit created", "label", label)
	return u, nil
}

// Save writes a JSON snapshot of the document. The file is replaced atomically
// so a crash never leaves a truncated document behind.
func (e *Engine) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errClosed
	}

	doc := Snapshot{
		Format:  "pairbatch-preview/1",
		SavedAt: time.Now().UTC(),
		Units:   make([]UnitSnapshot, 0, len(e.units)),
	}
	for _, u := range e.units {
		doc.Units = append(doc.Units, u.snapshot())
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := writeFileAtomic(e.path, data); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	e.saves++
	return nil
}

// Close releases the document. Further calls fail.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Saves reports how many times the document was written.
func (e *Engine) Saves() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saves
}

func (e *Engine) logger() *slog.Logger {
	return logging.Ensure(e.Logger).With("engine", Name)
}

// LoadSnapshot reads a document written by Save.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var doc Snapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("decode document %s: %w", path, err)
	}
	return doc, nil
}

// Snapshot is the persisted form of a preview document.
type Snapshot struct {
	Format  string         `json:"format"`
	SavedAt time.Time      `json:"saved_at"`
	Units   []UnitSnapshot `json:"units"`
}

// UnitSnapshot is the persisted form of one unit.
type UnitSnapshot struct {
	Label          string           `json:"label"`
	CRS            string           `json:"crs"`
	PrimaryChannel int              `json:"primary_channel"`
	Cameras        []CameraSnapshot `json:"cameras"`
	TiePoints      int              `json:"tie_points"`
	Aligned        bool             `json:"aligned"`
	DepthMaps      bool             `json:"depth_maps"`
	PointCloud     int              `json:"point_cloud"`
	Elevation      bool             `json:"elevation"`
	Transform      engine.Transform `json:"transform"`
}

// CameraSnapshot is the persisted form of one camera.
type CameraSnapshot struct {
	Label     string      `json:"label"`
	Path      string      `json:"path"`
	Reference *[3]float64 `json:"reference,omitempty"`
}

func writeFileAtomic(path string, data []byte) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
