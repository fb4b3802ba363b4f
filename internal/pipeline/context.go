package pipeline

import (
	"context"
	"time"

	"github.com/stereoforge/pairbatch/crs"
	"github.com/stereoforge/pairbatch/internal/artifacts"
	"github.com/stereoforge/pairbatch/internal/engine"
	"github.com/stereoforge/pairbatch/internal/manifest"
)

// Domain defaults for PlanetScope 4-band pairs.
const (
	DefaultPrimaryChannel   = 3 // NIR of a Blue, Green, Red, NIR image
	DefaultKeypointLimit    = 40000
	DefaultTiepointLimit    = 4000
	DefaultDepthDownscale   = 1
	DefaultRasterResolution = 3.5
)

// Parameters are the stage settings applied to every pair of a run.
type Parameters struct {
	PrimaryChannel int
	ImportMetadata bool

	Match engine.MatchOptions

	DepthDownscale int
	DepthFilter    engine.FilterMode

	PointColors     bool
	PointConfidence bool
	Interpolation   engine.Interpolation

	RasterResolutionX float64
	RasterResolutionY float64
}

// DefaultParameters returns the parameters of the reference workflow.
func DefaultParameters() Parameters {
	return Parameters{
		PrimaryChannel: DefaultPrimaryChannel,
		ImportMetadata: true,
		Match: engine.MatchOptions{
			KeypointLimit:         DefaultKeypointLimit,
			TiepointLimit:         DefaultTiepointLimit,
			GenericPreselection:   true,
			ReferencePreselection: true,
		},
		DepthDownscale:    DefaultDepthDownscale,
		DepthFilter:       engine.FilterMild,
		PointColors:       true,
		PointConfidence:   true,
		Interpolation:     engine.InterpolationDisabled,
		RasterResolutionX: DefaultRasterResolution,
		RasterResolutionY: DefaultRasterResolution,
	}
}

// RunContext carries the run-wide state shared by every pair: the engine
// document, the target reference system chosen once per run and the persister
// that checkpoints each transition.
type RunContext struct {
	RunID     string
	Engine    engine.Engine
	Target    crs.System
	Persister Persister
	Layout    artifacts.Layout
	Params    Parameters
}

// Pair is a manifest record whose image paths passed the pre-flight check.
type Pair struct {
	Record        manifest.Record
	PrimaryPath   string
	SecondaryPath string
}

// Checkpoint is persisted on every state transition of a unit.
type Checkpoint struct {
	RunID  string
	UnitID string
	PairID string
	Label  string
	State  State
	Seq    int
	Detail string

	// Artifacts produced by the transition being persisted.
	Artifacts []artifacts.Artifact

	// Outcome and Reason are set on terminal states only.
	Outcome OutcomeKind
	Reason  string

	RecordedAt time.Time
}

// Persister makes a transition durable. The pipeline never runs the next stage
// before Persist returned successfully.
type Persister interface {
	Persist(ctx context.Context, checkpoint Checkpoint) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, checkpoint Checkpoint) error

func (f PersisterFunc) Persist(ctx context.Context, checkpoint Checkpoint) error {
	return f(ctx, checkpoint)
}
