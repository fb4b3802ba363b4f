// Package pipeline runs one image pair through the reconstruction workflow.
//
// The workflow is a finite-state machine: Init, Ingest, Georeference, Match,
// Align, Depth, Dense, Report, Export, Done. Every transition is persisted
// before the next stage starts, so a crash loses at most the stage in flight.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stereoforge/pairbatch/internal/artifacts"
	"github.com/stereoforge/pairbatch/internal/engine"
	"github.com/stereoforge/pairbatch/internal/logging"
)

// Pipeline processes pairs one at a time. It holds no per-pair state.
type Pipeline struct {
	Logger *slog.Logger
	// Now is used for checkpoint timestamps; time.Now when nil.
	Now func() time.Time
}

// New returns a pipeline logging to logger.
func New(logger *slog.Logger) *Pipeline {
	return &Pipeline{Logger: logger}
}

type stage struct {
	state State
	run   func(x *execution, ctx context.Context) error
}

// stages lists the workflow in its only legal order. Done has no work of its
// own; its transition records the outcome.
var stages = [...]stage{
	{StateInit, (*execution).initialize},
	{StateIngest, (*execution).ingest},
	{StateGeoreference, (*execution).georeference},
	{StateMatch, (*execution).match},
	{StateAlign, (*execution).align},
	{StateDepth, (*execution).depth},
	{StateDense, (*execution).dense},
	{StateReport, (*execution).report},
	{StateExport, (*execution).export},
	{StateDone, nil},
}

// Process runs pair through every stage against rc. It never returns an error:
// a failing stage yields an Outcome of kind OutcomeFailed carrying a
// *StageError, after the failure itself was persisted on a best-effort basis.
func (p *Pipeline) Process(ctx context.Context, rc RunContext, pair Pair) Outcome {
	x := &execution{
		rc:     rc,
		pair:   pair,
		unitID: uuid.NewString(),
		label:  "Pair " + pair.Record.PairID,
		now:    p.now,
		logger: p.logger().With("pair", pair.Record.PairID),
	}

	for _, st := range stages {
		if err := x.enter(st.state); err != nil {
			return x.fail(ctx, err)
		}

		started := time.Now()
		if st.run != nil {
			if err := st.run(x, ctx); err != nil {
				return x.fail(ctx, &StageError{State: st.state, Err: err})
			}
		}
		if err := x.persist(ctx, ""); err != nil {
			return x.fail(ctx, &StageError{State: st.state, Err: fmt.Errorf("persist: %w", err)})
		}
		x.logger.Debug("stage completed", "state", st.state.String(), "elapsed", time.Since(started))
	}

	return Outcome{
		PairID:     pair.Record.PairID,
		Kind:       OutcomeSuccess,
		Reached:    x.completed,
		DenseBuilt: x.denseBuilt,
		Artifacts:  x.artifacts,
	}
}

func (p *Pipeline) logger() *slog.Logger {
	return logging.Ensure(p.Logger)
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// execution is the state of one Process call. It is discarded afterwards so
// nothing carries over between pairs.
type execution struct {
	rc     RunContext
	pair   Pair
	unitID string
	label  string
	now    func() time.Time
	logger *slog.Logger

	unit engine.Unit

	state     State // state being worked on
	completed State // last persisted state
	seq       int
	detail    string

	denseBuilt bool
	pending    []artifacts.Artifact
	artifacts  []artifacts.Artifact
}

func (x *execution) enter(next State) error {
	if !canTransition(x.state, next) {
		return fmt.Errorf("illegal transition %s -> %s", x.state, next)
	}
	x.state = next
	x.detail = ""
	return nil
}

func (x *execution) produce(a artifacts.Artifact) {
	x.pending = append(x.pending, a)
}

func (x *execution) persist(ctx context.Context, reason string) error {
	if x.rc.Persister == nil {
		return errors.New("no persister configured")
	}
	x.seq++
	checkpoint := Checkpoint{
		RunID:      x.rc.RunID,
		UnitID:     x.unitID,
		PairID:     x.pair.Record.PairID,
		Label:      x.label,
		State:      x.state,
		Seq:        x.seq,
		Detail:     x.detail,
		Artifacts:  x.pending,
		Reason:     reason,
		RecordedAt: x.now().UTC(),
	}
	switch x.state {
	case StateDone:
		checkpoint.Outcome = OutcomeSuccess
	case StateFailed:
		checkpoint.Outcome = OutcomeFailed
	}
	if err := x.rc.Persister.Persist(ctx, checkpoint); err != nil {
		return err
	}
	x.completed = x.state
	x.artifacts = append(x.artifacts, x.pending...)
	x.pending = nil
	return nil
}

func (x *execution) fail(ctx context.Context, err error) Outcome {
	reached := x.completed
	failedIn := x.state

	x.pending = nil
	x.state = StateFailed
	x.detail = "failed during " + failedIn.String()
	// The failure is recorded even when ctx was cancelled mid-stage.
	if perr := x.persist(context.WithoutCancel(ctx), err.Error()); perr != nil {
		x.logger.Warn("failed to persist pair failure", "state", failedIn.String(), "error", perr)
	}

	outcome := Failed(x.pair.Record.PairID, reached, err)
	outcome.DenseBuilt = x.denseBuilt
	outcome.Artifacts = x.artifacts
	return outcome
}
