// Package config wires settings into a runnable batch: it opens the ledger
// and the engine, builds the pipeline and the controller, and records the run.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stereoforge/pairbatch/crs"
	"github.com/stereoforge/pairbatch/internal/batch"
	"github.com/stereoforge/pairbatch/internal/engine"
	"github.com/stereoforge/pairbatch/internal/engine/bridge"
	"github.com/stereoforge/pairbatch/internal/engine/preview"
	"github.com/stereoforge/pairbatch/internal/logging"
	"github.com/stereoforge/pairbatch/internal/manifest"
	"github.com/stereoforge/pairbatch/internal/pipeline"
	"github.com/stereoforge/pairbatch/internal/project"
	"github.com/stereoforge/pairbatch/internal/settings"
)

// EngineOpener opens the engine document at path. Tests substitute it.
type EngineOpener func(ctx context.Context, s settings.Settings, path string, logger *slog.Logger) (engine.Engine, error)

// RunRequest describes one batch run.
type RunRequest struct {
	Settings settings.Settings
	// Target is the reference system chosen for the run.
	Target crs.System
	Logger *slog.Logger
	// ErrorLog overrides the error log file named in Settings.
	ErrorLog io.Writer
	// OpenEngine overrides the backend selected in Settings.
	OpenEngine EngineOpener
}

// RunPairs processes every pair of the configured manifest. The returned
// report is valid whenever the run started, even if err is set.
func RunPairs(ctx context.Context, req RunRequest) (batch.Report, error) {
	s := req.Settings
	logger := logging.Ensure(req.Logger).With("component", "config.run")

	if err := s.Validate(); err != nil {
		return batch.Report{}, fmt.Errorf("invalid settings: %w", err)
	}
	if !req.Target.IsValid() {
		return batch.Report{}, fmt.Errorf("unsupported target reference system %q", req.Target)
	}

	records, err := manifest.LoadFile(s.ManifestPath())
	if err != nil {
		return batch.Report{}, err
	}
	logger.Info("manifest loaded", "path", s.ManifestPath(), "pairs", len(records))

	errorLog := req.ErrorLog
	if errorLog == nil {
		f, err := logging.OpenFile(s.ErrorLogPath())
		if err != nil {
			return batch.Report{}, fmt.Errorf("open error log: %w", err)
		}
		defer f.Close()
		errorLog = f
	}

	layout := s.Layout()
	store, err := project.Open(ctx, layout.LedgerPath())
	if err != nil {
		return batch.Report{}, err
	}
	defer store.Close()

	open := req.OpenEngine
	if open == nil {
		open = OpenEngine
	}
	eng, err := open(ctx, s, layout.ProjectPath(), logger)
	if err != nil {
		return batch.Report{}, fmt.Errorf("open engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("closing engine failed", "error", err)
		}
	}()

	runID := uuid.NewString()
	if err := store.BeginRun(ctx, project.Run{
		ID:        runID,
		TargetCRS: req.Target.String(),
		Manifest:  s.ManifestPath(),
		Engine:    s.Engine.Backend,
		Pairs:     len(records),
	}); err != nil {
		return batch.Report{}, err
	}
	logger = logger.With("run", runID)
	logger.Info("run started", "target", req.Target.String(), "engine", s.Engine.Backend, "output", layout.OutputDir)

	journal := project.NewJournal(eng, store, logger.With("component", "journal"))
	controller := &batch.Controller{
		Logger:    logger.With("component", "batch"),
		ErrorLog:  logging.NewErrorLog(errorLog),
		ImagesDir: s.ImagesPath(),
		Processor: pipeline.New(logger.With("component", "pipeline")),
		RunContext: pipeline.RunContext{
			RunID:     runID,
			Engine:    eng,
			Target:    req.Target,
			Persister: journal,
			Layout:    layout,
			Params:    s.Parameters(),
		},
		Finalizer: journal,
	}

	report, runErr := controller.Run(ctx, records)

	// The run is recorded even when interrupted.
	recordCtx := context.WithoutCancel(ctx)
	var recordErrs []error
	for _, outcome := range report.Outcomes {
		if outcome.Kind != pipeline.OutcomeSkippedMissingInput {
			continue
		}
		if err := store.RecordSkip(recordCtx, runID, outcome.PairID, outcome.Reason); err != nil {
			recordErrs = append(recordErrs, err)
		}
	}

	status := project.RunFinished
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		status = project.RunInterrupted
	}
	if err := store.FinishRun(recordCtx, runID, project.Summary{
		Status:    status,
		Pairs:     len(records),
		Succeeded: report.Succeeded,
		Skipped:   report.Skipped,
		Failed:    report.Failed,
	}); err != nil {
		recordErrs = append(recordErrs, err)
	}

	return report, errors.Join(runErr, errors.Join(recordErrs...))
}

// OpenEngine opens the backend selected in s.
func OpenEngine(ctx context.Context, s settings.Settings, path string, logger *slog.Logger) (engine.Engine, error) {
	switch s.Engine.Backend {
	case settings.BackendPreview:
		return preview.New(path, logger.With("component", "engine")), nil
	case settings.BackendBridge:
		return bridge.Start(ctx, s.Engine.Command, path, logger.With("component", "engine"))
	default:
		return nil, fmt.Errorf("unknown engine backend %q", s.Engine.Backend)
	}
}
