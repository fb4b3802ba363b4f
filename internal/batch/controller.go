// Package batch drives a manifest through the pair pipeline, one pair at a time,
// isolating every pair so a failure never aborts the run.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/stereoforge/pairbatch/internal/logging"
	"github.com/stereoforge/pairbatch/internal/manifest"
	"github.com/stereoforge/pairbatch/internal/pipeline"
)

// PairProcessor runs one pair. *pipeline.Pipeline implements it.
type PairProcessor interface {
	Process(ctx context.Context, rc pipeline.RunContext, pair pipeline.Pair) pipeline.Outcome
}

// Finalizer performs the final persistence once every record was handled.
type Finalizer interface {
	Flush(ctx context.Context) error
}

// Controller owns the loop over manifest records.
type Controller struct {
	Logger *slog.Logger
	// ErrorLog receives one line per skipped or failed pair.
	ErrorLog *slog.Logger

	ImagesDir  string
	Processor  PairProcessor
	RunContext pipeline.RunContext
	Finalizer  Finalizer
}

// Run processes records in order and returns their outcomes in the same order.
// Per-pair problems are reported through the outcomes; the returned error is
// only set when the final flush fails or ctx was cancelled, and the report is
// valid in both cases.
func (c *Controller) Run(ctx context.Context, records []manifest.Record) (Report, error) {
	logger := c.logger()
	report := Report{RunID: c.RunContext.RunID}

	if c.Processor == nil {
		return report, errors.New("batch controller has no pair processor")
	}

	var cancelled error
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			cancelled = err
			logger.Warn("run interrupted, remaining pairs not started", "next_pair", record.PairID, "error", err)
			break
		}

		outcome := c.handle(ctx, record)
		report.add(outcome)
	}

	// Flushing must survive an interrupted context.
	flushCtx := context.WithoutCancel(ctx)
	var flushErr error
	if c.Finalizer != nil {
		if err := c.Finalizer.Flush(flushCtx); err != nil {
			flushErr = fmt.Errorf("final flush: %w", err)
			logger.Error("final flush failed", "error", err)
		}
	}

	logger.Info("batch finished",
		"pairs", len(report.Outcomes),
		"succeeded", report.Succeeded,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, errors.Join(cancelled, flushErr)
}

func (c *Controller) handle(ctx context.Context, record manifest.Record) pipeline.Outcome {
	logger := c.logger().With("pair", record.PairID)

	pair, err := c.resolve(record)
	if err != nil {
		reason := err.Error()
		logger.Warn("skipping pair", "reason", reason)
		c.errorLog().Error(reason)
		return pipeline.Skipped(record.PairID, reason)
	}

	logger.Info("processing pair", "primary", record.PrimaryImage, "secondary", record.SecondaryImage)
	outcome := c.isolate(ctx, pair)

	switch outcome.Kind {
	case pipeline.OutcomeSuccess:
		logger.Info("processing finished", "dense", outcome.DenseBuilt, "artifacts", len(outcome.Artifacts))
	default:
		logger.Error("pair failed", "reached", outcome.Reached.String(), "error", outcome.Reason)
		c.errorLog().Error(fmt.Sprintf("Error processing Pair %s: %s", record.PairID, outcome.Reason))
	}
	return outcome
}

// resolve performs the pre-flight check: both images must be regular files
// below ImagesDir.
func (c *Controller) resolve(record manifest.Record) (pipeline.Pair, error) {
	primary := filepath.Join(c.ImagesDir, record.PrimaryImage)
	secondary := filepath.Join(c.ImagesDir, record.SecondaryImage)

	var missing []string
	for _, path := range []string{primary, secondary} {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		return pipeline.Pair{}, &MissingInputError{
			PairID:    record.PairID,
			Primary:   record.PrimaryImage,
			Secondary: record.SecondaryImage,
			Paths:     missing,
		}
	}

	return pipeline.Pair{
		Record:        record,
		PrimaryPath:   primary,
		SecondaryPath: secondary,
	}, nil
}

// isolate runs one pair and converts a panic anywhere below it into a failed
// outcome, so the loop always moves on to the next record.
func (c *Controller) isolate(ctx context.Context, pair pipeline.Pair) (outcome pipeline.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger().Error("pair panicked", "pair", pair.Record.PairID, "panic", r, "stack", string(debug.Stack()))
			outcome = pipeline.Failed(pair.Record.PairID, pipeline.StatePending, &PanicError{Value: r})
		}
	}()
	return c.Processor.Process(ctx, c.RunContext, pair)
}

func (c *Controller) logger() *slog.Logger {
	return logging.Ensure(c.Logger)
}

func (c *Controller) errorLog() *slog.Logger {
	if c.ErrorLog != nil {
		return c.ErrorLog
	}
	return logging.Discard()
}

// MissingInputError reports a pair whose image files are not present.
type MissingInputError struct {
	PairID    string
	Primary   string
	Secondary string
	Paths     []string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("Image files not found for pair %s: %s, %s", e.PairID, e.Primary, e.Secondary)
}

// PanicError carries a value recovered from a panicking pair.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
