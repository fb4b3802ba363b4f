package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stereoforge/pairbatch/internal/logging"
	"github.com/stereoforge/pairbatch/internal/pipeline"
)

// Document is the engine document flushed on every transition.
type Document interface {
	Save(ctx context.Context) error
}

// Journal makes pipeline transitions durable: it saves the engine document
// first and then appends the checkpoint to the ledger, so the ledger never
// claims a state the document does not hold.
type Journal struct {
	Document Document
	Store    *Store
	Logger   *slog.Logger
}

// NewJournal returns a journal over document and store.
func NewJournal(document Document, store *Store, logger *slog.Logger) *Journal {
	return &Journal{Document: document, Store: store, Logger: logger}
}

// Persist implements pipeline.Persister.
func (j *Journal) Persist(ctx context.Context, cp pipeline.Checkpoint) error {
	if j.Document == nil || j.Store == nil {
		return errors.New("journal is not initialized")
	}
	if err := j.Document.Save(ctx); err != nil {
		return fmt.Errorf("save engine document: %w", err)
	}
	if err := j.Store.Checkpoint(ctx, cp); err != nil {
		return fmt.Errorf("record checkpoint: %w", err)
	}
	logging.Ensure(j.Logger).Debug("checkpoint persisted",
		"pair", cp.PairID,
		"state", cp.State.String(),
		"seq", cp.Seq,
	)
	return nil
}

// Flush saves the engine document once more at the end of a run.
func (j *Journal) Flush(ctx context.Context) error {
	if j.Document == nil {
		return errors.New("journal is not initialized")
	}
	if err := j.Document.Save(ctx); err != nil {
		return fmt.Errorf("save engine document: %w", err)
	}
	return nil
}
