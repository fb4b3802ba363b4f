package pipeline

import (
	"fmt"

	"github.com/stereoforge/pairbatch/internal/artifacts"
)

// OutcomeKind tags the result of one manifest entry.
type OutcomeKind string

const (
	OutcomeSuccess             OutcomeKind = "success"
	OutcomeSkippedMissingInput OutcomeKind = "skipped_missing_input"
	OutcomeFailed              OutcomeKind = "failed"
)

// Outcome is the per-pair result accumulated by the batch controller.
type Outcome struct {
	PairID string
	Kind   OutcomeKind
	Reason string
	Err    error `json:"-"`

	// Reached is the last state whose transition was persisted.
	Reached    State
	DenseBuilt bool
	Artifacts  []artifacts.Artifact
}

// Skipped returns the outcome of a pair whose inputs failed the pre-flight check.
func Skipped(pairID, reason string) Outcome {
	return Outcome{
		PairID:  pairID,
		Kind:    OutcomeSkippedMissingInput,
		Reason:  reason,
		Reached: StatePending,
	}
}

// Failed returns the outcome of a pair abandoned because of err.
func Failed(pairID string, reached State, err error) Outcome {
	return Outcome{
		PairID:  pairID,
		Kind:    OutcomeFailed,
		Reason:  err.Error(),
		Err:     err,
		Reached: reached,
	}
}

// HasArtifact reports whether the outcome produced an artifact of kind.
func (o Outcome) HasArtifact(kind artifacts.ArtifactKind) bool {
	for _, a := range o.Artifacts {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// StageError wraps the error a stage returned with the stage it failed in.
type StageError struct {
	State State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
