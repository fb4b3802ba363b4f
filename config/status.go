package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/stereoforge/pairbatch/internal/artifacts"
	"github.com/stereoforge/pairbatch/internal/project"
)

// ErrNoLedger is returned by Status when no run has written a ledger yet.
var ErrNoLedger = errors.New("no ledger found")

// RunStatus is what the ledger knows about one run.
type RunStatus struct {
	Run       project.Run
	Units     []project.Unit
	Skips     []project.Skip
	Artifacts []artifacts.Artifact
}

// ArtifactsFor returns the artifacts recorded for pairID.
func (s RunStatus) ArtifactsFor(pairID string) []artifacts.Artifact {
	var out []artifacts.Artifact
	for _, a := range s.Artifacts {
		if a.PairID == pairID {
			out = append(out, a)
		}
	}
	return out
}

// Status reads run runID from the ledger at path, or the latest run when
// runID is empty. The ledger is never created here.
func Status(ctx context.Context, path, runID string) (RunStatus, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return RunStatus{}, fmt.Errorf("%w at %s", ErrNoLedger, path)
		}
		return RunStatus{}, err
	}

	store, err := project.Open(ctx, path)
	if err != nil {
		return RunStatus{}, err
	}
	defer store.Close()

	var status RunStatus
	if runID == "" {
		status.Run, err = store.LatestRun(ctx)
	} else {
		status.Run, err = store.Run(ctx, runID)
	}
	if err != nil {
		return RunStatus{}, err
	}

	if status.Units, err = store.Units(ctx, status.Run.ID); err != nil {
		return RunStatus{}, err
	}
	if status.Skips, err = store.Skips(ctx, status.Run.ID); err != nil {
		return RunStatus{}, err
	}
	if status.Artifacts, err = store.Artifacts(ctx, status.Run.ID); err != nil {
		return RunStatus{}, err
	}
	return status, nil
}
