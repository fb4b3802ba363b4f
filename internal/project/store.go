// Package project keeps the run ledger: a SQLite database next to the engine
// document recording every stage transition, artifact and skipped pair. Opening
// the ledger of a crashed run shows exactly which stage each unit last reached.
package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stereoforge/pairbatch/internal/artifacts"
	"github.com/stereoforge/pairbatch/internal/pipeline"
)

// ErrNoRuns is returned by LatestRun on an empty ledger.
var ErrNoRuns = errors.New("ledger has no runs")

// ErrRunNotFound is returned when a run id is not in the ledger.
var ErrRunNotFound = errors.New("run not found")

// timeLayout is fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunFinished    RunStatus = "finished"
	RunInterrupted RunStatus = "interrupted"
)

// Run is one invocation of the batch over a manifest.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	TargetCRS  string
	Manifest   string
	Engine     string

	Pairs     int
	Succeeded int
	Skipped   int
	Failed    int
}

// Summary holds the final counts of a run.
type Summary struct {
	Status    RunStatus
	Pairs     int
	Succeeded int
	Skipped   int
	Failed    int
}

// Unit is the last persisted position of one reconstruction unit.
type Unit struct {
	ID        string
	RunID     string
	PairID    string
	Label     string
	State     pipeline.State
	Seq       int
	Outcome   pipeline.OutcomeKind
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transition is one persisted checkpoint of a unit.
type Transition struct {
	Seq        int
	State      pipeline.State
	Detail     string
	Reason     string
	RecordedAt time.Time
}

// Skip records a pair that failed the pre-flight check.
type Skip struct {
	PairID     string
	Reason     string
	RecordedAt time.Time
}

// Store is the SQLite ledger.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates the ledger at path and migrates it to the latest schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("open ledger %s: %w", path, err), db.Close())
	}
	if err := migrateUp(db); err != nil {
		return nil, errors.Join(err, db.Close())
	}

	return &Store{db: db, path: path, now: time.Now}, nil
}

// Path returns the ledger file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun records the start of run. Status defaults to RunRunning.
func (s *Store) BeginRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, status, target_crs, manifest, engine, pairs)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, formatTime(run.StartedAt), string(run.Status), run.TargetCRS, run.Manifest, run.Engine, run.Pairs,
	)
	if err != nil {
		return fmt.Errorf("begin run %s: %w", run.ID, err)
	}
	return nil
}

// Checkpoint records one unit transition and the artifacts it produced in a
// single transaction.
func (s *Store) Checkpoint(ctx context.Context, cp pipeline.Checkpoint) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()

	recorded := formatTime(cp.RecordedAt)
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO units (id, run_id, pair_id, label, state, seq, outcome, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			seq = excluded.seq,
			outcome = excluded.outcome,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		cp.UnitID, cp.RunID, cp.PairID, cp.Label, cp.State.String(), cp.Seq,
		string(cp.Outcome), cp.Reason, recorded, recorded,
	); err != nil {
		return fmt.Errorf("record unit %s: %w", cp.UnitID, err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (unit_id, seq, state, detail, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cp.UnitID, cp.Seq, cp.State.String(), cp.Detail, cp.Reason, recorded,
	); err != nil {
		return fmt.Errorf("record checkpoint %s/%d: %w", cp.UnitID, cp.Seq, err)
	}

	for _, a := range cp.Artifacts {
		if err = insertArtifact(ctx, tx, cp.RunID, cp.UnitID, a); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func insertArtifact(ctx context.Context, tx *sql.Tx, runID, unitID string, a artifacts.Artifact) error {
	metadata := []byte("{}")
	if len(a.Metadata) > 0 {
		encoded, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("encode artifact %s metadata: %w", a.ID, err)
		}
		metadata = encoded
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, unit_id, pair_id, kind, uri, content_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, runID, unitID, a.PairID, string(a.Kind), a.URI, a.ContentType, string(metadata), formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record artifact %s: %w", a.ID, err)
	}
	return nil
}

// RecordSkip records a pair that never became a unit.
func (s *Store) RecordSkip(ctx context.Context, runID, pairID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skipped_pairs (run_id, pair_id, reason, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, pair_id) DO UPDATE SET reason = excluded.reason`,
		runID, pairID, reason, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("record skipped pair %s: %w", pairID, err)
	}
	return nil
}

// FinishRun stores the final counts of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, summary Summary) error {
	if summary.Status == "" {
		summary.Status = RunFinished
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, status = ?, pairs = ?, succeeded = ?, skipped = ?, failed = ?
		WHERE id = ?`,
		formatTime(s.now()), string(summary.Status), summary.Pairs, summary.Succeeded, summary.Skipped, summary.Failed, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

const runColumns = `id, started_at, finished_at, status, target_crs, manifest, engine, pairs, succeeded, skipped, failed`

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNoRuns
	}
	return run, err
}

// Run returns the run with id.
func (s *Store) Run(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	return run, err
}

func scanRun(row *sql.Row) (Run, error) {
	var (
		run      Run
		started  string
		finished sql.NullString
		status   string
	)
	if err := row.Scan(&run.ID, &started, &finished, &status, &run.TargetCRS, &run.Manifest, &run.Engine,
		&run.Pairs, &run.Succeeded, &run.Skipped, &run.Failed); err != nil {
		return Run{}, err
	}
	run.Status = RunStatus(status)
	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return Run{}, err
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return Run{}, err
		}
		run.FinishedAt = &t
	}
	return run, nil
}

// Units returns the units of a run in creation order.
func (s *Store) Units(ctx context.Context, runID string) ([]Unit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, pair_id, label, state, seq, outcome, reason, created_at, updated_at
		FROM units WHERE run_id = ? ORDER BY created_at, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	var units []Unit
	for rows.Next() {
		var (
			u                Unit
			state, outcome   string
			created, updated string
		)
		if err := rows.Scan(&u.ID, &u.RunID, &u.PairID, &u.Label, &state, &u.Seq, &outcome, &u.Reason, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		if u.State, err = pipeline.ParseState(state); err != nil {
			return nil, err
		}
		u.Outcome = pipeline.OutcomeKind(outcome)
		if u.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if u.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// Transitions returns the checkpoints of a unit in order.
func (s *Store) Transitions(ctx context.Context, unitID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, state, detail, reason, recorded_at
		FROM checkpoints WHERE unit_id = ? ORDER BY seq`, unitID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var (
			t               Transition
			state, recorded string
		)
		if err := rows.Scan(&t.Seq, &state, &t.Detail, &t.Reason, &recorded); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if t.State, err = pipeline.ParseState(state); err != nil {
			return nil, err
		}
		if t.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// Artifacts returns the artifacts recorded for a run.
func (s *Store) Artifacts(ctx context.Context, runID string) ([]artifacts.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pair_id, kind, uri, content_type, metadata, created_at
		FROM artifacts WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []artifacts.Artifact
	for rows.Next() {
		var (
			a              artifacts.Artifact
			kind, metadata string
			created        string
		)
		if err := rows.Scan(&a.ID, &a.PairID, &kind, &a.URI, &a.ContentType, &metadata, &created); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Kind = artifacts.ArtifactKind(kind)
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode artifact %s metadata: %w", a.ID, err)
			}
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Skips returns the pairs skipped during a run.
func (s *Store) Skips(ctx context.Context, runID string) ([]Skip, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair_id, reason, recorded_at FROM skipped_pairs WHERE run_id = ? ORDER BY recorded_at, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("list skipped pairs: %w", err)
	}
	defer rows.Close()

	var skips []Skip
	for rows.Next() {
		var (
			skip     Skip
			recorded string
		)
		if err := rows.Scan(&skip.PairID, &skip.Reason, &recorded); err != nil {
			return nil, fmt.Errorf("scan skipped pair: %w", err)
		}
		if skip.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, err
		}
		skips = append(skips, skip)
	}
	return skips, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ledger timestamp %q: %w", value, err)
	}
	return t, nil
}
