package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/stereoforge/pairbatch/crs"
	"github.com/stereoforge/pairbatch/internal/artifacts"
	"github.com/stereoforge/pairbatch/internal/engine"
	"github.com/stereoforge/pairbatch/internal/manifest"
)

func TestProcessPersistsEveryTransition(t *testing.T) {
	eng := newStubEngine()
	persister := &recordingPersister{}
	rc := testRunContext(t, eng, persister)

	outcome := testPipeline().Process(context.Background(), rc, testPair("7"))

	require.Equal(t, OutcomeSuccess, outcome.Kind, outcome.Reason)
	assert.Equal(t, StateDone, outcome.Reached)
	assert.True(t, outcome.DenseBuilt)

	want := []State{
		StateInit, StateIngest, StateGeoreference, StateMatch, StateAlign,
		StateDepth, StateDense, StateReport, StateExport, StateDone,
	}
	if diff := cmp.Diff(want, persister.states()); diff != "" {
		t.Fatalf("persisted states mismatch (-want +got):\n%s", diff)
	}
	for i, checkpoint := range persister.checkpoints {
		assert.Equal(t, i+1, checkpoint.Seq)
		assert.Equal(t, "run-1", checkpoint.RunID)
		assert.Equal(t, "Pair 7", checkpoint.Label)
		assert.Equal(t, persister.checkpoints[0].UnitID, checkpoint.UnitID)
	}
	last := persister.checkpoints[len(persister.checkpoints)-1]
	assert.Equal(t, OutcomeSuccess, last.Outcome)

	unit := eng.units[0]
	assert.Equal(t, "Pair 7", unit.label)
	assert.Equal(t, []string{"/images/a.tif", "/images/b.tif"}, unit.images)
	assert.Equal(t, DefaultPrimaryChannel, unit.primaryChannel)
}

func TestProcessProducesReportAndRaster(t *testing.T) {
	eng := newStubEngine()
	persister := &recordingPersister{}
	rc := testRunContext(t, eng, persister)

	outcome := testPipeline().Process(context.Background(), rc, testPair("7"))
	require.Equal(t, OutcomeSuccess, outcome.Kind, outcome.Reason)

	require.True(t, outcome.HasArtifact(artifacts.ReportArtifact))
	require.True(t, outcome.HasArtifact(artifacts.RasterArtifact))

	unit := eng.units[0]
	assert.Equal(t, rc.Layout.ReportPath("7"), unit.reportPath)
	assert.Equal(t, "Processing Report for Pair 7", unit.reportTitle)
	assert.Equal(t, "Images: a.tif, b.tif", unit.reportDescription)
	assert.Equal(t, rc.Layout.RasterPath("7"), unit.rasterPath)
	assert.Equal(t, engine.ElevationData, unit.rasterSource)
	assert.Equal(t, [2]float64{3.5, 3.5}, unit.rasterResolution)

	for _, a := range outcome.Artifacts {
		if a.Kind == artifacts.RasterArtifact {
			assert.Equal(t, 3.5, a.Metadata["resolution_x"])
			assert.Equal(t, 3.5, a.Metadata["resolution_y"])
		}
	}

	var reportAt, rasterAt State
	for _, checkpoint := range persister.checkpoints {
		for _, a := range checkpoint.Artifacts {
			switch a.Kind {
			case artifacts.ReportArtifact:
				reportAt = checkpoint.State
			case artifacts.RasterArtifact:
				rasterAt = checkpoint.State
			}
		}
	}
	assert.Equal(t, StateReport, reportAt)
	assert.Equal(t, StateExport, rasterAt)
}

func TestProcessSkipsDenseWhenTransformIncomplete(t *testing.T) {
	eng := newStubEngine()
	eng.transform = engine.Transform{
		Scale:       engine.ComponentAbsent,
		Rotation:    engine.ComponentAbsent,
		Translation: engine.ComponentComputed,
	}
	persister := &recordingPersister{}
	rc := testRunContext(t, eng, persister)

	outcome := testPipeline().Process(context.Background(), rc, testPair("3"))

	require.Equal(t, OutcomeSuccess, outcome.Kind, outcome.Reason)
	assert.False(t, outcome.DenseBuilt)
	assert.True(t, outcome.HasArtifact(artifacts.ReportArtifact))
	assert.False(t, outcome.HasArtifact(artifacts.RasterArtifact))

	unit := eng.units[0]
	assert.NotContains(t, unit.calls, "BuildPointCloud")
	assert.NotContains(t, unit.calls, "BuildElevationModel")
	assert.NotContains(t, unit.calls, "ExportRaster")
	assert.Contains(t, unit.calls, "ExportReport")

	dense := persister.find(StateDense)
	require.NotNil(t, dense)
	assert.Contains(t, dense.Detail, "scale, rotation")
	require.NotNil(t, persister.find(StateExport))
}

func TestProcessIdentityTransformCountsAsComplete(t *testing.T) {
	eng := newStubEngine()
	eng.transform = engine.Transform{
		Scale:       engine.ComponentIdentity,
		Rotation:    engine.ComponentIdentity,
		Translation: engine.ComponentComputed,
	}
	rc := testRunContext(t, eng, &recordingPersister{})

	outcome := testPipeline().Process(context.Background(), rc, testPair("1"))

	require.Equal(t, OutcomeSuccess, outcome.Kind, outcome.Reason)
	assert.True(t, outcome.DenseBuilt)
	assert.True(t, outcome.HasArtifact(artifacts.RasterArtifact))
}

func TestProcessReprojectsBeforeSwitchingCRS(t *testing.T) {
	eng := newStubEngine()
	first := r3.Vec{X: 121.2, Y: 14.6, Z: 40}
	second := r3.Vec{X: 121.25, Y: 14.55, Z: 42}
	eng.cameras = []engine.Camera{
		{Label: "a", Reference: &first},
		{Label: "b", Reference: &second},
		{Label: "c"},
	}
	rc := testRunContext(t, eng, &recordingPersister{})
	rc.Target = crs.UTM(51, true)

	outcome := testPipeline().Process(context.Background(), rc, testPair("9"))
	require.Equal(t, OutcomeSuccess, outcome.Kind, outcome.Reason)

	unit := eng.units[0]
	geo := unit.callsBetween("CRS", "UpdateTransform")
	want := []string{"CRS", "Cameras", "SetCameraReference", "SetCameraReference", "SetCRS", "UpdateTransform"}
	if diff := cmp.Diff(want, geo); diff != "" {
		t.Fatalf("georeference call order mismatch (-want +got):\n%s", diff)
	}

	for _, camera := range []struct {
		label string
		prior r3.Vec
	}{{"a", first}, {"b", second}} {
		expected, err := crs.Reproject(camera.prior, crs.WGS84, rc.Target)
		require.NoError(t, err)
		got, ok := unit.references[camera.label]
		require.True(t, ok, "camera %s not updated", camera.label)
		assert.Equal(t, expected, got)
		assert.Equal(t, crs.WGS84, unit.referenceCRS[camera.label], "camera %s updated after switch", camera.label)
	}
	_, touched := unit.references["c"]
	assert.False(t, touched)
	assert.Equal(t, rc.Target, unit.crs)
}

func TestProcessSameCRSLeavesReferencesAlone(t *testing.T) {
	eng := newStubEngine()
	prior := r3.Vec{X: 10, Y: 20, Z: 30}
	eng.cameras = []engine.Camera{{Label: "a", Reference: &prior}}
	rc := testRunContext(t, eng, &recordingPersister{})
	rc.Target = crs.WGS84

	outcome := testPipeline().Process(context.Background(), rc, testPair("2"))

	require.Equal(t, OutcomeSuccess, outcome.Kind, outcome.Reason)
	assert.NotContains(t, eng.units[0].calls, "SetCameraReference")
	assert.Contains(t, eng.units[0].calls, "SetCRS")
}

func TestProcessFailsOnUnreachableTarget(t *testing.T) {
	eng := newStubEngine()
	prior := r3.Vec{X: 10, Y: 20, Z: 30}
	eng.cameras = []engine.Camera{{Label: "a", Reference: &prior}}
	rc := testRunContext(t, eng, &recordingPersister{})
	rc.Target = crs.Local

	outcome := testPipeline().Process(context.Background(), rc, testPair("2"))

	require.Equal(t, OutcomeFailed, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, crs.ErrNoCommonFrame)
	assert.NotContains(t, eng.units[0].calls, "SetCRS")
}

func TestProcessRejectsAmbiguousCameraLabels(t *testing.T) {
	eng := newStubEngine()
	first := r3.Vec{X: 121.2, Y: 31.2, Z: 40}
	second := r3.Vec{X: 121.21, Y: 31.2, Z: 40}
	eng.cameras = []engine.Camera{
		{Label: "img", Reference: &first},
		{Label: "img", Reference: &second},
	}
	rc := testRunContext(t, eng, &recordingPersister{})

	outcome := testPipeline().Process(context.Background(), rc, testPair("1"))

	require.Equal(t, OutcomeFailed, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, engine.ErrDuplicateCamera)
	assert.Equal(t, StateIngest, outcome.Reached)
	assert.NotContains(t, eng.units[0].calls, "SetCameraReference")
	assert.NotContains(t, eng.units[0].calls, "SetCRS")
	assert.Equal(t, crs.WGS84, eng.units[0].crs)
}

func TestProcessStageFailures(t *testing.T) {
	cases := []struct {
		op    string
		state State
	}{
		{"CreateUnit", StateInit},
		{"AddImages", StateIngest},
		{"SetPrimaryChannel", StateIngest},
		{"CRS", StateGeoreference},
		{"Cameras", StateGeoreference},
		{"SetCameraReference", StateGeoreference},
		{"SetCRS", StateGeoreference},
		{"UpdateTransform", StateGeoreference},
		{"MatchFeatures", StateMatch},
		{"AlignCameras", StateAlign},
		{"BuildDepthMaps", StateDepth},
		{"Transform", StateDense},
		{"BuildPointCloud", StateDense},
		{"BuildElevationModel", StateDense},
		{"ExportReport", StateReport},
		{"HasElevationModel", StateExport},
		{"ExportRaster", StateExport},
	}

	for _, tc := range cases {
		t.Run(tc.op, func(t *testing.T) {
			injected := errors.New("injected " + tc.op)
			eng := newStubEngine()
			eng.failOn = map[string]error{tc.op: injected}
			persister := &recordingPersister{}
			rc := testRunContext(t, eng, persister)

			outcome := testPipeline().Process(context.Background(), rc, testPair("5"))

			require.Equal(t, OutcomeFailed, outcome.Kind)
			require.ErrorIs(t, outcome.Err, injected)

			var stageErr *StageError
			require.ErrorAs(t, outcome.Err, &stageErr)
			assert.Equal(t, tc.state, stageErr.State)
			assert.Equal(t, tc.state-1, outcome.Reached)
			assert.Contains(t, outcome.Reason, tc.op)

			last := persister.checkpoints[len(persister.checkpoints)-1]
			assert.Equal(t, StateFailed, last.State)
			assert.Equal(t, OutcomeFailed, last.Outcome)
			assert.Equal(t, outcome.Reason, last.Reason)
			assert.Nil(t, persister.find(tc.state), "failed stage must not be checkpointed as completed")
		})
	}
}

func TestProcessFailsWhenPersistFails(t *testing.T) {
	eng := newStubEngine()
	persister := &recordingPersister{failOn: StateMatch, err: errors.New("disk full")}
	rc := testRunContext(t, eng, persister)

	outcome := testPipeline().Process(context.Background(), rc, testPair("4"))

	require.Equal(t, OutcomeFailed, outcome.Kind)
	var stageErr *StageError
	require.ErrorAs(t, outcome.Err, &stageErr)
	assert.Equal(t, StateMatch, stageErr.State)
	assert.Equal(t, StateGeoreference, outcome.Reached)
	assert.NotContains(t, eng.units[0].calls, "AlignCameras")

	assert.Equal(t, StateFailed, persister.checkpoints[len(persister.checkpoints)-1].State)
}

func TestProcessRecordsFailureAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := newStubEngine()
	eng.onCall = map[string]func(){"MatchFeatures": cancel}
	eng.failOn = map[string]error{"MatchFeatures": context.Canceled}
	persister := &recordingPersister{honourContext: true}
	rc := testRunContext(t, eng, persister)

	outcome := testPipeline().Process(ctx, rc, testPair("6"))

	require.Equal(t, OutcomeFailed, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, context.Canceled)
	last := persister.checkpoints[len(persister.checkpoints)-1]
	assert.Equal(t, StateFailed, last.State)
	assert.Equal(t, OutcomeFailed, last.Outcome)
	assert.Equal(t, "failed during match", last.Detail)
}

func TestProcessDoesNotCarryStateBetweenPairs(t *testing.T) {
	eng := newStubEngine()
	persister := &recordingPersister{}
	rc := testRunContext(t, eng, persister)
	p := testPipeline()

	first := p.Process(context.Background(), rc, testPair("1"))
	eng.failOn = map[string]error{"AlignCameras": errors.New("no overlap")}
	second := p.Process(context.Background(), rc, testPair("2"))
	eng.failOn = nil
	third := p.Process(context.Background(), rc, testPair("3"))

	assert.Equal(t, OutcomeSuccess, first.Kind)
	assert.Equal(t, OutcomeFailed, second.Kind)
	assert.Equal(t, OutcomeSuccess, third.Kind)
	require.Len(t, eng.units, 3)
	assert.NotEqual(t, persister.checkpoints[0].UnitID, persister.checkpoints[len(persister.checkpoints)-1].UnitID)
	for _, a := range third.Artifacts {
		assert.Equal(t, "3", a.PairID)
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(StatePending, StateInit))
	assert.True(t, canTransition(StateDense, StateReport))
	assert.True(t, canTransition(StateAlign, StateFailed))
	assert.False(t, canTransition(StateInit, StateGeoreference))
	assert.False(t, canTransition(StateReport, StateDense))
	assert.False(t, canTransition(StateDone, StateFailed))
	assert.False(t, canTransition(StateFailed, StateInit))
}

func TestParseState(t *testing.T) {
	for s := StatePending; s <= StateFailed; s++ {
		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseState("exploded")
	assert.Error(t, err)
}

func testPipeline() *Pipeline {
	p := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func testRunContext(t *testing.T, eng engine.Engine, persister Persister) RunContext {
	t.Helper()
	return RunContext{
		RunID:     "run-1",
		Engine:    eng,
		Target:    crs.UTM(51, true),
		Persister: persister,
		Layout:    artifacts.Layout{OutputDir: filepath.Join(t.TempDir(), "output")},
		Params:    DefaultParameters(),
	}
}

func testPair(id string) Pair {
	return Pair{
		Record: manifest.Record{
			Line:           1,
			PairID:         id,
			PrimaryImage:   "a.tif",
			SecondaryImage: "b.tif",
		},
		PrimaryPath:   "/images/a.tif",
		SecondaryPath: "/images/b.tif",
	}
}

type recordingPersister struct {
	checkpoints []Checkpoint
	// honourContext rejects checkpoints once ctx is done, like the ledger.
	honourContext bool

	failOn State
	err    error
}

func (p *recordingPersister) Persist(ctx context.Context, checkpoint Checkpoint) error {
	if p.honourContext {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if p.err != nil && checkpoint.State == p.failOn {
		return p.err
	}
	p.checkpoints = append(p.checkpoints, checkpoint)
	return nil
}

func (p *recordingPersister) states() []State {
	states := make([]State, 0, len(p.checkpoints))
	for _, c := range p.checkpoints {
		states = append(states, c.State)
	}
	return states
}

func (p *recordingPersister) find(state State) *Checkpoint {
	for i := range p.checkpoints {
		if p.checkpoints[i].State == state {
			return &p.checkpoints[i]
		}
	}
	return nil
}

type stubEngine struct {
	failOn    map[string]error
	onCall    map[string]func()
	cameras   []engine.Camera
	transform engine.Transform

	units []*stubUnit
}

func newStubEngine() *stubEngine {
	prior := r3.Vec{X: 121.2, Y: 14.6, Z: 40}
	return &stubEngine{
		cameras: []engine.Camera{{Label: "a", Reference: &prior}, {Label: "b"}},
		transform: engine.Transform{
			Scale:       engine.ComponentComputed,
			Rotation:    engine.ComponentComputed,
			Translation: engine.ComponentComputed,
		},
	}
}

func (e *stubEngine) CreateUnit(_ context.Context, label string) (engine.Unit, error) {
	if err := e.failOn["CreateUnit"]; err != nil {
		return nil, err
	}
	unit := &stubUnit{
		engine:       e,
		label:        label,
		crs:          crs.WGS84,
		references:   map[string]r3.Vec{},
		referenceCRS: map[string]crs.System{},
	}
	e.units = append(e.units, unit)
	return unit, nil
}

func (e *stubEngine) Save(context.Context) error { return nil }

func (e *stubEngine) Close() error { return nil }

type stubUnit struct {
	engine *stubEngine
	label  string
	calls  []string

	images         []string
	primaryChannel int
	crs            crs.System
	references     map[string]r3.Vec
	referenceCRS   map[string]crs.System
	elevation      bool

	reportPath        string
	reportTitle       string
	reportDescription string
	rasterPath        string
	rasterSource      engine.DataSource
	rasterResolution  [2]float64
}

func (u *stubUnit) call(op string) error {
	u.calls = append(u.calls, op)
	if hook := u.engine.onCall[op]; hook != nil {
		hook()
	}
	return u.engine.failOn[op]
}

func (u *stubUnit) callsBetween(from, to string) []string {
	start, end := -1, -1
	for i, c := range u.calls {
		if c == from && start < 0 {
			start = i
		}
		if c == to {
			end = i
		}
	}
	if start < 0 || end < start {
		return nil
	}
	return u.calls[start : end+1]
}

func (u *stubUnit) Label() string { return u.label }

func (u *stubUnit) AddImages(_ context.Context, paths []string, _ bool) error {
	if err := u.call("AddImages"); err != nil {
		return err
	}
	u.images = append(u.images, paths...)
	return nil
}

func (u *stubUnit) SetPrimaryChannel(_ context.Context, index int) error {
	if err := u.call("SetPrimaryChannel"); err != nil {
		return err
	}
	u.primaryChannel = index
	return nil
}

func (u *stubUnit) CRS(context.Context) (crs.System, error) {
	return u.crs, u.call("CRS")
}

func (u *stubUnit) Cameras(context.Context) ([]engine.Camera, error) {
	return u.engine.cameras, u.call("Cameras")
}

func (u *stubUnit) SetCameraReference(_ context.Context, label string, position r3.Vec) error {
	if err := u.call("SetCameraReference"); err != nil {
		return err
	}
	u.references[label] = position
	u.referenceCRS[label] = u.crs
	return nil
}

func (u *stubUnit) SetCRS(_ context.Context, system crs.System) error {
	if err := u.call("SetCRS"); err != nil {
		return err
	}
	u.crs = system
	return nil
}

func (u *stubUnit) UpdateTransform(context.Context) error { return u.call("UpdateTransform") }

func (u *stubUnit) MatchFeatures(context.Context, engine.MatchOptions) error {
	return u.call("MatchFeatures")
}

func (u *stubUnit) AlignCameras(context.Context) error { return u.call("AlignCameras") }

func (u *stubUnit) BuildDepthMaps(context.Context, int, engine.FilterMode) error {
	return u.call("BuildDepthMaps")
}

func (u *stubUnit) BuildPointCloud(context.Context, engine.PointCloudOptions) error {
	return u.call("BuildPointCloud")
}

func (u *stubUnit) BuildElevationModel(context.Context, engine.ElevationOptions) error {
	if err := u.call("BuildElevationModel"); err != nil {
		return err
	}
	u.elevation = true
	return nil
}

func (u *stubUnit) ExportReport(_ context.Context, path, title, description string) error {
	if err := u.call("ExportReport"); err != nil {
		return err
	}
	u.reportPath, u.reportTitle, u.reportDescription = path, title, description
	return nil
}

func (u *stubUnit) ExportRaster(_ context.Context, path string, source engine.DataSource, rx, ry float64) error {
	if err := u.call("ExportRaster"); err != nil {
		return err
	}
	u.rasterPath, u.rasterSource, u.rasterResolution = path, source, [2]float64{rx, ry}
	return nil
}

func (u *stubUnit) Transform(context.Context) (engine.Transform, error) {
	return u.engine.transform, u.call("Transform")
}

func (u *stubUnit) HasElevationModel(context.Context) (bool, error) {
	return u.elevation, u.call("HasElevationModel")
}
