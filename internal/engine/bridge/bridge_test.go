package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/stereoforge/pairbatch/crs"
	"github.com/stereoforge/pairbatch/internal/engine"
	"github.com/stereoforge/pairbatch/internal/logging"
)

// fakeWorker answers requests on one end of a pipe with handle. A nil
// response leaves the request unanswered.
type fakeWorker struct {
	conn   net.Conn
	handle func(Request) *Response

	mu       sync.Mutex
	requests []Request
	done     chan struct{}
}

func startWorker(t *testing.T, handle func(Request) *Response) (*fakeWorker, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	w := &fakeWorker{conn: server, handle: handle, done: make(chan struct{})}
	go w.serve()
	t.Cleanup(func() {
		_ = server.Close()
		<-w.done
	})
	return w, client
}

func (w *fakeWorker) serve() {
	defer close(w.done)
	scanner := bufio.NewScanner(w.conn)
	enc := json.NewEncoder(w.conn)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return
		}
		w.mu.Lock()
		w.requests = append(w.requests, req)
		w.mu.Unlock()
		resp := w.handle(req)
		if resp == nil {
			continue
		}
		resp.ID = req.ID
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (w *fakeWorker) ops() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ops := make([]string, 0, len(w.requests))
	for _, r := range w.requests {
		ops = append(ops, r.Op)
	}
	return ops
}

func (w *fakeWorker) request(op string) (Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.requests {
		if r.Op == op {
			return r, true
		}
	}
	return Request{}, false
}

func ok(result any) *Response {
	resp := &Response{OK: true}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			panic(err)
		}
		resp.Result = data
	}
	return resp
}

// scriptedWorker behaves like a small but consistent engine.
func scriptedWorker(req Request) *Response {
	switch req.Op {
	case OpCreateUnit:
		return ok(map[string]string{"unit": "u-1"})
	case OpCRS:
		return ok(map[string]string{"crs": "EPSG::4326"})
	case OpCameras:
		return ok([]map[string]any{
			{"label": "a", "reference": []float64{121.5, 31.2, 40}},
			{"label": "b"},
		})
	case OpTransform:
		return ok(map[string]string{"scale": "computed", "rotation": "identity"})
	case OpHasElevationModel:
		return ok(map[string]bool{"present": true})
	case OpExportRaster:
		return &Response{Error: "nothing to export", Code: CodeNoElevation}
	default:
		return ok(nil)
	}
}

func openEngine(t *testing.T, handle func(Request) *Response) (*Engine, *fakeWorker) {
	t.Helper()
	w, conn := startWorker(t, handle)
	e, err := Open(context.Background(), conn, "/work/output/project.psx", logging.Discard())
	require.NoError(t, err)
	return e, w
}

func TestOpenSendsDocument(t *testing.T) {
	e, w := openEngine(t, scriptedWorker)
	defer e.Close()

	req, found := w.request(OpOpen)
	require.True(t, found)
	var args openArgs
	require.NoError(t, json.Unmarshal(req.Args, &args))
	assert.Equal(t, "/work/output/project.psx", args.Document)
}

func TestUnitRoundTrip(t *testing.T) {
	e, w := openEngine(t, scriptedWorker)
	defer e.Close()
	ctx := context.Background()

	u, err := e.CreateUnit(ctx, "Pair 1")
	require.NoError(t, err)
	assert.Equal(t, "Pair 1", u.Label())

	require.NoError(t, u.AddImages(ctx, []string{"images/a.tif", "images/b.tif"}, true))
	require.NoError(t, u.SetPrimaryChannel(ctx, 3))

	system, err := u.CRS(ctx)
	require.NoError(t, err)
	assert.Equal(t, crs.WGS84, system)

	cameras, err := u.Cameras(ctx)
	require.NoError(t, err)
	want := []engine.Camera{
		{Label: "a", Reference: &r3.Vec{X: 121.5, Y: 31.2, Z: 40}},
		{Label: "b"},
	}
	assert.Empty(t, cmp.Diff(want, cameras))

	require.NoError(t, u.SetCameraReference(ctx, "a", r3.Vec{X: 1, Y: 2, Z: 3}))
	require.NoError(t, u.SetCRS(ctx, crs.UTM(51, true)))
	require.NoError(t, u.UpdateTransform(ctx))
	require.NoError(t, u.MatchFeatures(ctx, engine.MatchOptions{KeypointLimit: 40000, TiepointLimit: 4000, GenericPreselection: true}))

	transform, err := u.Transform(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.Transform{
		Scale:       engine.ComponentComputed,
		Rotation:    engine.ComponentIdentity,
		Translation: engine.ComponentAbsent,
	}, transform)
	assert.False(t, transform.Complete())

	present, err := u.HasElevationModel(ctx)
	require.NoError(t, err)
	assert.True(t, present)

	require.NoError(t, e.Save(ctx))

	assert.Equal(t, []string{
		OpOpen, OpCreateUnit, OpAddImages, OpSetPrimaryChannel, OpCRS, OpCameras,
		OpSetCameraReference, OpSetCRS, OpUpdateTransform, OpMatchFeatures,
		OpTransform, OpHasElevationModel, OpSave,
	}, w.ops())

	ref, _ := w.request(OpSetCameraReference)
	assert.Equal(t, "u-1", ref.Unit)
	var refArgs cameraReferenceArgs
	require.NoError(t, json.Unmarshal(ref.Args, &refArgs))
	assert.Equal(t, cameraReferenceArgs{Label: "a", Position: [3]float64{1, 2, 3}}, refArgs)

	set, _ := w.request(OpSetCRS)
	assert.JSONEq(t, `{"crs":"EPSG:32651"}`, string(set.Args))

	match, _ := w.request(OpMatchFeatures)
	assert.JSONEq(t, `{"keypoint_limit":40000,"tiepoint_limit":4000,"generic_preselection":true,"reference_preselection":false}`, string(match.Args))
}

func TestRemoteErrorMapsCode(t *testing.T) {
	e, _ := openEngine(t, scriptedWorker)
	defer e.Close()
	ctx := context.Background()

	u, err := e.CreateUnit(ctx, "Pair 2")
	require.NoError(t, err)

	err = u.ExportRaster(ctx, "output/dsm_pair2.tif", engine.ElevationData, 3.5, 3.5)
	require.Error(t, err)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, OpExportRaster, remote.Op)
	assert.Equal(t, "u-1", remote.Unit)
	assert.ErrorIs(t, err, engine.ErrNoElevation)
	assert.Contains(t, err.Error(), "nothing to export")
}

func TestRemoteErrorWithoutCode(t *testing.T) {
	e, _ := openEngine(t, func(req Request) *Response {
		if req.Op == OpCreateUnit {
			return &Response{Error: "license unavailable"}
		}
		return ok(nil)
	})
	defer e.Close()

	_, err := e.CreateUnit(context.Background(), "Pair 1")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Nil(t, remote.Unwrap())
	assert.Equal(t, "engine worker create_unit: license unavailable", err.Error())
}

func TestOpenFailure(t *testing.T) {
	_, conn := startWorker(t, func(Request) *Response {
		return &Response{Error: "document locked"}
	})
	_, err := Open(context.Background(), conn, "project.psx", logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open document project.psx")
	assert.Contains(t, err.Error(), "document locked")
}

func TestCallHonoursContext(t *testing.T) {
	e, _ := openEngine(t, func(req Request) *Response {
		if req.Op == OpAlignCameras {
			return nil
		}
		return scriptedWorker(req)
	})
	defer e.Close()

	u, err := e.CreateUnit(context.Background(), "Pair 1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = u.AlignCameras(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	assert.ErrorIs(t, u.UpdateTransform(cancelled), context.Canceled)
}

func TestWorkerExitFailsPendingCalls(t *testing.T) {
	release := make(chan struct{})
	w, conn := startWorker(t, func(req Request) *Response {
		if req.Op == OpBuildDepthMaps {
			close(release)
			return nil
		}
		return scriptedWorker(req)
	})
	e, err := Open(context.Background(), conn, "project.psx", logging.Discard())
	require.NoError(t, err)
	defer e.Close()

	u, err := e.CreateUnit(context.Background(), "Pair 1")
	require.NoError(t, err)

	go func() {
		<-release
		_ = w.conn.Close()
	}()
	err = u.BuildDepthMaps(context.Background(), 1, engine.FilterMild)
	assert.ErrorIs(t, err, ErrClosed)

	err = u.AlignCameras(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMalformedResponseIsSkipped(t *testing.T) {
	client, server := net.Pipe()
	c := NewClient(client, logging.Discard())
	defer c.Close()

	go func() {
		scanner := bufio.NewScanner(server)
		for scanner.Scan() {
			var req Request
			if json.Unmarshal(scanner.Bytes(), &req) != nil {
				return
			}
			_, _ = server.Write([]byte("not json\n"))
			_ = json.NewEncoder(server).Encode(Response{ID: 999, OK: true})
			_ = json.NewEncoder(server).Encode(Response{ID: req.ID, OK: true, Result: json.RawMessage(`{"present":true}`)})
		}
	}()

	var res presentPayload
	require.NoError(t, c.Call(context.Background(), OpHasElevationModel, "u", nil, &res))
	assert.True(t, res.Present)
}

func TestStartRejectsEmptyCommand(t *testing.T) {
	_, err := Start(context.Background(), nil, "project.psx", logging.Discard())
	require.Error(t, err)
	_, err = Start(context.Background(), []string{"  "}, "project.psx", logging.Discard())
	require.Error(t, err)
}

func TestEngineCloseTolerantOfGoneWorker(t *testing.T) {
	e, w := openEngine(t, scriptedWorker)
	require.NoError(t, w.conn.Close())
	assert.NoError(t, e.Close())
}
