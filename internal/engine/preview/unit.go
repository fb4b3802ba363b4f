package preview

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/stereoforge/pairbatch/crs"
	"github.com/stereoforge/pairbatch/internal/engine"
)

type camera struct {
	label     string
	path      string
	reference *r3.Vec
}

type unit struct {
	engine *Engine

	label          string
	crs            crs.System
	primaryChannel int
	cameras        []camera
	transform      engine.Transform

	tiePoints int
	aligned   bool

	depthMaps   bool
	depthCell   float64
	depthFilter engine.FilterMode

	cloud     *pointCloud
	elevation *grid
}

// lock serialises unit calls with document saves and fails fast once the
// context is done or the engine is closed.
func (u *unit) lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u.engine.mu.Lock()
	if u.engine.closed {
		u.engine.mu.Unlock()
		return nil, errClosed
	}
	return u.engine.mu.Unlock, nil
}

func (u *unit) Label() string {
	return u.label
}

func (u *unit) AddImages(ctx context.Context, paths []string, importMetadata bool) error {
	unlock, err := u.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	taken := make(map[string]bool, len(u.cameras)+len(paths))
	for _, c := range u.cameras {
		taken[c.label] = true
	}
	added := make([]camera, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("add image %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("add image %s: not a regular file", path)
		}
		cam := camera{
			label: uniqueLabel(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), taken),
			path:  path,
		}
		taken[cam.label] = true
		if importMetadata {
			sidecar, err := findSidecar(path)
			switch {
			case errors.Is(err, errNoSidecar):
				u.engine.logger().Debug("image has no RPC metadata", "image", path)
			case err != nil:
				return err
			default:
				position, err := readRPCOffsets(sidecar)
				if err != nil {
					return fmt.Errorf("import metadata of %s: %w", path, err)
				}
				cam.reference = &position
			}
		}
		added = append(added, cam)
	}
	u.cameras = append(u.cameras, added...)
	return nil
}

// uniqueLabel returns the image stem, suffixed with _2, _3 and so on when
// another camera of the unit already carries it.
func uniqueLabel(stem string, taken map[string]bool) string {
	label := stem
	for n := 2; taken[label]; n++ {
		label = fmt.Sprintf("%s_%d", stem, n)
	}
	return label
}

func (u *unit) SetPrimaryChannel(ctx context.Context, index int) error {
	unlock, err := u.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if index < -1 {
		return fmt.Errorf("invalid primary channel %d", index)
	}
	u.primaryChannel = index
	return nil
}

func (u *unit) CRS(ctx context.Context) (crs.System, error) {
	unlock, err := u.lock(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()
	return u.crs, nil
}

func (u *unit) Cameras(ctx context.Context) ([]engine.Camera, error) {
	unlock, err := u.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := make([]engine.Camera, 0, len(u.cameras))
	for _, c := range u.cameras {
		cam := engine.Camera{Label: c.label}
		if c.reference != nil {
			ref := *c.reference
			cam.Reference = &ref
		}
		out = append(out, cam)
	}
	return out, nil
}

func (u *unit) SetCameraReference(ctx context.Context, label string, position r3.Vec) error {
	unlock, err := u.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	for i := range u.cameras {
		if u.cameras[i].label == label {
			u.cameras[i].reference = &position
			return nil
		}
	}
	return fmt.Errorf("%w: %q", engine.ErrUnknownCamera, label)
}

func (u *unit) SetCRS(ctx context.Context, system crs.System) error {
	unlock, err := u.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if !system.IsValid() {
		return fmt.Errorf("unsupported reference system %q", system)
	}
	u.crs = system
	return nil
}

func (u *unit) UpdateTransform(ctx context.Context) error {
	unlock, err := u.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	u.updateTransform()
	return nil
}

// updateTransform estimates the similarity transform from the referenced
// cameras: two or more fix scale, rotation and translation, a single one only
// translation.
func (u *unit) updateTransform() {
	referenced := u.referenced()
	switch {
	case len(referenced) >= 2:
		u.transform = engine.Transform{
			Scale:       engine.ComponentComputed,
			Rotation:    engine.ComponentComputed,
			Translation: engine.ComponentComputed,
		}
	case len(referenced) == 1:
		u.transform = engine.Transform{
			Scale:       engine.ComponentAbsent,
			Rotation:    engine.ComponentAbsent,
			Translation: engine.ComponentComputed,
		}
	default:
		u.transform = engine.Transform{
			Scale:       engine.ComponentAbsent,
			Rotation:    engine.ComponentAbsent,
			Translation: engine.ComponentAbsent,
		}
	}
}

func (u *unit) referenced() []r3.Vec {
	var out []r3.Vec
	for _, c := range u.cameras {
		if c.reference != nil {
			out = append(out, *c.reference)
		}
	}
	return out
}

func (u *unit) MatchFeatures(ctx context.Context, opts engine.MatchOptions) error {
	unlock, err := u.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if opts.KeypointLimit <= 0 || opts.TiepointLimit <= 0 {
		return fmt.Errorf("keypoint and tie point limits must be positive, got %d and %d", opts.KeypointLimit, opts.TiepointLimit)
	}
	if len(u.cameras) < 2 {
		return fmt.Errorf("match features: %w", engine.ErrNoCameras)
	}
	u.tiePoints = min(opts.TiepointLimit, opts.KeypointLimit/10)
	return nil
}

func (u *unit) AlignCameras(ctx context.Context) error {
	unlock, err := u.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if u.tiePoints == 0 {
		return fmt.Errorf("align cameras: %w", engine.ErrNoTiePoints)
	}
	u.aligned = true
	u.updateTransform()
	return nil
}

func (u *unit) BuildDepthMaps(ctx context.Context, downscale int, filter engine.FilterMode) error {
	unlock, err := u.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if !u.aligned {
		return fmt.Errorf("build depth maps: %w", engine.ErrNoCameras)
	}
	if downscale < 1 {
		return fmt.Errorf("invalid depth map downscale %d", downscale)
	}
	if !filter.Valid() {
		return fmt.Errorf("invalid depth filter %q", filter)
	}
	u.depthMaps = true
	u.depthCell = float64(downscale) * baseCellSize
	u.depthFilter = filter
	return nil
}

func (u *unit) BuildPointCloud(ctx context.Context, opts engine.PointCloudOptions) error {
	unlock, err := u.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if opts.Source != engine.DepthMapsData {
		return fmt.Errorf("point cloud source %q not supported", opts.Source)
	}
	if !u.depthMaps {
		return fmt.Errorf("build point cloud: %w", engine.ErrNoDepthMaps)
	}
	if !u.transform.Complete() {
		return fmt.Errorf("build point cloud: transform incomplete, missing %s", strings.Join(u.transform.Missing(), ", "))
	}
	cloud, err := synthesizeCloud(u.crs, u.referenced(), u.depthCell, u.depthFilter, opts)
	if err != nil {
		return fmt.Errorf("build point cloud: %w", err)
	}
	u.cloud = cloud
	return nil
}

func (u *unit) BuildElevationModel(ctx context.Context, opts engine.ElevationOptions) error {
	unlock, err := u.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if opts.Source != engine.PointCloudData {
		return fmt.Errorf("elevation source %q not supported", opts.Source)
	}
	if !opts.Interpolation.Valid() {
		return fmt.Errorf("invalid interpolation %q", opts.Interpolation)
	}
	if u.cloud == nil {
		return fmt.Errorf("build elevation model: %w", engine.ErrNoPointCloud)
	}
	u.elevation = rasterize(u.cloud, opts.Interpolation == engine.InterpolationEnabled)
	return nil
}

func (u *unit) ExportReport(ctx context.Context, path, title, description string) error {
	unlock, err := u.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	return writeReport(path, title, description, u.reportData())
}

func (u *unit) ExportRaster(ctx context.Context, path string, source engine.DataSource, resolutionX, resolutionY float64) error {
	unlock, err := u.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if source != engine.ElevationData {
		return fmt.Errorf("raster source %q not supported", source)
	}
	if u.elevation == nil {
		return fmt.Errorf("export raster: %w", engine.ErrNoElevation)
	}
	if resolutionX <= 0 || resolutionY <= 0 {
		return fmt.Errorf("raster resolution must be positive, got %gx%g", resolutionX, resolutionY)
	}
	return writeRaster(path, u.elevation.resample(resolutionX, resolutionY))
}

func (u *unit) Transform(ctx context.Context) (engine.Transform, error) {
	unlock, err := u.lock(ctx)
	if err != nil {
		return engine.Transform{}, err
	}
	defer unlock()
	return u.transform, nil
}

func (u *unit) HasElevationModel(ctx context.Context) (bool, error) {
	unlock, err := u.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()
	return u.elevation != nil, nil
}

func (u *unit) reportData() reportData {
	data := reportData{
		crs:       u.crs,
		tiePoints: u.tiePoints,
		aligned:   u.aligned,
		transform: u.transform,
	}
	for _, c := range u.cameras {
		if c.reference != nil {
			data.cameras = append(data.cameras, labelledPoint{label: c.label, at: *c.reference})
		}
	}
	if u.cloud != nil {
		data.points = len(u.cloud.points)
	}
	if u.elevation != nil {
		data.elevation = u.elevation
	}
	return data
}

func (u *unit) snapshot() UnitSnapshot {
	s := UnitSnapshot{
		Label:          u.label,
		CRS:            u.crs.String(),
		PrimaryChannel: u.primaryChannel,
		TiePoints:      u.tiePoints,
		Aligned:        u.aligned,
		DepthMaps:      u.depthMaps,
		Elevation:      u.elevation != nil,
		Transform:      u.transform,
		Cameras:        make([]CameraSnapshot, 0, len(u.cameras)),
	}
	if u.cloud != nil {
		s.PointCloud = len(u.cloud.points)
	}
	for _, c := range u.cameras {
		cs := CameraSnapshot{Label: c.label, Path: c.path}
		if c.reference != nil {
			cs.Reference = &[3]float64{c.reference.X, c.reference.Y, c.reference.Z}
		}
		s.Cameras = append(s.Cameras, cs)
	}
	return s
}
