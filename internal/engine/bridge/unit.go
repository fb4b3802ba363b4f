package bridge

import (
	"context"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/stereoforge/pairbatch/crs"
	"github.com/stereoforge/pairbatch/internal/engine"
)

type unit struct {
	client *Client
	id     string
	label  string
}

func (u *unit) call(ctx context.Context, op string, args, out any) error {
	return u.client.Call(ctx, op, u.id, args, out)
}

func (u *unit) Label() string {
	return u.label
}

func (u *unit) AddImages(ctx context.Context, paths []string, importMetadata bool) error {
	return u.call(ctx, OpAddImages, addImagesArgs{Paths: paths, ImportMetadata: importMetadata}, nil)
}

func (u *unit) SetPrimaryChannel(ctx context.Context, index int) error {
	return u.call(ctx, OpSetPrimaryChannel, primaryChannelArgs{Index: index}, nil)
}

func (u *unit) CRS(ctx context.Context) (crs.System, error) {
	var res crsPayload
	if err := u.call(ctx, OpCRS, nil, &res); err != nil {
		return "", err
	}
	return crs.Parse(res.CRS)
}

func (u *unit) Cameras(ctx context.Context) ([]engine.Camera, error) {
	var res []cameraPayload
	if err := u.call(ctx, OpCameras, nil, &res); err != nil {
		return nil, err
	}
	cameras := make([]engine.Camera, 0, len(res))
	for _, c := range res {
		cam := engine.Camera{Label: c.Label}
		if c.Reference != nil {
			cam.Reference = &r3.Vec{X: c.Reference[0], Y: c.Reference[1], Z: c.Reference[2]}
		}
		cameras = append(cameras, cam)
	}
	return cameras, nil
}

func (u *unit) SetCameraReference(ctx context.Context, label string, position r3.Vec) error {
	return u.call(ctx, OpSetCameraReference, cameraReferenceArgs{
		Label:    label,
		Position: [3]float64{position.X, position.Y, position.Z},
	}, nil)
}

func (u *unit) SetCRS(ctx context.Context, system crs.System) error {
	return u.call(ctx, OpSetCRS, crsPayload{CRS: system.String()}, nil)
}

func (u *unit) UpdateTransform(ctx context.Context) error {
	return u.call(ctx, OpUpdateTransform, nil, nil)
}

func (u *unit) MatchFeatures(ctx context.Context, opts engine.MatchOptions) error {
	return u.call(ctx, OpMatchFeatures, matchArgs(opts), nil)
}

func (u *unit) AlignCameras(ctx context.Context) error {
	return u.call(ctx, OpAlignCameras, nil, nil)
}

func (u *unit) BuildDepthMaps(ctx context.Context, downscale int, filter engine.FilterMode) error {
	return u.call(ctx, OpBuildDepthMaps, depthMapsArgs{Downscale: downscale, Filter: filter}, nil)
}

func (u *unit) BuildPointCloud(ctx context.Context, opts engine.PointCloudOptions) error {
	return u.call(ctx, OpBuildPointCloud, pointCloudArgs(opts), nil)
}

func (u *unit) BuildElevationModel(ctx context.Context, opts engine.ElevationOptions) error {
	return u.call(ctx, OpBuildElevationModel, elevationArgs(opts), nil)
}

func (u *unit) ExportReport(ctx context.Context, path, title, description string) error {
	return u.call(ctx, OpExportReport, reportArgs{Path: path, Title: title, Description: description}, nil)
}

func (u *unit) ExportRaster(ctx context.Context, path string, source engine.DataSource, resolutionX, resolutionY float64) error {
	return u.call(ctx, OpExportRaster, rasterArgs{
		Path:        path,
		Source:      source,
		ResolutionX: resolutionX,
		ResolutionY: resolutionY,
	}, nil)
}

// Transform treats a component the worker leaves out as absent.
func (u *unit) Transform(ctx context.Context) (engine.Transform, error) {
	var res transformPayload
	if err := u.call(ctx, OpTransform, nil, &res); err != nil {
		return engine.Transform{}, err
	}
	return engine.Transform{
		Scale:       orAbsent(res.Scale),
		Rotation:    orAbsent(res.Rotation),
		Translation: orAbsent(res.Translation),
	}, nil
}

func orAbsent(c engine.Component) engine.Component {
	if c == "" {
		return engine.ComponentAbsent
	}
	return c
}

func (u *unit) HasElevationModel(ctx context.Context) (bool, error) {
	var res presentPayload
	if err := u.call(ctx, OpHasElevationModel, nil, &res); err != nil {
		return false, err
	}
	return res.Present, nil
}
