package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/stereoforge/pairbatch/crs"
	"github.com/stereoforge/pairbatch/internal/artifacts"
	"github.com/stereoforge/pairbatch/internal/engine"
)

func (x *execution) initialize(ctx context.Context) error {
	if x.rc.Engine == nil {
		return errors.New("engine not initialized")
	}
	unit, err := x.rc.Engine.CreateUnit(ctx, x.label)
	if err != nil {
		return fmt.Errorf("create unit: %w", err)
	}
	x.unit = unit
	return nil
}

func (x *execution) ingest(ctx context.Context) error {
	paths := []string{x.pair.PrimaryPath, x.pair.SecondaryPath}
	if err := x.unit.AddImages(ctx, paths, x.rc.Params.ImportMetadata); err != nil {
		return fmt.Errorf("add images: %w", err)
	}
	if err := x.unit.SetPrimaryChannel(ctx, x.rc.Params.PrimaryChannel); err != nil {
		return fmt.Errorf("set primary channel: %w", err)
	}
	return nil
}

type cameraUpdate struct {
	label    string
	position r3.Vec
}

// georeference carries every camera reference into the run's target system and
// only then switches the unit to it. Reprojecting after the switch would leave
// priors expressed in the old system under the new one.
func (x *execution) georeference(ctx context.Context) error {
	target := x.rc.Target
	if !target.IsValid() {
		return fmt.Errorf("invalid target reference system %q", target)
	}
	source, err := x.unit.CRS(ctx)
	if err != nil {
		return fmt.Errorf("read unit reference system: %w", err)
	}
	cameras, err := x.unit.Cameras(ctx)
	if err != nil {
		return fmt.Errorf("list cameras: %w", err)
	}

	var updates []cameraUpdate
	if source != target {
		if err := uniqueLabels(cameras); err != nil {
			return err
		}
		for _, camera := range cameras {
			if camera.Reference == nil {
				continue
			}
			position, err := crs.Reproject(*camera.Reference, source, target)
			if err != nil {
				return fmt.Errorf("reproject camera %q: %w", camera.Label, err)
			}
			updates = append(updates, cameraUpdate{label: camera.Label, position: position})
		}
	}

	for _, update := range updates {
		if err := x.unit.SetCameraReference(ctx, update.label, update.position); err != nil {
			return fmt.Errorf("set camera %q reference: %w", update.label, err)
		}
	}
	if err := x.unit.SetCRS(ctx, target); err != nil {
		return fmt.Errorf("set reference system: %w", err)
	}
	if err := x.unit.UpdateTransform(ctx); err != nil {
		return fmt.Errorf("update transform: %w", err)
	}

	x.detail = fmt.Sprintf("%d camera reference(s) %s -> %s", len(updates), source, target)
	return nil
}

// uniqueLabels fails when a label would address more than one camera; the
// second one would keep its prior in the old system after the switch.
func uniqueLabels(cameras []engine.Camera) error {
	seen := make(map[string]bool, len(cameras))
	for _, camera := range cameras {
		if seen[camera.Label] {
			return fmt.Errorf("%w: %q", engine.ErrDuplicateCamera, camera.Label)
		}
		seen[camera.Label] = true
	}
	return nil
}

func (x *execution) match(ctx context.Context) error {
	if err := x.unit.MatchFeatures(ctx, x.rc.Params.Match); err != nil {
		return fmt.Errorf("match features: %w", err)
	}
	return nil
}

func (x *execution) align(ctx context.Context) error {
	if err := x.unit.AlignCameras(ctx); err != nil {
		return fmt.Errorf("align cameras: %w", err)
	}
	return nil
}

func (x *execution) depth(ctx context.Context) error {
	params := x.rc.Params
	if err := x.unit.BuildDepthMaps(ctx, params.DepthDownscale, params.DepthFilter); err != nil {
		return fmt.Errorf("build depth maps: %w", err)
	}
	return nil
}

// dense builds the point cloud and elevation model only when the unit has a
// complete similarity transform. An incomplete transform is an expected
// outcome, not a failure: the pair still gets its report.
func (x *execution) dense(ctx context.Context) error {
	transform, err := x.unit.Transform(ctx)
	if err != nil {
		return fmt.Errorf("read transform: %w", err)
	}
	if !transform.Complete() {
		missing := strings.Join(transform.Missing(), ", ")
		x.detail = "transform incomplete: missing " + missing
		x.logger.Info("transform incomplete, skipping dense reconstruction", "missing", missing)
		return nil
	}

	params := x.rc.Params
	if err := x.unit.BuildPointCloud(ctx, engine.PointCloudOptions{
		Source:          engine.DepthMapsData,
		PointColors:     params.PointColors,
		PointConfidence: params.PointConfidence,
	}); err != nil {
		return fmt.Errorf("build point cloud: %w", err)
	}
	if err := x.unit.BuildElevationModel(ctx, engine.ElevationOptions{
		Source:        engine.PointCloudData,
		Interpolation: params.Interpolation,
	}); err != nil {
		return fmt.Errorf("build elevation model: %w", err)
	}
	x.denseBuilt = true
	x.detail = "point cloud and elevation model built"
	return nil
}

func (x *execution) report(ctx context.Context) error {
	record := x.pair.Record
	path := x.rc.Layout.ReportPath(record.PairID)
	title := "Processing Report for Pair " + record.PairID
	description := fmt.Sprintf("Images: %s, %s", record.PrimaryImage, record.SecondaryImage)

	if err := x.unit.ExportReport(ctx, path, title, description); err != nil {
		return fmt.Errorf("export report: %w", err)
	}
	x.produce(artifacts.New(artifacts.ReportArtifact, path, record.PairID, map[string]any{
		"title":       title,
		"description": description,
	}))
	return nil
}

func (x *execution) export(ctx context.Context) error {
	hasElevation, err := x.unit.HasElevationModel(ctx)
	if err != nil {
		return fmt.Errorf("check elevation model: %w", err)
	}
	if !hasElevation {
		x.detail = "no elevation model, raster not exported"
		return nil
	}

	params := x.rc.Params
	pairID := x.pair.Record.PairID
	path := x.rc.Layout.RasterPath(pairID)
	if err := x.unit.ExportRaster(ctx, path, engine.ElevationData, params.RasterResolutionX, params.RasterResolutionY); err != nil {
		return fmt.Errorf("export raster: %w", err)
	}
	x.produce(artifacts.New(artifacts.RasterArtifact, path, pairID, map[string]any{
		"resolution_x": params.RasterResolutionX,
		"resolution_y": params.RasterResolutionY,
		"crs":          x.rc.Target.String(),
	}))
	if world := artifacts.WorldFilePath(path); fileExists(world) {
		x.produce(artifacts.New(artifacts.WorldFileArtifact, world, pairID, nil))
	}
	x.detail = fmt.Sprintf("raster exported at %gx%g", params.RasterResolutionX, params.RasterResolutionY)
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
