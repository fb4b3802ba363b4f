// Package engine describes the capabilities the batch pipeline needs from a
// photogrammetric engine. Orchestration code depends only on these interfaces so
// any conforming backend (a local preview, an external worker process) can be
// plugged in.
package engine

import (
	"context"
	"errors"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/stereoforge/pairbatch/crs"
)

var (
	// ErrNoCameras is returned by stages that need aligned or loaded cameras.
	ErrNoCameras = errors.New("unit has no cameras")
	// ErrNoTiePoints is returned by AlignCameras when matching produced nothing.
	ErrNoTiePoints = errors.New("unit has no tie points")
	// ErrNoDepthMaps is returned when a point cloud is requested without depth maps.
	ErrNoDepthMaps = errors.New("unit has no depth maps")
	// ErrNoPointCloud is returned when an elevation model is requested without a point cloud.
	ErrNoPointCloud = errors.New("unit has no point cloud")
	// ErrNoElevation is returned when exporting elevation data that was never built.
	ErrNoElevation = errors.New("unit has no elevation model")
	// ErrUnknownCamera is returned when a camera label does not exist in the unit.
	ErrUnknownCamera = errors.New("unknown camera")
	// ErrDuplicateCamera is returned when two cameras of a unit share a label,
	// which leaves SetCameraReference unable to address one of them.
	ErrDuplicateCamera = errors.New("duplicate camera label")
)

// FilterMode selects the depth-map outlier filter.
type FilterMode string

const (
	FilterNone       FilterMode = "none"
	FilterMild       FilterMode = "mild"
	FilterModerate   FilterMode = "moderate"
	FilterAggressive FilterMode = "aggressive"
)

// Valid reports whether m is a known filter mode.
func (m FilterMode) Valid() bool {
	switch m {
	case FilterNone, FilterMild, FilterModerate, FilterAggressive:
		return true
	}
	return false
}

// Interpolation selects how gaps in an elevation model are handled.
type Interpolation string

const (
	InterpolationDisabled Interpolation = "disabled"
	InterpolationEnabled  Interpolation = "enabled"
)

// Valid reports whether i is a known interpolation mode.
func (i Interpolation) Valid() bool {
	return i == InterpolationDisabled || i == InterpolationEnabled
}

// DataSource names the product a build or export step reads from.
type DataSource string

const (
	DepthMapsData  DataSource = "depth_maps"
	PointCloudData DataSource = "point_cloud"
	ElevationData  DataSource = "elevation"
)

// MatchOptions bounds feature detection and matching.
type MatchOptions struct {
	KeypointLimit         int
	TiepointLimit         int
	GenericPreselection   bool
	ReferencePreselection bool
}

// PointCloudOptions configures dense point cloud generation.
type PointCloudOptions struct {
	Source          DataSource
	PointColors     bool
	PointConfidence bool
}

// ElevationOptions configures elevation model generation.
type ElevationOptions struct {
	Source        DataSource
	Interpolation Interpolation
}

// Camera is one image of a unit. Labels are unique within a unit. Reference is
// nil when the camera carries no position prior.
type Camera struct {
	Label     string
	Reference *r3.Vec
}

// Component describes one part of a unit's similarity transform.
type Component string

const (
	// ComponentAbsent means the component has not been estimated.
	ComponentAbsent Component = "absent"
	// ComponentIdentity means the component was estimated as the identity
	// (unit scale, no rotation, zero translation). It counts as present.
	ComponentIdentity Component = "identity"
	// ComponentComputed means a non-trivial value was estimated.
	ComponentComputed Component = "computed"
)

// Present reports whether the component has been estimated.
func (c Component) Present() bool {
	return c == ComponentIdentity || c == ComponentComputed
}

// Transform is the chunk-to-world similarity transform state of a unit.
type Transform struct {
	Scale       Component
	Rotation    Component
	Translation Component
}

// Complete reports whether scale, rotation and translation are all present.
func (t Transform) Complete() bool {
	return t.Scale.Present() && t.Rotation.Present() && t.Translation.Present()
}

// Missing lists the components that are absent.
func (t Transform) Missing() []string {
	var missing []string
	if !t.Scale.Present() {
		missing = append(missing, "scale")
	}
	if !t.Rotation.Present() {
		missing = append(missing, "rotation")
	}
	if !t.Translation.Present() {
		missing = append(missing, "translation")
	}
	return missing
}

// Engine owns the project document all units belong to.
type Engine interface {
	// CreateUnit adds a new, empty unit labelled label to the document.
	CreateUnit(ctx context.Context, label string) (Unit, error)
	// Save flushes the document to durable storage.
	Save(ctx context.Context) error
	Close() error
}

// Unit is a per-pair reconstruction container ("chunk").
type Unit interface {
	Label() string

	AddImages(ctx context.Context, paths []string, importMetadata bool) error
	SetPrimaryChannel(ctx context.Context, index int) error

	CRS(ctx context.Context) (crs.System, error)
	Cameras(ctx context.Context) ([]Camera, error)
	SetCameraReference(ctx context.Context, label string, position r3.Vec) error
	SetCRS(ctx context.Context, system crs.System) error
	UpdateTransform(ctx context.Context) error

	MatchFeatures(ctx context.Context, opts MatchOptions) error
	AlignCameras(ctx context.Context) error
	BuildDepthMaps(ctx context.Context, downscale int, filter FilterMode) error
	BuildPointCloud(ctx context.Context, opts PointCloudOptions) error
	BuildElevationModel(ctx context.Context, opts ElevationOptions) error

	ExportReport(ctx context.Context, path, title, description string) error
	ExportRaster(ctx context.Context, path string, source DataSource, resolutionX, resolutionY float64) error

	Transform(ctx context.Context) (Transform, error)
	HasElevationModel(ctx context.Context) (bool, error)
}
