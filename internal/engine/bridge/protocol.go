package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/stereoforge/pairbatch/internal/engine"
)

// Operation names understood by a worker. Unit operations carry the unit id
// returned by OpCreateUnit.
const (
	OpOpen       = "open"
	OpCreateUnit = "create_unit"
	OpSave       = "save"
	OpClose      = "close"

	OpAddImages           = "add_images"
	OpSetPrimaryChannel   = "set_primary_channel"
	OpCRS                 = "crs"
	OpCameras             = "cameras"
	OpSetCameraReference  = "set_camera_reference"
	OpSetCRS              = "set_crs"
	OpUpdateTransform     = "update_transform"
	OpMatchFeatures       = "match_features"
	OpAlignCameras        = "align_cameras"
	OpBuildDepthMaps      = "build_depth_maps"
	OpBuildPointCloud     = "build_point_cloud"
	OpBuildElevationModel = "build_elevation_model"
	OpExportReport        = "export_report"
	OpExportRaster        = "export_raster"
	OpTransform           = "transform"
	OpHasElevationModel   = "has_elevation_model"
)

// Request is one line sent to the worker.
type Request struct {
	ID   uint64          `json:"id"`
	Op   string          `json:"op"`
	Unit string          `json:"unit,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is one line received from the worker.
type Response struct {
	ID     uint64          `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Error codes a worker may attach to a failed response. They map onto the
// engine sentinel errors so callers can use errors.Is across the process
// boundary.
const (
	CodeNoCameras     = "no_cameras"
	CodeNoTiePoints   = "no_tie_points"
	CodeNoDepthMaps   = "no_depth_maps"
	CodeNoPointCloud  = "no_point_cloud"
	CodeNoElevation   = "no_elevation"
	CodeUnknownCamera = "unknown_camera"
)

var codeErrors = map[string]error{
	CodeNoCameras:     engine.ErrNoCameras,
	CodeNoTiePoints:   engine.ErrNoTiePoints,
	CodeNoDepthMaps:   engine.ErrNoDepthMaps,
	CodeNoPointCloud:  engine.ErrNoPointCloud,
	CodeNoElevation:   engine.ErrNoElevation,
	CodeUnknownCamera: engine.ErrUnknownCamera,
}

// RemoteError is a failure reported by the worker.
type RemoteError struct {
	Op      string
	Unit    string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request failed"
	}
	if e.Unit != "" {
		return fmt.Sprintf("engine worker %s on unit %s: %s", e.Op, e.Unit, msg)
	}
	return fmt.Sprintf("engine worker %s: %s", e.Op, msg)
}

// Unwrap exposes the engine sentinel matching Code, if any.
func (e *RemoteError) Unwrap() error {
	return codeErrors[e.Code]
}

type openArgs struct {
	Document string `json:"document"`
}

type createUnitArgs struct {
	Label string `json:"label"`
}

type createUnitResult struct {
	Unit string `json:"unit"`
}

type addImagesArgs struct {
	Paths          []string `json:"paths"`
	ImportMetadata bool     `json:"import_metadata"`
}

type primaryChannelArgs struct {
	Index int `json:"index"`
}

type crsPayload struct {
	CRS string `json:"crs"`
}

type cameraPayload struct {
	Label     string      `json:"label"`
	Reference *[3]float64 `json:"reference,omitempty"`
}

type cameraReferenceArgs struct {
	Label    string     `json:"label"`
	Position [3]float64 `json:"position"`
}

type matchArgs struct {
	KeypointLimit         int  `json:"keypoint_limit"`
	TiepointLimit         int  `json:"tiepoint_limit"`
	GenericPreselection   bool `json:"generic_preselection"`
	ReferencePreselection bool `json:"reference_preselection"`
}

type depthMapsArgs struct {
	Downscale int               `json:"downscale"`
	Filter    engine.FilterMode `json:"filter"`
}

type pointCloudArgs struct {
	Source          engine.DataSource `json:"source"`
	PointColors     bool              `json:"point_colors"`
	PointConfidence bool              `json:"point_confidence"`
}

type elevationArgs struct {
	Source        engine.DataSource    `json:"source"`
	Interpolation engine.Interpolation `json:"interpolation"`
}

type reportArgs struct {
	Path        string `json:"path"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type rasterArgs struct {
	Path        string            `json:"path"`
	Source      engine.DataSource `json:"source"`
	ResolutionX float64           `json:"resolution_x"`
	ResolutionY float64           `json:"resolution_y"`
}

type transformPayload struct {
	Scale       engine.Component `json:"scale"`
	Rotation    engine.Component `json:"rotation"`
	Translation engine.Component `json:"translation"`
}

type presentPayload struct {
	Present bool `json:"present"`
}
