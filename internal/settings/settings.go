// Package settings loads run configuration. Values come from the built-in
// defaults, then an optional YAML file, then PAIRBATCH_* environment
// variables; command-line flags are applied last by the caller.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/stereoforge/pairbatch/crs"
	"github.com/stereoforge/pairbatch/internal/artifacts"
	"github.com/stereoforge/pairbatch/internal/engine"
	"github.com/stereoforge/pairbatch/internal/manifest"
	"github.com/stereoforge/pairbatch/internal/pipeline"
)

// EnvPrefix prefixes every environment override, e.g. PAIRBATCH_OUTPUT_DIR.
const EnvPrefix = "PAIRBATCH"

// DefaultFileName is the configuration file looked up in the workspace.
const DefaultFileName = "pairbatch.yaml"

// Engine backends.
const (
	BackendPreview = "preview"
	BackendBridge  = "bridge"
)

// Settings is the complete configuration of a run. Relative paths are
// resolved against Workspace.
type Settings struct {
	Workspace   string `yaml:"workspace,omitempty" split_words:"true"`
	Manifest    string `yaml:"manifest" split_words:"true"`
	ImagesDir   string `yaml:"images_dir" split_words:"true"`
	OutputDir   string `yaml:"output_dir" split_words:"true"`
	ErrorLog    string `yaml:"error_log" split_words:"true"`
	ProjectName string `yaml:"project_name" split_words:"true"`

	// CRS is the target reference system. Empty means ask the operator.
	CRS string `yaml:"crs" split_words:"true"`

	Engine     Engine     `yaml:"engine" split_words:"true"`
	Processing Processing `yaml:"processing" split_words:"true"`
}

// Engine selects the engine backend.
type Engine struct {
	Backend string   `yaml:"backend" split_words:"true"`
	// Command launches the bridge worker; the first element is the program.
	Command []string `yaml:"command,omitempty" split_words:"true"`
}

// Processing holds the per-stage parameters applied to every pair.
type Processing struct {
	PrimaryChannel        int     `yaml:"primary_channel" split_words:"true"`
	ImportMetadata        bool    `yaml:"import_metadata" split_words:"true"`
	KeypointLimit         int     `yaml:"keypoint_limit" split_words:"true"`
	TiepointLimit         int     `yaml:"tiepoint_limit" split_words:"true"`
	GenericPreselection   bool    `yaml:"generic_preselection" split_words:"true"`
	ReferencePreselection bool    `yaml:"reference_preselection" split_words:"true"`
	DepthDownscale        int     `yaml:"depth_downscale" split_words:"true"`
	DepthFilter           string  `yaml:"depth_filter" split_words:"true"`
	PointColors           bool    `yaml:"point_colors" split_words:"true"`
	PointConfidence       bool    `yaml:"point_confidence" split_words:"true"`
	Interpolation         string  `yaml:"interpolation" split_words:"true"`
	RasterResolutionX     float64 `yaml:"raster_resolution_x" split_words:"true"`
	RasterResolutionY     float64 `yaml:"raster_resolution_y" split_words:"true"`
}

// Default returns the settings of the reference workflow in the current
// directory.
func Default() Settings {
	params := pipeline.DefaultParameters()
	return Settings{
		Workspace:   ".",
		Manifest:    manifest.DefaultFileName,
		ImagesDir:   "images",
		OutputDir:   "output",
		ErrorLog:    "error_log.txt",
		ProjectName: artifacts.DefaultProjectName,
		Engine:      Engine{Backend: BackendPreview},
		Processing: Processing{
			PrimaryChannel:        params.PrimaryChannel,
			ImportMetadata:        params.ImportMetadata,
			KeypointLimit:         params.Match.KeypointLimit,
			TiepointLimit:         params.Match.TiepointLimit,
			GenericPreselection:   params.Match.GenericPreselection,
			ReferencePreselection: params.Match.ReferencePreselection,
			DepthDownscale:        params.DepthDownscale,
			DepthFilter:           string(params.DepthFilter),
			PointColors:           params.PointColors,
			PointConfidence:       params.PointConfidence,
			Interpolation:         string(params.Interpolation),
			RasterResolutionX:     params.RasterResolutionX,
			RasterResolutionY:     params.RasterResolutionY,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path and the
// environment. A missing file is an error only when required is set.
func Load(path string, required bool) (Settings, error) {
	s := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist) && !required:
		case err != nil:
			return Settings{}, fmt.Errorf("open settings: %w", err)
		default:
			defer f.Close()
			if err := s.decode(f); err != nil {
				return Settings{}, fmt.Errorf("settings %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return Settings{}, fmt.Errorf("environment overrides: %w", err)
	}
	return s, nil
}

// decode overlays YAML onto s; keys not present keep their current value.
func (s *Settings) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Encode writes s as YAML.
func (s Settings) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err
	}
	return enc.Close()
}

// Validate reports every invalid value at once.
func (s Settings) Validate() error {
	var errs []error
	for name, value := range map[string]string{
		"manifest":   s.Manifest,
		"images_dir": s.ImagesDir,
		"output_dir": s.OutputDir,
		"error_log":  s.ErrorLog,
	} {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", name))
		}
	}

	if s.CRS != "" {
		if _, err := crs.Parse(s.CRS); err != nil {
			errs = append(errs, fmt.Errorf("crs: %w", err))
		}
	}

	switch s.Engine.Backend {
	case BackendPreview:
	case BackendBridge:
		if len(s.Engine.Command) == 0 || strings.TrimSpace(s.Engine.Command[0]) == "" {
			errs = append(errs, errors.New("engine.command is required for the bridge backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown engine backend %q", s.Engine.Backend))
	}

	p := s.Processing
	if p.PrimaryChannel < -1 {
		errs = append(errs, fmt.Errorf("primary_channel must be -1 or a band index, got %d", p.PrimaryChannel))
	}
	if p.KeypointLimit <= 0 {
		errs = append(errs, fmt.Errorf("keypoint_limit must be positive, got %d", p.KeypointLimit))
	}
	if p.TiepointLimit <= 0 {
		errs = append(errs, fmt.Errorf("tiepoint_limit must be positive, got %d", p.TiepointLimit))
	}
	if p.DepthDownscale < 1 {
		errs = append(errs, fmt.Errorf("depth_downscale must be at least 1, got %d", p.DepthDownscale))
	}
	if !engine.FilterMode(p.DepthFilter).Valid() {
		errs = append(errs, fmt.Errorf("unknown depth_filter %q", p.DepthFilter))
	}
	if !engine.Interpolation(p.Interpolation).Valid() {
		errs = append(errs, fmt.Errorf("unknown interpolation %q", p.Interpolation))
	}
	if p.RasterResolutionX <= 0 || p.RasterResolutionY <= 0 {
		errs = append(errs, fmt.Errorf("raster resolution must be positive, got %gx%g", p.RasterResolutionX, p.RasterResolutionY))
	}
	return errors.Join(errs...)
}

// Parameters converts the processing section for the pipeline.
func (s Settings) Parameters() pipeline.Parameters {
	p := s.Processing
	return pipeline.Parameters{
		PrimaryChannel: p.PrimaryChannel,
		ImportMetadata: p.ImportMetadata,
		Match: engine.MatchOptions{
			KeypointLimit:         p.KeypointLimit,
			TiepointLimit:         p.TiepointLimit,
			GenericPreselection:   p.GenericPreselection,
			ReferencePreselection: p.ReferencePreselection,
		},
		DepthDownscale:    p.DepthDownscale,
		DepthFilter:       engine.FilterMode(p.DepthFilter),
		PointColors:       p.PointColors,
		PointConfidence:   p.PointConfidence,
		Interpolation:     engine.Interpolation(p.Interpolation),
		RasterResolutionX: p.RasterResolutionX,
		RasterResolutionY: p.RasterResolutionY,
	}
}

// Target returns the configured reference system; ok is false when the
// operator has to choose one.
func (s Settings) Target() (system crs.System, ok bool, err error) {
	if strings.TrimSpace(s.CRS) == "" {
		return "", false, nil
	}
	system, err = crs.Parse(s.CRS)
	if err != nil {
		return "", false, err
	}
	return system, true, nil
}

// Resolve returns path relative to the workspace unless it is absolute.
func (s Settings) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.Workspace, path)
}

func (s Settings) ManifestPath() string { return s.Resolve(s.Manifest) }
func (s Settings) ImagesPath() string { return s.Resolve(s.ImagesDir) }
func (s Settings) OutputPath() string { return s.Resolve(s.OutputDir) }
func (s Settings) ErrorLogPath() string { return s.Resolve(s.ErrorLog) }

// Layout names the run's output files.
func (s Settings) Layout() artifacts.Layout {
	return artifacts.Layout{OutputDir: s.OutputPath(), ProjectName: s.ProjectName}
}

// Sample returns the commented configuration written by init.
func Sample() []byte {
	var buf bytes.Buffer
	buf.WriteString("# pairbatch configuration. Environment variables prefixed with\n")
	buf.WriteString("# " + EnvPrefix + "_ override these values, e.g. " + EnvPrefix + "_CRS=EPSG:32651.\n")
	s := Default()
	s.Workspace = ""
	if err := s.Encode(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
