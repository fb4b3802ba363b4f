package preview

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/stereoforge/pairbatch/crs"
	"github.com/stereoforge/pairbatch/internal/artifacts"
	"github.com/stereoforge/pairbatch/internal/engine"
)

// Raster encoding: heights are stored as decimetres above -1000 m so the full
// range of terrestrial elevations fits an unsigned 16-bit sample.
const (
	NoData       = 0
	heightOffset = 1000.0
	heightScale  = 10.0
)

// EncodeHeight maps a height in metres to its raster sample.
func EncodeHeight(h float64) uint16 {
	if math.IsNaN(h) {
		return NoData
	}
	v := math.Round((h + heightOffset) * heightScale)
	return uint16(math.Max(1, math.Min(math.MaxUint16, v)))
}

// DecodeHeight maps a raster sample back to metres; ok is false for NoData.
func DecodeHeight(v uint16) (h float64, ok bool) {
	if v == NoData {
		return math.NaN(), false
	}
	return float64(v)/heightScale - heightOffset, true
}

type labelledPoint struct {
	label string
	at    r3.Vec
}

type reportData struct {
	crs       crs.System
	cameras   []labelledPoint
	tiePoints int
	aligned   bool
	transform engine.Transform
	points    int
	elevation *grid
}

func (d reportData) summary() string {
	parts := []string{
		"CRS " + d.crs.String(),
		fmt.Sprintf("%d tie points", d.tiePoints),
	}
	if d.aligned {
		parts = append(parts, "aligned")
	}
	if missing := d.transform.Missing(); len(missing) > 0 {
		parts = append(parts, "transform missing "+strings.Join(missing, ", "))
	}
	if d.points > 0 {
		parts = append(parts, fmt.Sprintf("%d dense points", d.points))
	}
	if d.elevation != nil {
		parts = append(parts, fmt.Sprintf("%d elevation gaps", d.elevation.gaps()))
	}
	return strings.Join(parts, " | ")
}

// writeReport renders the processing report as a PDF: the elevation model as a
// heat map when one exists, overlaid with the camera priors.
func writeReport(path, title, description string, data reportData) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	p := plot.New()
	p.Title.Text = title + "\n" + description + "\n" + data.summary()
	p.X.Label.Text, p.Y.Label.Text = axisLabels(data.crs)

	if g := data.elevation; g != nil && g.cols > 1 && g.rows > 1 {
		if lo, hi, ok := g.heightRange(); ok {
			heat := plotter.NewHeatMap(heatGrid{g}, palette.Heat(16, 1))
			heat.Min, heat.Max = lo, hi
			heat.NaN = color.Transparent
			p.Add(heat)
		}
	}

	if len(data.cameras) > 0 {
		xys := make(plotter.XYs, len(data.cameras))
		labels := make([]string, len(data.cameras))
		for i, c := range data.cameras {
			xys[i] = plotter.XY{X: c.at.X, Y: c.at.Y}
			labels[i] = c.label
		}
		scatter, err := plotter.NewScatter(xys)
		if err != nil {
			return fmt.Errorf("plot camera priors: %w", err)
		}
		scatter.GlyphStyle.Shape = draw.CrossGlyph{}
		scatter.GlyphStyle.Radius = vg.Points(4)
		names, err := plotter.NewLabels(plotter.XYLabels{XYs: xys, Labels: labels})
		if err != nil {
			return fmt.Errorf("plot camera labels: %w", err)
		}
		p.Add(scatter, names)
		p.Legend.Add("camera priors", scatter)
	}

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save report %s: %w", path, err)
	}
	return nil
}

func axisLabels(system crs.System) (x, y string) {
	switch system.Kind() {
	case crs.KindGeographic:
		return "Longitude (deg)", "Latitude (deg)"
	case crs.KindProjected:
		return "Easting (m)", "Northing (m)"
	default:
		return "X", "Y"
	}
}

// heatGrid presents a north-up grid to plotter.HeatMap, which expects rows in
// increasing Y.
type heatGrid struct {
	g *grid
}

func (h heatGrid) Dims() (c, r int) { return h.g.cols, h.g.rows }

func (h heatGrid) Z(c, r int) float64 { return h.g.at(c, h.g.rows-1-r) }

func (h heatGrid) X(c int) float64 {
	x, _ := h.g.cellCentre(c, 0)
	return x
}

func (h heatGrid) Y(r int) float64 {
	_, y := h.g.cellCentre(0, h.g.rows-1-r)
	return y
}

// writeRaster writes g as a single-band 16-bit GeoTIFF-compatible TIFF and the
// ESRI world file that places it.
func writeRaster(path string, g *grid) error {
	img := image.NewGray16(image.Rect(0, 0, g.cols, g.rows))
	for row := 0; row < g.rows; row++ {
		for col := 0; col < g.cols; col++ {
			img.SetGray16(col, row, color.Gray16{Y: EncodeHeight(g.at(col, row))})
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create raster directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create raster %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode raster %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write raster %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close raster %s: %w", path, err)
	}

	return writeWorldFile(artifacts.WorldFilePath(path), g.geometry)
}

// writeWorldFile writes the six affine coefficients of a north-up raster; the
// last two locate the centre of the upper-left pixel.
func writeWorldFile(path string, g geometry) error {
	x, y := g.cellCentre(0, 0)
	lines := []float64{g.cellX, 0, 0, -g.cellY, x, y}
	var b strings.Builder
	for _, v := range lines {
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		b.WriteByte('\n')
	}
	if err := writeFileAtomic(path, []byte(b.String())); err != nil {
		return fmt.Errorf("write world file %s: %w", path, err)
	}
	return nil
}

// WorldFile is the parsed form of a .tfw file.
type WorldFile struct {
	PixelSizeX float64
	RotationY  float64
	RotationX  float64
	PixelSizeY float64
	OriginX    float64
	OriginY    float64
}

// ReadWorldFile parses the world file at path.
func ReadWorldFile(path string) (WorldFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorldFile{}, err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 6 {
		return WorldFile{}, fmt.Errorf("world file %s: want 6 values, got %d", path, len(fields))
	}
	var v [6]float64
	for i, field := range fields {
		if v[i], err = strconv.ParseFloat(field, 64); err != nil {
			return WorldFile{}, fmt.Errorf("world file %s: %w", path, err)
		}
	}
	return WorldFile{
		PixelSizeX: v[0],
		RotationY:  v[1],
		RotationX:  v[2],
		PixelSizeY: v[3],
		OriginX:    v[4],
		OriginY:    v[5],
	}, nil
}
