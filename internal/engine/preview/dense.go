package preview

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/stereoforge/pairbatch/crs"
	"github.com/stereoforge/pairbatch/internal/engine"
)

const (
	// baseCellSize is the ground spacing of depth samples at downscale 1, metres.
	baseCellSize = 1.75
	// gridHalfWidth is the number of cells on each side of the camera centroid.
	gridHalfWidth = 32
	// metresPerDegree approximates one degree of latitude.
	metresPerDegree = 111320.0
	// reliefAmplitude is the height of the synthetic terrain undulation, metres.
	reliefAmplitude = 12.0
)

// pointCloud is a regular lattice of surface samples in the unit's system.
type pointCloud struct {
	geometry
	points     []r3.Vec
	confidence []uint8
	colors     bool
}

// geometry places a north-up grid: origin is the upper-left corner.
type geometry struct {
	originX, originY float64
	cellX, cellY     float64
	cols, rows       int
}

func (g geometry) cellCentre(col, row int) (x, y float64) {
	return g.originX + (float64(col)+0.5)*g.cellX, g.originY - (float64(row)+0.5)*g.cellY
}

func (g geometry) cellOf(x, y float64) (col, row int, ok bool) {
	col = int(math.Floor((x - g.originX) / g.cellX))
	row = int(math.Floor((g.originY - y) / g.cellY))
	return col, row, col >= 0 && col < g.cols && row >= 0 && row < g.rows
}

// gapModulus controls how many lattice cells the depth filter discards; a
// stronger filter leaves more holes.
func gapModulus(filter engine.FilterMode) int {
	switch filter {
	case engine.FilterNone:
		return 29
	case engine.FilterModerate:
		return 11
	case engine.FilterAggressive:
		return 7
	default:
		return 17
	}
}

// synthesizeCloud samples a smooth synthetic surface around the centroid of the
// camera priors.
func synthesizeCloud(system crs.System, priors []r3.Vec, cell float64, filter engine.FilterMode, opts engine.PointCloudOptions) (*pointCloud, error) {
	if len(priors) == 0 {
		return nil, errors.New("no referenced cameras")
	}
	if cell <= 0 {
		return nil, fmt.Errorf("invalid cell size %g", cell)
	}

	cellX, cellY := cell, cell
	switch system.Kind() {
	case crs.KindGeographic:
		cellX, cellY = cell/metresPerDegree, cell/metresPerDegree
	case crs.KindGeocentric:
		return nil, fmt.Errorf("surface products need a geographic or projected system, unit is %s", system)
	}

	xs := make([]float64, len(priors))
	ys := make([]float64, len(priors))
	zs := make([]float64, len(priors))
	for i, p := range priors {
		xs[i], ys[i], zs[i] = p.X, p.Y, p.Z
	}
	n := float64(len(priors))
	centre := r3.Vec{X: floats.Sum(xs) / n, Y: floats.Sum(ys) / n, Z: floats.Sum(zs) / n}

	cloud := &pointCloud{
		geometry: geometry{
			originX: centre.X - gridHalfWidth*cellX,
			originY: centre.Y + gridHalfWidth*cellY,
			cellX:   cellX,
			cellY:   cellY,
			cols:    2 * gridHalfWidth,
			rows:    2 * gridHalfWidth,
		},
		colors: opts.PointColors,
	}

	gap := gapModulus(filter)
	for row := 0; row < cloud.rows; row++ {
		for col := 0; col < cloud.cols; col++ {
			if (row*7+col*13)%gap == 0 {
				continue
			}
			x, y := cloud.cellCentre(col, row)
			cloud.points = append(cloud.points, r3.Vec{X: x, Y: y, Z: centre.Z + relief(col, row)})
			if opts.PointConfidence {
				cloud.confidence = append(cloud.confidence, uint8(1+(row+col)%254))
			}
		}
	}
	return cloud, nil
}

func relief(col, row int) float64 {
	return reliefAmplitude*math.Sin(2*math.Pi*float64(col)/32)*math.Cos(2*math.Pi*float64(row)/24) + 0.05*float64(col)
}

// grid is an elevation model. Cells without data hold NaN.
type grid struct {
	geometry
	values []float64
}

func newGrid(g geometry) *grid {
	values := make([]float64, g.cols*g.rows)
	for i := range values {
		values[i] = math.NaN()
	}
	return &grid{geometry: g, values: values}
}

func (g *grid) at(col, row int) float64 {
	return g.values[row*g.cols+col]
}

func (g *grid) set(col, row int, v float64) {
	g.values[row*g.cols+col] = v
}

// gaps counts the cells without data.
func (g *grid) gaps() int {
	n := 0
	for _, v := range g.values {
		if math.IsNaN(v) {
			n++
		}
	}
	return n
}

// heightRange returns the minimum and maximum height, ignoring gaps.
func (g *grid) heightRange() (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range g.values {
		if math.IsNaN(v) {
			continue
		}
		lo, hi = math.Min(lo, v), math.Max(hi, v)
		ok = true
	}
	return lo, hi, ok
}

// rasterize bins the cloud into its own lattice, averaging heights per cell.
// With interpolate set, holes are filled from their neighbours.
func rasterize(cloud *pointCloud, interpolate bool) *grid {
	g := newGrid(cloud.geometry)
	sums := make([]float64, len(g.values))
	counts := make([]int, len(g.values))
	for _, p := range cloud.points {
		col, row, ok := g.cellOf(p.X, p.Y)
		if !ok {
			continue
		}
		i := row*g.cols + col
		sums[i] += p.Z
		counts[i]++
	}
	for i := range g.values {
		if counts[i] > 0 {
			g.values[i] = sums[i] / float64(counts[i])
		}
	}
	if interpolate {
		g.fillGaps()
	}
	return g
}

// fillGaps replaces every NaN with the mean of its valid 8-neighbours, repeating
// until no gap is left or a pass makes no progress.
func (g *grid) fillGaps() {
	for g.gaps() > 0 {
		next := append([]float64(nil), g.values...)
		filled := 0
		for row := 0; row < g.rows; row++ {
			for col := 0; col < g.cols; col++ {
				if !math.IsNaN(g.at(col, row)) {
					continue
				}
				var sum float64
				var n int
				for dr := -1; dr <= 1; dr++ {
					for dc := -1; dc <= 1; dc++ {
						c, r := col+dc, row+dr
						if (dc == 0 && dr == 0) || c < 0 || c >= g.cols || r < 0 || r >= g.rows {
							continue
						}
						if v := g.at(c, r); !math.IsNaN(v) {
							sum += v
							n++
						}
					}
				}
				if n > 0 {
					next[row*g.cols+col] = sum / float64(n)
					filled++
				}
			}
		}
		g.values = next
		if filled == 0 {
			return
		}
	}
}

// resample returns the model on a grid of the requested cell size by nearest
// neighbour lookup, covering the same extent.
func (g *grid) resample(cellX, cellY float64) *grid {
	width := float64(g.cols) * g.cellX
	height := float64(g.rows) * g.cellY
	out := newGrid(geometry{
		originX: g.originX,
		originY: g.originY,
		cellX:   cellX,
		cellY:   cellY,
		cols:    max(1, int(math.Ceil(width/cellX-1e-9))),
		rows:    max(1, int(math.Ceil(height/cellY-1e-9))),
	})
	// Index arithmetic stays relative to the shared origin so exact cell
	// multiples map to exact source cells.
	for row := 0; row < out.rows; row++ {
		srcRow := int(math.Floor((float64(row) + 0.5) * cellY / g.cellY))
		for col := 0; col < out.cols; col++ {
			srcCol := int(math.Floor((float64(col) + 0.5) * cellX / g.cellX))
			if srcCol < g.cols && srcRow < g.rows {
				out.set(col, row, g.at(srcCol, srcRow))
			}
		}
	}
	return out
}
