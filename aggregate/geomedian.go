package aggregate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	// DefaultIterCap bounds Weiszfeld iterations per layer.
	DefaultIterCap = 200

	// DefaultTol is the relative movement below which iteration stops.
	DefaultTol = 1e-6

	// smoothing keeps the Weiszfeld weights finite when the iterate lands
	// on a sample point (the subgradient case).
	smoothing = 1e-10
)

// GeoMedian reduces each layer to the geometric median of the flattened
// worker gradients: the point minimising the summed Euclidean distances.
// Tolerates up to floor((W-1)/2) arbitrarily corrupted gradients.
type GeoMedian struct {
	lens    []int
	points  [][][]float64
	IterCap int
	Tol     float64
}

func NewGeoMedian(lens []int) *GeoMedian {
	return &GeoMedian{
		lens:    append([]int{}, lens...),
		points:  make([][][]float64, len(lens)),
		IterCap: DefaultIterCap,
		Tol:     DefaultTol,
	}
}

func (g *GeoMedian) Ingest(layer, worker int, payload []float64) error {
	if len(payload) != g.lens[layer] {
		return fmt.Errorf("layer %d payload has %d elements, want %d", layer, len(payload), g.lens[layer])
	}
	g.points[layer] = append(g.points[layer], append([]float64{}, payload...))
	return nil
}

func (g *GeoMedian) Reduce() ([][]float64, error) {
	out := make([][]float64, len(g.points))
	for l, points := range g.points {
		out[l] = geometricMedian(points, g.lens[l], g.IterCap, g.Tol)
	}
	return out, nil
}

func (g *GeoMedian) Reset() {
	for l := range g.points {
		g.points[l] = nil
	}
}

// geometricMedian runs Weiszfeld's algorithm in double precision.
// Points with non-finite entries (an adversary injecting NaN or Inf) get
// zero weight so they cannot poison the iterate.
func geometricMedian(points [][]float64, dim, iterCap int, tol float64) []float64 {
	finite := points[:0:0]
	for _, p := range points {
		if allFinite(p) {
			finite = append(finite, p)
		}
	}
	y := make([]float64, dim)
	if len(finite) == 0 {
		return y
	}
	// Start from the coordinate-wise mean.
	for _, p := range finite {
		floats.Add(y, p)
	}
	floats.Scale(1/float64(len(finite)), y)

	next := make([]float64, dim)
	for iter := 0; iter < iterCap; iter++ {
		for i := range next {
			next[i] = 0
		}
		denom := 0.0
		for _, p := range finite {
			d := floats.Distance(y, p, 2)
			if d < smoothing {
				d = smoothing
			}
			w := 1 / d
			floats.AddScaled(next, w, p)
			denom += w
		}
		floats.Scale(1/denom, next)

		move := floats.Distance(next, y, 2)
		copy(y, next)
		scale := floats.Norm(y, 2)
		if scale < 1 {
			scale = 1
		}
		if move/scale < tol {
			break
		}
	}
	return y
}

func allFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
