// Package spatialstats scores features for spatial autocorrelation
// over cell coordinates.
package spatialstats

import (
	"math"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"sctk/dataset"
	"sctk/neighbors"
	"sctk/scerr"
)

// MetaMoransI is the feature metadata column Run writes.
const MetaMoransI = "morans_i"

// Opts configures Run.
type Opts struct {
	// Layer is the expression layer to score.
	Layer string
	// K is the spatial neighbor count defining the weight graph.
	K int
}

// DefaultOpts scores the log-normalized layer over 6 spatial
// neighbors.
var DefaultOpts = Opts{
	Layer: dataset.LayerLogNorm,
	K:     6,
}

// Result is one feature's autocorrelation score. I is Moran's I over
// the row-normalized K-nearest-neighbor spatial weight graph, Z its
// standardized value under the normality assumption, and P the
// one-sided p-value for positive autocorrelation.
type Result struct {
	Feature string
	Index   int
	I       float64
	Z       float64
	P       float64
}

// Run computes Moran's I for every feature of the chosen layer over a
// spatial K-nearest-neighbor weight graph with row-normalized weights,
// stores the per-feature scores as the "morans_i" feature metadata
// column, and returns results ranked by descending I. Constant
// features score I=0 with P=1. Spatial coordinates must be present.
func Run(d *dataset.Dataset, opts Opts) ([]Result, error) {
	if len(d.Spatial) == 0 {
		return nil, scerr.New(scerr.Configuration, "dataset %s has no spatial coordinates", d.ID)
	}
	m, ok := d.Layer(opts.Layer)
	if !ok {
		return nil, scerr.New(scerr.Configuration, "layer %q not present", opts.Layer)
	}
	_, p := m.Dims()
	if p != d.NFeatures() {
		return nil, scerr.New(scerr.Configuration,
			"layer %q has %d columns for %d features; scoring needs a full-width layer", opts.Layer, p, d.NFeatures())
	}
	n := d.NCells()
	if opts.K < 1 || opts.K >= n {
		return nil, scerr.New(scerr.Configuration, "spatial neighbor count %d out of range for %d cells", opts.K, n)
	}

	rows := make([][]float64, n)
	for i, c := range d.Spatial {
		rows[i] = []float64{c[0], c[1]}
	}
	ix := neighbors.NewIndex(rows)
	adj := make([][]int, n)
	err := traverse.Each(n, func(i int) error {
		idx, _ := ix.Nearest(rows[i], opts.K+1)
		nbrs := make([]int, 0, opts.K)
		for _, j := range idx {
			if j != i && len(nbrs) < opts.K {
				nbrs = append(nbrs, j)
			}
		}
		adj[i] = nbrs
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "building spatial weight graph")
	}

	// Moments of I under normality for row-normalized weights w_ij=1/k:
	// S0 is the total weight, S1 sums (w_ij+w_ji)^2 over pairs, S2 sums
	// squared row+column totals.
	w := 1.0 / float64(opts.K)
	s0 := float64(n)
	inDeg := make([]float64, n)
	mutual := 0
	edgeSet := make(map[[2]int]bool, n*opts.K)
	for i, nbrs := range adj {
		for _, j := range nbrs {
			inDeg[j]++
			edgeSet[[2]int{i, j}] = true
		}
	}
	for e := range edgeSet {
		if edgeSet[[2]int{e[1], e[0]}] {
			mutual++
		}
	}
	// Each directed edge contributes w^2, each mutual pair an extra
	// cross term 2w^2 counted once per direction.
	s1 := 0.5 * (float64(2*n*opts.K)*w*w + float64(2*mutual)*w*w)
	s2 := 0.0
	for i := 0; i < n; i++ {
		t := 1 + inDeg[i]*w
		s2 += t * t
	}
	nf := float64(n)
	eI := -1.0 / (nf - 1)
	varI := (nf*nf*s1 - nf*s2 + 3*s0*s0) / (s0 * s0 * (nf*nf - 1))
	varI -= eI * eI
	if varI < 0 {
		varI = 0
	}
	sdI := math.Sqrt(varI)
	norm := distuv.Normal{Mu: 0, Sigma: 1}

	results := make([]Result, p)
	scores := make([]float64, p)
	err = traverse.Each(p, func(j int) error {
		x := make([]float64, n)
		for i := 0; i < n; i++ {
			x[i] = m.At(i, j)
		}
		mean := stat.Mean(x, nil)
		den := 0.0
		for i := range x {
			x[i] -= mean
			den += x[i] * x[i]
		}
		r := Result{Feature: d.Features[j], Index: j, P: 1}
		if den > 0 {
			num := 0.0
			for i, nbrs := range adj {
				for _, k := range nbrs {
					num += x[i] * x[k]
				}
			}
			// With row-normalized weights n/S0 cancels, leaving
			// I = (sum_ij w_ij x_i x_j) / sum_i x_i^2.
			r.I = w * num / den
			if sdI > 0 {
				r.Z = (r.I - eI) / sdI
				r.P = norm.CDF(-r.Z)
			}
		}
		results[j] = r
		scores[j] = r.I
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scoring spatial autocorrelation")
	}

	if err := d.SetFeatureMeta(MetaMoransI, scores); err != nil {
		return nil, err
	}
	sort.Slice(results, func(a, b int) bool {
		if results[a].I != results[b].I {
			return results[a].I > results[b].I
		}
		return results[a].Index < results[b].Index
	})
	log.Debug.Printf("spatialstats: %s: scored %d features over %d cells (k=%d)", d.ID, p, n, opts.K)
	return results, nil
}
