// Package normalize rescales raw counts to remove sequencing-depth
// variance. Two strategies are exposed: log-normalization and a
// variance-stabilizing transform based on analytic Pearson residuals.
// The caller chooses; neither is silently preferred (the source
// material toggles between them without a decision rule, so the choice
// is surfaced as configuration).
package normalize

import (
	"math"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"sctk/dataset"
	"sctk/scerr"
)

// Method selects the normalization strategy.
type Method int

const (
	// LogNormalize divides each cell's counts by the cell total,
	// multiplies by Opts.ScaleFactor and applies log1p. Zero-total
	// cells are a DegenerateCell error; filter them upstream.
	LogNormalize Method = iota
	// VST computes analytic Pearson residuals under a negative
	// binomial model with fixed dispersion Opts.Theta: with
	// mu[i][j] = total[i] * fraction[j], the residual is
	// (x - mu) / sqrt(mu + mu^2/theta), clipped to +-sqrt(nCells).
	// Output values are already variance-standardized.
	VST
)

func (m Method) String() string {
	switch m {
	case LogNormalize:
		return "lognormalize"
	case VST:
		return "vst"
	}
	return "unknown"
}

// Opts configures Run.
type Opts struct {
	Method Method
	// ScaleFactor is the per-cell total after depth scaling
	// (LogNormalize only).
	ScaleFactor float64
	// Theta is the fixed NB dispersion (VST only).
	Theta float64
}

// DefaultOpts log-normalizes with the conventional 1e4 scale factor.
var DefaultOpts = Opts{
	Method:      LogNormalize,
	ScaleFactor: 1e4,
	Theta:       100,
}

// Run writes the normalized layer (LayerLogNorm or LayerVST depending
// on the method) without mutating raw counts. On error the dataset is
// unchanged.
func Run(d *dataset.Dataset, opts Opts) error {
	switch opts.Method {
	case LogNormalize:
		return logNormalize(d, opts)
	case VST:
		return vst(d, opts)
	}
	return scerr.New(scerr.Configuration, "unknown normalization method %d", int(opts.Method))
}

func logNormalize(d *dataset.Dataset, opts Opts) error {
	if opts.ScaleFactor <= 0 {
		return scerr.New(scerr.Configuration, "scale factor must be positive, got %v", opts.ScaleFactor)
	}
	n, p := d.NCells(), d.NFeatures()
	totals := cellTotals(d)
	for i, tot := range totals {
		if tot == 0 {
			return scerr.New(scerr.DegenerateCell, "cell %s (index %d) has zero total count", d.Cells[i], i)
		}
	}

	m := mat.NewDense(n, p, nil)
	err := traverse.Each(n, func(i int) error {
		scale := opts.ScaleFactor / totals[i]
		d.Counts.DoRowNonZero(i, func(_, j int, v float64) {
			m.Set(i, j, math.Log1p(v*scale))
		})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "log-normalizing")
	}
	log.Debug.Printf("normalize: %s: log-normalized %d cells (scale factor %v)", d.ID, n, opts.ScaleFactor)
	return d.SetLayer(dataset.LayerLogNorm, m)
}

func vst(d *dataset.Dataset, opts Opts) error {
	if opts.Theta <= 0 {
		return scerr.New(scerr.Configuration, "theta must be positive, got %v", opts.Theta)
	}
	n, p := d.NCells(), d.NFeatures()
	totals := cellTotals(d)
	featSums := make([]float64, p)
	grand := 0.0
	d.Counts.DoNonZero(func(_, j int, v float64) {
		featSums[j] += v
		grand += v
	})
	if grand == 0 {
		return scerr.New(scerr.InsufficientData, "dataset %s has no counts", d.ID)
	}
	fractions := make([]float64, p)
	for j := range fractions {
		fractions[j] = featSums[j] / grand
	}
	clip := math.Sqrt(float64(n))

	m := mat.NewDense(n, p, nil)
	err := traverse.Each(n, func(i int) error {
		row := make([]float64, p)
		d.Counts.DoRowNonZero(i, func(_, j int, v float64) {
			row[j] = v
		})
		for j := 0; j < p; j++ {
			mu := totals[i] * fractions[j]
			if mu == 0 {
				continue
			}
			r := (row[j] - mu) / math.Sqrt(mu+mu*mu/opts.Theta)
			if r > clip {
				r = clip
			} else if r < -clip {
				r = -clip
			}
			m.Set(i, j, r)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "computing Pearson residuals")
	}
	log.Debug.Printf("normalize: %s: VST residuals for %d cells (theta %v)", d.ID, n, opts.Theta)
	return d.SetLayer(dataset.LayerVST, m)
}

func cellTotals(d *dataset.Dataset) []float64 {
	totals := make([]float64, d.NCells())
	d.Counts.DoNonZero(func(i, _ int, v float64) {
		totals[i] += v
	})
	return totals
}
