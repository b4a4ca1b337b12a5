// Package scale standardizes selected features of a normalized layer,
// optionally regressing out nuisance covariates (e.g. mitochondrial
// percentage) per feature first.
package scale

import (
	"math"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"sctk/dataset"
	"sctk/scerr"
)

// Opts configures Run.
type Opts struct {
	// Layer is the source layer to scale.
	Layer string
	// Features are the feature indices (columns of the source layer)
	// to scale; typically the output of features.SelectHVF.
	Features []int
	// RegressOut names numeric cell-metadata columns whose linear
	// contribution is removed per feature before standardization.
	RegressOut []string
	// MaxValue clips standardized values to [-MaxValue, MaxValue].
	MaxValue float64
}

// DefaultOpts scales the log-normalized layer, clipping at 10.
var DefaultOpts = Opts{
	Layer:    dataset.LayerLogNorm,
	MaxValue: 10,
}

// Run writes LayerScaled (cells x len(Features)) and records the
// feature subset in ScaledFeatures. Deterministic given fixed inputs.
func Run(d *dataset.Dataset, opts Opts) error {
	src, ok := d.Layer(opts.Layer)
	if !ok {
		return scerr.New(scerr.Configuration, "source layer %q not present", opts.Layer)
	}
	if len(opts.Features) == 0 {
		return scerr.New(scerr.Configuration, "no features selected for scaling")
	}
	for _, j := range opts.Features {
		if j < 0 || j >= d.NFeatures() {
			return scerr.New(scerr.Configuration, "feature index %d out of range", j)
		}
	}
	if opts.MaxValue <= 0 {
		return scerr.New(scerr.Configuration, "max value must be positive, got %v", opts.MaxValue)
	}

	n := d.NCells()
	k := len(opts.Features)
	m := mat.NewDense(n, k, nil)
	for c, j := range opts.Features {
		for i := 0; i < n; i++ {
			m.Set(i, c, src.At(i, j))
		}
	}

	if len(opts.RegressOut) > 0 {
		if err := regressOut(d, m, opts.RegressOut); err != nil {
			return err
		}
	}

	err := traverse.Each(k, func(c int) error {
		col := mat.Col(nil, c, m)
		mean, std := stat.MeanStdDev(col, nil)
		// Features that are constant (or numerically so, e.g. exact
		// residuals of a regressed-out covariate) scale to zero.
		if std < 1e-12 {
			std = 0
		}
		for i := range col {
			v := 0.0
			if std > 0 {
				v = (col[i] - mean) / std
			}
			if v > opts.MaxValue {
				v = opts.MaxValue
			} else if v < -opts.MaxValue {
				v = -opts.MaxValue
			}
			m.Set(i, c, v)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "standardizing features")
	}

	if err := d.SetLayer(dataset.LayerScaled, m); err != nil {
		return err
	}
	d.ScaledFeatures = append([]int(nil), opts.Features...)
	log.Debug.Printf("scale: %s: scaled %d features from layer %s", d.ID, k, opts.Layer)
	return nil
}

// regressOut replaces each column y of m with the residual of the
// least-squares fit y ~ 1 + covariates. All columns share one design
// matrix, so the normal equations are solved once for all features.
func regressOut(d *dataset.Dataset, m *mat.Dense, covariates []string) error {
	n, k := m.Dims()
	design := mat.NewDense(n, 1+len(covariates), nil)
	for i := 0; i < n; i++ {
		design.Set(i, 0, 1)
	}
	for c, name := range covariates {
		col, ok := d.MetaColumn(name)
		if !ok {
			return scerr.New(scerr.Configuration, "covariate column %q not present", name)
		}
		for i := 0; i < n; i++ {
			design.Set(i, c+1, col[i])
		}
	}

	var coef mat.Dense
	if err := coef.Solve(design, m); err != nil {
		return errors.Wrap(err, "solving covariate regression")
	}
	var fitted mat.Dense
	fitted.Mul(design, &coef)
	for i := 0; i < n; i++ {
		for c := 0; c < k; c++ {
			v := m.At(i, c) - fitted.At(i, c)
			if math.IsNaN(v) {
				v = 0
			}
			m.Set(i, c, v)
		}
	}
	return nil
}
