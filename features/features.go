// Package features ranks features by standardized variance and selects
// the top-K most variable subset for downstream reduction.
package features

import (
	"math"
	"sort"

	"github.com/grailbio/base/log"

	"sctk/dataset"
	"sctk/scerr"
)

// Feature metadata columns written by SelectHVF.
const (
	MetaMean         = "hvf_mean"
	MetaVariance     = "hvf_variance"
	MetaStandardized = "hvf_variance_standardized"
	// MetaRank is the position in the variability ordering (0 = most
	// variable) for every feature, selected or not.
	MetaRank = "hvf_rank"
)

// Opts configures SelectHVF.
type Opts struct {
	// TopK is the number of features to select.
	TopK int
	// Theta is the fixed NB dispersion of the count-noise expectation;
	// Theta <= 0 drops the overdispersion term (pure Poisson).
	Theta float64
}

// DefaultOpts selects the conventional 2000 variable features.
var DefaultOpts = Opts{TopK: 2000, Theta: 100}

// SelectHVF computes a variability score per feature on the raw counts
// and returns the TopK feature indices by score, descending, ties
// broken by ascending feature index. The score is the standardized
// variance under a negative-binomial count-noise expectation: each
// value is standardized as (x - mean) / sqrt(mean + mean^2/Theta),
// clipped to +-sqrt(nCells), and the feature is scored by the variance
// of the clipped values. Features with zero mean score zero.
// Deterministic: the same matrix and K always produce the same ordered
// selection.
func SelectHVF(d *dataset.Dataset, opts Opts) ([]int, error) {
	p := d.NFeatures()
	if opts.TopK < 1 || opts.TopK > p {
		return nil, scerr.New(scerr.Configuration, "top-K %d out of range [1, %d]", opts.TopK, p)
	}
	n := float64(d.NCells())
	if n < 2 {
		return nil, scerr.New(scerr.InsufficientData, "variance requires at least 2 cells, have %d", d.NCells())
	}

	sums := make([]float64, p)
	sumsq := make([]float64, p)
	nnz := make([]float64, p)
	d.Counts.DoNonZero(func(_, j int, v float64) {
		sums[j] += v
		sumsq[j] += v * v
		nnz[j]++
	})
	means := make([]float64, p)
	vars := make([]float64, p)
	sds := make([]float64, p)
	for j := 0; j < p; j++ {
		means[j] = sums[j] / n
		vars[j] = (sumsq[j] - n*means[j]*means[j]) / (n - 1)
		if vars[j] < 0 {
			vars[j] = 0
		}
		expected := means[j]
		if opts.Theta > 0 {
			expected += means[j] * means[j] / opts.Theta
		}
		sds[j] = math.Sqrt(expected)
	}

	// Variance of the clipped standardized values. The standardized
	// values have mean zero before clipping, so the score is the sum of
	// clipped squares over n-1. Zero entries all standardize to
	// -mean/sd and are folded in by count.
	clip := math.Sqrt(n)
	scores := make([]float64, p)
	d.Counts.DoNonZero(func(_, j int, v float64) {
		if sds[j] > 0 {
			scores[j] += clipSq((v-means[j])/sds[j], clip)
		}
	})
	for j := 0; j < p; j++ {
		if sds[j] > 0 {
			scores[j] += (n - nnz[j]) * clipSq(-means[j]/sds[j], clip)
			scores[j] /= n - 1
		}
	}

	order := make([]int, p)
	for j := range order {
		order[j] = j
	}
	sort.Slice(order, func(a, b int) bool {
		ja, jb := order[a], order[b]
		if scores[ja] != scores[jb] {
			return scores[ja] > scores[jb]
		}
		return ja < jb
	})

	ranks := make([]float64, p)
	for pos, j := range order {
		ranks[j] = float64(pos)
	}
	if err := d.SetFeatureMeta(MetaMean, means); err != nil {
		return nil, err
	}
	if err := d.SetFeatureMeta(MetaVariance, vars); err != nil {
		return nil, err
	}
	if err := d.SetFeatureMeta(MetaStandardized, scores); err != nil {
		return nil, err
	}
	if err := d.SetFeatureMeta(MetaRank, ranks); err != nil {
		return nil, err
	}

	selected := make([]int, opts.TopK)
	copy(selected, order[:opts.TopK])
	log.Debug.Printf("features: %s: selected %d/%d variable features", d.ID, opts.TopK, p)
	return selected, nil
}

func clipSq(z, clip float64) float64 {
	if z > clip {
		z = clip
	} else if z < -clip {
		z = -clip
	}
	return z * z
}
