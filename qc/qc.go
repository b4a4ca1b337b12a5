// Package qc computes per-cell quality-control metrics and filters
// cells and features against configured thresholds.
package qc

import (
	"regexp"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"

	"sctk/dataset"
	"sctk/scerr"
)

// Metadata columns written by ComputeMetrics. Pattern metrics are
// written as "pct_<name>".
const (
	MetricTotalCounts      = "total_counts"
	MetricDetectedFeatures = "detected_features"
)

// PatternMetric names a per-cell percentage metric derived from a
// feature-name regexp, e.g. {Name: "mito", Pattern: "^MT-"} yields a
// pct_mito column holding the percent of each cell's counts that fall
// in mitochondrial features.
type PatternMetric struct {
	Name    string
	Pattern string
}

// Opts configures Filter.
type Opts struct {
	// MinFeaturesPerCell drops cells with fewer detected features.
	MinFeaturesPerCell int
	// MinCellsPerFeature drops features present in fewer cells.
	MinCellsPerFeature int
}

// DefaultOpts holds conventional droplet-data thresholds.
var DefaultOpts = Opts{
	MinFeaturesPerCell: 200,
	MinCellsPerFeature: 3,
}

// ComputeMetrics appends total_counts, detected_features and one
// pct_<name> column per pattern metric to the dataset's cell metadata.
// It is idempotent and strictly additive: recomputing overwrites the
// same columns and touches nothing else.
func ComputeMetrics(d *dataset.Dataset, patterns []PatternMetric) error {
	n := d.NCells()
	totals := make([]float64, n)
	detected := make([]float64, n)

	masks := make([][]bool, len(patterns))
	for p, pm := range patterns {
		re, err := regexp.Compile(pm.Pattern)
		if err != nil {
			return errors.Wrapf(err, "pattern metric %s", pm.Name)
		}
		mask := make([]bool, d.NFeatures())
		for j, f := range d.Features {
			mask[j] = re.MatchString(f)
		}
		masks[p] = mask
	}
	patternSums := make([][]float64, len(patterns))
	for p := range patterns {
		patternSums[p] = make([]float64, n)
	}

	d.Counts.DoNonZero(func(i, j int, v float64) {
		totals[i] += v
		if v > 0 {
			detected[i]++
		}
		for p := range patterns {
			if masks[p][j] {
				patternSums[p][i] += v
			}
		}
	})

	if err := d.SetMetaColumn(MetricTotalCounts, totals); err != nil {
		return err
	}
	if err := d.SetMetaColumn(MetricDetectedFeatures, detected); err != nil {
		return err
	}
	for p, pm := range patterns {
		pct := make([]float64, n)
		for i := range pct {
			if totals[i] > 0 {
				pct[i] = 100 * patternSums[p][i] / totals[i]
			}
		}
		if err := d.SetMetaColumn("pct_"+pm.Name, pct); err != nil {
			return err
		}
	}
	return nil
}

// Filter returns a new Dataset containing only cells with at least
// opts.MinFeaturesPerCell detected features and features present in at
// least opts.MinCellsPerFeature cells. The input dataset is not
// modified. Cell and feature retention are evaluated against the
// input counts, not iteratively.
func Filter(d *dataset.Dataset, opts Opts) (*dataset.Dataset, error) {
	detected := make([]int, d.NCells())
	presence := make([]int, d.NFeatures())
	d.Counts.DoNonZero(func(i, j int, v float64) {
		if v > 0 {
			detected[i]++
			presence[j]++
		}
	})

	var cellKeep []int
	for i, n := range detected {
		if n >= opts.MinFeaturesPerCell {
			cellKeep = append(cellKeep, i)
		}
	}
	var featKeep []int
	for j, n := range presence {
		if n >= opts.MinCellsPerFeature {
			featKeep = append(featKeep, j)
		}
	}
	if len(cellKeep) == 0 || len(featKeep) == 0 {
		return nil, scerr.New(scerr.InsufficientData,
			"filtering %s with min features %d and min cells %d would retain %d/%d cells and %d/%d features",
			d.ID, opts.MinFeaturesPerCell, opts.MinCellsPerFeature,
			len(cellKeep), d.NCells(), len(featKeep), d.NFeatures())
	}
	log.Printf("qc: %s: keeping %d/%d cells, %d/%d features",
		d.ID, len(cellKeep), d.NCells(), len(featKeep), d.NFeatures())
	return d.Subset(cellKeep, featKeep)
}
