// Package pipeline chains the analysis stages over one dataset.
package pipeline

import (
	"context"
	"time"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"

	"sctk/cluster"
	"sctk/dataset"
	"sctk/features"
	"sctk/neighbors"
	"sctk/normalize"
	"sctk/qc"
	"sctk/reduce"
	"sctk/scale"
)

// Opts aggregates the per-stage options.
type Opts struct {
	// Metrics are pattern-derived QC metrics computed before filtering.
	Metrics   []qc.PatternMetric
	QC        qc.Opts
	Normalize normalize.Opts
	Features  features.Opts
	Scale     scale.Opts
	PCA       reduce.PCAOpts
	Neighbors neighbors.Opts
	Cluster   cluster.Opts
	// Layout enables the stochastic 2D embedding after clustering.
	Layout bool
	Embed  reduce.EmbedOpts
}

// DefaultOpts is the stage defaults composed, without the optional
// layout step.
var DefaultOpts = Opts{
	QC:        qc.DefaultOpts,
	Normalize: normalize.DefaultOpts,
	Features:  features.DefaultOpts,
	Scale:     scale.DefaultOpts,
	PCA:       reduce.DefaultPCAOpts,
	Neighbors: neighbors.DefaultOpts,
	Cluster:   cluster.DefaultOpts,
	Embed:     reduce.DefaultEmbedOpts,
}

// Run executes QC, normalization, feature selection, scaling, PCA,
// neighbor graph construction and clustering in order, returning the
// filtered, enriched dataset. The input dataset keeps its appended QC
// metrics but is otherwise unmodified; every later stage writes to the
// returned copy. The optional layout stage honors ctx at epoch
// boundaries.
func Run(ctx context.Context, d *dataset.Dataset, opts Opts) (*dataset.Dataset, error) {
	stage := func(name string, start time.Time) {
		log.Printf("pipeline: %s: %s took %v", d.ID, name, time.Since(start).Round(time.Millisecond))
	}

	start := time.Now()
	if err := qc.ComputeMetrics(d, opts.Metrics); err != nil {
		return nil, errors.Wrap(err, "qc metrics")
	}
	out, err := qc.Filter(d, opts.QC)
	if err != nil {
		return nil, errors.Wrap(err, "qc filter")
	}
	stage("qc", start)

	start = time.Now()
	if err := normalize.Run(out, opts.Normalize); err != nil {
		return nil, errors.Wrap(err, "normalize")
	}
	stage("normalize", start)

	start = time.Now()
	hvf, err := features.SelectHVF(out, opts.Features)
	if err != nil {
		return nil, errors.Wrap(err, "feature selection")
	}
	stage("select", start)

	start = time.Now()
	scaleOpts := opts.Scale
	scaleOpts.Features = hvf
	if err := scale.Run(out, scaleOpts); err != nil {
		return nil, errors.Wrap(err, "scale")
	}
	stage("scale", start)

	start = time.Now()
	if _, err := reduce.PCA(out, opts.PCA); err != nil {
		return nil, errors.Wrap(err, "pca")
	}
	stage("pca", start)

	start = time.Now()
	if _, err := neighbors.Build(out, opts.Neighbors); err != nil {
		return nil, errors.Wrap(err, "neighbor graph")
	}
	stage("neighbors", start)

	start = time.Now()
	if _, err := cluster.Run(out, opts.Cluster); err != nil {
		return nil, errors.Wrap(err, "clustering")
	}
	stage("cluster", start)

	if opts.Layout {
		start = time.Now()
		if _, err := reduce.Embed(ctx, out, opts.Cluster.Graph, opts.Embed); err != nil {
			return nil, errors.Wrap(err, "layout")
		}
		stage("layout", start)
	}
	return out, nil
}
