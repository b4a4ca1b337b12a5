// Package reduce projects the scaled layer into low-dimensional
// spaces: a linear principal-component projection and a seeded
// stochastic neighbor-graph layout.
package reduce

import (
	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"sctk/dataset"
	"sctk/scerr"
)

// Embedding names used by this package.
const (
	EmbeddingPCA  = "pca"
	EmbeddingUMAP = "umap"
)

// PCAOpts configures PCA.
type PCAOpts struct {
	// Layer is the source layer, normally LayerScaled.
	Layer string
	// Components is the number of principal components to keep.
	Components int
}

// DefaultPCAOpts keeps 50 components of the scaled layer.
var DefaultPCAOpts = PCAOpts{
	Layer:      dataset.LayerScaled,
	Components: 50,
}

// PCA computes the top principal components of the source layer and
// stores them as the "pca" embedding with per-component variance
// fractions in decreasing order.
//
// The sign of each component is arbitrary: a direction and its
// negation are equally valid, so two runs on permuted-but-equal inputs
// may disagree in sign. Downstream consumers must not rely on
// orientation.
func PCA(d *dataset.Dataset, opts PCAOpts) (*dataset.Embedding, error) {
	src, ok := d.Layer(opts.Layer)
	if !ok {
		return nil, scerr.New(scerr.Configuration, "source layer %q not present", opts.Layer)
	}
	n, p := src.Dims()
	maxComp := n - 1
	if p < maxComp {
		maxComp = p
	}
	if opts.Components < 1 || opts.Components > maxComp {
		return nil, scerr.New(scerr.Dimensionality,
			"requested %d components, but %d cells x %d features supports at most %d",
			opts.Components, n, p, maxComp)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(src, nil); !ok {
		return nil, errors.Errorf("principal component decomposition failed on layer %s", opts.Layer)
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	vars := pc.VarsTo(nil)

	// Center columns, then project onto the leading directions.
	centered := mat.DenseCopyOf(src)
	for j := 0; j < p; j++ {
		col := mat.Col(nil, j, src)
		mean := stat.Mean(col, nil)
		for i := 0; i < n; i++ {
			centered.Set(i, j, col[i]-mean)
		}
	}
	k := opts.Components
	var coords mat.Dense
	coords.Mul(centered, vecs.Slice(0, p, 0, k))

	total := floats.Sum(vars)
	fractions := make([]float64, k)
	for i := 0; i < k; i++ {
		if total > 0 {
			fractions[i] = vars[i] / total
		}
	}

	e := &dataset.Embedding{
		Name:              EmbeddingPCA,
		Coords:            &coords,
		SourceLayer:       opts.Layer,
		VarianceFractions: fractions,
	}
	if err := d.SetEmbedding(e); err != nil {
		return nil, err
	}
	log.Debug.Printf("reduce: %s: PCA to %d components (%.1f%% variance)",
		d.ID, k, 100*floats.Sum(fractions))
	return e, nil
}
