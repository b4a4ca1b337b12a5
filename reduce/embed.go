package reduce

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/grailbio/base/log"
	"gonum.org/v1/gonum/mat"

	"sctk/dataset"
	"sctk/scerr"
)

// EmbedOpts configures Embed.
type EmbedOpts struct {
	// Components is the layout dimensionality, normally 2.
	Components int
	// Epochs is the number of optimization passes over the edge list.
	Epochs int
	// LearningRate is the initial step size; it decays linearly to
	// zero over the epochs.
	LearningRate float64
	// NegativeSamples is the number of random repulsion samples per
	// edge endpoint.
	NegativeSamples int
	// MinDist regularizes the repulsion denominator.
	MinDist float64
	// Seed fixes the random stream. The same seed and inputs
	// reproduce the same embedding exactly; different seeds give
	// layouts that agree in topology but not orientation.
	Seed int64
}

// DefaultEmbedOpts matches common neighbor-embedding settings.
var DefaultEmbedOpts = EmbedOpts{
	Components:      2,
	Epochs:          200,
	LearningRate:    1.0,
	NegativeSamples: 5,
	MinDist:         0.1,
	Seed:            42,
}

// Embed computes a stochastic low-dimensional layout of the named
// neighbor graph: edge endpoints attract in proportion to edge weight,
// and random non-neighbor pairs repel. Coordinates are initialized
// from the PCA embedding when present, otherwise from seeded Gaussian
// noise. The result is stored as the "umap" embedding.
//
// The optimization is sequential on purpose: a fixed visit order is
// what makes the seed reproducible. ctx is honored at epoch
// boundaries.
func Embed(ctx context.Context, d *dataset.Dataset, graphName string, opts EmbedOpts) (*dataset.Embedding, error) {
	g, ok := d.Graph(graphName)
	if !ok {
		return nil, scerr.New(scerr.Configuration, "graph %q not present", graphName)
	}
	n := g.NNodes()
	if opts.Components < 1 || opts.Components >= n {
		return nil, scerr.New(scerr.Dimensionality,
			"layout dimensionality %d out of range for %d cells", opts.Components, n)
	}
	if opts.Epochs < 1 || opts.LearningRate <= 0 {
		return nil, scerr.New(scerr.Configuration, "epochs and learning rate must be positive")
	}

	rng := rand.New(rand.NewPCG(uint64(opts.Seed), uint64(opts.Seed)^0x9e3779b97f4a7c15))
	k := opts.Components
	coords := make([][]float64, n)
	if pca, ok := d.Embedding(EmbeddingPCA); ok {
		_, pk := pca.Dims()
		for i := range coords {
			coords[i] = make([]float64, k)
			for c := 0; c < k && c < pk; c++ {
				coords[i][c] = 1e-2 * pca.Coords.At(i, c)
			}
		}
	} else {
		for i := range coords {
			coords[i] = make([]float64, k)
			for c := range coords[i] {
				coords[i][c] = 1e-2 * rng.NormFloat64()
			}
		}
	}

	type edge struct {
		a, b int
		w    float64
	}
	var edges []edge
	for a, adj := range g.Adj {
		for _, e := range adj {
			if a < e.To {
				edges = append(edges, edge{a: a, b: e.To, w: e.Weight})
			}
		}
	}
	if len(edges) == 0 {
		return nil, scerr.New(scerr.InsufficientData, "graph %q has no edges to lay out", graphName)
	}

	grad := make([]float64, k)
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		alpha := opts.LearningRate * (1 - float64(epoch)/float64(opts.Epochs))
		for _, e := range edges {
			ca, cb := coords[e.a], coords[e.b]
			// Attraction along the edge.
			for c := 0; c < k; c++ {
				grad[c] = clampGrad(e.w * (ca[c] - cb[c]))
				ca[c] -= alpha * grad[c]
				cb[c] += alpha * grad[c]
			}
			// Repulsion against random samples.
			for s := 0; s < opts.NegativeSamples; s++ {
				j := rng.IntN(n)
				if j == e.a {
					continue
				}
				cj := coords[j]
				d2 := opts.MinDist
				for c := 0; c < k; c++ {
					diff := ca[c] - cj[c]
					d2 += diff * diff
				}
				for c := 0; c < k; c++ {
					ca[c] += alpha * clampGrad((ca[c]-cj[c])/d2)
				}
			}
		}
	}

	m := mat.NewDense(n, k, nil)
	for i, row := range coords {
		m.SetRow(i, row)
	}
	e := &dataset.Embedding{Name: EmbeddingUMAP, Coords: m, SourceLayer: g.Embedding}
	if err := d.SetEmbedding(e); err != nil {
		return nil, err
	}
	log.Debug.Printf("reduce: %s: graph layout over %d edges, %d epochs (seed %d)",
		d.ID, len(edges), opts.Epochs, opts.Seed)
	return e, nil
}

func clampGrad(v float64) float64 {
	return math.Max(-4, math.Min(4, v))
}
