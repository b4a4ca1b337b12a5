package reduce

import (
	"context"
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"sctk/dataset"
	"sctk/scerr"
)

func layerDataset(t *testing.T, layer *mat.Dense) *dataset.Dataset {
	t.Helper()
	n, p := layer.Dims()
	cells := make([]string, n)
	rows := make([]int, n)
	cols := make([]int, n)
	vals := make([]float64, n)
	for i := range cells {
		cells[i] = "c" + strconv.Itoa(i)
		rows[i] = i
		cols[i] = i % p
		vals[i] = 1
	}
	features := make([]string, p)
	for j := range features {
		features[j] = "f" + strconv.Itoa(j)
	}
	d, err := dataset.FromTriplets("reduce", cells, features, rows, cols, vals)
	require.NoError(t, err)
	require.NoError(t, d.SetLayer(dataset.LayerScaled, layer))
	return d
}

// twoGroupLayer returns a scaled-like matrix where the first half of
// the cells sits far from the second half along features 0 and 1.
func twoGroupLayer(n, p int, seed uint64) *mat.Dense {
	rng := rand.New(rand.NewPCG(seed, seed))
	m := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		offset := -3.0
		if i < n/2 {
			offset = 3.0
		}
		for j := 0; j < p; j++ {
			v := 0.1 * rng.NormFloat64()
			if j < 2 {
				v += offset
			}
			m.Set(i, j, v)
		}
	}
	return m
}

func TestPCAVarianceOrdered(t *testing.T) {
	d := layerDataset(t, twoGroupLayer(30, 6, 1))
	e, err := PCA(d, PCAOpts{Layer: dataset.LayerScaled, Components: 4})
	require.NoError(t, err)

	require.Len(t, e.VarianceFractions, 4)
	for i := 1; i < len(e.VarianceFractions); i++ {
		assert.GreaterOrEqual(t, e.VarianceFractions[i-1], e.VarianceFractions[i])
	}
	// The group split dominates: PC1 explains most of the variance.
	assert.Greater(t, e.VarianceFractions[0], 0.5)

	stored, ok := d.Embedding(EmbeddingPCA)
	require.True(t, ok)
	assert.Equal(t, dataset.LayerScaled, stored.SourceLayer)
}

func TestPCASeparatesGroups(t *testing.T) {
	n := 30
	d := layerDataset(t, twoGroupLayer(n, 6, 2))
	e, err := PCA(d, PCAOpts{Layer: dataset.LayerScaled, Components: 2})
	require.NoError(t, err)

	// All first-half cells land on one side of PC1, second-half on the
	// other (sign of the side is arbitrary).
	sign := 1.0
	if e.Coords.At(0, 0) < 0 {
		sign = -1.0
	}
	for i := 0; i < n; i++ {
		v := sign * e.Coords.At(i, 0)
		if i < n/2 {
			assert.Greater(t, v, 0.0, "cell %d", i)
		} else {
			assert.Less(t, v, 0.0, "cell %d", i)
		}
	}
}

func TestPCADimensionalityErrors(t *testing.T) {
	d := layerDataset(t, twoGroupLayer(10, 4, 3))
	_, err := PCA(d, PCAOpts{Layer: dataset.LayerScaled, Components: 5})
	assert.True(t, scerr.IsKind(err, scerr.Dimensionality))
	_, err = PCA(d, PCAOpts{Layer: dataset.LayerScaled, Components: 0})
	assert.True(t, scerr.IsKind(err, scerr.Dimensionality))
	_, err = PCA(d, PCAOpts{Layer: "nope", Components: 2})
	assert.True(t, scerr.IsKind(err, scerr.Configuration))
}

func ringGraph(n int) *dataset.Graph {
	adj := make([][]dataset.Edge, n)
	for i := 0; i < n; i++ {
		prev := (i + n - 1) % n
		next := (i + 1) % n
		adj[i] = []dataset.Edge{{To: prev, Weight: 1}, {To: next, Weight: 1}}
	}
	return &dataset.Graph{Name: "snn", K: 2, Embedding: EmbeddingPCA, Adj: adj}
}

func TestEmbedSeedDeterminism(t *testing.T) {
	run := func(seed int64) *mat.Dense {
		d := layerDataset(t, twoGroupLayer(20, 4, 5))
		require.NoError(t, d.SetGraph(ringGraph(20)))
		opts := DefaultEmbedOpts
		opts.Epochs = 20
		opts.Seed = seed
		e, err := Embed(context.Background(), d, "snn", opts)
		require.NoError(t, err)
		return mat.DenseCopyOf(e.Coords)
	}
	a := run(7)
	b := run(7)
	assert.True(t, mat.Equal(a, b), "same seed must reproduce the layout")

	c := run(8)
	assert.False(t, mat.Equal(a, c), "different seeds should move the layout")
}

func TestEmbedErrors(t *testing.T) {
	d := layerDataset(t, twoGroupLayer(10, 4, 6))
	_, err := Embed(context.Background(), d, "missing", DefaultEmbedOpts)
	assert.True(t, scerr.IsKind(err, scerr.Configuration))

	require.NoError(t, d.SetGraph(ringGraph(10)))
	opts := DefaultEmbedOpts
	opts.Components = 10
	_, err = Embed(context.Background(), d, "snn", opts)
	assert.True(t, scerr.IsKind(err, scerr.Dimensionality))
}

func TestEmbedHonorsContext(t *testing.T) {
	d := layerDataset(t, twoGroupLayer(10, 4, 9))
	require.NoError(t, d.SetGraph(ringGraph(10)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Embed(ctx, d, "snn", DefaultEmbedOpts)
	assert.ErrorIs(t, err, context.Canceled)
}
