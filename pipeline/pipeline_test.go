package pipeline

import (
	"context"
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sctk/cluster"
	"sctk/dataset"
	"sctk/markers"
	"sctk/qc"
	"sctk/reduce"
	"sctk/scerr"
)

// syntheticCounts builds the canonical two-population matrix: 100
// cells x 50 features where features 0-4 are strongly bimodal across
// two equal halves and the rest are uniform noise.
func syntheticCounts(t *testing.T) *dataset.Dataset {
	t.Helper()
	n, p := 100, 50
	rng := rand.New(rand.NewPCG(42, 42))
	cells := make([]string, n)
	for i := range cells {
		cells[i] = "c" + strconv.Itoa(i)
	}
	feats := make([]string, p)
	for j := range feats {
		feats[j] = "f" + strconv.Itoa(j)
	}
	var rows, cols []int
	var vals []float64
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			var v int
			switch {
			case j < 5 && i < n/2:
				v = 50 + rng.IntN(10)
			case j < 5:
				v = rng.IntN(2)
			default:
				v = rng.IntN(3)
			}
			if v > 0 {
				rows = append(rows, i)
				cols = append(cols, j)
				vals = append(vals, float64(v))
			}
		}
	}
	d, err := dataset.FromTriplets("synthetic", cells, feats, rows, cols, vals)
	require.NoError(t, err)
	return d
}

func e2eOpts() Opts {
	opts := DefaultOpts
	opts.QC.MinFeaturesPerCell = 1
	opts.Features.TopK = 10
	opts.PCA.Components = 2
	opts.Neighbors.K = 10
	// The two populations are graph components; low resolution keeps
	// each component a single community.
	opts.Cluster.Resolution = 0.1
	return opts
}

func TestRunEndToEnd(t *testing.T) {
	d := syntheticCounts(t)
	out, err := Run(context.Background(), d, e2eOpts())
	require.NoError(t, err)

	c, ok := out.Clustering(cluster.Name)
	require.True(t, ok)
	require.Equal(t, 2, c.NumClusters(), "the two synthetic populations must come out as exactly two clusters")

	// Clusters align with the synthetic halves.
	n := out.NCells()
	require.Equal(t, 100, n)
	for i := 1; i < n; i++ {
		sameGroup := (i < n/2)
		assert.Equal(t, sameGroup, c.Labels[i] == c.Labels[0], "cell %d", i)
	}

	// The bimodal features are the top markers between the clusters.
	groups := c.Groups()
	res, err := markers.FindMarkers(out, groups[0], groups[1], markers.DefaultOpts)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(res), 5)
	for i := 0; i < 5; i++ {
		assert.Less(t, res[i].Index, 5,
			"marker rank %d is %s; the bimodal features must fill the top 5", i, res[i].Feature)
	}

	// Derived state accumulated along the way.
	_, ok = out.Layer(dataset.LayerLogNorm)
	assert.True(t, ok)
	_, ok = out.Layer(dataset.LayerScaled)
	assert.True(t, ok)
	_, ok = out.Embedding(reduce.EmbeddingPCA)
	assert.True(t, ok)
	_, ok = out.Graph("snn")
	assert.True(t, ok)
	assert.Len(t, out.ScaledFeatures, 10)
}

func TestRunWithLayout(t *testing.T) {
	d := syntheticCounts(t)
	opts := e2eOpts()
	opts.Layout = true
	opts.Embed.Epochs = 20
	out, err := Run(context.Background(), d, opts)
	require.NoError(t, err)

	e, ok := out.Embedding(reduce.EmbeddingUMAP)
	require.True(t, ok)
	_, comps := e.Dims()
	assert.Equal(t, 2, comps)
}

func TestRunLeavesInputIntact(t *testing.T) {
	d := syntheticCounts(t)
	_, err := Run(context.Background(), d, e2eOpts())
	require.NoError(t, err)

	// QC metrics are appended to the input; everything else lives on
	// the returned dataset.
	_, ok := d.MetaColumn(qc.MetricTotalCounts)
	assert.True(t, ok)
	assert.Empty(t, d.LayerNames())
	assert.Empty(t, d.EmbeddingNames())
	assert.Empty(t, d.ClusteringNames())
}

func TestRunPropagatesStageErrors(t *testing.T) {
	d := syntheticCounts(t)
	opts := e2eOpts()
	opts.Features.TopK = 999
	_, err := Run(context.Background(), d, opts)
	assert.True(t, scerr.IsKind(err, scerr.Configuration))

	opts = e2eOpts()
	opts.PCA.Components = 50
	_, err = Run(context.Background(), d, opts)
	assert.True(t, scerr.IsKind(err, scerr.Dimensionality))
}
