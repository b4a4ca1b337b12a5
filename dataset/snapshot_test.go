package dataset

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSnapshotRoundTrip(t *testing.T) {
	d := testDataset(t)
	require.NoError(t, d.SetMetaColumn("total_counts", []float64{4, 2, 9}))
	require.NoError(t, d.SetMetaColumn("detected_features", []float64{2, 1, 2}))
	require.NoError(t, d.SetAnnotation("cell_type", []string{"a", "b", "a"}))
	require.NoError(t, d.SetFeatureMeta("hvf_rank", []float64{0, 3, 1, 2}))
	require.NoError(t, d.SetSpatial([][2]float64{{0, 1}, {2, 3}, {4, 5}}))

	layer := mat.NewDense(3, 4, []float64{
		0.1, 0, 1.2, 0,
		0, 2.3, 0, 0,
		3.4, 0, 0, 4.5,
	})
	require.NoError(t, d.SetLayer(LayerLogNorm, layer))
	scaled := mat.NewDense(3, 2, []float64{1, -1, 0, 0, -1, 1})
	require.NoError(t, d.SetLayer(LayerScaled, scaled))
	d.ScaledFeatures = []int{0, 3}

	require.NoError(t, d.SetEmbedding(&Embedding{
		Name:              "pca",
		Coords:            mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6}),
		SourceLayer:       LayerScaled,
		VarianceFractions: []float64{0.7, 0.3},
	}))
	require.NoError(t, d.SetGraph(&Graph{
		Name:      "snn",
		K:         2,
		Embedding: "pca",
		DimRange:  [2]int{0, 2},
		Adj: [][]Edge{
			{{To: 1, Weight: 0.5}},
			{{To: 0, Weight: 0.5}, {To: 2, Weight: 0.1}},
			{{To: 1, Weight: 0.1}},
		},
	}))
	require.NoError(t, d.SetClustering(&Clustering{
		Name: "leiden", Labels: []int{0, 1, 0}, Resolution: 1, Seed: 7, Graph: "snn",
	}))

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(d, &buf))

	got, err := ReadSnapshot(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, d.Cells, got.Cells)
	assert.Equal(t, d.Features, got.Features)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			assert.Equal(t, d.Counts.At(i, j), got.Counts.At(i, j))
		}
	}
	assert.Equal(t, []string{"total_counts", "detected_features"}, got.MetaColumnNames())
	col, _ := got.MetaColumn("total_counts")
	assert.Equal(t, []float64{4, 2, 9}, col)
	ann, _ := got.Annotation("cell_type")
	assert.Equal(t, []string{"a", "b", "a"}, ann)
	fm, _ := got.FeatureMeta("hvf_rank")
	assert.Equal(t, []float64{0, 3, 1, 2}, fm)
	assert.Equal(t, d.Spatial, got.Spatial)
	assert.Equal(t, []int{0, 3}, got.ScaledFeatures)

	gl, ok := got.Layer(LayerLogNorm)
	require.True(t, ok)
	assert.True(t, mat.Equal(layer, gl))
	gs, ok := got.Layer(LayerScaled)
	require.True(t, ok)
	assert.True(t, mat.Equal(scaled, gs))

	e, ok := got.Embedding("pca")
	require.True(t, ok)
	assert.Equal(t, LayerScaled, e.SourceLayer)
	assert.Equal(t, []float64{0.7, 0.3}, e.VarianceFractions)
	wantE, _ := d.Embedding("pca")
	assert.True(t, mat.Equal(wantE.Coords, e.Coords))

	g, ok := got.Graph("snn")
	require.True(t, ok)
	wantG, _ := d.Graph("snn")
	assert.Equal(t, wantG.Adj, g.Adj)
	assert.Equal(t, wantG.K, g.K)

	c, ok := got.Clustering("leiden")
	require.True(t, ok)
	assert.Equal(t, []int{0, 1, 0}, c.Labels)
	assert.Equal(t, int64(7), c.Seed)
}

func TestSnapshotLargeChunked(t *testing.T) {
	// Enough cells to force multiple layer chunks.
	n := layerChunkRows + 100
	cells := make([]string, n)
	rows := make([]int, n)
	cols := make([]int, n)
	vals := make([]float64, n)
	for i := range cells {
		cells[i] = "c" + strconv.Itoa(i)
		rows[i] = i
		cols[i] = i % 3
		vals[i] = float64(i%7 + 1)
	}
	d, err := FromTriplets("big", cells, []string{"f0", "f1", "f2"}, rows, cols, vals)
	require.NoError(t, err)
	layer := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		layer.Set(i, i%3, float64(i))
	}
	require.NoError(t, d.SetLayer(LayerLogNorm, layer))

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(d, &buf))
	got, err := ReadSnapshot(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	gl, ok := got.Layer(LayerLogNorm)
	require.True(t, ok)
	assert.True(t, mat.Equal(layer, gl))
	assert.Equal(t, d.Counts.At(n-1, (n-1)%3), got.Counts.At(n-1, (n-1)%3))
}

func TestSnapshotRejectsGarbage(t *testing.T) {
	_, err := ReadSnapshot(bytes.NewReader([]byte("not a snapshot at all")))
	assert.Error(t, err)
}
