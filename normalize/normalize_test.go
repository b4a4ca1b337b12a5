package normalize

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sctk/dataset"
	"sctk/scerr"
)

func denseDataset(t *testing.T, counts [][]float64) *dataset.Dataset {
	t.Helper()
	var rows, cols []int
	var vals []float64
	cells := make([]string, len(counts))
	for i := range counts {
		cells[i] = "c" + string(rune('0'+i))
		for j, v := range counts[i] {
			if v != 0 {
				rows = append(rows, i)
				cols = append(cols, j)
				vals = append(vals, v)
			}
		}
	}
	features := make([]string, len(counts[0]))
	for j := range features {
		features[j] = "f" + string(rune('0'+j))
	}
	d, err := dataset.FromTriplets("norm", cells, features, rows, cols, vals)
	require.NoError(t, err)
	return d
}

func TestLogNormalizeScaleInvariance(t *testing.T) {
	// Two datasets differing only by a constant depth factor must
	// produce per-cell sums of expm1 values equal to the scale factor.
	opts := Opts{Method: LogNormalize, ScaleFactor: 100}
	for _, depth := range []float64{1, 10} {
		d := denseDataset(t, [][]float64{
			{1 * depth, 3 * depth, 0},
			{2 * depth, 0, 2 * depth},
		})
		require.NoError(t, Run(d, opts))
		layer, ok := d.Layer(dataset.LayerLogNorm)
		require.True(t, ok)
		for i := 0; i < d.NCells(); i++ {
			sum := 0.0
			for j := 0; j < d.NFeatures(); j++ {
				sum += math.Expm1(layer.At(i, j))
			}
			assert.InDelta(t, opts.ScaleFactor, sum, 1e-9, "depth %v cell %d", depth, i)
		}
	}
}

func TestLogNormalizeDegenerateCell(t *testing.T) {
	d, err := dataset.FromTriplets("norm",
		[]string{"c0", "c1"}, []string{"f0", "f1"},
		[]int{0, 0}, []int{0, 1}, []float64{1, 2})
	require.NoError(t, err)

	err = Run(d, DefaultOpts)
	require.Error(t, err)
	assert.True(t, scerr.IsKind(err, scerr.DegenerateCell))
	// Atomic failure: no layer was written.
	_, ok := d.Layer(dataset.LayerLogNorm)
	assert.False(t, ok)
}

func TestLogNormalizeRawUntouched(t *testing.T) {
	d := denseDataset(t, [][]float64{{1, 2}, {3, 4}})
	require.NoError(t, Run(d, DefaultOpts))
	assert.Equal(t, 1.0, d.Counts.At(0, 0))
	assert.Equal(t, 4.0, d.Counts.At(1, 1))
}

func TestVSTResiduals(t *testing.T) {
	d := denseDataset(t, [][]float64{
		{10, 0, 5},
		{0, 8, 2},
		{4, 4, 4},
	})
	require.NoError(t, Run(d, Opts{Method: VST, Theta: 100}))
	layer, ok := d.Layer(dataset.LayerVST)
	require.True(t, ok)

	clip := math.Sqrt(3)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := layer.At(i, j)
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
			assert.LessOrEqual(t, math.Abs(v), clip+1e-12)
		}
	}
	// A count above its expectation has a positive residual.
	// Cell 0 feature 0: mu = 15 * (14/37) < 10.
	assert.Greater(t, layer.At(0, 0), 0.0)
	// Cell 1 feature 0 is zero but expected positive: negative residual.
	assert.Less(t, layer.At(1, 0), 0.0)
}

func TestVSTZeroTotalCellAllowed(t *testing.T) {
	// The VST path has no division by cell totals; a zero cell simply
	// gets zero residuals against mu=0 features and negative elsewhere.
	d, err := dataset.FromTriplets("norm",
		[]string{"c0", "c1"}, []string{"f0"},
		[]int{0}, []int{0}, []float64{3})
	require.NoError(t, err)
	require.NoError(t, Run(d, Opts{Method: VST, Theta: 10}))
	layer, _ := d.Layer(dataset.LayerVST)
	assert.Equal(t, 0.0, layer.At(1, 0))
}

func TestConfigurationErrors(t *testing.T) {
	d := denseDataset(t, [][]float64{{1}})
	assert.True(t, scerr.IsKind(Run(d, Opts{Method: LogNormalize, ScaleFactor: 0}), scerr.Configuration))
	assert.True(t, scerr.IsKind(Run(d, Opts{Method: VST, Theta: 0}), scerr.Configuration))
	assert.True(t, scerr.IsKind(Run(d, Opts{Method: Method(99)}), scerr.Configuration))
}
