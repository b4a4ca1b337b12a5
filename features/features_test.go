package features

import (
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sctk/dataset"
	"sctk/scerr"
)

// bimodalDataset has feature 0 strongly bimodal across two cell groups
// and the rest near-constant noise.
func bimodalDataset(t *testing.T, nCells, nFeatures int, seed uint64) *dataset.Dataset {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed))
	var rows, cols []int
	var vals []float64
	cells := make([]string, nCells)
	for i := range cells {
		cells[i] = "c" + strconv.Itoa(i)
		for j := 0; j < nFeatures; j++ {
			var v float64
			if j == 0 {
				if i < nCells/2 {
					v = 50 + float64(rng.IntN(5))
				} else {
					v = float64(rng.IntN(2))
				}
			} else {
				// Low-variance noise at a per-feature mean level.
				v = float64(j) + float64(i%2)
			}
			if v != 0 {
				rows = append(rows, i)
				cols = append(cols, j)
				vals = append(vals, v)
			}
		}
	}
	features := make([]string, nFeatures)
	for j := range features {
		features[j] = "f" + strconv.Itoa(j)
	}
	d, err := dataset.FromTriplets("hvf", cells, features, rows, cols, vals)
	require.NoError(t, err)
	return d
}

func TestSelectHVFRanksBimodalFirst(t *testing.T) {
	d := bimodalDataset(t, 40, 10, 1)
	selected, err := SelectHVF(d, Opts{TopK: 3})
	require.NoError(t, err)
	require.Len(t, selected, 3)
	assert.Equal(t, 0, selected[0], "bimodal feature should rank first")

	ranks, ok := d.FeatureMeta(MetaRank)
	require.True(t, ok)
	assert.Equal(t, 0.0, ranks[0])
}

// flatNoiseDataset is the canonical two-population matrix: 100 cells x
// 50 features, features 0-4 strongly bimodal across two equal halves,
// everything else uniform noise at a single flat level.
func flatNoiseDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	n, p := 100, 50
	rng := rand.New(rand.NewPCG(11, 11))
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
	d, err := dataset.FromTriplets("flat", cells, feats, rows, cols, vals)
	require.NoError(t, err)
	return d
}

func TestSelectHVFFlatNoiseFloor(t *testing.T) {
	// With every noise feature sitting at the same mean, the bimodal
	// features must still fill the leading ranks.
	d := flatNoiseDataset(t)
	selected, err := SelectHVF(d, Opts{TopK: 10, Theta: 100})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4}, selected[:5])

	ranks, ok := d.FeatureMeta(MetaRank)
	require.True(t, ok)
	for j := 0; j < 5; j++ {
		assert.Less(t, ranks[j], 5.0, "feature %d", j)
	}
}

func TestSelectHVFDeterministic(t *testing.T) {
	d1 := bimodalDataset(t, 40, 10, 7)
	d2 := bimodalDataset(t, 40, 10, 7)
	s1, err := SelectHVF(d1, Opts{TopK: 10})
	require.NoError(t, err)
	s2, err := SelectHVF(d2, Opts{TopK: 10})
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestSelectHVFTieBreak(t *testing.T) {
	// Identical features tie on score; ordering must fall back to
	// ascending feature index.
	d, err := dataset.FromTriplets("ties",
		[]string{"c0", "c1"},
		[]string{"f0", "f1", "f2"},
		[]int{0, 0, 0, 1, 1, 1},
		[]int{0, 1, 2, 0, 1, 2},
		[]float64{1, 1, 1, 3, 3, 3})
	require.NoError(t, err)
	selected, err := SelectHVF(d, Opts{TopK: 3})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, selected)
}

func TestSelectHVFConfigErrors(t *testing.T) {
	d := bimodalDataset(t, 10, 5, 3)
	_, err := SelectHVF(d, Opts{TopK: 6})
	assert.True(t, scerr.IsKind(err, scerr.Configuration))
	_, err = SelectHVF(d, Opts{TopK: 0})
	assert.True(t, scerr.IsKind(err, scerr.Configuration))
}
