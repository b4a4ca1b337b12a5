package transfer

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"sctk/dataset"
	"sctk/scerr"
)

// exprDataset wraps a dense expression matrix as a dataset with the
// log-normalized layer set directly.
func exprDataset(t *testing.T, id string, m *mat.Dense, featNames []string) *dataset.Dataset {
	t.Helper()
	n, _ := m.Dims()
	cells := make([]string, n)
	rows := make([]int, n)
	cols := make([]int, n)
	vals := make([]float64, n)
	for i := range cells {
		cells[i] = id + "-c" + strconv.Itoa(i)
		rows[i], cols[i], vals[i] = i, 0, 1
	}
	d, err := dataset.FromTriplets(id, cells, featNames, rows, cols, vals)
	require.NoError(t, err)
	require.NoError(t, d.SetLayer(dataset.LayerLogNorm, m))
	return d
}

// twoTypeMatrix draws n cells from two expression programs: the first
// half expresses features 0-4, the second half features 5-9.
func twoTypeMatrix(n int, seed uint64) *mat.Dense {
	rng := rand.New(rand.NewPCG(seed, seed))
	m := mat.NewDense(n, 10, nil)
	for i := 0; i < n; i++ {
		lo, hi := 0, 5
		if i >= n/2 {
			lo, hi = 5, 10
		}
		for j := lo; j < hi; j++ {
			m.Set(i, j, 5+0.3*rng.NormFloat64())
		}
	}
	return m
}

func featNames() []string {
	names := make([]string, 10)
	for j := range names {
		names[j] = "f" + strconv.Itoa(j)
	}
	return names
}

func testOpts() Opts {
	return Opts{
		Layer:      dataset.LayerLogNorm,
		Components: 3,
		K:          5,
		ScoreK:     10,
	}
}

func typeLabels(n int) []string {
	labels := make([]string, n)
	for i := range labels {
		if i < n/2 {
			labels[i] = "alpha"
		} else {
			labels[i] = "beta"
		}
	}
	return labels
}

func TestFindAnchorsRespectsTypes(t *testing.T) {
	ref := exprDataset(t, "ref", twoTypeMatrix(40, 1), featNames())
	query := exprDataset(t, "query", twoTypeMatrix(20, 2), featNames())

	a, err := FindAnchors(ref, query, testOpts())
	require.NoError(t, err)
	require.NotEmpty(t, a.Anchors)
	assert.Len(t, a.Features, 10)

	for _, anc := range a.Anchors {
		assert.Equal(t, anc.Ref < 20, anc.Query < 10,
			"anchor pairs ref %d with query %d across expression programs", anc.Ref, anc.Query)
		assert.Greater(t, anc.Score, 0.0)
		assert.LessOrEqual(t, anc.Score, 1.0)
	}
	// Deterministic ordering by (ref, query).
	for i := 1; i < len(a.Anchors); i++ {
		prev, cur := a.Anchors[i-1], a.Anchors[i]
		assert.True(t, prev.Ref < cur.Ref || (prev.Ref == cur.Ref && prev.Query < cur.Query))
	}
}

func TestTransferLabelsMatchesGroups(t *testing.T) {
	ref := exprDataset(t, "ref", twoTypeMatrix(40, 3), featNames())
	query := exprDataset(t, "query", twoTypeMatrix(20, 4), featNames())
	a, err := FindAnchors(ref, query, testOpts())
	require.NoError(t, err)

	preds, err := TransferLabels(a, typeLabels(40), DefaultTransferOpts)
	require.NoError(t, err)
	require.Len(t, preds, 20)

	for q, p := range preds {
		want := "alpha"
		if q >= 10 {
			want = "beta"
		}
		assert.Equal(t, want, p.Label, "query cell %d", q)
		assert.Greater(t, p.Score, 0.5)
		assert.Equal(t, a.QueryCells[q], p.Cell)

		sum := 0.0
		for _, s := range p.Scores {
			sum += s
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
}

func TestTransferLabelsSubsetOfReference(t *testing.T) {
	ref := exprDataset(t, "ref", twoTypeMatrix(40, 5), featNames())
	query := exprDataset(t, "query", twoTypeMatrix(20, 6), featNames())
	a, err := FindAnchors(ref, query, testOpts())
	require.NoError(t, err)

	refLabels := make([]string, 40)
	for i := range refLabels {
		refLabels[i] = "t" + strconv.Itoa(i%3)
	}
	allowed := map[string]bool{"t0": true, "t1": true, "t2": true}
	preds, err := TransferLabels(a, refLabels, DefaultTransferOpts)
	require.NoError(t, err)
	for _, p := range preds {
		assert.True(t, allowed[p.Label], "predicted label %q absent from reference", p.Label)
	}
}

func TestFindAnchorsErrors(t *testing.T) {
	ref := exprDataset(t, "ref", twoTypeMatrix(40, 7), featNames())
	query := exprDataset(t, "query", twoTypeMatrix(20, 8), featNames())

	opts := testOpts()
	opts.Layer = "missing"
	_, err := FindAnchors(ref, query, opts)
	assert.True(t, scerr.IsKind(err, scerr.Configuration))

	opts = testOpts()
	opts.Components = 11
	_, err = FindAnchors(ref, query, opts)
	assert.True(t, scerr.IsKind(err, scerr.Dimensionality))

	opts = testOpts()
	opts.K = 0
	_, err = FindAnchors(ref, query, opts)
	assert.True(t, scerr.IsKind(err, scerr.Configuration))

	// Disjoint feature names: nothing to align on.
	other := make([]string, 10)
	for j := range other {
		other[j] = "g" + strconv.Itoa(j)
	}
	disjoint := exprDataset(t, "query2", twoTypeMatrix(20, 9), other)
	_, err = FindAnchors(ref, disjoint, testOpts())
	assert.True(t, scerr.IsKind(err, scerr.InsufficientData))
}

func TestTransferLabelsErrors(t *testing.T) {
	ref := exprDataset(t, "ref", twoTypeMatrix(40, 10), featNames())
	query := exprDataset(t, "query", twoTypeMatrix(20, 11), featNames())
	a, err := FindAnchors(ref, query, testOpts())
	require.NoError(t, err)

	_, err = TransferLabels(a, typeLabels(6), DefaultTransferOpts)
	assert.True(t, scerr.IsKind(err, scerr.Configuration))

	_, err = TransferLabels(a, typeLabels(40), TransferOpts{KWeight: 0})
	assert.True(t, scerr.IsKind(err, scerr.Configuration))

	empty := &AnchorSet{RefCells: ref.Cells, QueryCells: query.Cells, QueryCoords: a.QueryCoords}
	_, err = TransferLabels(empty, typeLabels(40), DefaultTransferOpts)
	assert.True(t, scerr.IsKind(err, scerr.NoAnchorsFound))
}

func TestSharedFeaturesPrefersReferenceRanks(t *testing.T) {
	ref := exprDataset(t, "ref", twoTypeMatrix(40, 12), featNames())
	query := exprDataset(t, "query", twoTypeMatrix(20, 13), featNames())

	// Rank f9 most variable, f8 next, and so on.
	ranks := make([]float64, 10)
	for j := range ranks {
		ranks[j] = float64(9 - j)
	}
	require.NoError(t, ref.SetFeatureMeta("hvf_rank", ranks))

	refIdx, queryIdx, names := sharedFeatures(ref, query, 3)
	assert.Equal(t, []string{"f9", "f8", "f7"}, names)
	assert.Equal(t, []int{9, 8, 7}, refIdx)
	assert.Equal(t, []int{9, 8, 7}, queryIdx)
}

func TestWritePredictionsTSV(t *testing.T) {
	ref := exprDataset(t, "ref", twoTypeMatrix(40, 14), featNames())
	query := exprDataset(t, "query", twoTypeMatrix(20, 15), featNames())
	a, err := FindAnchors(ref, query, testOpts())
	require.NoError(t, err)
	preds, err := TransferLabels(a, typeLabels(40), DefaultTransferOpts)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "predictions.tsv")
	require.NoError(t, WriteTSV(path, preds))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, len(preds)+1)
	assert.Equal(t, "cell\tpredicted\tscore\tscore_alpha\tscore_beta", lines[0])
}
