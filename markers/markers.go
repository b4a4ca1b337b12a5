// Package markers finds differentially expressed features between
// groups of cells.
package markers

import (
	"math"
	"sort"
	"strconv"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"sctk/dataset"
	"sctk/scerr"
)

// Test selects the per-feature significance test.
type Test int

const (
	// Wilcoxon is the tie-corrected, normal-approximation Wilcoxon
	// rank-sum test.
	Wilcoxon Test = iota
	// Welch is Welch's unequal-variance t-test.
	Welch
)

func (t Test) String() string {
	switch t {
	case Wilcoxon:
		return "wilcoxon"
	case Welch:
		return "welch"
	}
	return "unknown"
}

// fcEps keeps fold changes finite when one group mean is zero.
const fcEps = 1e-9

// Opts configures FindMarkers and FindAllMarkers.
type Opts struct {
	// Layer is the expression layer to test, normally the
	// log-normalized one.
	Layer string
	// Test selects the significance test.
	Test Test
	// MinPct drops features detected in less than this fraction of
	// cells in both groups.
	MinPct float64
	// LogFCFloor drops features with |log2 fold change| below this
	// value before testing.
	LogFCFloor float64
}

// DefaultOpts tests the log-normalized layer with the rank-sum test,
// requiring 10% detection in at least one group.
var DefaultOpts = Opts{
	Layer:  dataset.LayerLogNorm,
	Test:   Wilcoxon,
	MinPct: 0.1,
}

// Result is one tested feature. P is the raw two-sided p-value and Q
// its Benjamini-Hochberg adjustment over the tested feature set.
type Result struct {
	Feature string
	Index   int
	// Group is the cluster label a one-vs-rest result belongs to;
	// empty for a two-group comparison.
	Group  string
	Log2FC float64
	// PctA and PctB are the detection fractions in the two groups.
	PctA, PctB float64
	P, Q       float64
}

// FindMarkers compares expression between two explicit cell index
// groups. Features pass the prefilter when detected in at least
// opts.MinPct of either group and their |log2FC| is at least
// opts.LogFCFloor; p-values are tested and BH-adjusted over the
// surviving set only. Results are sorted by ascending p-value, then
// descending |log2FC|, then feature index. Swapping the groups negates
// every fold change but selects the same features.
func FindMarkers(d *dataset.Dataset, groupA, groupB []int, opts Opts) ([]Result, error) {
	m, ok := d.Layer(opts.Layer)
	if !ok {
		return nil, scerr.New(scerr.Configuration, "layer %q not present", opts.Layer)
	}
	_, p := m.Dims()
	if p != d.NFeatures() {
		return nil, scerr.New(scerr.Configuration,
			"layer %q has %d columns for %d features; markers need a full-width layer", opts.Layer, p, d.NFeatures())
	}
	if opts.MinPct < 0 || opts.MinPct > 1 {
		return nil, scerr.New(scerr.Configuration, "min detection fraction %v out of [0, 1]", opts.MinPct)
	}
	n := d.NCells()
	for _, g := range [][]int{groupA, groupB} {
		if len(g) == 0 {
			return nil, scerr.New(scerr.InsufficientData, "empty comparison group")
		}
		for _, i := range g {
			if i < 0 || i >= n {
				return nil, scerr.New(scerr.Configuration, "cell index %d out of range for %d cells", i, n)
			}
		}
	}

	results := make([]*Result, p)
	err := traverse.Each(p, func(j int) error {
		va := columnValues(m, groupA, j)
		vb := columnValues(m, groupB, j)
		pctA := detectionPct(va)
		pctB := detectionPct(vb)
		if pctA < opts.MinPct && pctB < opts.MinPct {
			return nil
		}
		meanA := stat.Mean(va, nil)
		meanB := stat.Mean(vb, nil)
		lfc := math.Log2((meanA + fcEps) / (meanB + fcEps))
		if math.Abs(lfc) < opts.LogFCFloor {
			return nil
		}
		var pv float64
		switch opts.Test {
		case Wilcoxon:
			pv = rankSumP(va, vb)
		case Welch:
			pv = welchP(va, vb)
		default:
			return scerr.New(scerr.Configuration, "unknown test %d", opts.Test)
		}
		results[j] = &Result{
			Feature: d.Features[j],
			Index:   j,
			Log2FC:  lfc,
			PctA:    pctA,
			PctB:    pctB,
			P:       pv,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tested := make([]Result, 0, p)
	for _, r := range results {
		if r != nil {
			tested = append(tested, *r)
		}
	}
	pvals := make([]float64, len(tested))
	for i, r := range tested {
		pvals[i] = r.P
	}
	for i, q := range benjaminiHochberg(pvals) {
		tested[i].Q = q
	}
	sortResults(tested)
	return tested, nil
}

// FindAllMarkers runs a one-vs-rest comparison for every cluster in
// the named clustering and returns the concatenated per-cluster
// results, each tagged with its cluster label.
func FindAllMarkers(d *dataset.Dataset, clustering string, opts Opts) ([]Result, error) {
	c, ok := d.Clustering(clustering)
	if !ok {
		return nil, scerr.New(scerr.Configuration, "clustering %q not present", clustering)
	}
	groups := c.Groups()
	labels := make([]int, 0, len(groups))
	for l := range groups {
		labels = append(labels, l)
	}
	sort.Ints(labels)

	n := d.NCells()
	var all []Result
	for _, label := range labels {
		in := groups[label]
		inSet := make(map[int]bool, len(in))
		for _, i := range in {
			inSet[i] = true
		}
		rest := make([]int, 0, n-len(in))
		for i := 0; i < n; i++ {
			if !inSet[i] {
				rest = append(rest, i)
			}
		}
		if len(rest) == 0 {
			return nil, scerr.New(scerr.InsufficientData, "clustering %q has a single cluster", clustering)
		}
		res, err := FindMarkers(d, in, rest, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "cluster %d vs rest", label)
		}
		group := strconv.Itoa(label)
		for i := range res {
			res[i].Group = group
		}
		all = append(all, res...)
	}
	log.Printf("markers: %s: %d one-vs-rest results over %d clusters", d.ID, len(all), len(labels))
	return all, nil
}

func columnValues(m *mat.Dense, cells []int, j int) []float64 {
	out := make([]float64, len(cells))
	for k, i := range cells {
		out[k] = m.At(i, j)
	}
	return out
}

func detectionPct(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	n := 0
	for _, v := range vals {
		if v > 0 {
			n++
		}
	}
	return float64(n) / float64(len(vals))
}

// rankSumP computes the two-sided p-value of the Wilcoxon rank-sum
// (Mann-Whitney U) test under the tie-corrected normal approximation
// with continuity correction.
func rankSumP(a, b []float64) float64 {
	n1, n2 := len(a), len(b)
	if n1 == 0 || n2 == 0 {
		return 1
	}
	type entry struct {
		val float64
		inA bool
	}
	combined := make([]entry, 0, n1+n2)
	for _, v := range a {
		combined = append(combined, entry{val: v, inA: true})
	}
	for _, v := range b {
		combined = append(combined, entry{val: v})
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i].val < combined[j].val })

	// Average ranks over tie runs, accumulating the tie correction.
	N := len(combined)
	r1 := 0.0
	tieSum := 0.0
	for i := 0; i < N; {
		j := i
		for j < N && combined[j].val == combined[i].val {
			j++
		}
		avgRank := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			if combined[k].inA {
				r1 += avgRank
			}
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}

	n1f, n2f, nf := float64(n1), float64(n2), float64(N)
	u1 := r1 - n1f*(n1f+1)/2
	u := math.Min(u1, n1f*n2f-u1)
	mu := n1f * n2f / 2
	sigma := math.Sqrt(n1f * n2f * ((nf + 1) - tieSum/(nf*(nf-1))) / 12)
	if sigma < 1e-10 {
		return 1
	}
	z := (u - mu + 0.5) / sigma
	norm := distuv.Normal{Mu: 0, Sigma: 1}
	return math.Min(1, 2*norm.CDF(-math.Abs(z)))
}

// welchP computes the two-sided p-value of Welch's unequal-variance
// t-test with Welch-Satterthwaite degrees of freedom.
func welchP(a, b []float64) float64 {
	n1, n2 := len(a), len(b)
	if n1 < 2 || n2 < 2 {
		return 1
	}
	mean1, var1 := stat.MeanVariance(a, nil)
	mean2, var2 := stat.MeanVariance(b, nil)
	se1 := var1 / float64(n1)
	se2 := var2 / float64(n2)
	seDiff := math.Sqrt(se1 + se2)
	if seDiff < 1e-15 {
		if mean1 == mean2 {
			return 1
		}
		return 0
	}
	t := (mean1 - mean2) / seDiff
	den := 0.0
	if se1 > 0 {
		den += se1 * se1 / float64(n1-1)
	}
	if se2 > 0 {
		den += se2 * se2 / float64(n2-1)
	}
	if den < 1e-15 {
		return 1
	}
	df := (se1 + se2) * (se1 + se2) / den
	if df < 1 {
		df = 1
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return math.Min(1, 2*dist.CDF(-math.Abs(t)))
}

// benjaminiHochberg adjusts p-values for the false discovery rate,
// enforcing monotonicity from the largest p-value down.
func benjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	if n == 0 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return pvals[idx[i]] < pvals[idx[j]] })

	adj := make([]float64, n)
	minQ := 1.0
	for i := n - 1; i >= 0; i-- {
		q := pvals[idx[i]] * float64(n) / float64(i+1)
		if q > 1 {
			q = 1
		}
		if q < minQ {
			minQ = q
		} else {
			q = minQ
		}
		adj[idx[i]] = q
	}
	return adj
}

func sortResults(res []Result) {
	sort.Slice(res, func(i, j int) bool {
		if res[i].P != res[j].P {
			return res[i].P < res[j].P
		}
		ai, aj := math.Abs(res[i].Log2FC), math.Abs(res[j].Log2FC)
		if ai != aj {
			return ai > aj
		}
		return res[i].Index < res[j].Index
	})
}
