// Package transfer aligns a query dataset to a reference through
// anchor correspondences and projects reference labels onto the query.
package transfer

import (
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"sctk/dataset"
	"sctk/features"
	"sctk/neighbors"
	"sctk/scerr"
)

// Opts configures FindAnchors.
type Opts struct {
	// Layer is the expression layer aligned on, in both datasets.
	Layer string
	// Features caps the number of shared features used, preferring the
	// reference's variability ranking when present. 0 means all shared
	// features.
	Features int
	// Components is the dimensionality of the shared projection.
	Components int
	// K is the neighbor count for the mutual-nearest-neighbor search.
	K int
	// ScoreK is the neighborhood size for anchor consistency scoring.
	ScoreK int
}

// DefaultOpts aligns the log-normalized layers over up to 2000 shared
// features in a 30-dimensional shared space.
var DefaultOpts = Opts{
	Layer:      dataset.LayerLogNorm,
	Features:   2000,
	Components: 30,
	K:          5,
	ScoreK:     30,
}

// Anchor is one reference/query cell correspondence. Score is the
// consistency of the two neighborhoods in (0, 1]; Dist2 the squared
// distance between the paired cells in the shared space.
type Anchor struct {
	Ref, Query int
	Score      float64
	Dist2      float64
}

// AnchorSet holds the surviving anchors together with the shared-space
// coordinates needed for transfer weighting.
type AnchorSet struct {
	Anchors []Anchor
	// RefCoords and QueryCoords are the two datasets projected into
	// the shared reduced space.
	RefCoords, QueryCoords *mat.Dense
	// Features lists the shared feature names the space was built on.
	Features   []string
	RefCells   []string
	QueryCells []string
}

// FindAnchors projects reference and query into a shared reduced space
// and returns mutually-consistent nearest-neighbor correspondences.
//
// Both datasets are restricted to their shared features (preferring
// the reference's variability ranking) and standardized with reference
// statistics. The principal components are fit on the reference only
// and the query is projected with the reference loadings, so the query
// never influences the space it is mapped into. Candidate anchors are
// the mutual K-nearest-neighbor pairs across datasets; each is scored
// by the overlap between the reference cells nearest its query cell
// and the reference cells nearest its reference cell, and zero-score
// candidates are dropped. Returns a NoAnchorsFound error when nothing
// survives.
func FindAnchors(ref, query *dataset.Dataset, opts Opts) (*AnchorSet, error) {
	refM, ok := ref.Layer(opts.Layer)
	if !ok {
		return nil, scerr.New(scerr.Configuration, "reference %s: layer %q not present", ref.ID, opts.Layer)
	}
	queryM, ok := query.Layer(opts.Layer)
	if !ok {
		return nil, scerr.New(scerr.Configuration, "query %s: layer %q not present", query.ID, opts.Layer)
	}
	if opts.K < 1 || opts.ScoreK < 1 {
		return nil, scerr.New(scerr.Configuration, "neighbor counts must be positive (k=%d, score k=%d)", opts.K, opts.ScoreK)
	}

	refIdx, queryIdx, names := sharedFeatures(ref, query, opts.Features)
	if len(names) == 0 {
		return nil, scerr.New(scerr.InsufficientData, "no shared features between %s and %s", ref.ID, query.ID)
	}
	nRef, nQuery := ref.NCells(), query.NCells()
	maxComp := nRef - 1
	if len(names) < maxComp {
		maxComp = len(names)
	}
	if opts.Components < 1 || opts.Components > maxComp {
		return nil, scerr.New(scerr.Dimensionality,
			"component count %d out of range (max %d for %d reference cells over %d shared features)",
			opts.Components, maxComp, nRef, len(names))
	}

	refX := extract(refM, refIdx)
	queryX := extract(queryM, queryIdx)
	standardizeByRef(refX, queryX)

	var pc stat.PC
	if !pc.PrincipalComponents(refX, nil) {
		return nil, scerr.New(scerr.Dimensionality, "principal components failed to converge on reference %s", ref.ID)
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	loadings := vecs.Slice(0, len(names), 0, opts.Components)

	refCoords := mat.NewDense(nRef, opts.Components, nil)
	refCoords.Mul(refX, loadings)
	queryCoords := mat.NewDense(nQuery, opts.Components, nil)
	queryCoords.Mul(queryX, loadings)

	refRows := denseRows(refCoords)
	queryRows := denseRows(queryCoords)
	refIx := neighbors.NewIndex(refRows)
	queryIx := neighbors.NewIndex(queryRows)

	// Mutual nearest neighbors across the two datasets.
	refToQuery := make([][]int, nRef)
	err := traverse.Each(nRef, func(i int) error {
		idx, _ := queryIx.Nearest(refRows[i], opts.K)
		refToQuery[i] = idx
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "searching query neighbors")
	}
	queryToRef := make([][]int, nQuery)
	queryToRefD2 := make([][]float64, nQuery)
	err = traverse.Each(nQuery, func(i int) error {
		idx, d2 := refIx.Nearest(queryRows[i], opts.K)
		queryToRef[i] = idx
		queryToRefD2[i] = d2
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "searching reference neighbors")
	}

	var candidates []Anchor
	for q, refs := range queryToRef {
		for pos, r := range refs {
			mutual := false
			for _, back := range refToQuery[r] {
				if back == q {
					mutual = true
					break
				}
			}
			if mutual {
				candidates = append(candidates, Anchor{Ref: r, Query: q, Dist2: queryToRefD2[q][pos]})
			}
		}
	}

	// Consistency: the reference cells nearest the anchor's query cell
	// should largely be the reference cells nearest its reference cell.
	scoreK := opts.ScoreK
	if scoreK > nRef {
		scoreK = nRef
	}
	anchors := make([]Anchor, 0, len(candidates))
	for _, a := range candidates {
		nearQ, _ := refIx.Nearest(queryRows[a.Query], scoreK)
		nearR, _ := refIx.Nearest(refRows[a.Ref], scoreK)
		if s := overlap(nearQ, nearR); s > 0 {
			a.Score = s
			anchors = append(anchors, a)
		}
	}
	if len(anchors) == 0 {
		return nil, scerr.New(scerr.NoAnchorsFound,
			"no consistent anchors between %s (%d cells) and %s (%d cells)", ref.ID, nRef, query.ID, nQuery)
	}
	sort.Slice(anchors, func(i, j int) bool {
		if anchors[i].Ref != anchors[j].Ref {
			return anchors[i].Ref < anchors[j].Ref
		}
		return anchors[i].Query < anchors[j].Query
	})
	log.Printf("transfer: %d anchors between %s and %s over %d shared features",
		len(anchors), ref.ID, query.ID, len(names))
	return &AnchorSet{
		Anchors:     anchors,
		RefCoords:   refCoords,
		QueryCoords: queryCoords,
		Features:    names,
		RefCells:    ref.Cells,
		QueryCells:  query.Cells,
	}, nil
}

// sharedFeatures intersects the feature names, ordered by the
// reference's variability rank when available and by reference column
// order otherwise, truncated to limit when positive.
func sharedFeatures(ref, query *dataset.Dataset, limit int) (refIdx, queryIdx []int, names []string) {
	queryByName := make(map[string]int, query.NFeatures())
	for j, name := range query.Features {
		queryByName[name] = j
	}
	type shared struct {
		refJ, queryJ int
		rank         float64
	}
	ranks, hasRanks := ref.FeatureMeta(features.MetaRank)
	var all []shared
	for j, name := range ref.Features {
		qj, ok := queryByName[name]
		if !ok {
			continue
		}
		s := shared{refJ: j, queryJ: qj, rank: float64(j)}
		if hasRanks {
			s.rank = ranks[j]
		}
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].rank != all[j].rank {
			return all[i].rank < all[j].rank
		}
		return all[i].refJ < all[j].refJ
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	for _, s := range all {
		refIdx = append(refIdx, s.refJ)
		queryIdx = append(queryIdx, s.queryJ)
		names = append(names, ref.Features[s.refJ])
	}
	return refIdx, queryIdx, names
}

func extract(m *mat.Dense, cols []int) *mat.Dense {
	n, _ := m.Dims()
	out := mat.NewDense(n, len(cols), nil)
	for i := 0; i < n; i++ {
		for k, j := range cols {
			out.Set(i, k, m.At(i, j))
		}
	}
	return out
}

// standardizeByRef centers and scales both matrices column-wise using
// the reference's statistics. Columns constant in the reference zero
// out in both datasets.
func standardizeByRef(refX, queryX *mat.Dense) {
	nRef, p := refX.Dims()
	nQuery, _ := queryX.Dims()
	col := make([]float64, nRef)
	for j := 0; j < p; j++ {
		mat.Col(col, j, refX)
		mean, std := stat.MeanStdDev(col, nil)
		if std < 1e-12 {
			std = 0
		}
		for i := 0; i < nRef; i++ {
			refX.Set(i, j, standardized(refX.At(i, j), mean, std))
		}
		for i := 0; i < nQuery; i++ {
			queryX.Set(i, j, standardized(queryX.At(i, j), mean, std))
		}
	}
}

func standardized(v, mean, std float64) float64 {
	if std == 0 {
		return 0
	}
	return (v - mean) / std
}

func denseRows(m *mat.Dense) [][]float64 {
	n, p := m.Dims()
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		rows[i] = make([]float64, p)
		mat.Row(rows[i], i, m)
	}
	return rows
}

// overlap is the fraction of shared entries between two equal-length
// index sets.
func overlap(a, b []int) float64 {
	if len(a) == 0 {
		return 0
	}
	set := make(map[int]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	n := 0
	for _, v := range b {
		if set[v] {
			n++
		}
	}
	return float64(n) / float64(len(a))
}
