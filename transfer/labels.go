package transfer

import (
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"sctk/neighbors"
	"sctk/scerr"
)

// TransferOpts configures TransferLabels.
type TransferOpts struct {
	// KWeight is the number of nearest anchors voting per query cell.
	KWeight int
	// Sigma is the Gaussian proximity bandwidth in shared-space
	// units. Non-positive means adaptive: each query cell uses the
	// mean distance to its voting anchors.
	Sigma float64
}

// DefaultTransferOpts votes over 10 anchors with adaptive bandwidth.
var DefaultTransferOpts = TransferOpts{
	KWeight: 10,
}

// Prediction is one query cell's transferred label. Scores holds the
// normalized per-label vote mass; Score is the winner's share.
type Prediction struct {
	Cell   string
	Label  string
	Score  float64
	Scores map[string]float64
}

// TransferLabels predicts a reference label for every query cell by a
// weighted vote over its nearest anchors in the shared space. An
// anchor votes for its reference cell's label with weight equal to its
// consistency score times a Gaussian in the distance between the query
// cell and the anchor's query-side position. Votes are normalized per
// cell; ties break toward the lexicographically smallest label, so the
// output is deterministic. Every prediction is a label that occurs in
// refLabels.
func TransferLabels(a *AnchorSet, refLabels []string, opts TransferOpts) ([]Prediction, error) {
	if len(refLabels) != len(a.RefCells) {
		return nil, scerr.New(scerr.Configuration,
			"%d reference labels for %d reference cells", len(refLabels), len(a.RefCells))
	}
	if opts.KWeight < 1 {
		return nil, scerr.New(scerr.Configuration, "anchor vote count %d must be positive", opts.KWeight)
	}
	if len(a.Anchors) == 0 {
		return nil, scerr.New(scerr.NoAnchorsFound, "anchor set is empty")
	}

	queryRows := denseRows(a.QueryCoords)
	anchorRows := make([][]float64, len(a.Anchors))
	for i, anc := range a.Anchors {
		anchorRows[i] = queryRows[anc.Query]
	}
	anchorIx := neighbors.NewIndex(anchorRows)

	nQuery := len(queryRows)
	preds := make([]Prediction, nQuery)
	err := traverse.Each(nQuery, func(q int) error {
		idx, dist2 := anchorIx.Nearest(queryRows[q], opts.KWeight)
		sigma := opts.Sigma
		if sigma <= 0 {
			sum := 0.0
			for _, d2 := range dist2 {
				sum += math.Sqrt(d2)
			}
			sigma = sum / float64(len(dist2))
			if sigma == 0 {
				sigma = 1
			}
		}
		votes := make(map[string]float64)
		total := 0.0
		for pos, ai := range idx {
			anc := a.Anchors[ai]
			w := anc.Score * math.Exp(-dist2[pos]/(2*sigma*sigma))
			votes[refLabels[anc.Ref]] += w
			total += w
		}
		if total == 0 {
			// Gaussian underflow: fall back to the nearest anchor.
			label := refLabels[a.Anchors[idx[0]].Ref]
			preds[q] = Prediction{Cell: a.QueryCells[q], Label: label, Scores: map[string]float64{label: 1}, Score: 1}
			return nil
		}
		best := ""
		for label, w := range votes {
			votes[label] = w / total
			if best == "" || votes[label] > votes[best] ||
				(votes[label] == votes[best] && label < best) {
				best = label
			}
		}
		preds[q] = Prediction{Cell: a.QueryCells[q], Label: best, Score: votes[best], Scores: votes}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "voting over anchors")
	}
	return preds, nil
}

// WriteTSV writes predictions as a tab-separated table with a header
// row, gzipped when the path ends in ".gz". Per-label score columns
// cover every label seen across the predictions, in sorted order.
func WriteTSV(path string, preds []Prediction) (err error) {
	labelSet := make(map[string]bool)
	for _, p := range preds {
		for l := range p.Scores {
			labelSet[l] = true
		}
	}
	labels := make([]string, 0, len(labelSet))
	for l := range labelSet {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating prediction table")
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	out := tsv.NewWriter(w)
	out.WriteString("cell")
	out.WriteString("predicted")
	out.WriteString("score")
	for _, l := range labels {
		out.WriteString("score_" + l)
	}
	if err = out.EndLine(); err != nil {
		return errors.Wrap(err, "writing prediction header")
	}
	for _, p := range preds {
		out.WriteString(p.Cell)
		out.WriteString(p.Label)
		out.WriteFloat64(p.Score, 'g', -1)
		for _, l := range labels {
			out.WriteFloat64(p.Scores[l], 'g', -1)
		}
		if err = out.EndLine(); err != nil {
			return errors.Wrap(err, "writing prediction row")
		}
	}
	if err = out.Flush(); err != nil {
		return errors.Wrap(err, "flushing prediction table")
	}
	if gz != nil {
		return gz.Close()
	}
	return nil
}
