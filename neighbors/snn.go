package neighbors

import (
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/pkg/errors"

	"sctk/dataset"
	"sctk/scerr"
)

// Opts configures Build.
type Opts struct {
	// Embedding names the reduced space to search in.
	Embedding string
	// DimStart and DimEnd restrict the embedding to the component
	// range [DimStart, DimEnd). DimEnd 0 means the full width.
	DimStart, DimEnd int
	// K is the neighbor count per cell.
	K int
	// Prune drops shared-neighbor edges with weight below this value.
	Prune float64
}

// DefaultOpts searches the full PCA embedding with 20 neighbors and
// the conventional 1/15 pruning threshold.
var DefaultOpts = Opts{
	Embedding: "pca",
	K:         20,
	Prune:     1.0 / 15,
}

// Build finds each cell's K nearest neighbors (Euclidean, self
// excluded) in the restricted embedding, then derives a symmetric
// shared-nearest-neighbor graph: the weight between two linked cells
// is the Jaccard overlap of their neighborhoods (each neighborhood
// including the cell itself), and edges below opts.Prune are dropped.
// The graph is stored on the dataset under the name "snn".
func Build(d *dataset.Dataset, opts Opts) (*dataset.Graph, error) {
	e, ok := d.Embedding(opts.Embedding)
	if !ok {
		return nil, scerr.New(scerr.Configuration, "embedding %q not present", opts.Embedding)
	}
	n, width := e.Dims()
	start, end := opts.DimStart, opts.DimEnd
	if end == 0 {
		end = width
	}
	if start < 0 || end > width || start >= end {
		return nil, scerr.New(scerr.Dimensionality,
			"dimension range [%d, %d) invalid for embedding %q of width %d",
			start, end, opts.Embedding, width)
	}
	if opts.K < 1 || opts.K >= n {
		return nil, scerr.New(scerr.Configuration, "neighbor count %d out of range for %d cells", opts.K, n)
	}

	rows := e.Restricted(start, end)
	ix := NewIndex(rows)

	// kNN sets per cell, self included for the overlap computation.
	sets := make([][]int, n)
	err := traverse.Each(n, func(i int) error {
		idx, _ := ix.Nearest(rows[i], opts.K+1)
		set := make([]int, 0, opts.K+1)
		set = append(set, i)
		for _, j := range idx {
			if j != i && len(set) < opts.K+1 {
				set = append(set, j)
			}
		}
		sort.Ints(set)
		sets[i] = set
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "querying nearest neighbors")
	}

	// Candidate edges are the kNN pairs, symmetrized.
	pairSet := make(map[[2]int]bool)
	for i, set := range sets {
		for _, j := range set {
			if j == i {
				continue
			}
			a, b := i, j
			if a > b {
				a, b = b, a
			}
			pairSet[[2]int{a, b}] = true
		}
	}
	pairs := make([][2]int, 0, len(pairSet))
	for p := range pairSet {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a][0] != pairs[b][0] {
			return pairs[a][0] < pairs[b][0]
		}
		return pairs[a][1] < pairs[b][1]
	})

	weights := make([]float64, len(pairs))
	err = traverse.Each(len(pairs), func(p int) error {
		weights[p] = jaccard(sets[pairs[p][0]], sets[pairs[p][1]])
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scoring shared-neighbor overlap")
	}

	adj := make([][]dataset.Edge, n)
	for p, pair := range pairs {
		if weights[p] < opts.Prune {
			continue
		}
		a, b := pair[0], pair[1]
		adj[a] = append(adj[a], dataset.Edge{To: b, Weight: weights[p]})
		adj[b] = append(adj[b], dataset.Edge{To: a, Weight: weights[p]})
	}
	for i := range adj {
		sort.Slice(adj[i], func(a, b int) bool { return adj[i][a].To < adj[i][b].To })
	}

	g := &dataset.Graph{
		Name:      "snn",
		K:         opts.K,
		Embedding: opts.Embedding,
		DimRange:  [2]int{start, end},
		Adj:       adj,
	}
	if err := d.SetGraph(g); err != nil {
		return nil, err
	}
	log.Debug.Printf("neighbors: %s: SNN graph with %d edges (k=%d)", d.ID, g.NEdges(), opts.K)
	return g, nil
}

// jaccard computes |a∩b| / |a∪b| for sorted int slices.
func jaccard(a, b []int) float64 {
	inter := 0
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
