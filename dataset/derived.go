package dataset

import (
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Embedding is a named cells x components projection of a layer.
// PCA embeddings additionally record per-component variance fractions,
// in decreasing order. Component signs are arbitrary: a principal
// direction and its negation explain the same variance, and no
// canonical orientation exists.
type Embedding struct {
	Name        string
	Coords      *mat.Dense
	SourceLayer string
	// VarianceFractions[i] is the fraction of total variance explained
	// by component i. Nil for non-linear embeddings.
	VarianceFractions []float64
}

// Dims returns (cells, components).
func (e *Embedding) Dims() (int, int) { return e.Coords.Dims() }

// Restricted returns the embedding coordinates restricted to the
// half-open component range [start, end) as row slices.
func (e *Embedding) Restricted(start, end int) [][]float64 {
	n, _ := e.Coords.Dims()
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, end-start)
		for j := start; j < end; j++ {
			row[j-start] = e.Coords.At(i, j)
		}
		out[i] = row
	}
	return out
}

// Edge is one weighted, undirected adjacency entry.
type Edge struct {
	To     int
	Weight float64
}

// Graph is a symmetric weighted neighbor graph over cell indices,
// stored as per-cell adjacency lists sorted by target index. Self
// loops are excluded by construction.
type Graph struct {
	Name string
	// K is the neighbor count the graph was built with.
	K int
	// Embedding and DimRange record the reduced space the graph was
	// derived from.
	Embedding string
	DimRange  [2]int
	Adj       [][]Edge
}

// NNodes returns the number of cells in the graph.
func (g *Graph) NNodes() int { return len(g.Adj) }

// NEdges returns the number of undirected edges.
func (g *Graph) NEdges() int {
	n := 0
	for _, adj := range g.Adj {
		n += len(adj)
	}
	return n / 2
}

// Weight returns the edge weight between a and b, 0 if absent.
func (g *Graph) Weight(a, b int) float64 {
	adj := g.Adj[a]
	i := sort.Search(len(adj), func(i int) bool { return adj[i].To >= b })
	if i < len(adj) && adj[i].To == b {
		return adj[i].Weight
	}
	return 0
}

// Clustering is a partition of cells into integer-labeled communities.
// Label values carry no meaning beyond identity; the partition is
// immutable once computed (annotation happens via
// Dataset.AnnotateClusters, which writes a separate column).
type Clustering struct {
	Name       string
	Labels     []int
	Resolution float64
	Seed       int64
	// Graph names the neighbor graph the partition was derived from.
	Graph string
}

// NumClusters returns the number of distinct labels.
func (c *Clustering) NumClusters() int {
	seen := make(map[int]bool)
	for _, l := range c.Labels {
		seen[l] = true
	}
	return len(seen)
}

// Groups returns cell indices per label, each in ascending order.
func (c *Clustering) Groups() map[int][]int {
	groups := make(map[int][]int)
	for i, l := range c.Labels {
		groups[l] = append(groups[l], i)
	}
	return groups
}
