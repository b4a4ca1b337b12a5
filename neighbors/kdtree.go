// Package neighbors builds k-nearest-neighbor indexes and
// shared-nearest-neighbor graphs over reduced embeddings.
package neighbors

import (
	"sort"

	"github.com/biogo/store/kdtree"
)

// point is one cell's coordinates plus its row index, usable as a
// kd-tree element and as a query.
type point struct {
	coords []float64
	row    int
}

func (p point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.coords[d] - c.(point).coords[d]
}

func (p point) Dims() int { return len(p.coords) }

// Distance returns the squared Euclidean distance; monotone in the
// true distance, which is all the keeper needs.
func (p point) Distance(c kdtree.Comparable) float64 {
	q := c.(point)
	var sum float64
	for i, v := range p.coords {
		d := v - q.coords[i]
		sum += d * d
	}
	return sum
}

type points []point

func (p points) Index(i int) kdtree.Comparable         { return p[i] }
func (p points) Len() int                              { return len(p) }
func (p points) Pivot(d kdtree.Dim) int                { return plane{Dim: d, points: p}.Pivot() }
func (p points) Slice(start, end int) kdtree.Interface { return p[start:end] }

// plane adapts points for the kd-tree's median partitioning, following
// the kdtree.Plane pattern.
type plane struct {
	kdtree.Dim
	points
}

func (p plane) Less(i, j int) bool {
	return p.points[i].coords[p.Dim] < p.points[j].coords[p.Dim]
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}

// Index is a kd-tree over a set of row vectors supporting exact
// k-nearest-neighbor queries. Queries are safe to run concurrently.
type Index struct {
	tree *kdtree.Tree
	dim  int
	n    int
}

// NewIndex builds an index over rows (each of equal length).
func NewIndex(rows [][]float64) *Index {
	pts := make(points, len(rows))
	for i, r := range rows {
		pts[i] = point{coords: r, row: i}
	}
	dim := 0
	if len(rows) > 0 {
		dim = len(rows[0])
	}
	return &Index{tree: kdtree.New(pts, true), dim: dim, n: len(rows)}
}

// Dim returns the coordinate dimensionality.
func (ix *Index) Dim() int { return ix.dim }

// Len returns the number of indexed rows.
func (ix *Index) Len() int { return ix.n }

// Nearest returns the k nearest indexed rows to q with their squared
// distances, ordered by ascending distance, ties broken by ascending
// row index. When k exceeds the index size all rows are returned.
func (ix *Index) Nearest(q []float64, k int) (idx []int, dist2 []float64) {
	if k > ix.n {
		k = ix.n
	}
	if k <= 0 {
		return nil, nil
	}
	keeper := kdtree.NewNKeeper(k)
	ix.tree.NearestSet(keeper, point{coords: q, row: -1})

	type hit struct {
		row   int
		dist2 float64
	}
	hits := make([]hit, 0, k)
	for _, cd := range keeper.Heap {
		if cd.Comparable == nil {
			continue
		}
		hits = append(hits, hit{row: cd.Comparable.(point).row, dist2: cd.Dist})
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].dist2 != hits[b].dist2 {
			return hits[a].dist2 < hits[b].dist2
		}
		return hits[a].row < hits[b].row
	})
	idx = make([]int, len(hits))
	dist2 = make([]float64, len(hits))
	for i, h := range hits {
		idx[i] = h.row
		dist2[i] = h.dist2
	}
	return idx, dist2
}
