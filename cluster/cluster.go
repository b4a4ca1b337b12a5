// Package cluster partitions cells into communities by modularity
// optimization on a shared-nearest-neighbor graph.
package cluster

import (
	"math/rand/v2"
	"sort"

	"github.com/grailbio/base/log"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"

	"sctk/dataset"
	"sctk/scerr"
)

// Name is the key the partition is stored under on the dataset.
const Name = "louvain"

// Opts configures Run.
type Opts struct {
	// Graph names the neighbor graph to partition.
	Graph string
	// Resolution scales the modularity null model. Values above 1
	// favor more, smaller communities; below 1, fewer and larger.
	Resolution float64
	// Seed fixes the random stream driving the community moves. The
	// same graph, resolution and seed reproduce the same partition.
	Seed int64
}

// DefaultOpts partitions the "snn" graph at unit resolution.
var DefaultOpts = Opts{
	Graph:      "snn",
	Resolution: 1.0,
	Seed:       42,
}

// Run optimizes modularity over the named neighbor graph and stores
// the resulting partition on the dataset under Name. Labels are
// renumbered so that cluster 0 contains the lowest-indexed cell,
// cluster 1 the lowest-indexed cell not in cluster 0, and so on;
// a cell with no surviving edges forms its own singleton community.
func Run(d *dataset.Dataset, opts Opts) (*dataset.Clustering, error) {
	g, ok := d.Graph(opts.Graph)
	if !ok {
		return nil, scerr.New(scerr.Configuration, "graph %q not present", opts.Graph)
	}
	if opts.Resolution <= 0 {
		return nil, scerr.New(scerr.Configuration, "resolution %v must be positive", opts.Resolution)
	}
	n := g.NNodes()

	wg := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < n; i++ {
		wg.AddNode(simple.Node(i))
	}
	for i, adj := range g.Adj {
		for _, e := range adj {
			if i < e.To {
				wg.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(i), T: simple.Node(e.To), W: e.Weight})
			}
		}
	}

	src := rand.NewPCG(uint64(opts.Seed), uint64(opts.Seed))
	reduced := community.Modularize(wg, opts.Resolution, src)

	labels := make([]int, n)
	comms := reduced.Communities()
	// Renumber communities by their lowest member so equivalent
	// partitions always carry identical labels.
	type comm struct {
		min   int
		cells []int
	}
	ordered := make([]comm, 0, len(comms))
	for _, nodes := range comms {
		cells := make([]int, len(nodes))
		for i, node := range nodes {
			cells[i] = int(node.ID())
		}
		sort.Ints(cells)
		ordered = append(ordered, comm{min: cells[0], cells: cells})
	}
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].min < ordered[b].min })
	for label, c := range ordered {
		for _, cell := range c.cells {
			labels[cell] = label
		}
	}

	c := &dataset.Clustering{
		Name:       Name,
		Labels:     labels,
		Resolution: opts.Resolution,
		Seed:       opts.Seed,
		Graph:      opts.Graph,
	}
	if err := d.SetClustering(c); err != nil {
		return nil, err
	}
	log.Printf("cluster: %s: %d communities over %d cells (resolution %v)",
		d.ID, len(ordered), n, opts.Resolution)
	return c, nil
}
