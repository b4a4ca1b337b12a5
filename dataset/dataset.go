// Package dataset holds the in-memory container shared by all analysis
// stages: a sparse cells x features count matrix, derived dense layers,
// per-cell and per-feature metadata, embeddings, neighbor graphs and
// clusterings. Stages enrich a Dataset; they never mutate raw counts.
package dataset

import (
	"sort"
	"strconv"

	"github.com/james-bowman/sparse"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"sctk/scerr"
)

// Well-known layer names. Layers always share the Dataset's cell index;
// LayerScaled is restricted to the selected feature subset recorded in
// ScaledFeatures, the others cover all features.
const (
	LayerLogNorm = "lognorm"
	LayerVST     = "vst"
	LayerScaled  = "scaled"
)

// Dataset is a cells x features count matrix plus everything derived
// from it during an analysis run.
type Dataset struct {
	ID       string
	Cells    []string
	Features []string

	// Counts is the raw non-negative count matrix. It is created once
	// and never mutated; normalization writes new layers instead.
	Counts *sparse.CSR

	// ScaledFeatures lists, in order, the feature indices forming the
	// columns of LayerScaled. Nil until scaling has run.
	ScaledFeatures []int

	layers      map[string]*mat.Dense
	cellMeta    map[string][]float64
	cellMetaSeq []string
	annotations map[string][]string
	featMeta    map[string][]float64
	embeddings  map[string]*Embedding
	graphs      map[string]*Graph
	clusterings map[string]*Clustering

	// Spatial holds 2D coordinates per cell for spatial assays, nil
	// otherwise.
	Spatial [][2]float64
}

// New creates a Dataset over the given counts. The matrix must be
// cells x features with non-negative values.
func New(id string, cells, features []string, counts *sparse.CSR) (*Dataset, error) {
	r, c := counts.Dims()
	if r != len(cells) || c != len(features) {
		return nil, errors.Errorf("dataset %s: counts are %dx%d but %d cells and %d features given",
			id, r, c, len(cells), len(features))
	}
	var bad error
	counts.DoNonZero(func(i, j int, v float64) {
		if v < 0 && bad == nil {
			bad = errors.Errorf("dataset %s: negative count %v at cell %d, feature %d", id, v, i, j)
		}
	})
	if bad != nil {
		return nil, bad
	}
	return &Dataset{
		ID:          id,
		Cells:       cells,
		Features:    features,
		Counts:      counts,
		layers:      make(map[string]*mat.Dense),
		cellMeta:    make(map[string][]float64),
		annotations: make(map[string][]string),
		featMeta:    make(map[string][]float64),
		embeddings:  make(map[string]*Embedding),
		graphs:      make(map[string]*Graph),
		clusterings: make(map[string]*Clustering),
	}, nil
}

// FromTriplets builds a Dataset from COO triplets (0-based indices).
func FromTriplets(id string, cells, features []string, rows, cols []int, vals []float64) (*Dataset, error) {
	if len(rows) != len(cols) || len(rows) != len(vals) {
		return nil, errors.Errorf("dataset %s: triplet slices have mismatched lengths", id)
	}
	for i := range rows {
		if rows[i] < 0 || rows[i] >= len(cells) || cols[i] < 0 || cols[i] >= len(features) {
			return nil, errors.Errorf("dataset %s: triplet %d (%d,%d) out of range", id, i, rows[i], cols[i])
		}
	}
	coo := sparse.NewCOO(len(cells), len(features), rows, cols, vals)
	return New(id, cells, features, coo.ToCSR())
}

func (d *Dataset) NCells() int    { return len(d.Cells) }
func (d *Dataset) NFeatures() int { return len(d.Features) }

// SetLayer stores a dense layer. A full-width layer must be
// NCells x NFeatures; LayerScaled may be narrower (its columns are
// described by ScaledFeatures). Replacing a layer drops any embedding
// derived from it, since the embedding no longer reflects the data.
func (d *Dataset) SetLayer(name string, m *mat.Dense) error {
	r, c := m.Dims()
	if r != d.NCells() {
		return errors.Errorf("layer %s: %d rows, want %d cells", name, r, d.NCells())
	}
	if name != LayerScaled && c != d.NFeatures() {
		return errors.Errorf("layer %s: %d cols, want %d features", name, c, d.NFeatures())
	}
	d.layers[name] = m
	for ename, e := range d.embeddings {
		if e.SourceLayer == name {
			delete(d.embeddings, ename)
		}
	}
	return nil
}

// Layer returns the named layer, or false if absent.
func (d *Dataset) Layer(name string) (*mat.Dense, bool) {
	m, ok := d.layers[name]
	return m, ok
}

// LayerNames returns layer names in sorted order.
func (d *Dataset) LayerNames() []string {
	names := make([]string, 0, len(d.layers))
	for n := range d.layers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetMetaColumn stores a numeric per-cell metadata column. Setting an
// existing column overwrites it in place; column order is the order of
// first insertion.
func (d *Dataset) SetMetaColumn(name string, vals []float64) error {
	if len(vals) != d.NCells() {
		return errors.Errorf("metadata column %s: %d values, want %d cells", name, len(vals), d.NCells())
	}
	if _, ok := d.cellMeta[name]; !ok {
		d.cellMetaSeq = append(d.cellMetaSeq, name)
	}
	d.cellMeta[name] = vals
	return nil
}

// MetaColumn returns the named per-cell numeric column.
func (d *Dataset) MetaColumn(name string) ([]float64, bool) {
	v, ok := d.cellMeta[name]
	return v, ok
}

// MetaColumnNames returns numeric column names in insertion order.
func (d *Dataset) MetaColumnNames() []string {
	out := make([]string, len(d.cellMetaSeq))
	copy(out, d.cellMetaSeq)
	return out
}

// SetAnnotation stores a categorical per-cell column (e.g. cell-type
// names assigned to clusters).
func (d *Dataset) SetAnnotation(name string, vals []string) error {
	if len(vals) != d.NCells() {
		return errors.Errorf("annotation %s: %d values, want %d cells", name, len(vals), d.NCells())
	}
	d.annotations[name] = vals
	return nil
}

// Annotation returns the named categorical per-cell column.
func (d *Dataset) Annotation(name string) ([]string, bool) {
	v, ok := d.annotations[name]
	return v, ok
}

// AnnotationNames returns categorical column names in sorted order.
func (d *Dataset) AnnotationNames() []string {
	names := make([]string, 0, len(d.annotations))
	for n := range d.annotations {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetFeatureMeta stores a numeric per-feature metadata column.
func (d *Dataset) SetFeatureMeta(name string, vals []float64) error {
	if len(vals) != d.NFeatures() {
		return errors.Errorf("feature metadata %s: %d values, want %d features", name, len(vals), d.NFeatures())
	}
	d.featMeta[name] = vals
	return nil
}

// FeatureMeta returns the named per-feature column.
func (d *Dataset) FeatureMeta(name string) ([]float64, bool) {
	v, ok := d.featMeta[name]
	return v, ok
}

// FeatureMetaNames returns per-feature column names in sorted order.
func (d *Dataset) FeatureMetaNames() []string {
	names := make([]string, 0, len(d.featMeta))
	for n := range d.featMeta {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetSpatial attaches 2D spatial coordinates, one per cell.
func (d *Dataset) SetSpatial(coords [][2]float64) error {
	if len(coords) != d.NCells() {
		return errors.Errorf("spatial coords: %d entries, want %d cells", len(coords), d.NCells())
	}
	d.Spatial = coords
	return nil
}

// SetEmbedding stores a reduced embedding keyed by its name.
func (d *Dataset) SetEmbedding(e *Embedding) error {
	r, _ := e.Coords.Dims()
	if r != d.NCells() {
		return errors.Errorf("embedding %s: %d rows, want %d cells", e.Name, r, d.NCells())
	}
	d.embeddings[e.Name] = e
	return nil
}

// Embedding returns the named embedding.
func (d *Dataset) Embedding(name string) (*Embedding, bool) {
	e, ok := d.embeddings[name]
	return e, ok
}

// EmbeddingNames returns embedding names in sorted order.
func (d *Dataset) EmbeddingNames() []string {
	names := make([]string, 0, len(d.embeddings))
	for n := range d.embeddings {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetGraph stores a neighbor graph keyed by its name.
func (d *Dataset) SetGraph(g *Graph) error {
	if len(g.Adj) != d.NCells() {
		return errors.Errorf("graph %s: %d nodes, want %d cells", g.Name, len(g.Adj), d.NCells())
	}
	d.graphs[g.Name] = g
	return nil
}

// Graph returns the named neighbor graph.
func (d *Dataset) Graph(name string) (*Graph, bool) {
	g, ok := d.graphs[name]
	return g, ok
}

// GraphNames returns graph names in sorted order.
func (d *Dataset) GraphNames() []string {
	names := make([]string, 0, len(d.graphs))
	for n := range d.graphs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetClustering stores a clustering keyed by its name.
func (d *Dataset) SetClustering(c *Clustering) error {
	if len(c.Labels) != d.NCells() {
		return errors.Errorf("clustering %s: %d labels, want %d cells", c.Name, len(c.Labels), d.NCells())
	}
	d.clusterings[c.Name] = c
	return nil
}

// Clustering returns the named clustering.
func (d *Dataset) Clustering(name string) (*Clustering, bool) {
	c, ok := d.clusterings[name]
	return c, ok
}

// ClusteringNames returns clustering names in sorted order.
func (d *Dataset) ClusteringNames() []string {
	names := make([]string, 0, len(d.clusterings))
	for n := range d.clusterings {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AnnotateClusters writes cluster labels as a categorical column,
// mapping integer labels through names (missing entries fall back to
// the numeric label). The partition itself is never modified.
func (d *Dataset) AnnotateClusters(clustering, column string, names map[int]string) error {
	c, ok := d.clusterings[clustering]
	if !ok {
		return errors.Errorf("clustering %s not found", clustering)
	}
	vals := make([]string, len(c.Labels))
	for i, l := range c.Labels {
		if n, ok := names[l]; ok {
			vals[i] = n
		} else {
			vals[i] = strconv.Itoa(l)
		}
	}
	return d.SetAnnotation(column, vals)
}

// Subset returns a new Dataset restricted to the given cell and feature
// indices (both must be strictly increasing). Numeric metadata,
// annotations and spatial coordinates are carried over on the cell
// axis; feature metadata on the feature axis. Layers, embeddings,
// graphs and clusterings are not carried, since their index sets no
// longer match.
func (d *Dataset) Subset(cellIdx, featIdx []int) (*Dataset, error) {
	if len(cellIdx) == 0 || len(featIdx) == 0 {
		return nil, scerr.New(scerr.InsufficientData, "subset of dataset %s would retain %d cells and %d features",
			d.ID, len(cellIdx), len(featIdx))
	}
	cellPos := make(map[int]int, len(cellIdx))
	for newI, oldI := range cellIdx {
		if oldI < 0 || oldI >= d.NCells() {
			return nil, errors.Errorf("subset: cell index %d out of range", oldI)
		}
		cellPos[oldI] = newI
	}
	featPos := make(map[int]int, len(featIdx))
	for newJ, oldJ := range featIdx {
		if oldJ < 0 || oldJ >= d.NFeatures() {
			return nil, errors.Errorf("subset: feature index %d out of range", oldJ)
		}
		featPos[oldJ] = newJ
	}

	cells := make([]string, len(cellIdx))
	for i, oldI := range cellIdx {
		cells[i] = d.Cells[oldI]
	}
	features := make([]string, len(featIdx))
	for j, oldJ := range featIdx {
		features[j] = d.Features[oldJ]
	}

	var rows, cols []int
	var vals []float64
	d.Counts.DoNonZero(func(i, j int, v float64) {
		ni, ok := cellPos[i]
		if !ok {
			return
		}
		nj, ok := featPos[j]
		if !ok {
			return
		}
		rows = append(rows, ni)
		cols = append(cols, nj)
		vals = append(vals, v)
	})

	sub, err := FromTriplets(d.ID, cells, features, rows, cols, vals)
	if err != nil {
		return nil, err
	}
	for _, name := range d.cellMetaSeq {
		col := d.cellMeta[name]
		vals := make([]float64, len(cellIdx))
		for i, oldI := range cellIdx {
			vals[i] = col[oldI]
		}
		if err := sub.SetMetaColumn(name, vals); err != nil {
			return nil, err
		}
	}
	for name, col := range d.annotations {
		vals := make([]string, len(cellIdx))
		for i, oldI := range cellIdx {
			vals[i] = col[oldI]
		}
		if err := sub.SetAnnotation(name, vals); err != nil {
			return nil, err
		}
	}
	for name, col := range d.featMeta {
		vals := make([]float64, len(featIdx))
		for j, oldJ := range featIdx {
			vals[j] = col[oldJ]
		}
		if err := sub.SetFeatureMeta(name, vals); err != nil {
			return nil, err
		}
	}
	if d.Spatial != nil {
		coords := make([][2]float64, len(cellIdx))
		for i, oldI := range cellIdx {
			coords[i] = d.Spatial[oldI]
		}
		sub.Spatial = coords
	}
	return sub, nil
}

// FeatureIndex returns the index of the named feature, or -1.
func (d *Dataset) FeatureIndex(name string) int {
	for j, f := range d.Features {
		if f == name {
			return j
		}
	}
	return -1
}
