package dataset

import (
	"bytes"
	"encoding/gob"
	"hash"
	"io"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func init() {
	recordiozstd.Init()
}

// A snapshot is a single recordio file with the zstd transformer. Each
// record is one gob-encoded section (counts and layers are chunked
// across several records). The trailer carries a seahash checksum per
// section so a truncated or corrupted snapshot is detected on read.
// The format is opaque: it round-trips through this package only.

const (
	secHeader      = "header"
	secCells       = "cells"
	secFeatures    = "features"
	secCounts      = "counts"
	secLayer       = "layer"
	secScaledFeats = "scaledfeatures"
	secCellMeta    = "cellmeta"
	secAnnotations = "annotations"
	secFeatMeta    = "featmeta"
	secSpatial     = "spatial"
	secEmbedding   = "embedding"
	secGraph       = "graph"
	secClustering  = "clustering"
)

const (
	countsChunkSize = 1 << 16
	layerChunkRows  = 1 << 10
)

type snapRecord struct {
	Section string
	Data    []byte
}

type snapHeader struct {
	ID        string
	NCells    int
	NFeatures int
}

type countsChunk struct {
	Rows []int32
	Cols []int32
	Vals []float64
}

type layerChunk struct {
	Name     string
	StartRow int
	NCols    int
	Rows     [][]float64
}

type metaSection struct {
	Names []string
	Cols  [][]float64
}

type embSection struct {
	Name              string
	SourceLayer       string
	NRows             int
	NCols             int
	Data              []float64
	VarianceFractions []float64
}

type graphSection struct {
	Name      string
	K         int
	Embedding string
	DimRange  [2]int
	Adj       [][]Edge
}

type snapTrailer struct {
	Sections map[string]sectionSum
}

type sectionSum struct {
	Records int
	Sum     uint64
}

func marshalSnapRecord(scratch []byte, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v.(*snapRecord)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalSnapRecord(in []byte) (interface{}, error) {
	rec := &snapRecord{}
	if err := gob.NewDecoder(bytes.NewReader(in)).Decode(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

type snapshotWriter struct {
	w      recordio.Writer
	hashes map[string]hash.Hash64
	counts map[string]int
}

func (sw *snapshotWriter) append(section string, body interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(body); err != nil {
		return errors.Wrapf(err, "encoding section %s", section)
	}
	data := buf.Bytes()
	h, ok := sw.hashes[section]
	if !ok {
		h = seahash.New()
		sw.hashes[section] = h
	}
	h.Write(data) // nolint: errcheck
	sw.counts[section]++
	sw.w.Append(&snapRecord{Section: section, Data: data})
	return nil
}

// WriteSnapshot serializes the full dataset (counts, layers, metadata,
// embeddings, graphs, clusterings, spatial coordinates) to w.
func WriteSnapshot(d *Dataset, w io.Writer) error {
	sw := &snapshotWriter{
		w: recordio.NewWriter(w, recordio.WriterOpts{
			Marshal:      marshalSnapRecord,
			Transformers: []string{recordiozstd.Name},
		}),
		hashes: make(map[string]hash.Hash64),
		counts: make(map[string]int),
	}
	sw.w.AddHeader(recordio.KeyTrailer, true)

	if err := sw.append(secHeader, &snapHeader{ID: d.ID, NCells: d.NCells(), NFeatures: d.NFeatures()}); err != nil {
		return err
	}
	if err := sw.append(secCells, d.Cells); err != nil {
		return err
	}
	if err := sw.append(secFeatures, d.Features); err != nil {
		return err
	}

	chunk := countsChunk{}
	var cerr error
	d.Counts.DoNonZero(func(i, j int, v float64) {
		if cerr != nil {
			return
		}
		chunk.Rows = append(chunk.Rows, int32(i))
		chunk.Cols = append(chunk.Cols, int32(j))
		chunk.Vals = append(chunk.Vals, v)
		if len(chunk.Vals) == countsChunkSize {
			cerr = sw.append(secCounts, &chunk)
			chunk = countsChunk{}
		}
	})
	if cerr != nil {
		return cerr
	}
	if len(chunk.Vals) > 0 {
		if err := sw.append(secCounts, &chunk); err != nil {
			return err
		}
	}

	for _, name := range d.LayerNames() {
		m := d.layers[name]
		nr, nc := m.Dims()
		for start := 0; start < nr; start += layerChunkRows {
			end := start + layerChunkRows
			if end > nr {
				end = nr
			}
			lc := layerChunk{Name: name, StartRow: start, NCols: nc, Rows: make([][]float64, 0, end-start)}
			for i := start; i < end; i++ {
				row := make([]float64, nc)
				for j := 0; j < nc; j++ {
					row[j] = m.At(i, j)
				}
				lc.Rows = append(lc.Rows, row)
			}
			if err := sw.append(secLayer, &lc); err != nil {
				return err
			}
		}
	}

	if d.ScaledFeatures != nil {
		if err := sw.append(secScaledFeats, d.ScaledFeatures); err != nil {
			return err
		}
	}
	if len(d.cellMetaSeq) > 0 {
		sec := metaSection{Names: d.cellMetaSeq}
		for _, n := range d.cellMetaSeq {
			sec.Cols = append(sec.Cols, d.cellMeta[n])
		}
		if err := sw.append(secCellMeta, &sec); err != nil {
			return err
		}
	}
	if len(d.annotations) > 0 {
		if err := sw.append(secAnnotations, d.annotations); err != nil {
			return err
		}
	}
	if len(d.featMeta) > 0 {
		if err := sw.append(secFeatMeta, d.featMeta); err != nil {
			return err
		}
	}
	if d.Spatial != nil {
		if err := sw.append(secSpatial, d.Spatial); err != nil {
			return err
		}
	}
	for _, name := range d.EmbeddingNames() {
		e := d.embeddings[name]
		nr, nc := e.Coords.Dims()
		sec := embSection{
			Name:              e.Name,
			SourceLayer:       e.SourceLayer,
			NRows:             nr,
			NCols:             nc,
			Data:              make([]float64, 0, nr*nc),
			VarianceFractions: e.VarianceFractions,
		}
		for i := 0; i < nr; i++ {
			for j := 0; j < nc; j++ {
				sec.Data = append(sec.Data, e.Coords.At(i, j))
			}
		}
		if err := sw.append(secEmbedding, &sec); err != nil {
			return err
		}
	}
	for _, name := range d.GraphNames() {
		g := d.graphs[name]
		sec := graphSection{Name: g.Name, K: g.K, Embedding: g.Embedding, DimRange: g.DimRange, Adj: g.Adj}
		if err := sw.append(secGraph, &sec); err != nil {
			return err
		}
	}
	for _, name := range d.ClusteringNames() {
		if err := sw.append(secClustering, d.clusterings[name]); err != nil {
			return err
		}
	}

	trailer := snapTrailer{Sections: make(map[string]sectionSum, len(sw.hashes))}
	for sec, h := range sw.hashes {
		trailer.Sections[sec] = sectionSum{Records: sw.counts[sec], Sum: h.Sum64()}
	}
	var tbuf bytes.Buffer
	if err := gob.NewEncoder(&tbuf).Encode(&trailer); err != nil {
		return errors.Wrap(err, "encoding snapshot trailer")
	}
	sw.w.SetTrailer(tbuf.Bytes())
	return errors.Wrap(sw.w.Finish(), "finishing snapshot")
}

// ReadSnapshot reads a snapshot written by WriteSnapshot and verifies
// its section checksums.
func ReadSnapshot(rs io.ReadSeeker) (*Dataset, error) {
	scanner := recordio.NewScanner(rs, recordio.ScannerOpts{Unmarshal: unmarshalSnapRecord})

	var trailer snapTrailer
	if tb := scanner.Trailer(); len(tb) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(tb)).Decode(&trailer); err != nil {
			return nil, errors.Wrap(err, "decoding snapshot trailer")
		}
	} else {
		return nil, errors.New("snapshot has no trailer; file is truncated or not a snapshot")
	}

	var (
		hdr      *snapHeader
		cells    []string
		features []string
		rows     []int
		cols     []int
		vals     []float64
		layers   = map[string]*layerAsm{}
		scaled   []int
		cellMeta *metaSection
		annots   map[string][]string
		featMeta map[string][]float64
		spatial  [][2]float64
		embs     []*embSection
		graphs   []*graphSection
		clusts   []*Clustering
	)
	hashes := make(map[string]hash.Hash64)
	counts := make(map[string]int)

	for scanner.Scan() {
		rec := scanner.Get().(*snapRecord)
		h, ok := hashes[rec.Section]
		if !ok {
			h = seahash.New()
			hashes[rec.Section] = h
		}
		h.Write(rec.Data) // nolint: errcheck
		counts[rec.Section]++

		dec := gob.NewDecoder(bytes.NewReader(rec.Data))
		switch rec.Section {
		case secHeader:
			hdr = &snapHeader{}
			if err := dec.Decode(hdr); err != nil {
				return nil, errors.Wrap(err, "decoding header")
			}
		case secCells:
			if err := dec.Decode(&cells); err != nil {
				return nil, errors.Wrap(err, "decoding cells")
			}
		case secFeatures:
			if err := dec.Decode(&features); err != nil {
				return nil, errors.Wrap(err, "decoding features")
			}
		case secCounts:
			var c countsChunk
			if err := dec.Decode(&c); err != nil {
				return nil, errors.Wrap(err, "decoding counts chunk")
			}
			for i := range c.Vals {
				rows = append(rows, int(c.Rows[i]))
				cols = append(cols, int(c.Cols[i]))
				vals = append(vals, c.Vals[i])
			}
		case secLayer:
			var lc layerChunk
			if err := dec.Decode(&lc); err != nil {
				return nil, errors.Wrap(err, "decoding layer chunk")
			}
			asm, ok := layers[lc.Name]
			if !ok {
				asm = &layerAsm{nCols: lc.NCols}
				layers[lc.Name] = asm
			}
			asm.add(lc)
		case secScaledFeats:
			if err := dec.Decode(&scaled); err != nil {
				return nil, errors.Wrap(err, "decoding scaled features")
			}
		case secCellMeta:
			cellMeta = &metaSection{}
			if err := dec.Decode(cellMeta); err != nil {
				return nil, errors.Wrap(err, "decoding cell metadata")
			}
		case secAnnotations:
			if err := dec.Decode(&annots); err != nil {
				return nil, errors.Wrap(err, "decoding annotations")
			}
		case secFeatMeta:
			if err := dec.Decode(&featMeta); err != nil {
				return nil, errors.Wrap(err, "decoding feature metadata")
			}
		case secSpatial:
			if err := dec.Decode(&spatial); err != nil {
				return nil, errors.Wrap(err, "decoding spatial coords")
			}
		case secEmbedding:
			sec := &embSection{}
			if err := dec.Decode(sec); err != nil {
				return nil, errors.Wrap(err, "decoding embedding")
			}
			embs = append(embs, sec)
		case secGraph:
			sec := &graphSection{}
			if err := dec.Decode(sec); err != nil {
				return nil, errors.Wrap(err, "decoding graph")
			}
			graphs = append(graphs, sec)
		case secClustering:
			c := &Clustering{}
			if err := dec.Decode(c); err != nil {
				return nil, errors.Wrap(err, "decoding clustering")
			}
			clusts = append(clusts, c)
		default:
			return nil, errors.Errorf("unknown snapshot section %q", rec.Section)
		}
	}
	if scanner.Err() != nil {
		return nil, errors.Wrap(scanner.Err(), "scanning snapshot")
	}
	if hdr == nil {
		return nil, errors.New("snapshot has no header section")
	}

	for sec, want := range trailer.Sections {
		h, ok := hashes[sec]
		if !ok || counts[sec] != want.Records || h.Sum64() != want.Sum {
			return nil, errors.Errorf("snapshot section %s failed checksum verification", sec)
		}
	}
	for sec := range hashes {
		if _, ok := trailer.Sections[sec]; !ok {
			return nil, errors.Errorf("snapshot section %s not covered by trailer", sec)
		}
	}

	d, err := FromTriplets(hdr.ID, cells, features, rows, cols, vals)
	if err != nil {
		return nil, err
	}
	for name, asm := range layers {
		m, err := asm.build()
		if err != nil {
			return nil, errors.Wrapf(err, "assembling layer %s", name)
		}
		if err := d.SetLayer(name, m); err != nil {
			return nil, err
		}
	}
	d.ScaledFeatures = scaled
	if cellMeta != nil {
		for i, n := range cellMeta.Names {
			if err := d.SetMetaColumn(n, cellMeta.Cols[i]); err != nil {
				return nil, err
			}
		}
	}
	for n, v := range annots {
		if err := d.SetAnnotation(n, v); err != nil {
			return nil, err
		}
	}
	for n, v := range featMeta {
		if err := d.SetFeatureMeta(n, v); err != nil {
			return nil, err
		}
	}
	if spatial != nil {
		if err := d.SetSpatial(spatial); err != nil {
			return nil, err
		}
	}
	for _, sec := range embs {
		m := matFromFlat(sec.NRows, sec.NCols, sec.Data)
		e := &Embedding{Name: sec.Name, Coords: m, SourceLayer: sec.SourceLayer, VarianceFractions: sec.VarianceFractions}
		if err := d.SetEmbedding(e); err != nil {
			return nil, err
		}
	}
	for _, sec := range graphs {
		g := &Graph{Name: sec.Name, K: sec.K, Embedding: sec.Embedding, DimRange: sec.DimRange, Adj: sec.Adj}
		if err := d.SetGraph(g); err != nil {
			return nil, err
		}
	}
	for _, c := range clusts {
		if err := d.SetClustering(c); err != nil {
			return nil, err
		}
	}
	return d, nil
}

type layerAsm struct {
	nCols  int
	chunks []layerChunk
	nRows  int
}

func (a *layerAsm) add(lc layerChunk) {
	a.chunks = append(a.chunks, lc)
	if end := lc.StartRow + len(lc.Rows); end > a.nRows {
		a.nRows = end
	}
}

func (a *layerAsm) build() (*mat.Dense, error) {
	m := mat.NewDense(a.nRows, a.nCols, nil)
	for _, lc := range a.chunks {
		for off, row := range lc.Rows {
			if len(row) != a.nCols {
				return nil, errors.Errorf("row %d has %d cols, want %d", lc.StartRow+off, len(row), a.nCols)
			}
			m.SetRow(lc.StartRow+off, row)
		}
	}
	return m, nil
}

func matFromFlat(r, c int, data []float64) *mat.Dense {
	return mat.NewDense(r, c, data)
}
