package main

/*
sctk-analyze runs the single-cell analysis pipeline over a counts
directory: QC, normalization, feature selection, scaling, PCA,
neighbor graph, clustering and optional 2D layout. It writes a dataset
snapshot, a one-vs-rest marker table and a cluster assignment table.
*/

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"

	"sctk/cluster"
	"sctk/dataset"
	"sctk/markers"
	"sctk/normalize"
	"sctk/pipeline"
	"sctk/qc"
)

var (
	id           = flag.String("id", "dataset", "Dataset identifier recorded in the snapshot")
	mitoPattern  = flag.String("mito-pattern", "^MT-", "Feature-name regexp for the pct_mito QC metric; empty disables")
	minFeatures  = flag.Int("min-features", qc.DefaultOpts.MinFeaturesPerCell, "Minimum detected features per retained cell")
	minCells     = flag.Int("min-cells", qc.DefaultOpts.MinCellsPerFeature, "Minimum cells a retained feature is detected in")
	normMethod   = flag.String("normalize", "lognorm", "Normalization strategy; 'lognorm' or 'vst'")
	scaleFactor  = flag.Float64("scale-factor", normalize.DefaultOpts.ScaleFactor, "Log-normalization scale factor")
	theta        = flag.Float64("theta", normalize.DefaultOpts.Theta, "NB overdispersion for the VST and feature scoring")
	topK         = flag.Int("top-features", 2000, "Number of highly variable features to keep")
	regressOut   = flag.String("regress-out", "", "Comma-separated QC metric columns regressed out before scaling")
	pcs          = flag.Int("pcs", 50, "Number of principal components")
	neighborK    = flag.Int("k", 20, "Neighbor count for the SNN graph")
	prune        = flag.Float64("prune", 1.0/15, "SNN edge weight pruning threshold")
	resolution   = flag.Float64("resolution", 1.0, "Clustering resolution")
	seed         = flag.Int64("seed", 42, "Seed for clustering and layout")
	layout       = flag.Bool("layout", false, "Compute the stochastic 2D layout after clustering")
	layoutEpochs = flag.Int("layout-epochs", 200, "Optimization epochs for the 2D layout")
	minPct       = flag.Float64("min-pct", markers.DefaultOpts.MinPct, "Minimum detection fraction for marker candidates")
	gzipOut      = flag.Bool("gzip", false, "Gzip the marker table")
)

func usage() {
	fmt.Printf("Usage: %s [OPTIONS] countsdir outprefix\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() != 2 {
		log.Fatalf("expected countsdir and outprefix positional arguments, got '%s'", strings.Join(flag.Args(), " "))
	}
	countsDir, outPrefix := flag.Arg(0), flag.Arg(1)
	ctx := vcontext.Background()

	opts := pipeline.DefaultOpts
	if *mitoPattern != "" {
		opts.Metrics = []qc.PatternMetric{{Name: "mito", Pattern: *mitoPattern}}
	}
	opts.QC.MinFeaturesPerCell = *minFeatures
	opts.QC.MinCellsPerFeature = *minCells
	exprLayer := dataset.LayerLogNorm
	switch *normMethod {
	case "lognorm":
		opts.Normalize.Method = normalize.LogNormalize
	case "vst":
		opts.Normalize.Method = normalize.VST
		exprLayer = dataset.LayerVST
		opts.Scale.Layer = dataset.LayerVST
	default:
		log.Fatalf("unknown normalization strategy %q", *normMethod)
	}
	opts.Normalize.ScaleFactor = *scaleFactor
	opts.Normalize.Theta = *theta
	opts.Features.TopK = *topK
	opts.Features.Theta = *theta
	if *regressOut != "" {
		opts.Scale.RegressOut = strings.Split(*regressOut, ",")
	}
	opts.PCA.Components = *pcs
	opts.Neighbors.K = *neighborK
	opts.Neighbors.Prune = *prune
	opts.Cluster.Resolution = *resolution
	opts.Cluster.Seed = *seed
	opts.Layout = *layout
	opts.Embed.Epochs = *layoutEpochs
	opts.Embed.Seed = *seed

	d, err := dataset.ReadDir(countsDir, *id)
	if err != nil {
		log.Fatalf("reading %s: %v", countsDir, err)
	}
	log.Printf("loaded %s: %d cells x %d features", d.ID, d.NCells(), d.NFeatures())

	out, err := pipeline.Run(ctx, d, opts)
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}

	markerOpts := markers.DefaultOpts
	markerOpts.Layer = exprLayer
	markerOpts.MinPct = *minPct
	res, err := markers.FindAllMarkers(out, cluster.Name, markerOpts)
	if err != nil {
		log.Fatalf("markers: %v", err)
	}
	markerPath := outPrefix + ".markers.tsv"
	if *gzipOut {
		markerPath += ".gz"
	}
	if err := markers.WriteTSV(markerPath, res); err != nil {
		log.Fatalf("writing %s: %v", markerPath, err)
	}

	if err := writeClusters(out, outPrefix+".clusters.tsv"); err != nil {
		log.Fatalf("writing clusters: %v", err)
	}
	if err := writeSnapshot(out, outPrefix+".snapshot"); err != nil {
		log.Fatalf("writing snapshot: %v", err)
	}
	log.Printf("wrote %s.{snapshot,markers.tsv,clusters.tsv}", outPrefix)
}

func writeClusters(d *dataset.Dataset, path string) (err error) {
	c, ok := d.Clustering(cluster.Name)
	if !ok {
		return fmt.Errorf("clustering missing from pipeline output")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	w := tsv.NewWriter(f)
	w.WriteString("cell")
	w.WriteString("cluster")
	if err = w.EndLine(); err != nil {
		return err
	}
	for i, cell := range d.Cells {
		w.WriteString(cell)
		w.WriteInt64(int64(c.Labels[i]))
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeSnapshot(d *dataset.Dataset, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return dataset.WriteSnapshot(d, f)
}
