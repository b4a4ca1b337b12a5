package main

/*
sctk-transfer projects reference labels onto a query dataset. It loads
an analyzed reference snapshot, reads and normalizes query counts,
finds anchor correspondences in a shared reduced space and writes the
per-cell label predictions.
*/

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"

	"sctk/cluster"
	"sctk/dataset"
	"sctk/normalize"
	"sctk/transfer"
)

var (
	queryID     = flag.String("query-id", "query", "Query dataset identifier")
	labelColumn = flag.String("label-column", "", "Reference annotation column holding the labels to transfer; empty uses cluster labels")
	nFeatures   = flag.Int("features", transfer.DefaultOpts.Features, "Maximum shared features to align on; 0 = all")
	components  = flag.Int("components", transfer.DefaultOpts.Components, "Shared reduced-space dimensionality")
	anchorK     = flag.Int("k", transfer.DefaultOpts.K, "Neighbor count for the mutual-nearest-neighbor search")
	scoreK      = flag.Int("score-k", transfer.DefaultOpts.ScoreK, "Neighborhood size for anchor consistency scoring")
	kWeight     = flag.Int("k-weight", transfer.DefaultTransferOpts.KWeight, "Anchors voting per query cell")
	sigma       = flag.Float64("sigma", 0, "Gaussian proximity bandwidth; 0 = adaptive")
	scaleFactor = flag.Float64("scale-factor", normalize.DefaultOpts.ScaleFactor, "Log-normalization scale factor for the query")
)

func usage() {
	fmt.Printf("Usage: %s [OPTIONS] refsnapshot querydir outprefix\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() != 3 {
		log.Fatalf("expected refsnapshot, querydir and outprefix positional arguments, got '%s'", strings.Join(flag.Args(), " "))
	}
	refPath, queryDir, outPrefix := flag.Arg(0), flag.Arg(1), flag.Arg(2)

	ref, err := readSnapshot(refPath)
	if err != nil {
		log.Fatalf("reading reference %s: %v", refPath, err)
	}
	labels, err := referenceLabels(ref, *labelColumn)
	if err != nil {
		log.Fatalf("reference labels: %v", err)
	}

	query, err := dataset.ReadDir(queryDir, *queryID)
	if err != nil {
		log.Fatalf("reading query %s: %v", queryDir, err)
	}
	normOpts := normalize.DefaultOpts
	normOpts.ScaleFactor = *scaleFactor
	if err := normalize.Run(query, normOpts); err != nil {
		log.Fatalf("normalizing query: %v", err)
	}
	log.Printf("reference %s: %d cells; query %s: %d cells",
		ref.ID, ref.NCells(), query.ID, query.NCells())

	anchorOpts := transfer.DefaultOpts
	anchorOpts.Features = *nFeatures
	anchorOpts.Components = *components
	anchorOpts.K = *anchorK
	anchorOpts.ScoreK = *scoreK
	anchors, err := transfer.FindAnchors(ref, query, anchorOpts)
	if err != nil {
		log.Fatalf("finding anchors: %v", err)
	}

	preds, err := transfer.TransferLabels(anchors, labels, transfer.TransferOpts{
		KWeight: *kWeight,
		Sigma:   *sigma,
	})
	if err != nil {
		log.Fatalf("transferring labels: %v", err)
	}
	path := outPrefix + ".predictions.tsv"
	if err := transfer.WriteTSV(path, preds); err != nil {
		log.Fatalf("writing %s: %v", path, err)
	}
	log.Printf("wrote %d predictions to %s", len(preds), path)
}

func readSnapshot(path string) (*dataset.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint: errcheck
	return dataset.ReadSnapshot(f)
}

// referenceLabels resolves the label vector: a named annotation
// column, or the stringified cluster labels when none is named.
func referenceLabels(ref *dataset.Dataset, column string) ([]string, error) {
	if column != "" {
		labels, ok := ref.Annotation(column)
		if !ok {
			return nil, fmt.Errorf("annotation column %q not present in reference", column)
		}
		return labels, nil
	}
	c, ok := ref.Clustering(cluster.Name)
	if !ok {
		return nil, fmt.Errorf("reference has neither a label column nor cluster labels")
	}
	labels := make([]string, len(c.Labels))
	for i, l := range c.Labels {
		labels[i] = strconv.Itoa(l)
	}
	return labels, nil
}
