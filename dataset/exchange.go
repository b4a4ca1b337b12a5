// Directory exchange format: a dataset is a directory containing
// cells.txt and features.txt (one identifier per line, in matrix
// order) and matrix.tsv or matrix.tsv.gz holding one
// "<cell>\t<feature>\t<count>" triplet per line with 0-based indices.
// This is the toolkit's generic interchange surface; vendor matrix
// formats are out of scope.
package dataset

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

const (
	cellsFile    = "cells.txt"
	featuresFile = "features.txt"
	matrixFile   = "matrix.tsv"
	matrixGzFile = "matrix.tsv.gz"
)

// ReadDir reads a dataset from an exchange directory. The gzipped
// matrix file is used when the plain one is absent.
func ReadDir(dir, id string) (*Dataset, error) {
	cells, err := readLines(filepath.Join(dir, cellsFile))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", cellsFile)
	}
	features, err := readLines(filepath.Join(dir, featuresFile))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", featuresFile)
	}

	path := filepath.Join(dir, matrixFile)
	gzipped := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Join(dir, matrixGzFile)
		gzipped = true
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening matrix")
	}
	defer f.Close() // nolint: errcheck
	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "opening gzipped matrix")
		}
		defer gz.Close() // nolint: errcheck
		r = gz
	}

	rows, cols, vals, err := readTriplets(r, len(cells), len(features))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", filepath.Base(path))
	}
	return FromTriplets(id, cells, features, rows, cols, vals)
}

// WriteDir writes the dataset's raw counts and identifiers as an
// exchange directory, gzipping the matrix when gzipped is set.
func WriteDir(d *Dataset, dir string, gzipped bool) (err error) {
	if err = os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "creating exchange dir")
	}
	if err = writeLines(filepath.Join(dir, cellsFile), d.Cells); err != nil {
		return err
	}
	if err = writeLines(filepath.Join(dir, featuresFile), d.Features); err != nil {
		return err
	}

	name := matrixFile
	if gzipped {
		name = matrixGzFile
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return errors.Wrap(err, "creating matrix file")
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	var w io.Writer = f
	var gz *gzip.Writer
	if gzipped {
		gz = gzip.NewWriter(f)
		w = gz
	}

	out := tsv.NewWriter(w)
	var werr error
	d.Counts.DoNonZero(func(i, j int, v float64) {
		if werr != nil {
			return
		}
		out.WriteInt64(int64(i))
		out.WriteInt64(int64(j))
		out.WriteInt64(int64(v))
		werr = out.EndLine()
	})
	if werr != nil {
		return errors.Wrap(werr, "writing matrix triplets")
	}
	if err = out.Flush(); err != nil {
		return errors.Wrap(err, "flushing matrix")
	}
	if gz != nil {
		return gz.Close()
	}
	return nil
}

func readTriplets(r io.Reader, nCells, nFeatures int) (rows, cols []int, vals []float64, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, 1<<26)
	seen := make(map[[2]int]bool)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return nil, nil, nil, errors.Errorf("line %d: want 3 tab-separated fields, got %d", lineNo, len(fields))
		}
		i, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "line %d: cell index", lineNo)
		}
		j, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "line %d: feature index", lineNo)
		}
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "line %d: count", lineNo)
		}
		if i < 0 || i >= nCells || j < 0 || j >= nFeatures {
			return nil, nil, nil, errors.Errorf("line %d: entry (%d,%d) out of range %dx%d", lineNo, i, j, nCells, nFeatures)
		}
		if v < 0 {
			return nil, nil, nil, errors.Errorf("line %d: negative count %v", lineNo, v)
		}
		if seen[[2]int{i, j}] {
			return nil, nil, nil, errors.Errorf("line %d: duplicate entry (%d,%d)", lineNo, i, j)
		}
		seen[[2]int{i, j}] = true
		rows = append(rows, i)
		cols = append(cols, j)
		vals = append(vals, v)
	}
	if scanner.Err() != nil {
		return nil, nil, nil, errors.Wrap(scanner.Err(), "scanning triplets")
	}
	return rows, cols, vals, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint: errcheck
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if scanner.Err() != nil {
		return nil, scanner.Err()
	}
	if len(lines) == 0 {
		return nil, errors.Errorf("%s: no identifiers", path)
	}
	return lines, nil
}

func writeLines(path string, lines []string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	w := bufio.NewWriter(f)
	for _, l := range lines {
		if _, err = w.WriteString(l); err != nil {
			return err
		}
		if err = w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}
