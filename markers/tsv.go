package markers

import (
	"io"
	"os"
	"strings"

	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// WriteTSV writes a marker table with a header row to path, gzipped
// when the path ends in ".gz". Two-group results leave the group
// column empty.
func WriteTSV(path string, res []Result) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating marker table")
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
	for _, col := range []string{"group", "feature", "index", "log2fc", "pct_a", "pct_b", "p", "q"} {
		out.WriteString(col)
	}
	if err = out.EndLine(); err != nil {
		return errors.Wrap(err, "writing marker header")
	}
	for _, r := range res {
		out.WriteString(r.Group)
		out.WriteString(r.Feature)
		out.WriteInt64(int64(r.Index))
		out.WriteFloat64(r.Log2FC, 'g', -1)
		out.WriteFloat64(r.PctA, 'g', -1)
		out.WriteFloat64(r.PctB, 'g', -1)
		out.WriteFloat64(r.P, 'g', -1)
		out.WriteFloat64(r.Q, 'g', -1)
		if err = out.EndLine(); err != nil {
			return errors.Wrap(err, "writing marker row")
		}
	}
	if err = out.Flush(); err != nil {
		return errors.Wrap(err, "flushing marker table")
	}
	if gz != nil {
		return gz.Close()
	}
	return nil
}
