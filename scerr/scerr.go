// Package scerr defines the error kinds surfaced by analysis stages.
// Every stage either fully succeeds or fails with one of these kinds,
// leaving the dataset unchanged (QC metric columns excepted, which are
// additive and idempotent).
package scerr

import (
	"errors"
	"fmt"
)

// Kind classifies an analysis failure. None of these are transient;
// they indicate invalid input or configuration and are never retried.
type Kind int

const (
	// Configuration marks an invalid parameter, e.g. a top-K larger
	// than the feature count.
	Configuration Kind = iota
	// InsufficientData marks a filter that would leave zero cells or
	// zero features.
	InsufficientData
	// DegenerateCell marks a zero-total cell reaching a normalization
	// path that divides by cell totals.
	DegenerateCell
	// Dimensionality marks a requested component or dimension count
	// exceeding what the data can support.
	Dimensionality
	// NoAnchorsFound marks an anchor search that produced no usable
	// correspondences after filtering.
	NoAnchorsFound
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration error"
	case InsufficientData:
		return "insufficient data"
	case DegenerateCell:
		return "degenerate cell"
	case Dimensionality:
		return "dimensionality error"
	case NoAnchorsFound:
		return "no anchors found"
	}
	return fmt.Sprintf("unknown error kind (%d)", int(k))
}

// E is an analysis error with a Kind. It is matchable through
// pkg/errors wrapping via IsKind.
type E struct {
	Kind Kind
	Msg  string
}

func (e *E) Error() string { return e.Kind.String() + ": " + e.Msg }

// New returns an *E of the given kind.
func New(kind Kind, format string, args ...interface{}) error {
	return &E{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether any error in err's chain is an *E of the given
// kind.
func IsKind(err error, kind Kind) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
