package apperror

import (
	"errors"
	"sort"
	"strings"
)

// CategoryError aggregates the failures of independent category fetches
// into a single error. Failures is keyed by category name.
type CategoryError struct {
	Failures map[string]error
}

// NewCategoryError returns nil when failures is empty.
func NewCategoryError(failures map[string]error) error {
	if len(failures) == 0 {
		return nil
	}
	return &CategoryError{Failures: failures}
}

func (e *CategoryError) Error() string {
	names := e.Categories()
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Failures[name].Error())
	}
	return "snapshot categories failed: " + strings.Join(parts, "; ")
}

// Categories returns the failed category names in sorted order.
func (e *CategoryError) Categories() []string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Kind is the most severe kind among the failures. Auth and configuration
// failures win over network ones so callers do not retry a lost cause.
func (e *CategoryError) Kind() Kind {
	best := KindUnknown
	rank := -1
	for _, err := range e.Failures {
		k := KindOf(err)
		if r := severity[k]; r > rank {
			best, rank = k, r
		}
	}
	return best
}

// Unwrap exposes every category failure to errors.Is / errors.As.
func (e *CategoryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, name := range e.Categories() {
		errs = append(errs, e.Failures[name])
	}
	return errs
}

var severity = map[Kind]int{
	KindUnknown:       0,
	KindNormalization: 1,
	KindNotFound:      2,
	KindMalformed:     3,
	KindUpstream:      4,
	KindNetwork:       5,
	KindValidation:    6,
	KindAuth:          7,
	KindConfiguration: 8,
}

// AsCategoryError is a convenience wrapper over errors.As.
func AsCategoryError(err error) (*CategoryError, bool) {
	var ce *CategoryError
	ok := errors.As(err, &ce)
	return ce, ok
}
