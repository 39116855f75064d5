// Package batch runs independent per-resource operations concurrently with
// run-to-completion semantics: a slow or failing item never blocks or aborts
// its siblings, and wall-clock cost is bounded by the slowest item.
package batch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/alitto/pond/v2"
)

// Failure is one item's error, tagged with the item's label.
type Failure struct {
	Label string
	Err   error
}

// Run executes op for every item concurrently, one worker per item, and waits
// for all of them to finish. It returns the per-item failures, possibly empty.
// Callers own the safety of any shared state op mutates.
func Run[T any](items []T, label func(T) string, op func(T) error) []Failure {
	if len(items) == 0 {
		return nil
	}

	pool := pond.NewPool(len(items))

	var mu sync.Mutex
	var failures []Failure

	for _, item := range items {
		pool.Submit(func() {
			if err := op(item); err != nil {
				mu.Lock()
				failures = append(failures, Failure{Label: label(item), Err: err})
				mu.Unlock()
			}
		})
	}

	pool.StopAndWait()
	return failures
}

// PartialFailure aggregates the failed items of a batch where at least one
// item failed while siblings may have succeeded.
type PartialFailure struct {
	Failures []Failure
}

func (e *PartialFailure) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Label, f.Err)
	}
	return fmt.Sprintf("%d of batch failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the individual item errors for errors.Is/As.
func (e *PartialFailure) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Error converts a failure set to an error, nil when the batch fully succeeded.
func Error(failures []Failure) error {
	if len(failures) == 0 {
		return nil
	}
	return &PartialFailure{Failures: failures}
}
