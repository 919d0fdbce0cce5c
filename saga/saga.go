// Package saga runs ordered multi-step operations with per-step
// compensations. The backing store has no multi-statement transactions, so a
// failed sequence is approximately undone rather than rolled back.
package saga

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/goliatone/go-errors"
)

// Step is one unit of a saga. Compensate is optional and must be idempotent
// and retryable.
type Step[T any] struct {
	Name       string
	Execute    func(context.Context, T) error
	Compensate func(context.Context, T) error
}

// Saga executes steps sequentially, short-circuiting on the first failure.
type Saga[T any] struct {
	steps      []Step[T]
	compensate bool
}

// New constructs a saga. When compensate is true, a step failure triggers
// reverse-order compensation of every previously succeeded step.
func New[T any](steps []Step[T], compensate bool) *Saga[T] {
	return &Saga[T]{steps: steps, compensate: compensate}
}

// Run executes the saga. The returned error carries the failing step and,
// separately, every compensation failure: the caller can tell "what broke"
// from "what did not get cleaned up".
func (s *Saga[T]) Run(ctx context.Context, msg T) error {
	var executed []int

	for i, step := range s.steps {
		if err := step.Execute(ctx, msg); err != nil {
			meta := map[string]any{
				"step_index": i,
				"step_name":  step.Name,
			}
			if s.compensate {
				if failures := s.unwind(ctx, msg, executed); len(failures) > 0 {
					meta["compensation_failures"] = failures
				}
			}
			return errors.Wrap(err, errors.CategoryHandler, fmt.Sprintf("saga failed at step %d (%s)", i, step.Name)).
				WithTextCode("SAGA_STEP_FAILED").
				WithMetadata(meta)
		}
		executed = append(executed, i)
	}
	return nil
}

// unwind compensates succeeded steps in reverse order. A compensation failure
// never halts the remaining compensations.
func (s *Saga[T]) unwind(ctx context.Context, msg T, executed []int) []string {
	var failures []string
	for i := len(executed) - 1; i >= 0; i-- {
		step := s.steps[executed[i]]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx, msg); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", step.Name, err))
		}
	}
	return failures
}

// CompensationFailures extracts the per-step compensation failures recorded
// on a saga error, if any.
func CompensationFailures(err error) []string {
	var ge *errors.Error
	if !stderrors.As(err, &ge) {
		return nil
	}
	raw, ok := ge.Metadata["compensation_failures"]
	if !ok {
		return nil
	}
	failures, _ := raw.([]string)
	return failures
}
