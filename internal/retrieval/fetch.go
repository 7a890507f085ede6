package retrieval

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// DefaultFetchLimit caps in-flight requests when no limit is configured.
const DefaultFetchLimit = 50

// ErrStopped marks items skipped because the caller asked to stop.
var ErrStopped = errors.New("fetch stopped")

// Result pairs a fetched value with the error that produced it.
type Result[T any] struct {
	Value T
	Err   error
}

// FetchAll calls fn for every index in [0, n) with at most limit calls in
// flight. Results are returned in index order whatever the completion
// order. A failing item does not stop the others; once ctx is done the
// remaining items fail with the context error. stop, when set, is polled
// before each item; once it reports true the remaining items fail with
// ErrStopped.
func FetchAll[T any](ctx context.Context, n, limit int, stop func() bool, fn func(ctx context.Context, i int) (T, error)) []Result[T] {
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	results := make([]Result[T], n)

	var g errgroup.Group
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			if stop != nil && stop() {
				results[i].Err = ErrStopped
				return nil
			}
			v, err := fn(ctx, i)
			results[i] = Result[T]{Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
