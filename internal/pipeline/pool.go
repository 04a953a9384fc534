package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// runOrdered applies fn to every item with at most limit calls in flight and
// returns the results in item order, independent of completion order. A
// panic inside fn is turned into a result by recovered instead of aborting
// the batch.
func runOrdered[T, R any](ctx context.Context, limit int, items []T, fn func(context.Context, T) R, recovered func(T, error) R) []R {
	out := make([]R, len(items))
	if len(items) == 0 {
		return out
	}
	if limit <= 0 {
		limit = DefaultWorkers
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					out[i] = recovered(item, fmt.Errorf("panic: %v", r))
				}
			}()
			out[i] = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
