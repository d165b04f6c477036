package ingest

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// RunAll runs every driver until it returns. A terminal chain does not stop
// the others. The result joins the errors of all terminal chains.
func RunAll(ctx context.Context, drivers []*Driver) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, d := range drivers {
		g.Go(func() error {
			if err := d.Run(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
