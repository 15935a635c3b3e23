package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/manabi-erp/manabi/internal/shared"
)

// TenantLister enumerates the tenants a fan-out covers.
type TenantLister interface {
	ListTenantIDs(ctx context.Context) ([]int64, error)
}

const defaultParallelism = 4

func resolveTenants(ctx context.Context, lister TenantLister, tenantID int64) ([]int64, error) {
	if tenantID > 0 {
		return []int64{tenantID}, nil
	}
	if lister == nil {
		return nil, fmt.Errorf("jobs: tenant lister not configured: %w", shared.ErrFatal)
	}
	return lister.ListTenantIDs(ctx)
}

// fanOut runs fn for every tenant with at most limit in flight. One tenant failing never
// cancels the others. The joined error carries asynq.SkipRetry when every failure was a
// configuration error, since retrying cannot fix those.
func fanOut(ctx context.Context, tenants []int64, limit int, fn func(ctx context.Context, tenantID int64) error) error {
	if limit <= 0 {
		limit = defaultParallelism
	}
	var (
		mu       sync.Mutex
		errs     []error
		nonFatal int
	)
	var g errgroup.Group
	g.SetLimit(limit)
	for _, id := range tenants {
		g.Go(func() error {
			if err := fn(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("tenant %d: %w", id, err))
				if !errors.Is(err, shared.ErrFatal) {
					nonFatal++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) == 0 {
		return nil
	}
	if nonFatal == 0 {
		errs = append(errs, asynq.SkipRetry)
	}
	return errors.Join(errs...)
}
