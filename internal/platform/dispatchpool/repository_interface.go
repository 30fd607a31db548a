package dispatchpool

import "context"

// Repository is the pool configuration source. Pools are administered out
// of band; the router only scans them to reconcile its worker pool
// registry. All implementations must be wrapped with instrumentation.
type Repository interface {
	FindAllNonArchived(ctx context.Context) ([]*DispatchPool, error)
}
