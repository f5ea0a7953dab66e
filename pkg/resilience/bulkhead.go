package resilience

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Bulkhead caps the number of concurrent executions. Callers beyond the
// cap wait for a slot or for their context to end.
type Bulkhead struct {
	name     string
	sem      chan struct{}
	active   atomic.Int64
	rejected atomic.Int64
}

// NewBulkhead creates a bulkhead with the given concurrency limit.
func NewBulkhead(name string, maxConcurrent int) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Bulkhead{
		name: name,
		sem:  make(chan struct{}, maxConcurrent),
	}
}

// Execute runs fn once a slot is free.
func (b *Bulkhead) Execute(ctx context.Context, fn func() error) error {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		b.rejected.Add(1)
		return fmt.Errorf("bulkhead %s: %w", b.name, ctx.Err())
	}
	b.active.Add(1)
	defer func() {
		b.active.Add(-1)
		<-b.sem
	}()
	return fn()
}

// Stats returns bulkhead usage statistics.
func (b *Bulkhead) Stats() BulkheadStats {
	return BulkheadStats{
		Name:     b.name,
		Active:   int(b.active.Load()),
		Capacity: cap(b.sem),
		Rejected: int(b.rejected.Load()),
	}
}

// BulkheadStats reports bulkhead utilization.
type BulkheadStats struct {
	Name     string `json:"name"`
	Active   int    `json:"active"`
	Capacity int    `json:"capacity"`
	Rejected int    `json:"rejected"`
}
