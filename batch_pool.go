package batchimport

import "reflect"

// poolKey identifies a batch shape. Batches are shared by shape, not by step.
type poolKey struct {
	typ      reflect.Type
	capacity int
}

// Reuse returns a previously recycled batch of capacity slots of R, or a new
// one from factory. factory must return exactly capacity slots.
func Reuse[R any](c *StageControl, capacity int, factory func() []R) []R {
	if free := c.freeList(poolKey{reflect.TypeOf((*R)(nil)).Elem(), capacity}); free != nil {
		select {
		case batch := <-free:
			c.metrics.batchesReused.Inc()
			return batch.([]R)
		default:
		}
	}
	c.metrics.batchesAllocated.Inc()
	return factory()
}

// Recycle hands batch back for reuse. The whole backing array is pooled, so
// batch may be a cut-off view. The caller must not touch batch afterwards.
func Recycle[R any](c *StageControl, batch []R) {
	if cap(batch) == 0 {
		return
	}
	free := c.freeList(poolKey{reflect.TypeOf((*R)(nil)).Elem(), cap(batch)})
	if free == nil {
		return
	}
	select {
	case free <- batch[:cap(batch)]:
	default:
		// free list full; let the GC have it
	}
}

// freeList returns the free list for key, or nil once the control is closed
// or pooling is disabled.
func (c *StageControl) freeList(key poolKey) chan any {
	if c.maxPooled == 0 {
		return nil
	}
	c.poolsMu.Lock()
	defer c.poolsMu.Unlock()
	if c.closed {
		return nil
	}
	free, ok := c.pools[key]
	if !ok {
		free = make(chan any, c.maxPooled)
		c.pools[key] = free
	}
	return free
}
