package threadcache

import (
	"context"
	"fmt"

	"github.com/jedisct1/dlog"
)

// Sweep evicts the least recently used threads until the recency index holds at
// most MaxThreads entries, and returns how many threads were evicted.
//
// One sweep runs at a time per engine; a caller that waited for the slot re-reads
// the index size, so work done by the previous sweep is not repeated.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	select {
	case e.sweepSlot <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-e.sweepSlot }()

	maxThreads := int64(e.Limits().MaxThreads)

	opCtx, cancel := e.opContext(ctx)
	n, err := e.index.size(opCtx)
	if err != nil {
		cancel()
		return 0, err
	}
	if n <= maxThreads {
		cancel()
		e.metrics.SetSize(MetricThreads, n)
		return 0, nil
	}
	victims, err := e.index.oldest(opCtx, n-maxThreads)
	cancel()
	if err != nil {
		return 0, err
	}

	evicted := 0
	var firstErr error
	for _, victim := range victims {
		opCtx, cancel := e.opContext(ctx)
		err := e.evict(opCtx, victim)
		cancel()
		if err != nil {
			dlog.Warnf("Eviction of article [%s] failed: %v", victim, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		evicted++
		e.metrics.Evict(MetricThread)
	}
	if evicted > 0 {
		dlog.Infof("Evicted %d least recently used thread(s)", evicted)
	}

	opCtx, cancel = e.opContext(ctx)
	defer cancel()
	remaining, err := e.index.size(opCtx)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		return evicted, firstErr
	}
	e.metrics.SetSize(MetricThreads, remaining)
	if remaining > maxThreads {
		return evicted, fmt.Errorf("%w: %d threads indexed, limit is %d", ErrCapacityExceeded, remaining, maxThreads)
	}
	return evicted, firstErr
}

// sweepAfterPopulation runs the sweep on behalf of a request; failures are left to
// the next population or maintenance pass.
func (e *Engine) sweepAfterPopulation(ctx context.Context) {
	if _, err := e.Sweep(ctx); err != nil {
		dlog.Errorf("Thread cache sweep failed: %v", err)
	}
}

// Flush evicts every thread and clears the recency index.
func (e *Engine) Flush(ctx context.Context) (int, error) {
	select {
	case e.sweepSlot <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-e.sweepSlot }()

	opCtx, cancel := e.opContext(ctx)
	entries, err := e.index.all(opCtx)
	cancel()
	if err != nil {
		return 0, err
	}
	flushed := 0
	for _, entry := range entries {
		opCtx, cancel := e.opContext(ctx)
		err := e.evict(opCtx, entry.Member)
		cancel()
		if err != nil {
			return flushed, err
		}
		flushed++
		e.metrics.Evict(MetricThread)
	}
	opCtx, cancel = e.opContext(ctx)
	defer cancel()
	if err := e.index.clear(opCtx); err != nil {
		return flushed, err
	}
	e.metrics.SetSize(MetricThreads, 0)
	dlog.Noticef("Flushed %d thread(s)", flushed)
	return flushed, nil
}
