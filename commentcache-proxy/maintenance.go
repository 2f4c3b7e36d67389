package main

import (
	"context"
	"time"

	"github.com/jedisct1/dlog"
	clocksmith "github.com/jedisct1/go-clocksmith"
)

// maintenance periodically retries what requests could not finish: pending recency
// bumps and a sweep that left the index above its limit.
func (proxy *Proxy) maintenance() {
	for {
		clocksmith.Sleep(proxy.maintenanceInterval)
		select {
		case <-proxy.quit:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), proxy.maintenanceInterval)
		proxy.maintain(ctx)
		cancel()
	}
}

func (proxy *Proxy) maintain(ctx context.Context) {
	start := time.Now()
	if err := proxy.store.Ping(ctx); err != nil {
		dlog.Debugf("Maintenance skipped, shared store unreachable: %v", err)
		return
	}
	replayed := proxy.engine.ReplayPending(ctx)
	evicted, err := proxy.engine.Sweep(ctx)
	if err != nil {
		dlog.Errorf("Maintenance sweep failed: %v", err)
	}
	stats, err := proxy.engine.Stats(ctx)
	if err != nil {
		dlog.Debugf("Maintenance could not read cache stats: %v", err)
		return
	}
	proxy.metrics.SetSize("pending_touches", int64(stats.Pending))
	dlog.Debugf("Maintenance done in %v: %d replayed, %d evicted, %d/%d thread(s)",
		time.Since(start), replayed, evicted, stats.Threads, stats.MaxThreads)
}
