// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/flyingrobots/comfy-bridge/internal/config"
	"go.uber.org/zap"
)

// DepthsFunc samples the current queue depth per backend address. It is
// satisfied by (*selector.Pool).QueueDepths; kept as a function type here
// rather than importing the selector package, so obs has no dependency on
// the backend pool it reports metrics for.
type DepthsFunc func(ctx context.Context) (map[string]int, error)

// StartQueueLengthUpdater polls depthsFn on cfg.Backends.PollTimeout and
// updates the BackendQueueDepth gauge and BackendUnreachable counter until
// ctx is cancelled.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, depthsFn DepthsFunc, log *zap.Logger) {
	interval := cfg.Backends.PollTimeout
	if interval <= 0 {
		interval = 2 * time.Second
	}

	seen := make(map[string]struct{}, len(cfg.Backends.Addresses))
	for _, addr := range cfg.Backends.Addresses {
		seen[addr] = struct{}{}
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depths, err := depthsFn(ctx)
				if err != nil && len(depths) == 0 {
					log.Warn("queue depth sample failed for all backends", Err(err))
					for addr := range seen {
						BackendUnreachable.WithLabelValues(addr).Inc()
					}
					continue
				}
				for addr := range seen {
					if d, ok := depths[addr]; ok {
						BackendQueueDepth.WithLabelValues(addr).Set(float64(d))
					} else {
						BackendUnreachable.WithLabelValues(addr).Inc()
					}
				}
			}
		}
	}()
}
