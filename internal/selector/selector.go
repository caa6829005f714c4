// Copyright 2025 James Ross
package selector

import (
	"context"
	"sync"

	"github.com/flyingrobots/comfy-bridge/internal/backend"
	"github.com/flyingrobots/comfy-bridge/internal/bridgeerr"
	"github.com/flyingrobots/comfy-bridge/internal/config"
	"go.uber.org/zap"
)

// Pool holds one backend.Client per configured address and picks the
// least-busy backend for each new prompt submission.
type Pool struct {
	order   []string
	clients map[string]*backend.Client
	log     *zap.Logger

	mu     sync.Mutex
	depths map[string]int
}

// New builds a Pool over cfg.Backends.Addresses, preserving configuration
// order so PickLeastBusy's tie-break is deterministic.
func New(cfg *config.Config, log *zap.Logger) *Pool {
	p := &Pool{
		order:   append([]string(nil), cfg.Backends.Addresses...),
		clients: make(map[string]*backend.Client, len(cfg.Backends.Addresses)),
		depths:  make(map[string]int, len(cfg.Backends.Addresses)),
		log:     log,
	}
	for _, addr := range cfg.Backends.Addresses {
		p.clients[addr] = backend.New(addr, cfg)
	}
	return p
}

// Client returns the backend.Client for addr, or nil if addr is not in the pool.
func (p *Pool) Client(addr string) *backend.Client {
	return p.clients[addr]
}

// Addresses returns the configured backend addresses in fixed order.
func (p *Pool) Addresses() []string {
	return append([]string(nil), p.order...)
}

// QueueDepths polls GET /queue on every backend concurrently and returns the
// last-known depth per address. A backend that fails to respond keeps its
// previous observed depth rather than being dropped, so a transient hiccup
// doesn't make a backend look artificially idle.
func (p *Pool) QueueDepths(ctx context.Context) (map[string]int, error) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string]int, len(p.order))
	var firstErr error

	for _, addr := range p.order {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := p.clients[addr].QueueDepth(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.log.Warn("backend queue poll failed", zap.String("backend", addr), zap.Error(err))
				if d, ok := p.depths[addr]; ok {
					results[addr] = d
				}
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			results[addr] = q.Depth()
		}()
	}
	wg.Wait()

	p.mu.Lock()
	for addr, d := range results {
		p.depths[addr] = d
	}
	p.mu.Unlock()

	if len(results) == 0 {
		return nil, bridgeerr.Wrap(bridgeerr.KindNoBackend, "no backend responded to queue poll", firstErr)
	}
	return results, nil
}

// PickLeastBusy returns the address of the backend with the lowest observed
// queue depth, breaking ties by configuration order. It uses the last
// successful QueueDepths sample; callers that need a fresh read should call
// QueueDepths first. A backend with no observed depth is skipped.
func (p *Pool) PickLeastBusy() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.order) == 0 {
		return "", bridgeerr.New(bridgeerr.KindNoBackend, "no backends configured")
	}
	best := ""
	bestDepth := 0
	for _, addr := range p.order {
		d, ok := p.depths[addr]
		if !ok {
			continue
		}
		if best == "" || d < bestDepth {
			best = addr
			bestDepth = d
		}
	}
	if best == "" {
		return "", bridgeerr.New(bridgeerr.KindNoBackend, "no backend has reported a queue depth")
	}
	return best, nil
}
