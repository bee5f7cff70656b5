package service

import (
	"context"
	"sync"
)

// claimSet holds per-entity claims so that at most one action runs per
// conversation or group at a time, even when ticks overlap.
type claimSet struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newClaimSet() *claimSet {
	return &claimSet{held: make(map[string]chan struct{})}
}

// tryAcquire claims id if it is free.
func (c *claimSet) tryAcquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.held[id]; busy {
		return false
	}
	c.held[id] = make(chan struct{})
	return true
}

// acquire waits until id can be claimed or ctx is done.
func (c *claimSet) acquire(ctx context.Context, id string) error {
	for {
		c.mu.Lock()
		ch, busy := c.held[id]
		if !busy {
			c.held[id] = make(chan struct{})
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *claimSet) release(id string) {
	c.mu.Lock()
	ch := c.held[id]
	delete(c.held, id)
	c.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// pairKey names the claim on an unordered pair of accounts.
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "pair:" + a + "|" + b
}

// forEach runs fn over items with at most workers goroutines and waits for
// all of them.
func forEach[T any](ctx context.Context, workers int, items []T, fn func(context.Context, T)) {
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(item T) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, item)
		}(item)
	}
	wg.Wait()
}
