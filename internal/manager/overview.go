package manager

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Overview summarizes an organization for the dashboard home.
type Overview struct {
	Agents      map[string]int64
	Tasks       map[string]int64
	Codices     map[string]int64
	GeneratedAt time.Time
}

// Total sums a count map.
func Total(counts map[string]int64) int64 {
	var n int64
	for _, c := range counts {
		n += c
	}
	return n
}

// Overview returns status counts of agents, tasks and codices. Results are
// cached per organization for the configured TTL, and concurrent misses
// for the same organization share one computation.
func (m *Manager) Overview(ctx context.Context, orgID string) (*Overview, error) {
	if ov, ok := m.overview.get(orgID); ok {
		return ov, nil
	}

	v, err, _ := m.overview.group.Do(orgID, func() (any, error) {
		if ov, ok := m.overview.get(orgID); ok {
			return ov, nil
		}
		gen := m.overview.generation(orgID)
		ov, err := m.computeOverview(ctx, orgID)
		if err != nil {
			return nil, err
		}
		m.overview.put(orgID, ov, gen)
		return ov, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Overview), nil
}

func (m *Manager) computeOverview(ctx context.Context, orgID string) (*Overview, error) {
	ov := &Overview{GeneratedAt: m.now().UTC()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ov.Agents, err = m.store.CountAgentsByStatus(gctx, orgID)
		return err
	})
	g.Go(func() error {
		var err error
		ov.Tasks, err = m.store.CountTasksByStatus(gctx, orgID)
		return err
	})
	g.Go(func() error {
		var err error
		ov.Codices, err = m.store.CountCodicesByStatus(gctx, orgID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ov, nil
}

// =============================================================================
// Cache
// =============================================================================

type overviewEntry struct {
	value   *Overview
	expires time.Time
}

// overviewCache is a per-organization TTL cache. A generation counter per
// organization keeps a computation that raced with an invalidation from
// storing a stale value.
type overviewCache struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]overviewEntry
	gens    map[string]uint64
}

func newOverviewCache(ttl time.Duration, now func() time.Time) *overviewCache {
	return &overviewCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]overviewEntry),
		gens:    make(map[string]uint64),
	}
}

func (c *overviewCache) get(orgID string) (*Overview, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[orgID]
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (c *overviewCache) generation(orgID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[orgID]
}

func (c *overviewCache) put(orgID string, ov *Overview, gen uint64) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[orgID] != gen {
		return
	}
	c.entries[orgID] = overviewEntry{value: ov, expires: c.now().Add(c.ttl)}
}

func (c *overviewCache) invalidate(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, orgID)
	c.gens[orgID]++
}
