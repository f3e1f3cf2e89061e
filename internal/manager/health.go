package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/enginedash/config"
	"github.com/xtxerr/enginedash/internal/api"
	"github.com/xtxerr/enginedash/internal/notify"
)

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	// Interval between liveness passes.
	Interval time.Duration

	// Inactivity is how long an agent may stay silent before it is marked
	// OFFLINE. Starting a session or reporting samples counts as activity.
	Inactivity time.Duration
}

// DefaultHealthConfig returns the default monitor configuration.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:   config.DefaultHealthInterval,
		Inactivity: config.DefaultAgentInactivity,
	}
}

// Validate checks the configuration.
func (c HealthConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.Inactivity < c.Interval {
		return fmt.Errorf("inactivity (%s) must not be shorter than interval (%s)", c.Inactivity, c.Interval)
	}
	return nil
}

// HealthStats counts monitor activity since start.
type HealthStats struct {
	Passes           int64
	AgentsOffline    int64
	SessionsTimedOut int64
	LastPass         time.Time
}

// HealthResult reports one pass.
type HealthResult struct {
	Cutoff           time.Time
	AgentsOffline    int
	SessionsTimedOut int64
	ByStatus         map[string]int64
}

// HealthMonitor periodically marks silent agents OFFLINE, times out their
// open sessions and refreshes the per-status agent gauges.
//
// HealthMonitor is safe for concurrent use.
type HealthMonitor struct {
	mgr *Manager
	cfg HealthConfig

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	statsMu sync.Mutex
	stats   HealthStats
}

// NewHealthMonitor creates a monitor acting through m.
func NewHealthMonitor(m *Manager, cfg HealthConfig) (*HealthMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("health config: %w", err)
	}
	return &HealthMonitor{mgr: m, cfg: cfg}, nil
}

// Start runs the monitor loop in the background. The first pass happens
// immediately.
func (h *HealthMonitor) Start() error {
	if !h.running.CompareAndSwap(false, true) {
		return fmt.Errorf("health monitor already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.wg.Add(1)
	go h.worker(ctx)

	log.Info("health monitor started", "interval", h.cfg.Interval, "inactivity", h.cfg.Inactivity)
	return nil
}

// Stop stops the loop and waits for a running pass to finish.
func (h *HealthMonitor) Stop() {
	if !h.running.CompareAndSwap(true, false) {
		return
	}
	h.cancel()
	h.wg.Wait()
	log.Info("health monitor stopped")
}

func (h *HealthMonitor) worker(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		res, err := h.RunOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("health pass failed", "error", err)
			}
		} else if res.AgentsOffline > 0 {
			log.Info("agents marked offline", "count", res.AgentsOffline, "sessions_timed_out", res.SessionsTimedOut, "cutoff", res.Cutoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass. Every agent that went OFFLINE is
// published as agent.updated.
func (h *HealthMonitor) RunOnce(ctx context.Context) (HealthResult, error) {
	now := h.mgr.now()
	res := HealthResult{Cutoff: now.Add(-h.cfg.Inactivity)}

	agents, timedOut, err := h.mgr.store.MarkStaleAgentsOffline(ctx, res.Cutoff)
	if err != nil {
		return res, err
	}
	res.AgentsOffline = len(agents)
	res.SessionsTimedOut = timedOut

	for _, a := range agents {
		log.Debug("agent offline", "org_id", a.OrganizationID, "agent_id", a.ID, "last_active", a.LastActive)
		h.mgr.publish(notify.EventAgentUpdated, a.OrganizationID, a.ID, api.FromAgent(a))
	}

	res.ByStatus, err = h.mgr.store.CountAllAgentsByStatus(ctx)
	if err != nil {
		return res, err
	}

	if obs := h.mgr.obs; obs != nil {
		obs.AgentsOffline.Add(float64(res.AgentsOffline))
		obs.SessionsTimedOut.Add(float64(timedOut))
		obs.SetAgentStatusCounts(res.ByStatus)
	}

	h.statsMu.Lock()
	h.stats.Passes++
	h.stats.AgentsOffline += int64(res.AgentsOffline)
	h.stats.SessionsTimedOut += timedOut
	h.stats.LastPass = now
	h.statsMu.Unlock()

	return res, nil
}

// Stats returns a copy of the counters.
func (h *HealthMonitor) Stats() HealthStats {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.stats
}
