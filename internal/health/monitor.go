// Package health probes the ledger, the storage backend, and the cache, and
// classifies the service as healthy, degraded, or unhealthy. Storage
// dominates the verdict: custody writes survive a ledger outage through the
// queue, but not a storage outage.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"custodia/internal/custody/ledger"
	"custodia/internal/custody/metrics"
	"custodia/pkg/requestcontext"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger is the slice of database/sql.DB the monitor needs. Nil means the
// in-memory backend, which is always healthy.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Component is one probed dependency inside a snapshot.
type Component struct {
	Status      Status `json:"status"`
	Error       string `json:"error,omitempty"`
	BlockHeight uint64 `json:"blockHeight,omitempty"`
	NetworkID   string `json:"networkId,omitempty"`
}

// Snapshot is the cached result of the latest probe pass.
type Snapshot struct {
	Status     Status               `json:"status"`
	CheckedAt  time.Time            `json:"checkedAt"`
	Components map[string]Component `json:"components"`
}

// Monitor runs periodic concurrent probes and caches the latest snapshot so
// the health endpoint never blocks on a slow dependency.
type Monitor struct {
	ledger   ledger.Client
	db       Pinger
	cache    Pinger
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	snapshot Snapshot
}

type Option func(*Monitor)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

func WithMetrics(mtr *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mtr }
}

// WithDatabase attaches the storage probe.
func WithDatabase(db Pinger) Option {
	return func(m *Monitor) { m.db = db }
}

// WithCache attaches the cache probe.
func WithCache(cache Pinger) Option {
	return func(m *Monitor) { m.cache = cache }
}

// New constructs the monitor around the ledger client.
func New(client ledger.Client, interval time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		ledger:   client,
		interval: interval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run probes immediately, then on every interval tick, until the context is
// cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case tick := <-ticker.C:
			m.Probe(requestcontext.WithTime(ctx, tick))
		}
	}
}

// Current returns the latest snapshot. Before the first probe completes it
// probes synchronously once.
func (m *Monitor) Current(ctx context.Context) Snapshot {
	m.mu.RLock()
	snapshot := m.snapshot
	m.mu.RUnlock()
	if snapshot.CheckedAt.IsZero() {
		return m.Probe(ctx)
	}
	return snapshot
}

// Probe checks all dependencies concurrently, classifies the result, caches
// it, and returns it.
func (m *Monitor) Probe(ctx context.Context) Snapshot {
	var (
		ledgerComp  Component
		storageComp Component
		cacheComp   Component
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ledgerComp = m.probeLedger(gctx)
		return nil
	})
	g.Go(func() error {
		storageComp = probePinger(gctx, m.db)
		return nil
	})
	g.Go(func() error {
		cacheComp = probePinger(gctx, m.cache)
		return nil
	})
	_ = g.Wait()

	snapshot := Snapshot{
		CheckedAt: requestcontext.Now(ctx),
		Components: map[string]Component{
			"ledger":  ledgerComp,
			"storage": storageComp,
			"cache":   cacheComp,
		},
	}
	snapshot.Status = classify(storageComp, ledgerComp, cacheComp)

	m.mu.Lock()
	previous := m.snapshot.Status
	m.snapshot = snapshot
	m.mu.Unlock()

	m.metrics.SetHealthState(stateValue(snapshot.Status))
	if previous != "" && previous != snapshot.Status {
		m.logger.Warn("health state changed", "from", previous, "to", snapshot.Status)
	}
	return snapshot
}

func (m *Monitor) probeLedger(ctx context.Context) Component {
	status := m.ledger.NetworkStatus(ctx)
	if !status.Connected {
		return Component{Status: StatusUnhealthy, Error: "ledger not connected"}
	}
	return Component{
		Status:      StatusHealthy,
		BlockHeight: status.BlockHeight,
		NetworkID:   status.NetworkID,
	}
}

// probePinger treats an absent dependency as healthy: the in-memory backend
// has no database, and the cache is optional.
func probePinger(ctx context.Context, p Pinger) Component {
	if p == nil {
		return Component{Status: StatusHealthy}
	}
	if err := p.PingContext(ctx); err != nil {
		return Component{Status: StatusUnhealthy, Error: err.Error()}
	}
	return Component{Status: StatusHealthy}
}

// classify folds component results into the overall verdict. Storage failure
// is unhealthy outright; ledger or cache failure only degrades, since the
// queue bridges ledger outages.
func classify(storage, ledgerComp, cache Component) Status {
	if storage.Status != StatusHealthy {
		return StatusUnhealthy
	}
	if ledgerComp.Status != StatusHealthy || cache.Status != StatusHealthy {
		return StatusDegraded
	}
	return StatusHealthy
}

func stateValue(s Status) float64 {
	switch s {
	case StatusHealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}
