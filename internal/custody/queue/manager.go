// Package queue runs the durable outbox for ledger delivery: a drain loop that
// claims pending items and submits them, and a retry loop that releases failed
// items back to pending after a backoff window and reclaims claims a dead
// manager left in processing. Items that exhaust their retries stay failed
// until an operator forces them back in.
package queue

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"custodia/internal/custody/events"
	"custodia/internal/custody/metrics"
	"custodia/internal/custody/models"
	"custodia/internal/custody/store"
	"custodia/internal/platform/config"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/requestcontext"
)

// Deliverer pushes a queued transfer through the ledger path. The coordinator
// implements it; the manager never talks to the ledger directly.
type Deliverer interface {
	DeliverQueued(ctx context.Context, item models.QueueItem) (string, error)
}

// Manager owns all queue item status transitions.
type Manager struct {
	store     store.QueueStore
	deliverer Deliverer
	cfg       config.QueueConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
	publisher events.Publisher
	tracer    trace.Tracer
	trigger   chan struct{}
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(mtr *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mtr }
}

func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// New constructs the manager.
func New(queueStore store.QueueStore, deliverer Deliverer, cfg config.QueueConfig, opts ...Option) (*Manager, error) {
	if queueStore == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "queue store is required")
	}
	if deliverer == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "deliverer is required")
	}

	m := &Manager{
		store:     queueStore,
		deliverer: deliverer,
		cfg:       cfg,
		logger:    slog.Default(),
		publisher: events.NopPublisher{},
		tracer:    otel.Tracer("custodia/queue"),
		trigger:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run blocks until the context is cancelled, draining on the configured
// interval, on demand through TriggerDrain, and releasing due retries on the
// retry interval. Each tick stamps its time into the context so every store
// mutation in that pass shares one timestamp.
func (m *Manager) Run(ctx context.Context) error {
	drainTicker := time.NewTicker(m.cfg.DrainInterval)
	defer drainTicker.Stop()
	retryTicker := time.NewTicker(m.cfg.RetryInterval)
	defer retryTicker.Stop()

	m.logger.Info("delivery queue manager started",
		"drain_interval", m.cfg.DrainInterval,
		"retry_interval", m.cfg.RetryInterval,
		"max_retries", m.cfg.MaxRetries,
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("delivery queue manager stopped")
			return nil
		case tick := <-drainTicker.C:
			m.Drain(requestcontext.WithTime(ctx, tick))
		case <-m.trigger:
			m.Drain(requestcontext.WithTime(ctx, time.Now()))
		case tick := <-retryTicker.C:
			m.ReleaseDueRetries(requestcontext.WithTime(ctx, tick))
		}
	}
}

// TriggerDrain requests an immediate drain pass. Non-blocking; a pass already
// pending coalesces with this one.
func (m *Manager) TriggerDrain() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Drain claims up to one batch of pending items and attempts delivery for
// each. Claiming marks items processing, so concurrent managers never deliver
// the same item twice.
func (m *Manager) Drain(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "queue.drain")
	defer span.End()

	items, err := m.store.ClaimPending(ctx, m.cfg.BatchSize)
	if err != nil {
		m.logger.Error("claim pending queue items", "error", err)
		return
	}

	for _, item := range items {
		m.deliver(ctx, item)
	}
	m.refreshPendingGauge(ctx)
}

func (m *Manager) deliver(ctx context.Context, item models.QueueItem) {
	txRef, err := m.deliverer.DeliverQueued(ctx, item)

	// Shutdown can cancel ctx while a delivery is in flight. The status
	// write must still land or the item is stranded in processing.
	markCtx := context.WithoutCancel(ctx)
	if err == nil {
		if err := m.store.MarkCompleted(markCtx, item.ID, txRef); err != nil {
			m.logger.Error("mark queue item completed", "item_id", item.ID, "error", err)
			return
		}
		m.metrics.RecordDelivery(true)
		m.publisher.Publish(ctx, events.Event{
			Type:        events.TypeDeliveryCompleted,
			ParcelID:    item.Transfer.ParcelID,
			RecordID:    item.RecordID,
			QueueItemID: item.ID,
			LedgerTxRef: txRef,
			Timestamp:   requestcontext.Now(ctx),
		})
		return
	}

	if markErr := m.store.MarkFailed(markCtx, item.ID, err.Error()); markErr != nil {
		m.logger.Error("mark queue item failed", "item_id", item.ID, "error", markErr)
		return
	}
	m.metrics.RecordDelivery(false)

	attempts := item.RetryCount + 1
	if attempts >= m.cfg.MaxRetries {
		m.logger.Error("queue item exhausted retries, needs operator intervention",
			"item_id", item.ID,
			"parcel_id", item.Transfer.ParcelID,
			"attempts", attempts,
			"error", err,
		)
		m.publisher.Publish(ctx, events.Event{
			Type:        events.TypeRetriesExhausted,
			ParcelID:    item.Transfer.ParcelID,
			RecordID:    item.RecordID,
			QueueItemID: item.ID,
			Error:       err.Error(),
			Timestamp:   requestcontext.Now(ctx),
		})
		return
	}

	m.logger.Warn("queued delivery failed, will retry after backoff",
		"item_id", item.ID,
		"attempts", attempts,
		"error", err,
	)
	m.publisher.Publish(ctx, events.Event{
		Type:        events.TypeDeliveryFailed,
		ParcelID:    item.Transfer.ParcelID,
		RecordID:    item.RecordID,
		QueueItemID: item.ID,
		Error:       err.Error(),
		Timestamp:   requestcontext.Now(ctx),
	})
}

// ReleaseDueRetries moves failed items whose backoff window has elapsed back
// to pending. Items at the retry cap are left for operator intervention. The
// same pass reclaims processing claims orphaned by a crashed manager.
func (m *Manager) ReleaseDueRetries(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "queue.release_retries")
	defer span.End()

	m.reclaimStaleClaims(ctx)

	cutoff := requestcontext.Now(ctx).Add(-m.cfg.RetryBackoff)
	items, err := m.store.ListRetryable(ctx, m.cfg.MaxRetries, cutoff)
	if err != nil {
		m.logger.Error("list retryable queue items", "error", err)
		return
	}

	released := 0
	for _, item := range items {
		if err := m.store.ReleaseForRetry(ctx, item.ID); err != nil {
			m.logger.Error("release queue item for retry", "item_id", item.ID, "error", err)
			continue
		}
		m.metrics.RecordRetry()
		released++
	}
	if released > 0 {
		m.logger.Info("released failed queue items for retry", "count", released)
		m.TriggerDrain()
	}
}

// reclaimStaleClaims returns processing items whose claim went stale back to
// pending. A claim only goes stale when the manager that took it died before
// writing a terminal status, so the window just needs to exceed the longest
// plausible delivery attempt.
func (m *Manager) reclaimStaleClaims(ctx context.Context) {
	if m.cfg.StaleClaimAfter <= 0 {
		return
	}
	cutoff := requestcontext.Now(ctx).Add(-m.cfg.StaleClaimAfter)
	reclaimed, err := m.store.ReclaimStale(ctx, cutoff)
	if err != nil {
		m.logger.Error("reclaim stale queue claims", "error", err)
		return
	}
	if reclaimed > 0 {
		m.logger.Warn("reclaimed orphaned processing claims", "count", reclaimed)
		m.TriggerDrain()
	}
}

// ForceRetry pushes an exhausted item back to pending regardless of its retry
// count, then requests a drain. The cumulative count is preserved.
func (m *Manager) ForceRetry(ctx context.Context, id string) error {
	if err := m.store.ReleaseForRetry(ctx, id); err != nil {
		return err
	}
	m.metrics.RecordRetry()
	m.TriggerDrain()
	return nil
}

// FailedNeedingIntervention lists items that exhausted their retries.
func (m *Manager) FailedNeedingIntervention(ctx context.Context) ([]models.QueueItem, error) {
	return m.store.ListNeedingIntervention(ctx, m.cfg.MaxRetries)
}

// Stats returns a point-in-time queue summary.
func (m *Manager) Stats(ctx context.Context) (models.QueueStats, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}
	m.metrics.SetQueuePending(stats.Pending)
	return stats, nil
}

// Item returns a single queue entry by id.
func (m *Manager) Item(ctx context.Context, id string) (models.QueueItem, error) {
	return m.store.FindByID(ctx, id)
}

// CleanupCompleted deletes completed items processed before now minus the
// retention window and returns how many were removed.
func (m *Manager) CleanupCompleted(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := requestcontext.Now(ctx).Add(-retention)
	deleted, err := m.store.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.Info("cleaned up completed queue items", "deleted", deleted)
	}
	return deleted, nil
}

func (m *Manager) refreshPendingGauge(ctx context.Context) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return
	}
	m.metrics.SetQueuePending(stats.Pending)
}
