package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"custodia/internal/custody/models"
	"custodia/internal/custody/store"
	"custodia/internal/platform/config"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/requestcontext"
)

type fakeDeliverer struct {
	err       error
	delivered []string
}

func (f *fakeDeliverer) DeliverQueued(_ context.Context, item models.QueueItem) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.delivered = append(f.delivered, item.ID)
	return fmt.Sprintf("tx-%d", len(f.delivered)), nil
}

type ManagerSuite struct {
	suite.Suite
	store     *store.InMemoryQueueStore
	deliverer *fakeDeliverer
	manager   *Manager
	now       time.Time
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.store = store.NewInMemoryQueueStore()
	s.deliverer = &fakeDeliverer{}
	s.now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	manager, err := New(s.store, s.deliverer, s.cfg())
	s.Require().NoError(err)
	s.manager = manager
}

func (s *ManagerSuite) cfg() config.QueueConfig {
	return config.QueueConfig{
		MaxRetries:      3,
		DrainInterval:   time.Second,
		RetryInterval:   time.Second,
		RetryBackoff:    5 * time.Minute,
		BatchSize:       10,
		StaleClaimAfter: 15 * time.Minute,
	}
}

func (s *ManagerSuite) ctxAt(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func (s *ManagerSuite) enqueue(id string, at time.Time) {
	err := s.store.Enqueue(s.ctxAt(at), models.QueueItem{
		ID:       id,
		RecordID: "rec-" + id,
		Status:   models.QueueStatusPending,
		Transfer: models.CustodyTransfer{ParcelID: "P1", FromParty: "A", ToParty: "B"},
	})
	s.Require().NoError(err)
}

func (s *ManagerSuite) TestDrainDeliversOldestFirst() {
	s.enqueue("q2", s.now.Add(time.Minute))
	s.enqueue("q1", s.now)

	s.manager.Drain(s.ctxAt(s.now.Add(time.Hour)))

	s.Equal([]string{"q1", "q2"}, s.deliverer.delivered)

	item, err := s.store.FindByID(context.Background(), "q1")
	s.Require().NoError(err)
	s.Equal(models.QueueStatusCompleted, item.Status)
	s.Equal("tx-1", item.LedgerTxRef)
	s.Require().NotNil(item.ProcessedAt)
}

func (s *ManagerSuite) TestDrainMarksFailedOnDeliveryError() {
	s.enqueue("q1", s.now)
	s.deliverer.err = dErrors.New(dErrors.CodeSubmission, "ledger rejected")

	s.manager.Drain(s.ctxAt(s.now))

	item, err := s.store.FindByID(context.Background(), "q1")
	s.Require().NoError(err)
	s.Equal(models.QueueStatusFailed, item.Status)
	s.Equal(1, item.RetryCount)
	s.Contains(item.ErrorMessage, "ledger rejected")
}

func (s *ManagerSuite) TestBackoffWindowIsRespected() {
	s.enqueue("q1", s.now)
	s.deliverer.err = dErrors.New(dErrors.CodeConnection, "ledger down")
	s.manager.Drain(s.ctxAt(s.now))

	s.Run("too early, item stays failed", func() {
		s.manager.ReleaseDueRetries(s.ctxAt(s.now.Add(time.Minute)))
		item, err := s.store.FindByID(context.Background(), "q1")
		s.Require().NoError(err)
		s.Equal(models.QueueStatusFailed, item.Status)
	})

	s.Run("after the window, item is pending again", func() {
		s.manager.ReleaseDueRetries(s.ctxAt(s.now.Add(10 * time.Minute)))
		item, err := s.store.FindByID(context.Background(), "q1")
		s.Require().NoError(err)
		s.Equal(models.QueueStatusPending, item.Status)
		s.Equal(1, item.RetryCount)
	})
}

func (s *ManagerSuite) TestRetriesExhaustThenForceRetryRecovers() {
	s.enqueue("q1", s.now)
	s.deliverer.err = dErrors.New(dErrors.CodeConnection, "ledger down")

	at := s.now
	for attempt := 0; attempt < 3; attempt++ {
		s.manager.Drain(s.ctxAt(at))
		at = at.Add(10 * time.Minute)
		s.manager.ReleaseDueRetries(s.ctxAt(at))
	}

	s.Run("exhausted item is not retried automatically", func() {
		item, err := s.store.FindByID(context.Background(), "q1")
		s.Require().NoError(err)
		s.Equal(models.QueueStatusFailed, item.Status)
		s.Equal(3, item.RetryCount)

		stuck, err := s.manager.FailedNeedingIntervention(context.Background())
		s.Require().NoError(err)
		s.Require().Len(stuck, 1)
		s.Equal("q1", stuck[0].ID)
	})

	s.Run("force retry delivers once the ledger recovers", func() {
		s.Require().NoError(s.manager.ForceRetry(s.ctxAt(at), "q1"))

		item, err := s.store.FindByID(context.Background(), "q1")
		s.Require().NoError(err)
		s.Equal(models.QueueStatusPending, item.Status)
		s.Equal(3, item.RetryCount)

		s.deliverer.err = nil
		s.manager.Drain(s.ctxAt(at))

		item, err = s.store.FindByID(context.Background(), "q1")
		s.Require().NoError(err)
		s.Equal(models.QueueStatusCompleted, item.Status)
		s.Equal([]string{"q1"}, s.deliverer.delivered)
	})
}

func (s *ManagerSuite) TestStaleProcessingClaimsAreReclaimed() {
	s.enqueue("q1", s.now)
	claimed, err := s.store.ClaimPending(s.ctxAt(s.now), 10)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)

	s.Run("fresh claims are left alone", func() {
		s.manager.ReleaseDueRetries(s.ctxAt(s.now.Add(time.Minute)))
		item, err := s.store.FindByID(context.Background(), "q1")
		s.Require().NoError(err)
		s.Equal(models.QueueStatusProcessing, item.Status)
	})

	s.Run("orphaned claims go back to pending and deliver", func() {
		s.manager.ReleaseDueRetries(s.ctxAt(s.now.Add(30 * time.Minute)))
		item, err := s.store.FindByID(context.Background(), "q1")
		s.Require().NoError(err)
		s.Equal(models.QueueStatusPending, item.Status)

		s.manager.Drain(s.ctxAt(s.now.Add(30 * time.Minute)))
		s.Equal([]string{"q1"}, s.deliverer.delivered)
	})
}

// ctxCheckingStore refuses status writes on a cancelled context, the way a
// real database driver does.
type ctxCheckingStore struct {
	*store.InMemoryQueueStore
}

func (c *ctxCheckingStore) MarkCompleted(ctx context.Context, id, txRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.InMemoryQueueStore.MarkCompleted(ctx, id, txRef)
}

func (c *ctxCheckingStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.InMemoryQueueStore.MarkFailed(ctx, id, errMsg)
}

// cancellingDeliverer cancels the drain context mid-delivery, simulating a
// shutdown signal arriving while an item is in flight.
type cancellingDeliverer struct {
	cancel context.CancelFunc
}

func (d *cancellingDeliverer) DeliverQueued(ctx context.Context, _ models.QueueItem) (string, error) {
	d.cancel()
	return "", ctx.Err()
}

func (s *ManagerSuite) TestShutdownMidDrainStillMarksFailure() {
	s.enqueue("q1", s.now)

	ctx, cancel := context.WithCancel(s.ctxAt(s.now))
	defer cancel()
	manager, err := New(&ctxCheckingStore{InMemoryQueueStore: s.store}, &cancellingDeliverer{cancel: cancel}, s.cfg())
	s.Require().NoError(err)

	manager.Drain(ctx)

	item, err := s.store.FindByID(context.Background(), "q1")
	s.Require().NoError(err)
	s.Equal(models.QueueStatusFailed, item.Status)
	s.Equal(1, item.RetryCount)
	s.Contains(item.ErrorMessage, "context canceled")
}

func (s *ManagerSuite) TestForceRetryRejectsNonFailedItems() {
	s.enqueue("q1", s.now)
	err := s.manager.ForceRetry(context.Background(), "q1")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *ManagerSuite) TestStatsAndCleanup() {
	s.enqueue("q1", s.now)
	s.enqueue("q2", s.now.Add(time.Minute))
	s.manager.Drain(s.ctxAt(s.now.Add(2 * time.Minute)))

	stats, err := s.manager.Stats(context.Background())
	s.Require().NoError(err)
	s.Equal(2, stats.Completed)
	s.Zero(stats.Pending)

	deleted, err := s.manager.CleanupCompleted(s.ctxAt(s.now.Add(48*time.Hour)), 24*time.Hour)
	s.Require().NoError(err)
	s.Equal(2, deleted)
}
