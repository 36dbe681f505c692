//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"custodia/internal/custody/models"
	"custodia/internal/custody/store"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/requestcontext"
	"custodia/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg      *containers.PostgresContainer
	records *store.PostgresRecordStore
	queue   *store.PostgresQueueStore
	now     time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.records = store.NewPostgresRecordStore(s.pg.DB)
	s.queue = store.NewPostgresQueueStore(s.pg.DB)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	_ = s.pg.DB.Close()
	_ = s.pg.Container.Terminate(context.Background())
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.Truncate(context.Background()))
	s.now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
}

func (s *PostgresStoreSuite) ctxAt(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func (s *PostgresStoreSuite) record(id string, ts time.Time) models.CustodyRecord {
	return models.CustodyRecord{
		ID:               id,
		ParcelID:         "P1",
		FromParty:        "warehouse-a",
		ToParty:          "courier-b",
		Timestamp:        ts,
		Location:         models.Location{Latitude: 12.97, Longitude: 77.59},
		DigitalSignature: "sig-" + id,
		Metadata:         map[string]any{"handler": "dock-3"},
		CreatedAt:        ts,
	}
}

func (s *PostgresStoreSuite) TestRecordRoundTrip() {
	ctx := context.Background()
	s.Require().NoError(s.records.Create(ctx, s.record("r1", s.now)))
	s.Require().NoError(s.records.Create(ctx, s.record("r2", s.now.Add(time.Hour))))

	s.Run("duplicate id maps to conflict", func() {
		err := s.records.Create(ctx, s.record("r1", s.now))
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("find preserves metadata", func() {
		record, err := s.records.FindByID(ctx, "r1")
		s.Require().NoError(err)
		s.Equal("dock-3", record.Metadata["handler"])
		s.Equal(12.97, record.Location.Latitude)
	})

	s.Run("list is chronological", func() {
		records, err := s.records.ListByParcel(ctx, "P1")
		s.Require().NoError(err)
		s.Require().Len(records, 2)
		s.Equal("r1", records[0].ID)
	})

	s.Run("latest picks the newest", func() {
		latest, err := s.records.LatestByParcel(ctx, "P1")
		s.Require().NoError(err)
		s.Equal("r2", latest.ID)
	})

	s.Run("missing record is not found", func() {
		_, err := s.records.FindByID(ctx, "r404")
		s.ErrorIs(err, store.ErrNotFound)
	})
}

func (s *PostgresStoreSuite) TestConfirmIsNarrowAndIdempotent() {
	ctx := context.Background()
	s.Require().NoError(s.records.Create(ctx, s.record("r1", s.now)))

	s.Require().NoError(s.records.Confirm(ctx, "r1", "tx-1"))
	s.Require().NoError(s.records.Confirm(ctx, "r1", "tx-1"))

	record, err := s.records.FindByID(ctx, "r1")
	s.Require().NoError(err)
	s.True(record.Verified)
	s.Equal("tx-1", record.LedgerTxRef)

	s.Run("conflicting tx ref is rejected", func() {
		err := s.records.Confirm(ctx, "r1", "tx-other")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *PostgresStoreSuite) enqueue(id string, at time.Time) {
	err := s.queue.Enqueue(s.ctxAt(at), models.QueueItem{
		ID:       id,
		RecordID: "rec-" + id,
		Status:   models.QueueStatusPending,
		Transfer: models.CustodyTransfer{ParcelID: "P1", FromParty: "A", ToParty: "B"},
	})
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TestQueueClaimLifecycle() {
	for i, id := range []string{"q1", "q2", "q3"} {
		s.enqueue(id, s.now.Add(time.Duration(i)*time.Minute))
	}

	claimed, err := s.queue.ClaimPending(s.ctxAt(s.now.Add(time.Hour)), 2)
	s.Require().NoError(err)
	s.Require().Len(claimed, 2)
	s.Equal("q1", claimed[0].ID)
	s.Equal(models.QueueStatusProcessing, claimed[0].Status)

	s.Run("claimed items are not claimable again", func() {
		again, err := s.queue.ClaimPending(s.ctxAt(s.now.Add(time.Hour)), 10)
		s.Require().NoError(err)
		s.Require().Len(again, 1)
		s.Equal("q3", again[0].ID)
	})

	s.Run("complete and fail transitions", func() {
		s.Require().NoError(s.queue.MarkCompleted(s.ctxAt(s.now.Add(2*time.Hour)), "q1", "tx-q1"))
		s.Require().NoError(s.queue.MarkFailed(s.ctxAt(s.now.Add(2*time.Hour)), "q2", "ledger timeout"))

		item, err := s.queue.FindByID(context.Background(), "q2")
		s.Require().NoError(err)
		s.Equal(models.QueueStatusFailed, item.Status)
		s.Equal(1, item.RetryCount)
	})

	s.Run("stats reflect transitions", func() {
		stats, err := s.queue.Stats(context.Background())
		s.Require().NoError(err)
		s.Equal(1, stats.Completed)
		s.Equal(1, stats.Failed)
		s.Equal(1, stats.Processing)
	})
}

func (s *PostgresStoreSuite) TestActiveByRecord() {
	s.enqueue("q1", s.now)

	s.Run("pending item is active", func() {
		item, err := s.queue.ActiveByRecord(context.Background(), "rec-q1")
		s.Require().NoError(err)
		s.Equal("q1", item.ID)
	})

	s.Run("completed item is not", func() {
		_, err := s.queue.ClaimPending(s.ctxAt(s.now), 1)
		s.Require().NoError(err)
		s.Require().NoError(s.queue.MarkCompleted(s.ctxAt(s.now), "q1", "tx-q1"))

		_, err = s.queue.ActiveByRecord(context.Background(), "rec-q1")
		s.ErrorIs(err, store.ErrNotFound)
	})

	s.Run("unknown record is not found", func() {
		_, err := s.queue.ActiveByRecord(context.Background(), "rec-q404")
		s.ErrorIs(err, store.ErrNotFound)
	})
}

func (s *PostgresStoreSuite) TestReclaimStale() {
	s.enqueue("q1", s.now)
	s.enqueue("q2", s.now.Add(time.Minute))

	claimed, err := s.queue.ClaimPending(s.ctxAt(s.now.Add(2*time.Minute)), 1)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)

	s.Run("fresh claims survive", func() {
		reclaimed, err := s.queue.ReclaimStale(s.ctxAt(s.now.Add(3*time.Minute)), s.now)
		s.Require().NoError(err)
		s.Zero(reclaimed)
	})

	s.Run("stale claims go back to pending", func() {
		reclaimed, err := s.queue.ReclaimStale(s.ctxAt(s.now.Add(time.Hour)), s.now.Add(30*time.Minute))
		s.Require().NoError(err)
		s.Equal(1, reclaimed)

		item, err := s.queue.FindByID(context.Background(), "q1")
		s.Require().NoError(err)
		s.Equal(models.QueueStatusPending, item.Status)

		// Never-claimed items are untouched.
		item, err = s.queue.FindByID(context.Background(), "q2")
		s.Require().NoError(err)
		s.Equal(models.QueueStatusPending, item.Status)
		s.Zero(item.RetryCount)
	})
}

func (s *PostgresStoreSuite) TestQueueRetryAndCleanup() {
	s.enqueue("q1", s.now)
	_, err := s.queue.ClaimPending(s.ctxAt(s.now), 1)
	s.Require().NoError(err)
	s.Require().NoError(s.queue.MarkFailed(s.ctxAt(s.now), "q1", "ledger down"))

	s.Run("backoff window filters retryables", func() {
		retryable, err := s.queue.ListRetryable(context.Background(), 5, s.now.Add(-time.Minute))
		s.Require().NoError(err)
		s.Empty(retryable)

		retryable, err = s.queue.ListRetryable(context.Background(), 5, s.now.Add(time.Minute))
		s.Require().NoError(err)
		s.Require().Len(retryable, 1)
	})

	s.Run("release requires failed state", func() {
		s.Require().NoError(s.queue.ReleaseForRetry(s.ctxAt(s.now), "q1"))
		err := s.queue.ReleaseForRetry(s.ctxAt(s.now), "q1")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("cleanup deletes old completed items only", func() {
		_, err := s.queue.ClaimPending(s.ctxAt(s.now), 1)
		s.Require().NoError(err)
		s.Require().NoError(s.queue.MarkCompleted(s.ctxAt(s.now), "q1", "tx-q1"))

		deleted, err := s.queue.DeleteCompletedBefore(context.Background(), s.now.Add(time.Hour))
		s.Require().NoError(err)
		s.Equal(1, deleted)

		deleted, err = s.queue.DeleteCompletedBefore(context.Background(), s.now.Add(time.Hour))
		s.Require().NoError(err)
		s.Equal(0, deleted)
	})
}
