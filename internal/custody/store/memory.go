package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"custodia/internal/custody/models"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/requestcontext"
)

// InMemoryRecordStore keeps custody records in a map, guarded by a RWMutex.
// Used in unit tests and local development.
type InMemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]models.CustodyRecord
}

func NewInMemoryRecordStore() *InMemoryRecordStore {
	return &InMemoryRecordStore{records: make(map[string]models.CustodyRecord)}
}

func (s *InMemoryRecordStore) Create(_ context.Context, record models.CustodyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return dErrors.Newf(dErrors.CodeConflict, "record %s already exists", record.ID)
	}
	s.records[record.ID] = record
	return nil
}

func (s *InMemoryRecordStore) FindByID(_ context.Context, id string) (models.CustodyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return models.CustodyRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *InMemoryRecordStore) ListByParcel(_ context.Context, parcelID string) ([]models.CustodyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CustodyRecord
	for _, record := range s.records {
		if record.ParcelID == parcelID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *InMemoryRecordStore) LatestByParcel(ctx context.Context, parcelID string) (models.CustodyRecord, error) {
	records, err := s.ListByParcel(ctx, parcelID)
	if err != nil {
		return models.CustodyRecord{}, err
	}
	if len(records) == 0 {
		return models.CustodyRecord{}, ErrNotFound
	}
	return records[len(records)-1], nil
}

func (s *InMemoryRecordStore) Confirm(_ context.Context, id, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	record.LedgerTxRef = txRef
	record.Verified = true
	s.records[id] = record
	return nil
}

// InMemoryQueueStore keeps outbox entries in a map. Claiming takes the write
// lock for the whole batch, which gives the same exclusivity the postgres
// implementation gets from a conditional UPDATE.
type InMemoryQueueStore struct {
	mu    sync.RWMutex
	items map[string]models.QueueItem
}

func NewInMemoryQueueStore() *InMemoryQueueStore {
	return &InMemoryQueueStore{items: make(map[string]models.QueueItem)}
}

func (s *InMemoryQueueStore) Enqueue(ctx context.Context, item models.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := requestcontext.Now(ctx)
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	s.items[item.ID] = item
	return nil
}

func (s *InMemoryQueueStore) FindByID(_ context.Context, id string) (models.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return models.QueueItem{}, ErrNotFound
	}
	return item, nil
}

func (s *InMemoryQueueStore) ActiveByRecord(_ context.Context, recordID string) (models.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if item.RecordID == recordID && item.Status != models.QueueStatusCompleted {
			return item, nil
		}
	}
	return models.QueueItem{}, ErrNotFound
}

func (s *InMemoryQueueStore) ClaimPending(ctx context.Context, limit int) ([]models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []models.QueueItem
	for _, item := range s.items {
		if item.Status == models.QueueStatusPending {
			pending = append(pending, item)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	now := requestcontext.Now(ctx)
	for i, item := range pending {
		item.Status = models.QueueStatusProcessing
		item.UpdatedAt = now
		s.items[item.ID] = item
		pending[i] = item
	}
	return pending, nil
}

func (s *InMemoryQueueStore) MarkCompleted(ctx context.Context, id, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	now := requestcontext.Now(ctx)
	item.Status = models.QueueStatusCompleted
	item.LedgerTxRef = txRef
	item.ErrorMessage = ""
	item.ProcessedAt = &now
	item.UpdatedAt = now
	s.items[id] = item
	return nil
}

func (s *InMemoryQueueStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	item.Status = models.QueueStatusFailed
	item.ErrorMessage = errMsg
	item.RetryCount++
	item.UpdatedAt = requestcontext.Now(ctx)
	s.items[id] = item
	return nil
}

func (s *InMemoryQueueStore) ReleaseForRetry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if item.Status != models.QueueStatusFailed {
		return dErrors.Newf(dErrors.CodeConflict, "queue item %s is %s, not failed", id, item.Status)
	}
	item.Status = models.QueueStatusPending
	item.UpdatedAt = requestcontext.Now(ctx)
	s.items[id] = item
	return nil
}

func (s *InMemoryQueueStore) ListRetryable(_ context.Context, maxRetries int, updatedBefore time.Time) ([]models.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.QueueItem
	for _, item := range s.items {
		if item.Status == models.QueueStatusFailed &&
			item.RetryCount < maxRetries &&
			item.UpdatedAt.Before(updatedBefore) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *InMemoryQueueStore) ListNeedingIntervention(_ context.Context, maxRetries int) ([]models.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.QueueItem
	for _, item := range s.items {
		if item.Status == models.QueueStatusFailed && item.RetryCount >= maxRetries {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *InMemoryQueueStore) ReclaimStale(ctx context.Context, updatedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := requestcontext.Now(ctx)
	reclaimed := 0
	for id, item := range s.items {
		if item.Status == models.QueueStatusProcessing && item.UpdatedAt.Before(updatedBefore) {
			item.Status = models.QueueStatusPending
			item.UpdatedAt = now
			s.items[id] = item
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *InMemoryQueueStore) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, item := range s.items {
		if item.Status == models.QueueStatusCompleted &&
			item.ProcessedAt != nil && item.ProcessedAt.Before(cutoff) {
			delete(s.items, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *InMemoryQueueStore) Stats(_ context.Context) (models.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.QueueStats{}
	for _, item := range s.items {
		switch item.Status {
		case models.QueueStatusPending:
			stats.Pending++
			if stats.OldestPending == nil || item.CreatedAt.Before(*stats.OldestPending) {
				created := item.CreatedAt
				stats.OldestPending = &created
			}
		case models.QueueStatusProcessing:
			stats.Processing++
		case models.QueueStatusCompleted:
			stats.Completed++
		case models.QueueStatusFailed:
			stats.Failed++
		}
		stats.TotalRetries += item.RetryCount
	}
	return stats, nil
}
