// Package service contains the custody coordinator: it validates and signs
// incoming transfers, attempts direct ledger delivery with a queue fallback,
// merges local and ledger views into chains, and verifies record authenticity.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"custodia/internal/custody/canonical"
	"custodia/internal/custody/events"
	"custodia/internal/custody/ledger"
	"custodia/internal/custody/metrics"
	"custodia/internal/custody/models"
	"custodia/internal/custody/signature"
	"custodia/internal/custody/store"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/circuit"
	"custodia/pkg/requestcontext"
)

// Service orchestrates custody recording and chain queries.
type Service struct {
	records   store.RecordStore
	queue     store.QueueStore
	signer    *signature.Service
	ledger    ledger.Client
	breaker   *circuit.Breaker
	logger    *slog.Logger
	metrics   *metrics.Metrics
	publisher events.Publisher
	tracer    trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Service) { s.breaker = b }
}

// New constructs the coordinator.
func New(records store.RecordStore, queue store.QueueStore, signer *signature.Service, client ledger.Client, opts ...Option) (*Service, error) {
	if records == nil {
		return nil, errors.New("record store is required")
	}
	if queue == nil {
		return nil, errors.New("queue store is required")
	}
	if signer == nil {
		return nil, errors.New("signature service is required")
	}
	if client == nil {
		return nil, errors.New("ledger client is required")
	}

	s := &Service{
		records:   records,
		queue:     queue,
		signer:    signer,
		ledger:    client,
		logger:    slog.Default(),
		publisher: events.NopPublisher{},
		tracer:    otel.Tracer("custodia/custody"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RecordTransfer validates, signs, and persists a transfer. Delivery goes
// straight to the ledger when it is reachable; otherwise the transfer lands
// in the outbox queue and the record is persisted unverified. Either way the
// caller gets the persisted record back without waiting on confirmation.
func (s *Service) RecordTransfer(ctx context.Context, transfer models.CustodyTransfer) (models.CustodyRecord, error) {
	ctx, span := s.tracer.Start(ctx, "custody.record_transfer")
	defer span.End()

	if err := transfer.Validate(); err != nil {
		return models.CustodyRecord{}, err
	}

	now := requestcontext.Now(ctx)
	if transfer.Timestamp.IsZero() {
		transfer.Timestamp = now
	}
	transfer.Location.Latitude = canonical.RoundCoordinate(transfer.Location.Latitude)
	transfer.Location.Longitude = canonical.RoundCoordinate(transfer.Location.Longitude)
	span.SetAttributes(attribute.String("parcel.id", transfer.ParcelID))

	s.warnOnContinuityBreak(ctx, transfer)

	// A missing signature is generated; a present-but-invalid one is
	// regenerated rather than rejected. A malformed client signature must
	// not block recording, but it is never trusted as-is.
	if transfer.Signature == "" || !s.signer.Verify(transfer, transfer.Signature) {
		if transfer.Signature != "" {
			s.logger.Warn("replacing invalid client-supplied signature", "parcel_id", transfer.ParcelID)
		}
		sig, err := s.signer.Sign(transfer)
		if err != nil {
			return models.CustodyRecord{}, dErrors.Wrap(dErrors.CodeInternal, "sign transfer", err)
		}
		transfer.Signature = sig
	}

	record := models.CustodyRecord{
		ID:               signature.LedgerRecordID(transfer.ParcelID, transfer.FromParty, transfer.ToParty, transfer.Timestamp),
		ParcelID:         transfer.ParcelID,
		FromParty:        transfer.FromParty,
		ToParty:          transfer.ToParty,
		Timestamp:        transfer.Timestamp,
		Location:         transfer.Location,
		DigitalSignature: transfer.Signature,
		Metadata:         transfer.Metadata,
		CreatedAt:        now,
	}

	txRef, delivered := s.tryDirectDelivery(ctx, record)
	if delivered {
		record.Verified = true
		record.LedgerTxRef = txRef
	}

	if err := s.records.Create(ctx, record); err != nil {
		// Same logical transfer already recorded: the content-derived id
		// makes resubmission idempotent.
		if dErrors.HasCode(err, dErrors.CodeConflict) {
			return s.reconcileResubmission(ctx, record.ID, transfer, txRef, delivered)
		}
		return models.CustodyRecord{}, dErrors.Wrap(dErrors.CodeInternal, "persist custody record", err)
	}

	if delivered {
		s.metrics.RecordTransfer(true)
		s.publisher.Publish(ctx, events.Event{
			Type:        events.TypeTransferRecorded,
			ParcelID:    record.ParcelID,
			RecordID:    record.ID,
			LedgerTxRef: txRef,
			Timestamp:   now,
		})
		return record, nil
	}

	item := models.QueueItem{
		ID:        uuid.NewString(),
		RecordID:  record.ID,
		Transfer:  transfer,
		Status:    models.QueueStatusPending,
		CreatedAt: now,
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		return models.CustodyRecord{}, dErrors.Wrap(dErrors.CodeInternal, "enqueue transfer for delivery", err)
	}

	s.metrics.RecordTransfer(false)
	s.publisher.Publish(ctx, events.Event{
		Type:        events.TypeTransferQueued,
		ParcelID:    record.ParcelID,
		RecordID:    record.ID,
		QueueItemID: item.ID,
		Timestamp:   now,
	})
	return record, nil
}

// reconcileResubmission resolves the conflict path of RecordTransfer. An
// unverified stored record must not be returned as-is: it may be the leftover
// of a request that persisted the record but failed to enqueue it, which would
// strand the transfer forever. When this attempt already reached the ledger
// the stored record is confirmed with the fresh reference; otherwise the
// outbox is checked and repaired.
func (s *Service) reconcileResubmission(ctx context.Context, recordID string, transfer models.CustodyTransfer, txRef string, delivered bool) (models.CustodyRecord, error) {
	existing, err := s.records.FindByID(ctx, recordID)
	if err != nil {
		return models.CustodyRecord{}, dErrors.Wrap(dErrors.CodeInternal, "load existing custody record", err)
	}
	if existing.Verified {
		return existing, nil
	}

	if delivered {
		if err := s.records.Confirm(ctx, recordID, txRef); err != nil {
			s.logger.Error("record confirmation failed after ledger delivery",
				"record_id", recordID, "tx_ref", txRef, "error", err)
			return existing, nil
		}
		existing.Verified = true
		existing.LedgerTxRef = txRef
		return existing, nil
	}

	if err := s.ensureQueued(ctx, existing, transfer); err != nil {
		return models.CustodyRecord{}, err
	}
	return existing, nil
}

// ensureQueued enqueues a delivery item for an unverified record that has no
// live one. The queued transfer carries the stored record's signature so the
// eventual ledger submission matches what was persisted.
func (s *Service) ensureQueued(ctx context.Context, record models.CustodyRecord, transfer models.CustodyTransfer) error {
	_, err := s.queue.ActiveByRecord(ctx, record.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return dErrors.Wrap(dErrors.CodeInternal, "check outbox for record", err)
	}

	now := requestcontext.Now(ctx)
	transfer.Signature = record.DigitalSignature
	item := models.QueueItem{
		ID:        uuid.NewString(),
		RecordID:  record.ID,
		Transfer:  transfer,
		Status:    models.QueueStatusPending,
		CreatedAt: now,
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		return dErrors.Wrap(dErrors.CodeInternal, "enqueue transfer for delivery", err)
	}

	s.logger.Warn("repaired missing outbox item for unverified record",
		"record_id", record.ID, "queue_item_id", item.ID)
	s.metrics.RecordTransfer(false)
	s.publisher.Publish(ctx, events.Event{
		Type:        events.TypeTransferQueued,
		ParcelID:    record.ParcelID,
		RecordID:    record.ID,
		QueueItemID: item.ID,
		Timestamp:   now,
	})
	return nil
}

// tryDirectDelivery submits to the ledger when the breaker is closed and the
// ledger answers its liveness probe. Every failure degrades to the queue
// path; nothing propagates to the caller.
func (s *Service) tryDirectDelivery(ctx context.Context, record models.CustodyRecord) (string, bool) {
	if s.breaker != nil && s.breaker.IsOpen() {
		return "", false
	}
	if !s.ledger.IsAvailable(ctx) {
		s.noteLedgerFailure("ledger unavailable, queueing transfer", record.ParcelID, nil)
		return "", false
	}

	txRef, err := s.ledger.RecordTransfer(ctx, record)
	if err != nil {
		s.noteLedgerFailure("direct ledger delivery failed, queueing transfer", record.ParcelID, err)
		return "", false
	}
	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}
	return txRef, true
}

func (s *Service) noteLedgerFailure(msg, parcelID string, err error) {
	if s.breaker != nil {
		if _, change := s.breaker.RecordFailure(); change.Opened {
			s.logger.Warn("ledger circuit opened", "breaker", s.breaker.Name())
		}
	}
	if err != nil {
		s.logger.Warn(msg, "parcel_id", parcelID, "error", err)
	} else {
		s.logger.Warn(msg, "parcel_id", parcelID)
	}
}

func (s *Service) warnOnContinuityBreak(ctx context.Context, transfer models.CustodyTransfer) {
	latest, err := s.records.LatestByParcel(ctx, transfer.ParcelID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("continuity check skipped", "parcel_id", transfer.ParcelID, "error", err)
		}
		return
	}
	// Out-of-band custody changes are legitimate, so a break is a warning
	// at write time; read-time verification still reports it.
	if latest.ToParty != transfer.FromParty {
		s.logger.Warn("custody continuity break",
			"parcel_id", transfer.ParcelID,
			"previous_to_party", latest.ToParty,
			"from_party", transfer.FromParty,
		)
	}
}

// GetCustodyChain merges the ledger and local views of a parcel's history,
// deduplicates by record hash (ledger copy wins), and runs integrity checks.
// A broken chain is reported through the verified flag, never as an error.
func (s *Service) GetCustodyChain(ctx context.Context, parcelID string) (models.CustodyChain, error) {
	ctx, span := s.tracer.Start(ctx, "custody.get_chain")
	defer span.End()
	span.SetAttributes(attribute.String("parcel.id", parcelID))

	if parcelID == "" {
		return models.CustodyChain{}, dErrors.New(dErrors.CodeValidation, "parcelId is required")
	}

	localRecords, err := s.records.ListByParcel(ctx, parcelID)
	if err != nil {
		return models.CustodyChain{}, dErrors.Wrap(dErrors.CodeInternal, "load local records", err)
	}

	// The ledger view is best-effort: a query failure means "unavailable",
	// and the chain is served from local records alone.
	var ledgerRecords []models.CustodyRecord
	if fetched, err := s.ledger.FetchChain(ctx, parcelID); err != nil {
		s.logger.Warn("ledger chain view unavailable", "parcel_id", parcelID, "error", err)
	} else {
		ledgerRecords = fetched
	}

	merged := make(map[string]models.CustodyRecord, len(localRecords)+len(ledgerRecords))
	for _, r := range localRecords {
		merged[s.signer.RecordHash(r)] = r
	}
	for _, r := range ledgerRecords {
		merged[s.signer.RecordHash(r)] = r
	}

	records := make([]models.CustodyRecord, 0, len(merged))
	for _, r := range merged {
		records = append(records, r)
	}

	integrity := s.signer.VerifyChainIntegrity(records)
	s.metrics.RecordChainVerification(integrity.Valid)

	chain := models.CustodyChain{
		ParcelID:  parcelID,
		Records:   sortChronological(records),
		ChainHash: s.signer.ChainHash(records),
		Verified:  integrity.Valid,
		Errors:    integrity.Errors,
	}
	return chain, nil
}

// VerifyCustodyRecord checks a stored record's authenticity. The signature is
// always checked against the canonical fields; when the record carries a
// ledger reference and the ledger is reachable, ledger verification must pass
// too. A missing record is false, never an error.
func (s *Service) VerifyCustodyRecord(ctx context.Context, id string) bool {
	ctx, span := s.tracer.Start(ctx, "custody.verify_record")
	defer span.End()

	record, err := s.records.FindByID(ctx, id)
	if err != nil {
		return false
	}

	if !s.signer.Verify(record.Transfer(), record.DigitalSignature) {
		return false
	}

	if record.LedgerTxRef != "" && s.ledger.IsAvailable(ctx) {
		return s.ledger.VerifyRecord(ctx, record)
	}
	return true
}

// DeliverQueued pushes a previously queued transfer through the ledger path
// and confirms the local record on success. The queue manager owns the queue
// item's status; this method owns the record side.
func (s *Service) DeliverQueued(ctx context.Context, item models.QueueItem) (string, error) {
	ctx, span := s.tracer.Start(ctx, "custody.deliver_queued")
	defer span.End()
	span.SetAttributes(attribute.String("queue_item.id", item.ID))

	record := models.CustodyRecord{
		ID:               item.RecordID,
		ParcelID:         item.Transfer.ParcelID,
		FromParty:        item.Transfer.FromParty,
		ToParty:          item.Transfer.ToParty,
		Timestamp:        item.Transfer.Timestamp,
		Location:         item.Transfer.Location,
		DigitalSignature: item.Transfer.Signature,
		Metadata:         item.Transfer.Metadata,
	}

	txRef, err := s.ledger.RecordTransfer(ctx, record)
	if err != nil {
		s.noteLedgerFailure("queued ledger delivery failed", record.ParcelID, err)
		return "", err
	}
	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}

	if err := s.records.Confirm(ctx, item.RecordID, txRef); err != nil {
		// The ledger accepted the transfer; a confirmation failure must not
		// requeue it. Log and let reconciliation settle the local flag.
		s.logger.Error("record confirmation failed after ledger delivery",
			"record_id", item.RecordID, "tx_ref", txRef, "error", err)
	}
	return txRef, nil
}

func sortChronological(records []models.CustodyRecord) []models.CustodyRecord {
	sorted := make([]models.CustodyRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted
}
