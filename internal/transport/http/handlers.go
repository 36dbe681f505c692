package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"custodia/internal/custody/models"
	"custodia/internal/health"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/httputil"
	"custodia/pkg/requestcontext"
)

// CustodyService is the coordinator surface the handlers depend on.
type CustodyService interface {
	RecordTransfer(ctx context.Context, transfer models.CustodyTransfer) (models.CustodyRecord, error)
	GetCustodyChain(ctx context.Context, parcelID string) (models.CustodyChain, error)
	VerifyCustodyRecord(ctx context.Context, id string) bool
}

// QueueManager is the queue surface the handlers depend on.
type QueueManager interface {
	TriggerDrain()
	Stats(ctx context.Context) (models.QueueStats, error)
	FailedNeedingIntervention(ctx context.Context) ([]models.QueueItem, error)
	ForceRetry(ctx context.Context, id string) error
	CleanupCompleted(ctx context.Context, retention time.Duration) (int, error)
}

// HealthReporter exposes the monitor's cached snapshot.
type HealthReporter interface {
	Current(ctx context.Context) health.Snapshot
}

// Handler wires custody endpoints to their services.
type Handler struct {
	custody CustodyService
	queue   QueueManager
	health  HealthReporter
	logger  *slog.Logger
}

// New constructs the handler with its dependencies.
func New(custody CustodyService, queue QueueManager, healthReporter HealthReporter, logger *slog.Logger) *Handler {
	return &Handler{
		custody: custody,
		queue:   queue,
		health:  healthReporter,
		logger:  logger,
	}
}

// HandleRecordTransfer handles POST /custody/transfers.
func (h *Handler) HandleRecordTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	transfer, ok := httputil.Decode[models.CustodyTransfer](w, r)
	if !ok {
		return
	}

	record, err := h.custody.RecordTransfer(ctx, transfer)
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeValidation) {
			h.logger.ErrorContext(ctx, "record transfer failed",
				"request_id", requestcontext.RequestID(ctx),
				"parcel_id", transfer.ParcelID,
				"error", err,
			)
		}
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "custody transfer recorded",
		"request_id", requestcontext.RequestID(ctx),
		"parcel_id", record.ParcelID,
		"record_id", record.ID,
		"verified", record.Verified,
	)
	httputil.WriteJSON(w, http.StatusCreated, record)
}

// HandleGetChain handles GET /custody/chains/{parcelId}.
func (h *Handler) HandleGetChain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	chain, err := h.custody.GetCustodyChain(ctx, chi.URLParam(r, "parcelId"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, chain)
}

// HandleVerifyRecord handles GET /custody/records/{id}/verify. Verification
// is a verdict, not an error: unknown or tampered records come back verified
// false with a 200.
func (h *Handler) HandleVerifyRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"recordId": id,
		"verified": h.custody.VerifyCustodyRecord(ctx, id),
	})
}

// HandleTriggerDrain handles POST /custody/queue/drain.
func (h *Handler) HandleTriggerDrain(w http.ResponseWriter, r *http.Request) {
	h.queue.TriggerDrain()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "drain scheduled"})
}

// HandleQueueStats handles GET /custody/queue/stats.
func (h *Handler) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// HandleInterventions handles GET /custody/queue/interventions.
func (h *Handler) HandleInterventions(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.FailedNeedingIntervention(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if items == nil {
		items = []models.QueueItem{}
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

// HandleForceRetry handles POST /custody/queue/items/{id}/retry.
func (h *Handler) HandleForceRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := h.queue.ForceRetry(ctx, id); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "queue item forced back for retry",
		"request_id", requestcontext.RequestID(ctx),
		"item_id", id,
	)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "retry scheduled"})
}

// HandleCleanupCompleted handles DELETE /custody/queue/completed.
func (h *Handler) HandleCleanupCompleted(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	days := 30
	if raw := r.URL.Query().Get("olderThanDays"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "olderThanDays must be a positive integer"))
			return
		}
		days = parsed
	}

	deleted, err := h.queue.CleanupCompleted(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// HandleHealth handles GET /health. Unhealthy maps to 503 so load balancers
// can act on it; degraded still serves traffic.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := h.health.Current(r.Context())

	status := http.StatusOK
	if snapshot.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, snapshot)
}
