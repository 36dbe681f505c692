// Package models holds the custody domain entities shared by the coordinator,
// the delivery queue, and the stores.
package models

import (
	"time"

	dErrors "custodia/pkg/domain-errors"
)

// Location is a WGS84 coordinate pair. Values are normalized to six decimal
// places before signing so equivalent readings hash identically.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the coordinates are inside WGS84 bounds.
func (l Location) Valid() bool {
	return l.Latitude >= -90 && l.Latitude <= 90 &&
		l.Longitude >= -180 && l.Longitude <= 180
}

// CustodyTransfer is an incoming, not-yet-persisted assertion that possession
// of a parcel moved between two parties. The signature is optional on input;
// the coordinator generates one when it is absent or fails verification.
type CustodyTransfer struct {
	ParcelID  string         `json:"parcelId"`
	FromParty string         `json:"fromParty"`
	ToParty   string         `json:"toParty"`
	Timestamp time.Time      `json:"timestamp"`
	Location  Location       `json:"location"`
	Signature string         `json:"signature,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate enforces the required fields of a transfer.
func (t CustodyTransfer) Validate() error {
	if t.ParcelID == "" {
		return dErrors.New(dErrors.CodeValidation, "parcelId is required")
	}
	if t.FromParty == "" {
		return dErrors.New(dErrors.CodeValidation, "fromParty is required")
	}
	if t.ToParty == "" {
		return dErrors.New(dErrors.CodeValidation, "toParty is required")
	}
	if !t.Location.Valid() {
		return dErrors.New(dErrors.CodeValidation, "location is out of range")
	}
	return nil
}

// CustodyRecord is the persisted, signed form of a transfer. Records are
// append-only: after creation the only permitted mutation is attaching
// LedgerTxRef and flipping Verified once the ledger confirms delivery.
type CustodyRecord struct {
	ID               string         `json:"id"`
	ParcelID         string         `json:"parcelId"`
	FromParty        string         `json:"fromParty"`
	ToParty          string         `json:"toParty"`
	Timestamp        time.Time      `json:"timestamp"`
	Location         Location       `json:"location"`
	DigitalSignature string         `json:"digitalSignature"`
	LedgerTxRef      string         `json:"ledgerTxRef,omitempty"`
	Verified         bool           `json:"verified"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Transfer reduces a record back to its transfer form, used when the queue
// re-submits it to the ledger.
func (r CustodyRecord) Transfer() CustodyTransfer {
	return CustodyTransfer{
		ParcelID:  r.ParcelID,
		FromParty: r.FromParty,
		ToParty:   r.ToParty,
		Timestamp: r.Timestamp,
		Location:  r.Location,
		Signature: r.DigitalSignature,
		Metadata:  r.Metadata,
	}
}

// CustodyChain is the derived per-parcel view: records in chronological order,
// a hash over the ordered record hashes, and the result of integrity checks.
// It is recomputed on every read and never stored.
type CustodyChain struct {
	ParcelID  string          `json:"parcelId"`
	Records   []CustodyRecord `json:"records"`
	ChainHash string          `json:"chainHash"`
	Verified  bool            `json:"verified"`
	Errors    []string        `json:"errors,omitempty"`
}

// QueueStatus is the lifecycle state of an outbox entry.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueItem is a durable outbox entry for a transfer awaiting ledger
// delivery. The queue manager owns all status transitions.
type QueueItem struct {
	ID           string          `json:"id"`
	RecordID     string          `json:"recordId"`
	Transfer     CustodyTransfer `json:"transfer"`
	Status       QueueStatus     `json:"status"`
	RetryCount   int             `json:"retryCount"`
	LedgerTxRef  string          `json:"ledgerTxRef,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// QueueStats is a point-in-time summary computed on demand.
type QueueStats struct {
	Pending       int        `json:"pending"`
	Processing    int        `json:"processing"`
	Completed     int        `json:"completed"`
	Failed        int        `json:"failed"`
	TotalRetries  int        `json:"totalRetries"`
	OldestPending *time.Time `json:"oldestPending,omitempty"`
}
