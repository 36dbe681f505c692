// Package events defines the custody event stream emitted alongside the core
// flow. Events are advisory: downstream consumers (analytics, notification
// fan-out) subscribe to them, but publishing failures never affect custody
// operations.
package events

import (
	"context"
	"time"
)

// Type enumerates the custody lifecycle events.
type Type string

const (
	TypeTransferRecorded  Type = "custody.transfer_recorded"
	TypeTransferQueued    Type = "custody.transfer_queued"
	TypeDeliveryCompleted Type = "custody.delivery_completed"
	TypeDeliveryFailed    Type = "custody.delivery_failed"
	TypeRetriesExhausted  Type = "custody.retries_exhausted"
)

// Event is the payload published per custody state change.
type Event struct {
	Type        Type      `json:"type"`
	ParcelID    string    `json:"parcelId"`
	RecordID    string    `json:"recordId,omitempty"`
	QueueItemID string    `json:"queueItemId,omitempty"`
	LedgerTxRef string    `json:"ledgerTxRef,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher fans custody events out to interested consumers. Implementations
// must be non-blocking and swallow their own failures.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// NopPublisher drops all events; used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}
