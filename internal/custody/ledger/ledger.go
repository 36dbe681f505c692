// Package ledger abstracts the external trust ledger behind a single
// capability set so the custody services never depend on a concrete network.
// Two variants exist: a permissioned Fabric-style network reached through its
// HTTP gateway, and a public EVM-compatible chain reached over JSON-RPC.
package ledger

import (
	"context"

	"custodia/internal/custody/models"
	dErrors "custodia/pkg/domain-errors"
)

// NetworkStatus is a cheap snapshot of ledger connectivity.
type NetworkStatus struct {
	Connected   bool   `json:"connected"`
	BlockHeight uint64 `json:"blockHeight,omitempty"`
	NetworkID   string `json:"networkId,omitempty"`
}

// Client is the capability contract every ledger variant implements.
//
// Error semantics matter to callers: RecordTransfer fails with a
// submission-coded error, FetchChain with a query-coded error (which means
// "ledger view unavailable", never "no records"), and VerifyRecord and
// IsAvailable return plain booleans, never errors.
type Client interface {
	// Initialize connects and authenticates. It is idempotent.
	Initialize(ctx context.Context) error

	// RecordTransfer submits a signed record and returns the ledger
	// transaction reference.
	RecordTransfer(ctx context.Context, record models.CustodyRecord) (string, error)

	// FetchChain returns the ledger's view of a parcel's history.
	FetchChain(ctx context.Context, parcelID string) ([]models.CustodyRecord, error)

	// VerifyRecord reports whether the ledger holds this record. False can
	// mean tampering or unavailability; consult IsAvailable to distinguish.
	VerifyRecord(ctx context.Context, record models.CustodyRecord) bool

	// IsAvailable is a cheap liveness probe.
	IsAvailable(ctx context.Context) bool

	// NetworkStatus describes the current connection.
	NetworkStatus(ctx context.Context) NetworkStatus
}

// Coded error constructors keep the taxonomy consistent across variants.

func connectionErr(msg string, cause error) error {
	return dErrors.Wrap(dErrors.CodeConnection, msg, cause)
}

func submissionErr(msg string, cause error) error {
	return dErrors.Wrap(dErrors.CodeSubmission, msg, cause)
}

func queryErr(msg string, cause error) error {
	return dErrors.Wrap(dErrors.CodeQuery, msg, cause)
}

// IsSubmissionError reports whether err came from a failed ledger submission.
func IsSubmissionError(err error) bool {
	return dErrors.HasCode(err, dErrors.CodeSubmission)
}

// IsQueryError reports whether err means the ledger view is unavailable.
func IsQueryError(err error) bool {
	return dErrors.HasCode(err, dErrors.CodeQuery)
}
