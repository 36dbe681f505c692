package canonical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"custodia/internal/custody/models"
)

func TestRoundCoordinate(t *testing.T) {
	assert.Equal(t, 12.97, RoundCoordinate(12.9700000001))
	assert.Equal(t, 12.970001, RoundCoordinate(12.9700006))
	assert.Equal(t, -77.59, RoundCoordinate(-77.5899999999))
}

func TestTransferEncodingIsDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := models.CustodyTransfer{
		ParcelID:  "P1",
		FromParty: "A",
		ToParty:   "B",
		Timestamp: ts,
		Location:  models.Location{Latitude: 12.97, Longitude: 77.59},
		Metadata:  map[string]any{"b": "2", "a": map[string]any{"y": true, "x": float64(3)}},
	}
	b := a
	b.Metadata = map[string]any{"a": map[string]any{"x": float64(3), "y": true}, "b": "2"}

	assert.Equal(t, string(Transfer(a)), string(Transfer(b)))
}

func TestTransferEncodingNormalizesTimezone(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	utc := models.CustodyTransfer{
		ParcelID: "P1", FromParty: "A", ToParty: "B",
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	local := utc
	local.Timestamp = time.Date(2026, 3, 1, 15, 30, 0, 0, ist)

	assert.Equal(t, string(Transfer(utc)), string(Transfer(local)))
}

func TestRecordExcludesConfirmationFields(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := models.CustodyRecord{
		ParcelID: "P1", FromParty: "A", ToParty: "B", Timestamp: ts,
		DigitalSignature: "sig", Verified: false,
	}
	confirmed := r
	confirmed.Verified = true
	confirmed.LedgerTxRef = "0xabc"

	assert.Equal(t, string(Record(r)), string(Record(confirmed)))
}
