package signature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"custodia/internal/custody/models"
)

type SignatureServiceSuite struct {
	suite.Suite
	service *Service
}

func TestSignatureServiceSuite(t *testing.T) {
	suite.Run(t, new(SignatureServiceSuite))
}

func (s *SignatureServiceSuite) SetupTest() {
	var err error
	s.service, err = New("unit-test-secret")
	s.Require().NoError(err)
}

func baseTransfer() models.CustodyTransfer {
	return models.CustodyTransfer{
		ParcelID:  "P1",
		FromParty: "A",
		ToParty:   "B",
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Location:  models.Location{Latitude: 12.97, Longitude: 77.59},
		Metadata:  map[string]any{"carrier": "acme", "leg": float64(1)},
	}
}

func (s *SignatureServiceSuite) record(parcel, from, to string, ts time.Time) models.CustodyRecord {
	transfer := models.CustodyTransfer{
		ParcelID:  parcel,
		FromParty: from,
		ToParty:   to,
		Timestamp: ts,
		Location:  models.Location{Latitude: 12.97, Longitude: 77.59},
	}
	sig, err := s.service.Sign(transfer)
	s.Require().NoError(err)
	return models.CustodyRecord{
		ParcelID:         parcel,
		FromParty:        from,
		ToParty:          to,
		Timestamp:        ts,
		Location:         transfer.Location,
		DigitalSignature: sig,
	}
}

func (s *SignatureServiceSuite) TestNew() {
	s.Run("empty secret is rejected", func() {
		_, err := New("")
		s.Error(err)
	})

	s.Run("invalid asymmetric key is rejected", func() {
		_, err := New("secret", WithAsymmetricKey("not-a-key"))
		s.Error(err)
	})
}

func (s *SignatureServiceSuite) TestSignVerify() {
	s.Run("symmetric round trip", func() {
		sig, err := s.service.Sign(baseTransfer())
		s.NoError(err)
		s.True(s.service.Verify(baseTransfer(), sig))
	})

	s.Run("tampered transfer fails verification", func() {
		sig, err := s.service.Sign(baseTransfer())
		s.Require().NoError(err)

		tampered := baseTransfer()
		tampered.ToParty = "C"
		s.False(s.service.Verify(tampered, sig))
	})

	s.Run("empty and garbage signatures are false, not errors", func() {
		s.False(s.service.Verify(baseTransfer(), ""))
		s.False(s.service.Verify(baseTransfer(), "zz-not-hex"))
	})

	s.Run("asymmetric round trip", func() {
		svc, err := New("secret", WithAsymmetricKey(
			"4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"))
		s.Require().NoError(err)
		s.True(svc.Asymmetric())

		sig, err := svc.Sign(baseTransfer())
		s.NoError(err)
		s.True(svc.Verify(baseTransfer(), sig))

		// A signature from a different key recovers a different address.
		other, err := New("secret", WithAsymmetricKey(
			"2bdd21761a483f71054e14f5b827213567971c676928d9a1808cbfa4b7501200"))
		s.Require().NoError(err)
		foreign, err := other.Sign(baseTransfer())
		s.Require().NoError(err)
		s.False(svc.Verify(baseTransfer(), foreign))
	})
}

func (s *SignatureServiceSuite) TestCanonicalizationIdempotence() {
	s.Run("metadata key order does not change the signature", func() {
		a := baseTransfer()
		a.Metadata = map[string]any{"x": "1", "y": "2", "nested": map[string]any{"b": "2", "a": "1"}}
		b := baseTransfer()
		b.Metadata = map[string]any{"nested": map[string]any{"a": "1", "b": "2"}, "y": "2", "x": "1"}

		sigA, err := s.service.Sign(a)
		s.Require().NoError(err)
		sigB, err := s.service.Sign(b)
		s.Require().NoError(err)
		s.Equal(sigA, sigB)
	})

	s.Run("coordinate drift past six decimals does not change the signature", func() {
		a := baseTransfer()
		b := baseTransfer()
		b.Location.Latitude = 12.9700000001
		b.Location.Longitude = 77.5899999999

		sigA, err := s.service.Sign(a)
		s.Require().NoError(err)
		sigB, err := s.service.Sign(b)
		s.Require().NoError(err)
		s.Equal(sigA, sigB)
	})

	s.Run("drift within six decimals does change the signature", func() {
		a := baseTransfer()
		b := baseTransfer()
		b.Location.Latitude = 12.970001

		sigA, err := s.service.Sign(a)
		s.Require().NoError(err)
		sigB, err := s.service.Sign(b)
		s.Require().NoError(err)
		s.NotEqual(sigA, sigB)
	})
}

func (s *SignatureServiceSuite) TestChainHash() {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s.Run("empty chain maps to a stable sentinel", func() {
		first := s.service.ChainHash(nil)
		second := s.service.ChainHash([]models.CustodyRecord{})
		s.Equal(first, second)
		s.NotEmpty(first)
	})

	s.Run("input permutation does not change the hash", func() {
		r1 := s.record("P1", "A", "B", base)
		r2 := s.record("P1", "B", "C", base.Add(time.Hour))
		r3 := s.record("P1", "C", "D", base.Add(2*time.Hour))

		ordered := s.service.ChainHash([]models.CustodyRecord{r1, r2, r3})
		shuffled := s.service.ChainHash([]models.CustodyRecord{r3, r1, r2})
		s.Equal(ordered, shuffled)
	})

	s.Run("different timestamps change the hash", func() {
		r1 := s.record("P1", "A", "B", base)
		moved := s.record("P1", "A", "B", base.Add(time.Minute))
		s.NotEqual(
			s.service.ChainHash([]models.CustodyRecord{r1}),
			s.service.ChainHash([]models.CustodyRecord{moved}),
		)
	})
}

func (s *SignatureServiceSuite) TestVerifyChainIntegrity() {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s.Run("valid chain has no errors", func() {
		records := []models.CustodyRecord{
			s.record("P1", "A", "B", base),
			s.record("P1", "B", "C", base.Add(time.Hour)),
		}
		result := s.service.VerifyChainIntegrity(records)
		s.True(result.Valid)
		s.Empty(result.Errors)
	})

	s.Run("continuity break is reported with its index", func() {
		records := []models.CustodyRecord{
			s.record("P1", "A", "B", base),
			s.record("P1", "X", "C", base.Add(time.Hour)),
		}
		result := s.service.VerifyChainIntegrity(records)
		s.False(result.Valid)
		s.Require().Len(result.Errors, 1)
		s.Contains(result.Errors[0], "record 1")
		s.Contains(result.Errors[0], "continuity break")
	})

	s.Run("equal timestamps violate strict chronology", func() {
		records := []models.CustodyRecord{
			s.record("P1", "A", "B", base),
			s.record("P1", "B", "C", base),
		}
		result := s.service.VerifyChainIntegrity(records)
		s.False(result.Valid)
	})

	s.Run("bad signature and duplicate are both collected", func() {
		r1 := s.record("P1", "A", "B", base)
		broken := s.record("P1", "B", "C", base.Add(time.Hour))
		broken.DigitalSignature = "deadbeef"
		dup := r1

		result := s.service.VerifyChainIntegrity([]models.CustodyRecord{r1, broken, dup})
		s.False(result.Valid)
		// Duplicate timestamp/chronology, continuity, signature, and dup-hash
		// violations are all present; nothing short-circuits.
		s.GreaterOrEqual(len(result.Errors), 3)
	})
}

func TestLedgerRecordID(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := LedgerRecordID("P1", "A", "B", ts)
	b := LedgerRecordID("P1", "A", "B", ts)
	if a != b {
		t.Fatalf("ledger record id is not deterministic: %s != %s", a, b)
	}
	if a == LedgerRecordID("P1", "A", "B", ts.Add(time.Second)) {
		t.Fatal("different timestamps must produce different ids")
	}
}
