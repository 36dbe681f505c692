// Package signature signs and verifies custody transfers over their canonical
// byte form, and computes the content hashes that give records identity and
// chains an integrity digest.
//
// Two modes exist. When an asymmetric key is configured, transfers are signed
// with secp256k1 ECDSA over the Keccak-256 digest of the canonical bytes; the
// signature is recoverable, so verification only needs the signer address.
// Without a key the service falls back to HMAC-SHA256 with a key derived from
// the shared secret, compared in constant time.
package signature

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"

	"custodia/internal/custody/canonical"
	"custodia/internal/custody/models"
	dErrors "custodia/pkg/domain-errors"
)

// emptyChainMarker is hashed to produce the sentinel digest for a chain with
// no records. Changing it breaks every stored empty-chain hash.
const emptyChainMarker = "custodia:empty-chain:v1"

const hkdfInfo = "custodia:transfer-signing:v1"

// Service implements signing, verification, and chain hashing.
type Service struct {
	hmacKey    []byte
	privateKey *ecdsa.PrivateKey
	signerAddr common.Address
}

type Option func(*Service) error

// WithAsymmetricKey switches the service to secp256k1 signing using the given
// hex-encoded private key.
func WithAsymmetricKey(hexKey string) Option {
	return func(s *Service) error {
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return fmt.Errorf("parse signing key: %w", err)
		}
		s.privateKey = key
		s.signerAddr = ethcrypto.PubkeyToAddress(key.PublicKey)
		return nil
	}
}

// New constructs a Service. The shared secret is mandatory; it feeds the
// HKDF-derived HMAC key used in symmetric mode.
func New(secret string, opts ...Option) (*Service, error) {
	if secret == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "signing secret is required")
	}

	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}

	s := &Service{hmacKey: key}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Asymmetric reports whether the service signs with a private key.
func (s *Service) Asymmetric() bool { return s.privateKey != nil }

// SignerAddress returns the address recoverable from asymmetric signatures,
// or the zero address in symmetric mode.
func (s *Service) SignerAddress() common.Address { return s.signerAddr }

// Sign produces a hex signature over the transfer's canonical form.
func (s *Service) Sign(transfer models.CustodyTransfer) (string, error) {
	data := canonical.Transfer(transfer)
	if s.privateKey != nil {
		sig, err := ethcrypto.Sign(ethcrypto.Keccak256(data), s.privateKey)
		if err != nil {
			return "", fmt.Errorf("sign transfer: %w", err)
		}
		return "0x" + hex.EncodeToString(sig), nil
	}

	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a signature against the transfer's canonical form. It never
// returns an error: any malformed or mismatched signature is simply false.
func (s *Service) Verify(transfer models.CustodyTransfer, sig string) bool {
	if sig == "" {
		return false
	}
	data := canonical.Transfer(transfer)

	if s.privateKey != nil {
		raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
		if err != nil || len(raw) != ethcrypto.SignatureLength {
			return false
		}
		pub, err := ethcrypto.SigToPub(ethcrypto.Keccak256(data), raw)
		if err != nil {
			return false
		}
		return ethcrypto.PubkeyToAddress(*pub) == s.signerAddr
	}

	raw, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write(data)
	return hmac.Equal(raw, mac.Sum(nil))
}

// RecordHash is the 256-bit content digest of a record's signable fields,
// used for identity and deduplication.
func (s *Service) RecordHash(record models.CustodyRecord) string {
	sum := sha256.Sum256(canonical.Record(record))
	return hex.EncodeToString(sum[:])
}

// LedgerRecordID derives the deterministic identity used when submitting a
// transfer to the ledger, so retried submissions of the same logical transfer
// are idempotent at the ledger layer.
func LedgerRecordID(parcelID, fromParty, toParty string, ts time.Time) string {
	payload := strings.Join([]string{
		parcelID, fromParty, toParty, ts.UTC().Format(time.RFC3339Nano),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// ChainHash digests an entire parcel history. The input order is irrelevant:
// records are sorted by timestamp before their record hashes are chained.
// An empty chain maps to a fixed sentinel, not an error.
func (s *Service) ChainHash(records []models.CustodyRecord) string {
	if len(records) == 0 {
		sum := sha256.Sum256([]byte(emptyChainMarker))
		return hex.EncodeToString(sum[:])
	}

	sorted := sortedByTimestamp(records)
	hashes := make([]string, len(sorted))
	for i, r := range sorted {
		hashes[i] = s.RecordHash(r)
	}
	sum := sha256.Sum256([]byte(strings.Join(hashes, "|")))
	return hex.EncodeToString(sum[:])
}

// IntegrityResult collects every violation found in a chain. Valid is true
// only when Errors is empty.
type IntegrityResult struct {
	Valid  bool
	Errors []string
}

// VerifyChainIntegrity runs all chain checks without short-circuiting:
// strictly increasing timestamps, custody continuity, signature validity,
// and duplicate record detection.
func (s *Service) VerifyChainIntegrity(records []models.CustodyRecord) IntegrityResult {
	result := IntegrityResult{}
	sorted := sortedByTimestamp(records)

	seen := make(map[string]int, len(sorted))
	for i, r := range sorted {
		if i > 0 {
			prev := sorted[i-1]
			if !r.Timestamp.After(prev.Timestamp) {
				result.Errors = append(result.Errors, fmt.Sprintf(
					"record %d: timestamp %s is not after previous record %s",
					i, r.Timestamp.UTC().Format(time.RFC3339Nano), prev.Timestamp.UTC().Format(time.RFC3339Nano)))
			}
			if r.FromParty != prev.ToParty {
				result.Errors = append(result.Errors, fmt.Sprintf(
					"record %d: continuity break, fromParty %q does not match previous toParty %q",
					i, r.FromParty, prev.ToParty))
			}
		}

		if !s.Verify(r.Transfer(), r.DigitalSignature) {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: signature verification failed", i))
		}

		hash := s.RecordHash(r)
		if first, dup := seen[hash]; dup {
			result.Errors = append(result.Errors, fmt.Sprintf(
				"record %d: duplicate of record %d (hash %s)", i, first, hash))
		} else {
			seen[hash] = i
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func sortedByTimestamp(records []models.CustodyRecord) []models.CustodyRecord {
	sorted := make([]models.CustodyRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted
}
