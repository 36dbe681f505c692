// Package canonical produces the deterministic byte form of a transfer's
// signable fields. Signing and hashing must be reproducible across processes
// and languages, so the encoding fixes field order, normalizes coordinate
// precision, renders timestamps in UTC, and writes metadata maps with
// recursively sorted keys.
package canonical

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"custodia/internal/custody/models"
)

// CoordinatePrecision is the number of decimal places kept on latitude and
// longitude before signing.
const CoordinatePrecision = 6

// RoundCoordinate normalizes a coordinate to CoordinatePrecision decimals so
// representation drift beyond that precision cannot change a signature.
func RoundCoordinate(v float64) float64 {
	shift := math.Pow10(CoordinatePrecision)
	return math.Round(v*shift) / shift
}

// Transfer encodes the signable fields of a transfer.
func Transfer(t models.CustodyTransfer) []byte {
	return encodeFields(t.ParcelID, t.FromParty, t.ToParty, t.Timestamp, t.Location, t.Metadata)
}

// Record encodes the signable fields of a persisted record. The signature,
// ledger reference, and verification flag are excluded: they are attached
// after signing and must not influence the digest.
func Record(r models.CustodyRecord) []byte {
	return encodeFields(r.ParcelID, r.FromParty, r.ToParty, r.Timestamp, r.Location, r.Metadata)
}

func encodeFields(parcelID, from, to string, ts time.Time, loc models.Location, metadata map[string]any) []byte {
	var b strings.Builder
	b.WriteByte('{')
	writeKey(&b, "fromParty")
	writeString(&b, from)
	b.WriteByte(',')
	writeKey(&b, "location")
	writeLocation(&b, loc)
	b.WriteByte(',')
	writeKey(&b, "metadata")
	writeValue(&b, metadata)
	b.WriteByte(',')
	writeKey(&b, "parcelId")
	writeString(&b, parcelID)
	b.WriteByte(',')
	writeKey(&b, "timestamp")
	writeString(&b, ts.UTC().Format(time.RFC3339Nano))
	b.WriteByte(',')
	writeKey(&b, "toParty")
	writeString(&b, to)
	b.WriteByte('}')
	return []byte(b.String())
}

func writeLocation(b *strings.Builder, loc models.Location) {
	// Coordinates are rendered as fixed six-decimal strings, never as raw
	// floats, so 12.97 and 12.9700000001 sign identically.
	b.WriteByte('{')
	writeKey(b, "latitude")
	writeString(b, strconv.FormatFloat(RoundCoordinate(loc.Latitude), 'f', CoordinatePrecision, 64))
	b.WriteByte(',')
	writeKey(b, "longitude")
	writeString(b, strconv.FormatFloat(RoundCoordinate(loc.Longitude), 'f', CoordinatePrecision, 64))
	b.WriteByte('}')
}

func writeKey(b *strings.Builder, key string) {
	writeString(b, key)
	b.WriteByte(':')
}

// writeValue renders a metadata value deterministically. Maps are written
// with sorted keys at every depth; numbers use the shortest round-trip form.
func writeValue(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case string:
		writeString(b, val)
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case float32:
		b.WriteString(strconv.FormatFloat(float64(val), 'g', -1, 64))
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeKey(b, k)
			writeValue(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeValue(b, item)
		}
		b.WriteByte(']')
	default:
		// Uncommon types degrade to their fmt representation, quoted.
		writeString(b, fmt.Sprintf("%v", val))
	}
}

func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				b.WriteString(fmt.Sprintf(`\u%04x`, r))
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
