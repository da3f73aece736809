package codec

import (
	"math/big"
	"testing"
	"time"
)

func lookupScalar(t *testing.T, r *ScalarRegistry, name string) Scalar {
	t.Helper()
	s, ok := r.Lookup(name)
	if !ok {
		t.Fatalf("scalar %q not registered", name)
	}
	return s
}

// S7 from spec.md §8: encode 2^256-1 -> 32 bytes of 0xff; encode 0 -> 32
// zero bytes; hex string "0xdeadbeef" round-trips to its native value.
func TestBigintScalarS7(t *testing.T) {
	r := NewScalarRegistry()
	bigint := lookupScalar(t, r, "bigint")

	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	wire, err := bigint.Encode(max)
	if err != nil {
		t.Fatalf("encode max: %v", err)
	}
	buf := wire.([]byte)
	if len(buf) != bigintWidth {
		t.Fatalf("wire width = %d, want %d", len(buf), bigintWidth)
	}
	for i, b := range buf {
		if b != 0xff {
			t.Fatalf("byte %d = %#x, want 0xff", i, b)
		}
	}
	decoded, err := bigint.Decode(buf)
	if err != nil {
		t.Fatalf("decode max: %v", err)
	}
	if decoded.(*big.Int).Cmp(max) != 0 {
		t.Fatalf("decoded %v != max %v", decoded, max)
	}

	zeroWire, err := bigint.Encode(0)
	if err != nil {
		t.Fatalf("encode zero: %v", err)
	}
	for i, b := range zeroWire.([]byte) {
		if b != 0 {
			t.Fatalf("zero byte %d = %#x, want 0", i, b)
		}
	}

	hexWire, err := bigint.Encode("0xdeadbeef")
	if err != nil {
		t.Fatalf("encode hex string: %v", err)
	}
	hexDecoded, err := bigint.Decode(hexWire)
	if err != nil {
		t.Fatalf("decode hex string: %v", err)
	}
	want := big.NewInt(0xdeadbeef)
	if hexDecoded.(*big.Int).Cmp(want) != 0 {
		t.Fatalf("decoded %v != want %v", hexDecoded, want)
	}

	decWire, err := bigint.Encode("12345")
	if err != nil {
		t.Fatalf("encode decimal string: %v", err)
	}
	decDecoded, err := bigint.Decode(decWire)
	if err != nil {
		t.Fatalf("decode decimal string: %v", err)
	}
	if decDecoded.(*big.Int).Cmp(big.NewInt(12345)) != 0 {
		t.Fatalf("decoded %v != 12345", decDecoded)
	}
}

func TestBigintScalarRejectsOverflowAndNegative(t *testing.T) {
	r := NewScalarRegistry()
	bigint := lookupScalar(t, r, "bigint")

	tooBig := new(big.Int).Lsh(big.NewInt(1), 257)
	if _, err := bigint.Encode(tooBig); err == nil {
		t.Fatalf("expected overflow error for 2^257")
	}
	if _, err := bigint.Encode(big.NewInt(-1)); err == nil {
		t.Fatalf("expected error for negative value")
	}
}

// Testable property #2: timestamp round-trips across representable
// dates, accepting a time.Time, an ISO-8601 string, or milliseconds.
func TestTimestampScalarRoundTrip(t *testing.T) {
	r := NewScalarRegistry()
	timestamp := lookupScalar(t, r, "timestamp")

	want := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	wire, err := timestamp.Encode(want)
	if err != nil {
		t.Fatalf("encode time.Time: %v", err)
	}
	if wire.(int64) != want.UnixMilli() {
		t.Fatalf("wire = %v, want %d", wire, want.UnixMilli())
	}

	decoded, err := timestamp.Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := decoded.(time.Time)
	if !got.Equal(want) {
		t.Fatalf("decoded %v != want %v", got, want)
	}

	isoWire, err := timestamp.Encode(want.Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("encode ISO-8601 string: %v", err)
	}
	if isoWire.(int64) != want.UnixMilli() {
		t.Fatalf("iso wire = %v, want %d", isoWire, want.UnixMilli())
	}

	msWire, err := timestamp.Encode(want.UnixMilli())
	if err != nil {
		t.Fatalf("encode milliseconds: %v", err)
	}
	msDecoded, err := timestamp.Decode(msWire)
	if err != nil {
		t.Fatalf("decode milliseconds: %v", err)
	}
	if !msDecoded.(time.Time).Equal(want) {
		t.Fatalf("decoded %v != want %v", msDecoded, want)
	}
}
