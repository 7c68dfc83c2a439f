package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func quoteAt(price int64, decimals uint8) Quote {
	return Quote{Price: big.NewInt(price), Decimals: decimals, Timestamp: time.Now(), Source: "test"}
}

func TestFiatCentsToNativeExactDivision(t *testing.T) {
	// $2.00 at $2.00 per native unit buys exactly one unit.
	quote := quoteAt(200_000_000, 8)
	native, err := FiatCentsToNative(200, quote, 18)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	want := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	if native.Cmp(want) != 0 {
		t.Fatalf("expected %s, got %s", want, native)
	}
}

func TestFiatCentsToNativeFloors(t *testing.T) {
	// $300.00 at $650.00 per unit: floor(30000 * 10^18 / 65000) units.
	quote := quoteAt(650 * 100_000_000, 8)
	native, err := FiatCentsToNative(30000, quote, 18)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	num := new(big.Int).Mul(big.NewInt(30000), pow10(18))
	want := num.Quo(num, big.NewInt(65000))
	if native.Cmp(want) != 0 {
		t.Fatalf("expected %s, got %s", want, native)
	}
}

func TestConversionRoundTripsWithinOneCent(t *testing.T) {
	quote := quoteAt(337_541_234_567, 8) // $3375.41... per unit
	for _, cents := range []int64{1, 300, 15000, 1_000_000, 123_456_789} {
		native, err := FiatCentsToNative(cents, quote, 18)
		if err != nil {
			t.Fatalf("cents %d: convert: %v", cents, err)
		}
		back, err := NativeToFiatCents(native, quote, 18)
		if err != nil {
			t.Fatalf("cents %d: convert back: %v", cents, err)
		}
		if back > cents || cents-back > 1 {
			t.Fatalf("cents %d: round trip drifted to %d", cents, back)
		}
	}
}

func TestFiatCentsToNativeRejectsBadInputs(t *testing.T) {
	quote := quoteAt(100_000_000, 8)
	if _, err := FiatCentsToNative(0, quote, 18); err == nil {
		t.Fatalf("expected error for zero cents")
	}
	if _, err := FiatCentsToNative(-5, quote, 18); err == nil {
		t.Fatalf("expected error for negative cents")
	}
	if _, err := FiatCentsToNative(100, Quote{Price: big.NewInt(0)}, 18); err == nil {
		t.Fatalf("expected error for zero price")
	}
}

func TestFiatCentsToNativeZeroResult(t *testing.T) {
	// One cent against an astronomically high price with no native precision.
	quote := quoteAt(1_000_000_000_000, 0)
	_, err := FiatCentsToNative(1, quote, 0)
	if !errors.Is(err, ErrZeroPrice) {
		t.Fatalf("expected ErrZeroPrice, got %v", err)
	}
}
