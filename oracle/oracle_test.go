package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"
	"time"
)

type stubSource struct {
	name  string
	quote Quote
	err   error
	calls atomic.Int64
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Quote(context.Context) (Quote, error) {
	s.calls.Add(1)
	if s.err != nil {
		return Quote{}, s.err
	}
	q := s.quote.Clone()
	q.Source = s.name
	return q, nil
}

func TestConverterPrefersPrimary(t *testing.T) {
	primary := &stubSource{name: "primary", quote: quoteAt(100_000_000, 8)}
	fallback := &stubSource{name: "fallback", quote: quoteAt(999, 8)}
	converter, err := NewConverter(primary, fallback, nil, 18)
	if err != nil {
		t.Fatalf("new converter: %v", err)
	}

	quote, err := converter.CurrentQuote(context.Background())
	if err != nil {
		t.Fatalf("current quote: %v", err)
	}
	if quote.Price.Cmp(big.NewInt(100_000_000)) != 0 {
		t.Fatalf("expected primary quote, got %s", quote.Price)
	}
	if fallback.calls.Load() != 0 {
		t.Fatalf("fallback consulted without primary failure")
	}
}

func TestConverterFallsBackOnce(t *testing.T) {
	primary := &stubSource{name: "primary", err: fmt.Errorf("rate limited")}
	fallback := &stubSource{name: "fallback", quote: quoteAt(250_000_000, 8)}
	converter, err := NewConverter(primary, fallback, nil, 18)
	if err != nil {
		t.Fatalf("new converter: %v", err)
	}

	quote, err := converter.CurrentQuote(context.Background())
	if err != nil {
		t.Fatalf("current quote: %v", err)
	}
	if quote.Source != "fallback" {
		t.Fatalf("expected fallback quote, got %s", quote.Source)
	}
	if fallback.calls.Load() != 1 {
		t.Fatalf("expected exactly one fallback call, got %d", fallback.calls.Load())
	}
}

func TestConverterUnavailableWhenBothFail(t *testing.T) {
	primary := &stubSource{name: "primary", err: fmt.Errorf("down")}
	fallback := &stubSource{name: "fallback", err: fmt.Errorf("also down")}
	converter, err := NewConverter(primary, fallback, nil, 18)
	if err != nil {
		t.Fatalf("new converter: %v", err)
	}

	_, err = converter.CurrentQuote(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestQuoteCacheServesWithinTTL(t *testing.T) {
	primary := &stubSource{name: "primary", quote: quoteAt(100_000_000, 8)}
	cache := NewQuoteCache(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	cache.setNowFunc(func() time.Time { return now })
	converter, err := NewConverter(primary, nil, cache, 18)
	if err != nil {
		t.Fatalf("new converter: %v", err)
	}
	ctx := context.Background()

	if _, err := converter.CurrentQuote(ctx); err != nil {
		t.Fatalf("first quote: %v", err)
	}
	if _, err := converter.CurrentQuote(ctx); err != nil {
		t.Fatalf("second quote: %v", err)
	}
	if primary.calls.Load() != 1 {
		t.Fatalf("expected cached second quote, got %d source calls", primary.calls.Load())
	}

	now = now.Add(2 * time.Minute)
	if _, err := converter.CurrentQuote(ctx); err != nil {
		t.Fatalf("post-expiry quote: %v", err)
	}
	if primary.calls.Load() != 2 {
		t.Fatalf("expected refetch after ttl, got %d source calls", primary.calls.Load())
	}
}

func TestParseDecimalPrice(t *testing.T) {
	price, err := parseDecimalPrice("3375.41", 8)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if price.Cmp(big.NewInt(337_541_000_000)) != 0 {
		t.Fatalf("unexpected scaled price %s", price)
	}
	if _, err := parseDecimalPrice("-1", 8); err == nil {
		t.Fatalf("expected error for negative price")
	}
	if _, err := parseDecimalPrice("", 8); err == nil {
		t.Fatalf("expected error for empty price")
	}
}
