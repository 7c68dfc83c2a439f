package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

var (
	// ErrUnavailable indicates that neither the primary nor the fallback
	// source produced a usable quote.
	ErrUnavailable = errors.New("oracle: no price source available")

	// ErrZeroPrice signals a misconfigured feed rather than a legitimate
	// zero-value transfer.
	ErrZeroPrice = errors.New("oracle: converted amount is not positive")
)

// Quote is an integer price for the ledger's native asset denominated in
// fiat, scaled by Decimals. Floating point never crosses this boundary.
type Quote struct {
	Price     *big.Int
	Decimals  uint8
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	clone := Quote{Decimals: q.Decimals, Timestamp: q.Timestamp, Source: q.Source}
	if q.Price != nil {
		clone.Price = new(big.Int).Set(q.Price)
	}
	return clone
}

func (q Quote) valid() bool {
	return q.Price != nil && q.Price.Sign() > 0
}

// Source resolves a native/fiat quote from one upstream provider.
type Source interface {
	Name() string
	Quote(ctx context.Context) (Quote, error)
}

// QuoteCache retains the last successful quote for a bounded window so
// repeated conversions do not hammer rate-limited providers. It is an
// explicit dependency constructed once per process and injected.
type QuoteCache struct {
	mu        sync.Mutex
	quote     Quote
	fetchedAt time.Time
	ttl       time.Duration
	now       func() time.Time
}

// NewQuoteCache constructs a cache with the supplied TTL. A non-positive
// TTL disables caching.
func NewQuoteCache(ttl time.Duration) *QuoteCache {
	return &QuoteCache{ttl: ttl, now: time.Now}
}

// setNowFunc overrides the time source (test only).
func (c *QuoteCache) setNowFunc(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *QuoteCache) get() (Quote, bool) {
	if c == nil || c.ttl <= 0 {
		return Quote{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.quote.valid() {
		return Quote{}, false
	}
	if c.now().Sub(c.fetchedAt) > c.ttl {
		return Quote{}, false
	}
	return c.quote.Clone(), true
}

func (c *QuoteCache) put(q Quote) {
	if c == nil || c.ttl <= 0 || !q.valid() {
		return
	}
	c.mu.Lock()
	c.quote = q.Clone()
	c.fetchedAt = c.now()
	c.mu.Unlock()
}

// Converter turns fiat cent amounts into ledger smallest units using the
// primary source, retrying the fallback exactly once when the primary
// errors or returns a non-positive price.
type Converter struct {
	primary        Source
	fallback       Source
	cache          *QuoteCache
	nativeDecimals uint8
}

// NewConverter constructs a converter. The fallback source and cache are
// optional.
func NewConverter(primary, fallback Source, cache *QuoteCache, nativeDecimals uint8) (*Converter, error) {
	if primary == nil {
		return nil, fmt.Errorf("oracle: primary source required")
	}
	if nativeDecimals == 0 {
		return nil, fmt.Errorf("oracle: native decimals required")
	}
	return &Converter{
		primary:        primary,
		fallback:       fallback,
		cache:          cache,
		nativeDecimals: nativeDecimals,
	}, nil
}

// CurrentQuote returns a fresh or cache-fresh quote, consulting the
// fallback only after a primary failure.
func (c *Converter) CurrentQuote(ctx context.Context) (Quote, error) {
	if c == nil {
		return Quote{}, fmt.Errorf("oracle: converter not configured")
	}
	if cached, ok := c.cache.get(); ok {
		return cached, nil
	}
	quote, primaryErr := c.primary.Quote(ctx)
	if primaryErr == nil && quote.valid() {
		c.cache.put(quote)
		return quote, nil
	}
	if primaryErr == nil {
		primaryErr = fmt.Errorf("oracle: %s returned non-positive price", c.primary.Name())
	}
	if c.fallback == nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, primaryErr)
	}
	quote, fallbackErr := c.fallback.Quote(ctx)
	if fallbackErr == nil && quote.valid() {
		c.cache.put(quote)
		return quote, nil
	}
	if fallbackErr == nil {
		fallbackErr = fmt.Errorf("oracle: %s returned non-positive price", c.fallback.Name())
	}
	return Quote{}, fmt.Errorf("%w: primary: %v; fallback: %v", ErrUnavailable, primaryErr, fallbackErr)
}

// FiatCentsToNative converts a fiat amount in cents to ledger smallest
// units at the current quote.
func (c *Converter) FiatCentsToNative(ctx context.Context, cents int64) (*big.Int, error) {
	quote, err := c.CurrentQuote(ctx)
	if err != nil {
		return nil, err
	}
	return FiatCentsToNative(cents, quote, c.nativeDecimals)
}

// NativeToFiatCents converts a ledger amount back to fiat cents at the
// current quote. Used for display and round-trip verification only; it
// never feeds a funding value.
func (c *Converter) NativeToFiatCents(ctx context.Context, native *big.Int) (int64, error) {
	quote, err := c.CurrentQuote(ctx)
	if err != nil {
		return 0, err
	}
	return NativeToFiatCents(native, quote, c.nativeDecimals)
}
