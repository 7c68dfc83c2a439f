package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

	// coinGeckoDecimals is the fixed scale applied when parsing the
	// decimal price string into an integer quote.
	coinGeckoDecimals uint8 = 8
)

// CoinGeckoSource adapts the public CoinGecko simple price API for a fixed
// native-asset/fiat pair. It is the primary quote provider.
type CoinGeckoSource struct {
	client   HTTPDoer
	endpoint string
	assetID  string
	fiat     string
}

// NewCoinGeckoSource constructs the adapter. assetID is the CoinGecko
// identifier for the ledger's native asset (e.g. "ethereum"); fiat is the
// lowercase vs-currency code. When client is nil http.DefaultClient is used.
func NewCoinGeckoSource(client HTTPDoer, endpoint, assetID, fiat string) *CoinGeckoSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &CoinGeckoSource{
		client:   client,
		endpoint: ep,
		assetID:  strings.ToLower(strings.TrimSpace(assetID)),
		fiat:     strings.ToLower(strings.TrimSpace(fiat)),
	}
}

// Name implements Source.
func (s *CoinGeckoSource) Name() string { return "coingecko" }

// Quote implements Source.
func (s *CoinGeckoSource) Quote(ctx context.Context) (Quote, error) {
	if s == nil {
		return Quote{}, fmt.Errorf("coingecko source not configured")
	}
	if s.assetID == "" || s.fiat == "" {
		return Quote{}, fmt.Errorf("coingecko source: asset id and fiat currency required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", s.assetID)
	values.Set("vs_currencies", s.fiat)
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("coingecko source: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("coingecko source: decode: %w", err)
	}
	entry, ok := payload[s.assetID]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko source: quote missing for %s", s.assetID)
	}
	raw, ok := entry[s.fiat]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko source: price missing for %s", s.fiat)
	}
	price, err := parseDecimalPrice(raw.String(), coinGeckoDecimals)
	if err != nil {
		return Quote{}, fmt.Errorf("coingecko source: %w", err)
	}
	ts := time.Now().UTC()
	if rawTs, ok := entry["last_updated_at"]; ok {
		if parsed, err := strconv.ParseInt(rawTs.String(), 10, 64); err == nil && parsed > 0 {
			ts = time.Unix(parsed, 0).UTC()
		}
	}
	return Quote{Price: price, Decimals: coinGeckoDecimals, Timestamp: ts, Source: s.Name()}, nil
}

// parseDecimalPrice converts a decimal string into an integer scaled by
// 10^decimals, truncating excess precision.
func parseDecimalPrice(text string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty price")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("invalid price %q", text)
	}
	if rat.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive price %q", text)
	}
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(pow10(decimals)))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}

// FeedReader reads an on-chain price feed aggregator.
type FeedReader interface {
	LatestAnswer(ctx context.Context) (price *big.Int, decimals uint8, err error)
}

// ChainFeedSource reads the fallback price from an on-chain aggregator
// contract through the ledger client. It is only consulted when the
// primary REST source fails.
type ChainFeedSource struct {
	reader FeedReader
	nowFn  func() time.Time
}

// NewChainFeedSource constructs the fallback source.
func NewChainFeedSource(reader FeedReader) *ChainFeedSource {
	return &ChainFeedSource{reader: reader, nowFn: time.Now}
}

// Name implements Source.
func (s *ChainFeedSource) Name() string { return "chain-feed" }

// Quote implements Source.
func (s *ChainFeedSource) Quote(ctx context.Context) (Quote, error) {
	if s == nil || s.reader == nil {
		return Quote{}, fmt.Errorf("chain feed source not configured")
	}
	price, decimals, err := s.reader.LatestAnswer(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("chain feed source: %w", err)
	}
	if price == nil || price.Sign() <= 0 {
		return Quote{}, fmt.Errorf("chain feed source: non-positive answer")
	}
	return Quote{
		Price:     new(big.Int).Set(price),
		Decimals:  decimals,
		Timestamp: s.nowFn().UTC(),
		Source:    s.Name(),
	}, nil
}
