package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"wellswap/settlement"
	"wellswap/storage"
)

var (
	testSeller   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testBuyer    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testPlatform = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type stubLedger struct{ txSeq int }

func (l *stubLedger) next() string {
	l.txSeq++
	return fmt.Sprintf("0x%064x", l.txSeq)
}

func (l *stubLedger) PayRegistrationFee(context.Context, *big.Int) (string, error) {
	return l.next(), nil
}

func (l *stubLedger) EscrowDeposit(context.Context, string, *big.Int) (string, error) {
	return l.next(), nil
}

func (l *stubLedger) EscrowRelease(context.Context, string, common.Address) (string, error) {
	return l.next(), nil
}

func (l *stubLedger) EscrowRefund(context.Context, string, common.Address) (string, error) {
	return l.next(), nil
}

func (l *stubLedger) EscrowBalance(context.Context, string) (*big.Int, error) {
	return new(big.Int), nil
}

func (l *stubLedger) Balance(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(1_000_000_000)), nil
}

type stubRates struct{}

func (stubRates) FiatCentsToNative(_ context.Context, cents int64) (*big.Int, error) {
	return new(big.Int).Mul(big.NewInt(cents), big.NewInt(1_000_000)), nil
}

type serverFixture struct {
	server *httptest.Server
	auth   *Authenticator
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	store, err := storage.Open(fmt.Sprintf("file:gw%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	engine, err := settlement.NewEngine(store, &stubLedger{}, stubRates{}, testPlatform, settlement.FeePolicy{
		RegistrationFeeCents: 30000,
		PlatformFeeCents:     5000,
		CommissionBps:        250,
	})
	require.NoError(t, err)
	monitor, err := settlement.NewRefundMonitor(engine, nil)
	require.NoError(t, err)

	auth, err := NewAuthenticator([]byte("test-secret"))
	require.NoError(t, err)
	srv := NewServer(engine, monitor, auth, NewRateLimiter(10_000), nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &serverFixture{server: ts, auth: auth}
}

func (f *serverFixture) request(t *testing.T, method, path string, as common.Address, body interface{}, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	token, err := f.auth.IssueToken(as, "user", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func registerBody() map[string]interface{} {
	return map[string]interface{}{
		"company":              "AIA Hong Kong",
		"product":              "Global Wealth Builder",
		"category":             "savings",
		"contractPeriodMonths": 120,
		"paidPeriodMonths":     36,
		"annualPremiumCents":   1_200_000,
		"totalPaidCents":       3_600_000,
	}
}

func (f *serverFixture) registerAsset(t *testing.T) string {
	t.Helper()
	resp, body := f.request(t, http.MethodPost, "/api/v1/assets", testSeller, registerBody(), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var asset struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &asset))
	require.NotEmpty(t, asset.ID)
	return asset.ID
}

func (f *serverFixture) listAsset(t *testing.T) string {
	t.Helper()
	assetID := f.registerAsset(t)
	resp, body := f.request(t, http.MethodPost, "/api/v1/assets/"+assetID+"/evaluation", testPlatform, map[string]interface{}{
		"aiValueCents":    4_000_000,
		"riskGrade":       2,
		"confidenceScore": 87,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, body = f.request(t, http.MethodPost, "/api/v1/assets/"+assetID+"/price", testPlatform, map[string]interface{}{
		"priceCents": 3_800_000,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, body = f.request(t, http.MethodPost, "/api/v1/assets/"+assetID+"/list", testSeller, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	return assetID
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	f := newServerFixture(t)
	resp, err := http.Get(f.server.URL + "/api/v1/assets")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthzIsPublic(t *testing.T) {
	f := newServerFixture(t)
	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterAndFetchAsset(t *testing.T) {
	f := newServerFixture(t)
	assetID := f.registerAsset(t)

	resp, body := f.request(t, http.MethodGet, "/api/v1/assets/"+assetID, testSeller, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var asset struct {
		Status string `json:"status"`
		Owner  string `json:"owner"`
	}
	require.NoError(t, json.Unmarshal(body, &asset))
	require.Equal(t, "registered", asset.Status)
	require.Equal(t, testSeller.Hex(), asset.Owner)
}

func TestRegisterAssetIdempotencyHeader(t *testing.T) {
	f := newServerFixture(t)
	headers := map[string]string{"Idempotency-Key": "reg-1"}

	resp, body := f.request(t, http.MethodPost, "/api/v1/assets", testSeller, registerBody(), headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &first))

	resp, body = f.request(t, http.MethodPost, "/api/v1/assets", testSeller, registerBody(), headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var second struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &second))
	require.Equal(t, first.ID, second.ID)
}

func TestEvaluationRequiresPlatform(t *testing.T) {
	f := newServerFixture(t)
	assetID := f.registerAsset(t)

	resp, _ := f.request(t, http.MethodPost, "/api/v1/assets/"+assetID+"/evaluation", testBuyer, map[string]interface{}{
		"aiValueCents": 4_000_000,
	}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTradeSettlementFlowOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	assetID := f.listAsset(t)

	resp, body := f.request(t, http.MethodPost, "/api/v1/trades", testBuyer, map[string]string{"assetId": assetID}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var trade struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &trade))
	require.Equal(t, "created", trade.Status)

	resp, body = f.request(t, http.MethodPost, "/api/v1/trades/"+trade.ID+"/sign-buyer", testBuyer, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// A repeated buyer signature surfaces as a conflict.
	resp, body = f.request(t, http.MethodPost, "/api/v1/trades/"+trade.ID+"/sign-buyer", testBuyer, nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var conflict struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(body, &conflict))
	require.Equal(t, "already_signed", conflict.Code)

	resp, body = f.request(t, http.MethodPost, "/api/v1/trades/"+trade.ID+"/sign-platform", testPlatform, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = f.request(t, http.MethodPost, "/api/v1/trades/"+trade.ID+"/complete", testPlatform, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var completed struct {
		Status    string `json:"status"`
		ReleaseTx string `json:"releaseTx"`
	}
	require.NoError(t, json.Unmarshal(body, &completed))
	require.Equal(t, "completed", completed.Status)
	require.NotEmpty(t, completed.ReleaseTx)

	resp, body = f.request(t, http.MethodGet, "/api/v1/assets/"+assetID, testSeller, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var asset struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &asset))
	require.Equal(t, "sold", asset.Status)
}

func TestCompleteWithoutSignaturesIsConflict(t *testing.T) {
	f := newServerFixture(t)
	assetID := f.listAsset(t)

	resp, body := f.request(t, http.MethodPost, "/api/v1/trades", testBuyer, map[string]string{"assetId": assetID}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var trade struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &trade))

	resp, _ = f.request(t, http.MethodPost, "/api/v1/trades/"+trade.ID+"/complete", testPlatform, nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelTradeRequiresPlatformAndReason(t *testing.T) {
	f := newServerFixture(t)
	assetID := f.listAsset(t)

	resp, body := f.request(t, http.MethodPost, "/api/v1/trades", testBuyer, map[string]string{"assetId": assetID}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var trade struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &trade))

	resp, _ = f.request(t, http.MethodPost, "/api/v1/trades/"+trade.ID+"/cancel", testBuyer,
		map[string]string{"reason": "changed my mind"}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.request(t, http.MethodPost, "/api/v1/trades/"+trade.ID+"/cancel", testPlatform,
		map[string]string{}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.request(t, http.MethodPost, "/api/v1/trades/"+trade.ID+"/cancel", testPlatform,
		map[string]string{"reason": "listing withdrawn by seller"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var cancelled struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &cancelled))
	require.Equal(t, "cancelled", cancelled.Status)

	resp, body = f.request(t, http.MethodGet, "/api/v1/assets/"+assetID, testSeller, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var asset struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &asset))
	require.Equal(t, "listed", asset.Status)
}

func TestUnknownAssetIsNotFound(t *testing.T) {
	f := newServerFixture(t)
	resp, _ := f.request(t, http.MethodGet, "/api/v1/assets/2fd3e1f8-0000-0000-0000-000000000000", testSeller, nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRefundEligibilityEndpoint(t *testing.T) {
	f := newServerFixture(t)
	assetID := f.listAsset(t)

	resp, body := f.request(t, http.MethodGet, "/api/v1/assets/"+assetID+"/refund-eligibility", testSeller, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var eligibility struct {
		Eligible bool `json:"eligible"`
	}
	require.NoError(t, json.Unmarshal(body, &eligibility))
	require.False(t, eligibility.Eligible)
}

func TestRefundSweepRequiresPlatform(t *testing.T) {
	f := newServerFixture(t)
	resp, _ := f.request(t, http.MethodPost, "/api/v1/ops/refunds/sweep", testBuyer, nil, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := f.request(t, http.MethodPost, "/api/v1/ops/refunds/sweep", testPlatform, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Processed int `json:"processed"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	require.Zero(t, result.Processed)
}
