package currency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
)

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type fxAPI struct {
	primaryHits  atomic.Int32
	fallbackHits atomic.Int32
	primaryDown  bool
}

func (f *fxAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/latest/", func(w http.ResponseWriter, r *http.Request) {
		f.primaryHits.Add(1)
		if f.primaryDown {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		switch strings.TrimPrefix(r.URL.Path, "/latest/") {
		case "USD":
			_, _ = w.Write([]byte(`{"base":"USD","rates":{"EUR":0.92,"GBP":0.79,"NGN":1500}}`))
		default:
			_, _ = w.Write([]byte(`{"rates":{}}`))
		}
	})
	mux.HandleFunc("/history/USD/2026-10-01", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rates":{"EUR":0.9}}`))
	})
	mux.HandleFunc("/fallback", func(w http.ResponseWriter, r *http.Request) {
		f.fallbackHits.Add(1)
		if r.URL.Query().Get("access_key") != "k" {
			_, _ = w.Write([]byte(`{"success":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"rates":{"EUR":0.95}}`))
	})
	return mux
}

func newService(t *testing.T, api *fxAPI, key string) *Service {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	s, err := New(
		WithEndpoints(srv.URL, srv.URL+"/fallback", key),
		WithHTTPClient(srv.Client()),
		WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)
	return s
}

func TestLiveRateIsCached(t *testing.T) {
	api := &fxAPI{}
	s := newService(t, api, "")
	ctx := context.Background()

	out, err := s.Execute(ctx, "get_live_fx_rate", map[string]any{"base_currency": "USD", "target_currency": "EUR", "amount": 100})
	require.NoError(t, err)
	er := out["exchange_rate"].(map[string]any)
	assert.Equal(t, 0.92, er["rate"])
	assert.InDelta(t, 92.0, er["converted_amount"], 1e-9)
	assert.Equal(t, false, er["cached"])

	out, err = s.Execute(ctx, "get_live_fx_rate", map[string]any{"base_currency": "USD", "target_currency": "EUR"})
	require.NoError(t, err)
	assert.Equal(t, true, out["exchange_rate"].(map[string]any)["cached"])
	assert.EqualValues(t, 1, api.primaryHits.Load())

	_, err = s.Execute(ctx, "get_live_fx_rate", map[string]any{"base_currency": "USD", "target_currency": "EUR", "force_refresh": true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, api.primaryHits.Load())

	stats := s.CacheStats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Entries)
}

func TestCurrencyCodesAreValidated(t *testing.T) {
	s := newService(t, &fxAPI{}, "")
	_, err := s.Execute(context.Background(), "convert_currency", map[string]any{"amount": 1, "from_currency": "usd", "to_currency": "EUR"})

	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, protocol.CodeValidationFailed, pe.Code)
	assert.Equal(t, "from_currency", pe.Data["field"])
	assert.Equal(t, "pattern_violation", pe.Data["reason"])
}

func TestConvertUsesFallbackWhenPrimaryFails(t *testing.T) {
	api := &fxAPI{primaryDown: true}
	s := newService(t, api, "k")

	out, err := s.Execute(context.Background(), "convert_currency", map[string]any{"amount": 10, "from_currency": "USD", "to_currency": "EUR"})
	require.NoError(t, err)
	conv := out["conversion"].(map[string]any)
	assert.Equal(t, 0.95, conv["exchange_rate"])
	assert.InDelta(t, 9.5, conv["converted_amount"], 1e-9)
	assert.EqualValues(t, 1, api.fallbackHits.Load())
}

func TestRateUnavailableIsExecutionFailure(t *testing.T) {
	s := newService(t, &fxAPI{primaryDown: true}, "")
	_, err := s.Execute(context.Background(), "get_live_fx_rate", map[string]any{"base_currency": "USD", "target_currency": "EUR"})

	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, protocol.CodeExecutionFailed, pe.Code)
	assert.True(t, errors.Is(err, ErrRateUnavailable))
}

func TestMultipleRatesReportsPartialFailures(t *testing.T) {
	s := newService(t, &fxAPI{}, "")
	out, err := s.Execute(context.Background(), "get_multiple_rates", map[string]any{
		"base_currency":     "USD",
		"target_currencies": []any{"EUR", "XYZ"},
	})
	require.NoError(t, err)
	rates := out["multiple_rates"].(map[string]any)["rates"].(map[string]any)
	assert.Equal(t, 0.92, rates["EUR"].(map[string]any)["rate"])
	assert.Contains(t, rates["XYZ"].(map[string]any)["error"], "XYZ")
}

func TestHistoricalRateDateWindow(t *testing.T) {
	s := newService(t, &fxAPI{}, "")
	ctx := context.Background()
	args := func(date string) map[string]any {
		return map[string]any{"base_currency": "USD", "target_currency": "EUR", "date": date, "amount": 2}
	}

	out, err := s.Execute(ctx, "get_historical_rate", args("2026-10-01"))
	require.NoError(t, err)
	hr := out["historical_rate"].(map[string]any)
	assert.Equal(t, 0.9, hr["rate"])
	assert.InDelta(t, 1.8, hr["converted_amount"], 1e-9)

	_, err = s.Execute(ctx, "get_historical_rate", args("2026-12-01"))
	assert.ErrorContains(t, err, "future")

	_, err = s.Execute(ctx, "get_historical_rate", args("2024-01-01"))
	assert.ErrorContains(t, err, "365 days")

	_, err = s.Execute(ctx, "get_historical_rate", args("yesterday"))
	assert.ErrorContains(t, err, "YYYY-MM-DD")
}

func TestCurrencyInfoAndSupported(t *testing.T) {
	s := newService(t, &fxAPI{}, "")
	ctx := context.Background()

	out, err := s.Execute(ctx, "get_currency_info", map[string]any{"currency_code": "NGN"})
	require.NoError(t, err)
	info := out["currency_info"].(map[string]any)
	assert.Equal(t, "Nigerian Naira", info["name"])
	assert.Equal(t, 1500.0, info["current_rate_vs_usd"])
	assert.Equal(t, "Database", info["info_source"])

	_, err = s.Execute(ctx, "get_currency_info", map[string]any{"currency_code": "XYZ"})
	assert.ErrorContains(t, err, "not supported")

	out, err = s.Execute(ctx, "get_supported_currencies", nil)
	require.NoError(t, err)
	assert.Equal(t, 45, out["total_count"])
	assert.Equal(t, "online", out["api_status"].(map[string]any)["status"])
}

func TestSupportedReportsCache(t *testing.T) {
	api := &fxAPI{}
	now := fixedNow
	srv := httptest.NewServer(api.handler())
	defer srv.Close()
	s, err := New(
		WithEndpoints(srv.URL, srv.URL+"/fallback", ""),
		WithHTTPClient(srv.Client()),
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	ctx := context.Background()

	cache := func() map[string]any {
		out, err := s.Execute(ctx, "get_supported_currencies", nil)
		require.NoError(t, err)
		return out["api_status"].(map[string]any)["cache"].(map[string]any)
	}

	first := cache()
	assert.EqualValues(t, 0, first["hits"])
	assert.EqualValues(t, 1, first["misses"])
	assert.Equal(t, 1, first["entries"])
	assert.EqualValues(t, 60, first["ttl_seconds"])

	second := cache()
	assert.EqualValues(t, 1, second["hits"])
	assert.InDelta(t, 0.5, second["hit_rate"], 1e-9)
	assert.EqualValues(t, 1, api.primaryHits.Load())

	_, err = s.Execute(ctx, "get_live_fx_rate", map[string]any{"base_currency": "USD", "target_currency": "GBP"})
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = s.Execute(ctx, "get_live_fx_rate", map[string]any{"base_currency": "USD", "target_currency": "GBP"})
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, s.CacheStats().Entries, "the stale USD/EUR rate is dropped")
}

func TestRateCacheExpiry(t *testing.T) {
	now := fixedNow
	c := NewRateCache(time.Minute)
	c.now = func() time.Time { return now }

	c.Set("USD", "EUR", 0.9)
	_, _, ok := c.Get("USD", "EUR")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, _, ok = c.Get("USD", "EUR")
	assert.False(t, ok)
	c.CleanExpired()
	assert.Equal(t, 0, c.Stats().Entries)
	assert.InDelta(t, 0.5, c.Stats().HitRate(), 1e-9)
}
