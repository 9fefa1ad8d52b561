// Package currency is a tool provider for live and historical exchange rates.
package currency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cast"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/schema"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/server"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/tools"
)

const (
	ServerName    = "currency_service"
	ServerVersion = "1.0.0"

	codePattern = "^[A-Z]{3}$"
	maxHistory  = 365 * 24 * time.Hour
)

// Service serves the currency tools.
type Service struct {
	*server.Base

	rates  *RateClient
	cache  *RateCache
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEndpoints overrides the primary API root and the keyed fallback.
func WithEndpoints(baseURL, fallbackURL, apiKey string) Option {
	return func(s *Service) {
		if baseURL != "" {
			s.rates.BaseURL = baseURL
		}
		if fallbackURL != "" {
			s.rates.FallbackURL = fallbackURL
		}
		s.rates.APIKey = apiKey
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		if c != nil {
			s.rates.HTTP = c
		}
	}
}

func WithCacheTTL(d time.Duration) Option {
	return func(s *Service) { s.cache = NewRateCache(d) }
}

// WithClock replaces time.Now for date checks and cache ageing.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds the provider and registers its tools.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		rates: &RateClient{
			HTTP:        &http.Client{Timeout: 10 * time.Second},
			BaseURL:     DefaultBaseURL,
			FallbackURL: DefaultFallbackURL,
		},
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = NewRateCache(0)
	}
	s.cache.now = s.now
	s.rates.logger = s.logger.With("server", ServerName)
	s.Base = server.NewBase(ServerName, ServerVersion, server.WithLogger(s.logger))

	for _, t := range s.catalog() {
		if err := s.RegisterTool(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CacheStats drops expired rates and reports cache usage.
func (s *Service) CacheStats() CacheStats {
	s.cache.CleanExpired()
	return s.cache.Stats()
}

func code(description string) *schema.Schema {
	return schema.String(description).WithPattern(codePattern)
}

func amount(description string) *schema.Schema {
	return schema.Number(description).WithRange(schema.Bound(0), nil)
}

func forceRefresh() *schema.Schema {
	return schema.Boolean("Force refresh from API").WithDefault(false)
}

func (s *Service) catalog() []tools.Tool {
	return []tools.Tool{
		{
			Name:        "get_live_fx_rate",
			Description: "Get real-time foreign exchange rate between two currencies",
			Tags:        []string{"currency", "fx", "rate"},
			InputSchema: schema.Object(map[string]*schema.Schema{
				"base_currency":   code("Base currency code (e.g., USD)"),
				"target_currency": code("Target currency code (e.g., EUR)"),
				"amount":          amount("Amount to convert (optional)"),
				"force_refresh":   forceRefresh(),
			}, "base_currency", "target_currency"),
			Handler: s.liveRate,
		},
		{
			Name:        "convert_currency",
			Description: "Convert amount from one currency to another",
			Tags:        []string{"currency", "fx", "conversion"},
			InputSchema: schema.Object(map[string]*schema.Schema{
				"amount":        amount("Amount to convert"),
				"from_currency": code("Source currency code"),
				"to_currency":   code("Target currency code"),
				"force_refresh": forceRefresh(),
			}, "amount", "from_currency", "to_currency"),
			Handler: s.convert,
		},
		{
			Name:        "get_multiple_rates",
			Description: "Get exchange rates for multiple currency pairs",
			Tags:        []string{"currency", "fx", "rate"},
			InputSchema: schema.Object(map[string]*schema.Schema{
				"base_currency":     code("Base currency code"),
				"target_currencies": schema.Array("List of target currency codes", schema.String("").WithPattern(codePattern)),
				"force_refresh":     forceRefresh(),
			}, "base_currency", "target_currencies"),
			Handler: s.multipleRates,
		},
		{
			Name:        "get_supported_currencies",
			Description: "Get list of supported currency codes",
			Tags:        []string{"currency"},
			InputSchema: schema.Object(map[string]*schema.Schema{}),
			Handler:     s.supported,
		},
		{
			Name:        "get_historical_rate",
			Description: "Get historical exchange rate for a specific date",
			Tags:        []string{"currency", "fx", "history"},
			InputSchema: schema.Object(map[string]*schema.Schema{
				"base_currency":   code("Base currency code"),
				"target_currency": code("Target currency code"),
				"date":            {Type: schema.TypeString, Format: "date", Description: "Date in YYYY-MM-DD format"},
				"amount":          amount("Amount to convert (optional)"),
			}, "base_currency", "target_currency", "date"),
			Handler: s.historical,
		},
		{
			Name:        "get_currency_info",
			Description: "Get detailed information about a currency",
			Tags:        []string{"currency", "info"},
			InputSchema: schema.Object(map[string]*schema.Schema{
				"currency_code": code("Currency code to get info for"),
			}, "currency_code"),
			Handler: s.info,
		},
	}
}

// rate returns base/target from cache unless forced, fetching and caching on a miss.
func (s *Service) rate(ctx context.Context, base, target string, force bool) (float64, bool, error) {
	if base == target {
		return 1, false, nil
	}
	if !force {
		if r, _, ok := s.cache.Get(base, target); ok {
			return r, true, nil
		}
	}
	r, err := s.rates.Latest(ctx, base, target)
	if err != nil {
		return 0, false, fmt.Errorf("could not fetch exchange rate for %s/%s: %w", base, target, err)
	}
	s.cache.Set(base, target, r)
	return r, false, nil
}

func (s *Service) timestamp() string { return s.now().UTC().Format(time.RFC3339) }

func (s *Service) exchangeRate(ctx context.Context, base, target string, amt float64, force bool) (map[string]any, error) {
	r, cached, err := s.rate(ctx, base, target, force)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"base_currency":    base,
		"target_currency":  target,
		"rate":             r,
		"amount":           amt,
		"converted_amount": amt * r,
		"cached":           cached,
		"fetched_at":       s.timestamp(),
	}, nil
}

func (s *Service) liveRate(ctx context.Context, args map[string]any) (map[string]any, error) {
	amt := 1.0
	if v, ok := args["amount"]; ok {
		amt = cast.ToFloat64(v)
	}
	er, err := s.exchangeRate(ctx,
		cast.ToString(args["base_currency"]), cast.ToString(args["target_currency"]),
		amt, cast.ToBool(args["force_refresh"]))
	if err != nil {
		return nil, err
	}
	return map[string]any{"exchange_rate": er}, nil
}

func (s *Service) convert(ctx context.Context, args map[string]any) (map[string]any, error) {
	amt := cast.ToFloat64(args["amount"])
	from := cast.ToString(args["from_currency"])
	to := cast.ToString(args["to_currency"])
	r, _, err := s.rate(ctx, from, to, cast.ToBool(args["force_refresh"]))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"conversion": map[string]any{
			"original_amount":      amt,
			"from_currency":        from,
			"to_currency":          to,
			"exchange_rate":        r,
			"converted_amount":     amt * r,
			"conversion_timestamp": s.timestamp(),
		},
	}, nil
}

// multipleRates reports each target independently; one failed pair does not fail the call.
func (s *Service) multipleRates(ctx context.Context, args map[string]any) (map[string]any, error) {
	base := cast.ToString(args["base_currency"])
	force := cast.ToBool(args["force_refresh"])
	rates := map[string]any{}
	for _, target := range cast.ToStringSlice(args["target_currencies"]) {
		er, err := s.exchangeRate(ctx, base, target, 1, force)
		if err != nil {
			s.logger.Warn("could not fetch rate", "base", base, "target", target, "error", err)
			rates[target] = map[string]any{"error": err.Error()}
			continue
		}
		rates[target] = er
	}
	return map[string]any{
		"multiple_rates": map[string]any{
			"base_currency": base,
			"rates":         rates,
			"fetched_at":    s.timestamp(),
		},
	}, nil
}

func (s *Service) supported(ctx context.Context, _ map[string]any) (map[string]any, error) {
	total := 0
	groups := make(map[string]any, len(supportedCurrencies))
	for k, v := range supportedCurrencies {
		groups[k] = append([]string(nil), v...)
		total += len(v)
	}
	status := map[string]any{"last_checked": s.timestamp()}
	if r, _, err := s.rate(ctx, "USD", "EUR", false); err != nil {
		status["status"] = "offline"
		status["error"] = err.Error()
	} else {
		status["status"] = "online"
		status["sample_rate"] = r
	}
	stats := s.CacheStats()
	status["cache"] = map[string]any{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"entries":     stats.Entries,
		"hit_rate":    stats.HitRate(),
		"ttl_seconds": int64(stats.TTL.Seconds()),
	}
	return map[string]any{
		"supported_currencies": groups,
		"total_count":          total,
		"api_status":           status,
	}, nil
}

func (s *Service) historical(ctx context.Context, args map[string]any) (map[string]any, error) {
	base := cast.ToString(args["base_currency"])
	target := cast.ToString(args["target_currency"])
	date := cast.ToString(args["date"])
	amt := 1.0
	if v, ok := args["amount"]; ok {
		amt = cast.ToFloat64(v)
	}

	day, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", date)
	}
	today := s.now().UTC().Truncate(24 * time.Hour)
	if day.After(today) {
		return nil, errors.New("historical rates cannot be fetched for future dates")
	}
	if day.Before(today.Add(-maxHistory)) {
		return nil, errors.New("historical data only available for the last 365 days")
	}

	r, err := s.rates.Historical(ctx, base, target, date)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"historical_rate": map[string]any{
			"base_currency":    base,
			"target_currency":  target,
			"date":             date,
			"rate":             r,
			"amount":           amt,
			"converted_amount": amt * r,
			"fetched_at":       s.timestamp(),
		},
	}, nil
}

func (s *Service) info(ctx context.Context, args map[string]any) (map[string]any, error) {
	c := cast.ToString(args["currency_code"])
	known, ok := currencyInfo[c]

	var current any
	if r, _, err := s.rate(ctx, "USD", c, false); err == nil {
		current = r
	} else if !ok {
		return nil, fmt.Errorf("currency %s not supported", c)
	}

	out := map[string]any{
		"code":                c,
		"current_rate_vs_usd": current,
	}
	if ok {
		out["name"] = known.Name
		out["symbol"] = known.Symbol
		out["region"] = known.Region
		out["decimal_places"] = known.DecimalPlaces
		out["info_source"] = "Database"
	} else {
		out["name"] = "Currency " + c
		out["symbol"] = c
		out["region"] = "Unknown"
		out["decimal_places"] = 2
		out["info_source"] = "API"
	}
	return map[string]any{"currency_info": out}, nil
}
