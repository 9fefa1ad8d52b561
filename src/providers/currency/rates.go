package currency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
)

const (
	DefaultBaseURL     = "https://api.exchangerate-api.com/v4"
	DefaultFallbackURL = "https://api.exchangeratesapi.io/v1/latest"
)

// ErrRateUnavailable is returned when no source could provide a rate.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

// RateClient fetches rates from the primary API and, when a key is configured, from the
// keyed fallback API.
type RateClient struct {
	HTTP        *http.Client
	BaseURL     string
	FallbackURL string
	APIKey      string
	logger      *slog.Logger
}

type ratesResponse struct {
	Success *bool              `json:"success"`
	Rates   map[string]float64 `json:"rates"`
}

// Latest returns the current base/target rate.
func (c *RateClient) Latest(ctx context.Context, base, target string) (float64, error) {
	rate, err := c.fetch(ctx, strings.TrimRight(c.BaseURL, "/")+"/latest/"+url.PathEscape(base), target)
	if err == nil {
		return rate, nil
	}
	c.logger.Warn("primary rate API failed", "base", base, "target", target, "error", err)

	if c.APIKey == "" || c.FallbackURL == "" {
		return 0, fmt.Errorf("%w for %s/%s", ErrRateUnavailable, base, target)
	}
	q := url.Values{}
	q.Set("access_key", c.APIKey)
	q.Set("base", base)
	q.Set("symbols", target)
	rate, err = c.fetch(ctx, c.FallbackURL+"?"+q.Encode(), target)
	if err != nil {
		c.logger.Warn("secondary rate API failed", "base", base, "target", target, "error", err)
		return 0, fmt.Errorf("%w for %s/%s", ErrRateUnavailable, base, target)
	}
	return rate, nil
}

// Historical returns the base/target rate on date (YYYY-MM-DD).
func (c *RateClient) Historical(ctx context.Context, base, target, date string) (float64, error) {
	u := strings.TrimRight(c.BaseURL, "/") + "/history/" + url.PathEscape(base) + "/" + url.PathEscape(date)
	rate, err := c.fetch(ctx, u, target)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch historical rate: %w", err)
	}
	return rate, nil
}

func (c *RateClient) fetch(ctx context.Context, u, target string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("API returned status %d", resp.StatusCode)
	}
	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode rates: %w", err)
	}
	if body.Success != nil && !*body.Success {
		return 0, errors.New("API reported failure")
	}
	rate := body.Rates[target]
	if rate <= 0 {
		return 0, fmt.Errorf("no rate for %s", target)
	}
	return rate, nil
}
