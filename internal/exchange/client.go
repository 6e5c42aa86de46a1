package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/ports"
)

const (
	// BaseURL is the production futures REST endpoint
	BaseURL = "https://fapi.binance.com"
	// TestnetURL is the futures testnet endpoint
	TestnetURL = "https://testnet.binancefuture.com"
)

// Config tunes the REST client
type Config struct {
	BaseURL           string        `json:"base_url"`
	Timeout           time.Duration `json:"timeout"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	Burst             int           `json:"burst"`
	MaxRetries        int           `json:"max_retries"`
	RetryBaseDelay    time.Duration `json:"retry_base_delay"`
	RetryMaxDelay     time.Duration `json:"retry_max_delay"`
	DefaultRetryAfter time.Duration `json:"default_retry_after"`
}

// DefaultConfig returns the standard client tuning
func DefaultConfig() Config {
	return Config{
		BaseURL:           BaseURL,
		Timeout:           15 * time.Second,
		RequestsPerSecond: 8,
		Burst:             16,
		MaxRetries:        3,
		RetryBaseDelay:    500 * time.Millisecond,
		RetryMaxDelay:     5 * time.Second,
		DefaultRetryAfter: 30 * time.Second,
	}
}

// Client is the futures REST adapter behind ports.ExchangePort. Server
// errors are retried with jittered backoff; 429/418 surface immediately as
// *ports.ErrRateLimited so the scheduler can pause the whole tick loop
// instead of hammering per request.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// NewClient builds a REST client
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 8
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 16
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     logger,
	}
}

// FetchCandles retrieves up to limit klines for one symbol and interval
func (c *Client) FetchCandles(ctx context.Context, symbol string, interval market.Interval, limit int) ([]market.Candle, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", string(interval))
	query.Set("limit", strconv.Itoa(limit))

	var raw [][]interface{}
	if err := c.getJSON(ctx, "/fapi/v1/klines", query, &raw); err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, interval, err)
	}

	candles := make([]market.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		candles = append(candles, market.Candle{
			OpenTime:  time.UnixMilli(int64(asFloat(row[0]))).UTC(),
			Open:      asFloat(row[1]),
			High:      asFloat(row[2]),
			Low:       asFloat(row[3]),
			Close:     asFloat(row[4]),
			Volume:    asFloat(row[5]),
			CloseTime: time.UnixMilli(int64(asFloat(row[6]))).UTC(),
		})
	}
	return candles, nil
}

// FetchTickers retrieves the full 24h ticker table keyed by symbol
func (c *Client) FetchTickers(ctx context.Context) (map[string]ports.PriceQuote, error) {
	var raw []struct {
		Symbol             string `json:"symbol"`
		LastPrice          string `json:"lastPrice"`
		QuoteVolume        string `json:"quoteVolume"`
		PriceChangePercent string `json:"priceChangePercent"`
		CloseTime          int64  `json:"closeTime"`
	}
	if err := c.getJSON(ctx, "/fapi/v1/ticker/24hr", nil, &raw); err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}

	quotes := make(map[string]ports.PriceQuote, len(raw))
	for _, t := range raw {
		quotes[t.Symbol] = ports.PriceQuote{
			Symbol:      t.Symbol,
			Price:       parseFloat(t.LastPrice),
			QuoteVolume: parseFloat(t.QuoteVolume),
			PriceChange: parseFloat(t.PriceChangePercent),
			UpdatedAt:   time.UnixMilli(t.CloseTime).UTC(),
		}
	}
	return quotes, nil
}

// ListSymbols returns all tradable USDT-margined perpetual symbols
func (c *Client) ListSymbols(ctx context.Context) ([]string, error) {
	var info struct {
		Symbols []struct {
			Symbol       string `json:"symbol"`
			Status       string `json:"status"`
			QuoteAsset   string `json:"quoteAsset"`
			ContractType string `json:"contractType"`
		} `json:"symbols"`
	}
	if err := c.getJSON(ctx, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return nil, fmt.Errorf("fetch exchange info: %w", err)
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status == "TRADING" && s.QuoteAsset == "USDT" && s.ContractType == "PERPETUAL" {
			symbols = append(symbols, s.Symbol)
		}
	}
	return symbols, nil
}

// getJSON performs one rate-limited GET with retry on transient failures
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	reqURL := c.cfg.BaseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("%w: %v", ports.ErrNetwork, err)
			if attempt < c.cfg.MaxRetries {
				if err := c.sleep(ctx, attempt); err != nil {
					return err
				}
				continue
			}
			return lastErr
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("%w: read body: %v", ports.ErrNetwork, err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("parse %s response: %w", path, err)
			}
			return nil

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
			retryAfter := headerRetryAfter(resp.Header, c.cfg.DefaultRetryAfter)
			c.logger.Warn().
				Str("path", path).
				Int("status", resp.StatusCode).
				Dur("retry_after", retryAfter).
				Msg("exchange rate limit hit")
			return &ports.ErrRateLimited{RetryAfter: retryAfter}

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("exchange API %d: %s", resp.StatusCode, truncate(body, 200))
			if attempt < c.cfg.MaxRetries {
				c.logger.Warn().
					Str("path", path).
					Int("status", resp.StatusCode).
					Int("attempt", attempt+1).
					Msg("exchange server error, retrying")
				if err := c.sleep(ctx, attempt); err != nil {
					return err
				}
				continue
			}
			return lastErr

		default:
			if apiErrorCode(body) == -1121 {
				return ports.ErrSymbolUnknown
			}
			return fmt.Errorf("exchange API %d: %s", resp.StatusCode, truncate(body, 200))
		}
	}
	return lastErr
}

// sleep waits out a jittered exponential backoff, honouring cancellation
func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > c.cfg.RetryMaxDelay {
		delay = c.cfg.RetryMaxDelay
	}
	if delay > 1 {
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		delay = delay + jitter - delay/4
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func headerRetryAfter(h http.Header, fallback time.Duration) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func apiErrorCode(body []byte) int {
	var apiErr struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return 0
	}
	return apiErr.Code
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case string:
		return parseFloat(x)
	case float64:
		return x
	}
	return 0
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
