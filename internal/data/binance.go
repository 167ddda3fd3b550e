package data

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atlas-desktop/signal-backend/internal/metrics"
	"github.com/atlas-desktop/signal-backend/pkg/types"
	"github.com/atlas-desktop/signal-backend/pkg/utils"
)

// klinesPageLimit is the largest page Binance serves per klines request
const klinesPageLimit = 1000

// BinanceConfig configures the REST client
type BinanceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// RequestsPerSecond bounds outgoing requests; Burst allows short spikes
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	QuoteAsset        string  `mapstructure:"quote_asset"`
	// MaxAttempts bounds retries of throttled, 5xx and network failures
	MaxAttempts int `mapstructure:"max_attempts"`
}

// DefaultBinanceConfig returns the public spot API settings
func DefaultBinanceConfig() BinanceConfig {
	return BinanceConfig{
		BaseURL:           "https://api.binance.com",
		Timeout:           10 * time.Second,
		RequestsPerSecond: 10,
		Burst:             5,
		QuoteAsset:        "USDT",
		MaxAttempts:       3,
	}
}

// BinanceClient reads public market data from the Binance REST API
type BinanceClient struct {
	logger  *zap.Logger
	config  BinanceConfig
	http    *http.Client
	limiter *rate.Limiter
	retry   utils.RetryConfig
	metrics *metrics.Metrics
}

// NewBinanceClient creates a client. m may be nil.
func NewBinanceClient(logger *zap.Logger, config BinanceConfig, m *metrics.Metrics) *BinanceClient {
	defaults := DefaultBinanceConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = defaults.Burst
	}
	if config.QuoteAsset == "" {
		config.QuoteAsset = defaults.QuoteAsset
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if m == nil {
		m = metrics.NewNop()
	}
	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = config.MaxAttempts

	return &BinanceClient{
		logger:  logger,
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		retry:   retry,
		metrics: m,
	}
}

// FetchOHLCV downloads every bar opening inside [start, end], paging
// forward klinesPageLimit bars at a time
func (c *BinanceClient) FetchOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]*types.OHLCV, error) {
	step := timeframe.Duration()
	if step == 0 {
		return nil, fmt.Errorf("%w: unknown interval %q", types.ErrInvalidConfiguration, timeframe)
	}

	var out []*types.OHLCV
	cursor := start
	for !cursor.After(end) {
		q := url.Values{}
		q.Set("symbol", symbol)
		q.Set("interval", string(timeframe))
		q.Set("startTime", strconv.FormatInt(cursor.UnixMilli(), 10))
		q.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
		q.Set("limit", strconv.Itoa(klinesPageLimit))

		var rows [][]interface{}
		if err := c.get(ctx, "klines", "/api/v3/klines", q, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		last := cursor
		for _, row := range rows {
			bar, err := parseKline(row)
			if err != nil {
				return nil, fmt.Errorf("bad kline for %s: %w", symbol, err)
			}
			if bar.Timestamp.Before(start) || bar.Timestamp.After(end) {
				continue
			}
			out = append(out, bar)
			last = bar.Timestamp
		}
		if len(rows) < klinesPageLimit {
			break
		}
		next := last.Add(step)
		if !next.After(cursor) {
			next = cursor.Add(step * klinesPageLimit)
		}
		cursor = next
	}

	c.logger.Debug("Fetched klines",
		zap.String("symbol", symbol),
		zap.String("interval", string(timeframe)),
		zap.Int("bars", len(out)),
	)
	return out, nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
	} `json:"symbols"`
}

// FetchSymbols lists the trading pairs quoted in the configured quote asset
func (c *BinanceClient) FetchSymbols(ctx context.Context) ([]types.Symbol, error) {
	var info exchangeInfo
	if err := c.get(ctx, "exchangeInfo", "/api/v3/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}

	out := make([]types.Symbol, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || !strings.EqualFold(s.QuoteAsset, c.config.QuoteAsset) {
			continue
		}
		out = append(out, types.Symbol{
			Symbol:     s.Symbol,
			Name:       utils.DisplayName(s.BaseAsset + "/" + s.QuoteAsset),
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// statusError is a non-200 reply from the API
type statusError struct {
	endpoint string
	code     int
	body     string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("binance %s status %d: %s", e.endpoint, e.code, e.body)
}

// transient reports whether a failed request is worth repeating
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

// get sends a rate limited GET, retrying transient failures, and decodes
// the JSON reply into into
func (c *BinanceClient) get(ctx context.Context, endpoint, path string, query url.Values, into interface{}) error {
	u := c.config.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	body, err := utils.Retry(ctx, c.retry, transient, func() ([]byte, error) {
		return c.fetch(ctx, endpoint, u)
	})
	if err != nil {
		var se *statusError
		// an unknown symbol is reported as a 400 with code -1121
		if errors.As(err, &se) && se.code == http.StatusBadRequest && strings.Contains(se.body, "-1121") {
			return fmt.Errorf("%w: %s", types.ErrDataUnavailable, se.body)
		}
		return err
	}
	if err := sonic.Unmarshal(body, into); err != nil {
		return fmt.Errorf("failed to decode binance %s response: %w", endpoint, err)
	}
	return nil
}

func (c *BinanceClient) fetch(ctx context.Context, endpoint, u string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("binance %s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()
	c.metrics.UpstreamRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read binance %s response: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.logger.Warn("Binance request failed",
				zap.String("endpoint", endpoint),
				zap.Int("status", resp.StatusCode),
			)
		}
		return nil, &statusError{endpoint: endpoint, code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// parseKline reads [openTime, open, high, low, close, volume, ...]
func parseKline(row []interface{}) (*types.OHLCV, error) {
	if len(row) < 6 {
		return nil, fmt.Errorf("expected at least 6 fields, got %d", len(row))
	}
	openTime, ok := row[0].(float64)
	if !ok {
		return nil, fmt.Errorf("open time is %T", row[0])
	}

	var fields [5]decimal.Decimal
	for i := range fields {
		s, ok := row[i+1].(string)
		if !ok {
			return nil, fmt.Errorf("field %d is %T", i+1, row[i+1])
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i+1, err)
		}
		fields[i] = d
	}

	return &types.OHLCV{
		Timestamp: time.UnixMilli(int64(openTime)).UTC(),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}
