// Package utils provides small helpers shared by the data and delivery layers.
package utils

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// quoteAssets are tried longest first so USDT wins over USD
var quoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "USD", "BTC", "ETH", "BNB", "EUR"}

// SplitSymbol extracts base and quote from BASEQUOTE or BASE/QUOTE. The
// quote is empty when no known quote asset matches.
func SplitSymbol(symbol string) (base, quote string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	symbol = strings.NewReplacer("-", "/", "_", "/").Replace(symbol)

	if parts := strings.Split(symbol, "/"); len(parts) == 2 {
		return parts[0], parts[1]
	}
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return symbol, ""
}

// DisplayName renders a pair as BASE/QUOTE, e.g. BTCUSDT -> BTC/USDT
func DisplayName(symbol string) string {
	base, quote := SplitSymbol(symbol)
	if quote == "" {
		return base
	}
	return base + "/" + quote
}

// RetryConfig contains retry configuration.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// Retry calls fn until it succeeds, retryable rejects its error, the
// attempts run out or ctx is done. A nil retryable retries every error.
func Retry[T any](ctx context.Context, config RetryConfig, retryable func(error) bool, fn func() (T, error)) (T, error) {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var (
		result T
		err    error
	)
	delay := config.InitialDelay
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}
		if retryable != nil && !retryable(err) {
			return result, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * config.Multiplier)
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	if config.MaxAttempts == 1 {
		return result, err
	}
	return result, fmt.Errorf("after %d attempts: %w", config.MaxAttempts, err)
}
