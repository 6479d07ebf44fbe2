// Package exchange provides outbound venue REST clients used by the
// historical ingestor and the order submitter. Every request passes through a
// circuit breaker and a token-bucket limiter so a misbehaving venue degrades
// to fast failures instead of pile-ups.
package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tradecore/tradecore/internal/domain/market"
)

// CandleFetcher is the read side of a venue client. since is inclusive,
// milliseconds; at most limit candles come back, oldest first.
type CandleFetcher interface {
	Name() string
	FetchCandles(ctx context.Context, pair, timeframe string, since int64, limit int) ([]market.Candle, error)
}

// ClientConfig tunes one venue REST client.
type ClientConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
}

func (c *ClientConfig) defaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.RatePerSecond == 0 {
		c.RatePerSecond = 1
	}
	if c.Burst == 0 {
		c.Burst = 3
	}
}

// restClient is the shared transport: resty + limiter + breaker.
type restClient struct {
	name    string
	http    *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func newRESTClient(name string, cfg ClientConfig) *restClient {
	cfg.defaults()

	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().Str("venue", name).Str("from", from.String()).Str("to", to.String()).
			Msg("venue breaker state change")
	}

	return &restClient{
		name:    name,
		http:    resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(cfg.RequestTimeout),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

// do executes one GET under the limiter and breaker, decoding into out.
func (c *restClient) do(ctx context.Context, path string, query map[string]string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	_, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(query).
			SetResult(out).
			Get(path)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%s returned HTTP %d", c.name, resp.StatusCode())
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("%s request failed: %w", c.name, err)
	}
	return nil
}

// NewCandleFetcher constructs the fetcher for a supported venue.
func NewCandleFetcher(venue string, cfg ClientConfig) (CandleFetcher, error) {
	switch strings.ToLower(venue) {
	case "kraken":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.kraken.com"
		}
		return &krakenClient{rest: newRESTClient("kraken", cfg), symbols: MapperFor("kraken")}, nil
	case "binance":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.binance.com"
		}
		return &binanceClient{rest: newRESTClient("binance", cfg), symbols: MapperFor("binance")}, nil
	default:
		return nil, fmt.Errorf("unsupported venue %q", venue)
	}
}
