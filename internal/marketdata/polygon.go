package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"smallcap-backtester/internal/config"
	"smallcap-backtester/internal/errors"
	"smallcap-backtester/internal/logging"
	"smallcap-backtester/internal/models"
	"smallcap-backtester/internal/resilience"
	"smallcap-backtester/internal/security"
	"smallcap-backtester/pkg/utils"
)

const providerName = "polygon"

// PolygonClient implements Provider against the Polygon REST API.
type PolygonClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	cache   ResponseCache
	retry   utils.RetryConfig
	breaker *resilience.CircuitBreaker
	loc     *time.Location
	logger  zerolog.Logger
}

// NewPolygonClient creates a client from data settings. cache may be nil.
func NewPolygonClient(cfg config.DataConfig, loc *time.Location, cache ResponseCache, logger zerolog.Logger) (*PolygonClient, error) {
	if strings.TrimSpace(cfg.PolygonAPIKey) == "" {
		return nil, errors.ErrMissingAPIKey
	}
	if loc == nil {
		loc = utils.NewYorkLocation
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	retry := utils.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}
	retry.ShouldRetry = retryable

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.IsFailure = retryable

	return &PolygonClient{
		apiKey:  strings.TrimSpace(cfg.PolygonAPIKey),
		baseURL: strings.TrimRight(cfg.PolygonBaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		cache:   cache,
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(providerName, breakerCfg),
		loc:     loc,
		logger:  logging.WithOperation(logger, "polygon"),
	}, nil
}

// WithRetry replaces the retry policy, keeping the retryable-error check.
func (c *PolygonClient) WithRetry(maxAttempts int, initialDelay time.Duration) *PolygonClient {
	c.retry.MaxAttempts = maxAttempts
	c.retry.InitialDelay = initialDelay
	return c
}

// BreakerStats reports the provider circuit breaker counters.
func (c *PolygonClient) BreakerStats() resilience.CircuitBreakerStats {
	return c.breaker.Stats()
}

type aggResponse struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Results []struct {
		T  string  `json:"T"`
		Ts int64   `json:"t"`
		O  float64 `json:"o"`
		H  float64 `json:"h"`
		L  float64 `json:"l"`
		C  float64 `json:"c"`
		V  float64 `json:"v"`
	} `json:"results"`
}

type tickerResponse struct {
	Status  string `json:"status"`
	Results *struct {
		Ticker string `json:"ticker"`
		Name   string `json:"name"`
		Type   string `json:"type"`
		Market string `json:"market"`
		Active bool   `json:"active"`
	} `json:"results"`
}

// GroupedDaily returns every US stock's adjusted daily aggregate for day.
func (c *PolygonClient) GroupedDaily(ctx context.Context, day time.Time) ([]models.DailyAgg, error) {
	path := "/v2/aggs/grouped/locale/us/market/stocks/" + utils.DateKey(day)
	var resp aggResponse
	if err := c.getJSON(ctx, path, url.Values{"adjusted": {"true"}}, &resp); err != nil {
		return nil, err
	}

	out := make([]models.DailyAgg, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.T == "" {
			continue
		}
		out = append(out, models.DailyAgg{
			Ticker: r.T, Open: r.O, High: r.H, Low: r.L, Close: r.C, Volume: r.V,
		})
	}
	return out, nil
}

// MinuteBars returns the day's one-minute candles in the client's timezone.
// Whatever session coverage the API returns is kept; callers slice it.
func (c *PolygonClient) MinuteBars(ctx context.Context, ticker string, day time.Time) ([]models.Candle, error) {
	d := utils.DateKey(day)
	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/minute/%s/%s", url.PathEscape(ticker), d, d)
	params := url.Values{
		"adjusted": {"true"},
		"sort":     {"asc"},
		"limit":    {"50000"},
	}
	var resp aggResponse
	if err := c.getJSON(ctx, path, params, &resp); err != nil {
		return nil, err
	}

	out := make([]models.Candle, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, models.Candle{
			Timestamp: time.UnixMilli(r.Ts).In(c.loc),
			Open:      r.O,
			High:      r.H,
			Low:       r.L,
			Close:     r.C,
			Volume:    int64(r.V),
		})
	}
	return out, nil
}

// DailyBar returns ticker's daily aggregate for day, or nil if it did not trade.
func (c *PolygonClient) DailyBar(ctx context.Context, ticker string, day time.Time) (*models.DailyAgg, error) {
	d := utils.DateKey(day)
	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/day/%s/%s", url.PathEscape(ticker), d, d)
	var resp aggResponse
	if err := c.getJSON(ctx, path, url.Values{"adjusted": {"true"}}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	r := resp.Results[0]
	return &models.DailyAgg{Ticker: ticker, Open: r.O, High: r.H, Low: r.L, Close: r.C, Volume: r.V}, nil
}

// TickerDetails returns reference data. Lookup failures are treated as an
// unknown ticker so a single bad symbol does not fail the screen.
func (c *PolygonClient) TickerDetails(ctx context.Context, ticker string) (*models.TickerDetails, error) {
	var resp tickerResponse
	err := c.getJSON(ctx, "/v3/reference/tickers/"+url.PathEscape(ticker), nil, &resp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug().Err(err).Str("ticker", ticker).Msg("Ticker details unavailable")
		return nil, nil
	}
	if resp.Results == nil {
		return nil, nil
	}
	r := resp.Results
	return &models.TickerDetails{
		Ticker: r.Ticker, Name: r.Name, Type: r.Type, Market: r.Market, Active: r.Active,
	}, nil
}

// getJSON serves from cache when possible, otherwise fetches with retry,
// rejects error payloads and caches the raw body.
func (c *PolygonClient) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if params == nil {
		params = url.Values{}
	}
	key := CacheKey(endpoint, params)

	if c.cache != nil {
		body, ok, err := c.cache.GetResponse(key)
		if err != nil {
			c.logger.Warn().Err(err).Str("endpoint", path).Msg("Cache read failed")
		} else if ok {
			return json.Unmarshal(body, out)
		}
	}

	body, err := resilience.ExecuteWithResult(c.breaker, ctx, func() ([]byte, error) {
		return utils.RetryWithResult(ctx, c.retry, func() ([]byte, error) {
			return c.fetch(ctx, endpoint, path, params)
		})
	})
	if err != nil {
		return err
	}

	var status struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return errors.NewProviderError(providerName, path, http.StatusOK, fmt.Errorf("decode response: %w", err))
	}
	if status.Status == "ERROR" {
		return errors.NewProviderError(providerName, path, http.StatusOK, fmt.Errorf("%w: %s", errors.ErrProviderFailed, status.Error))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.NewProviderError(providerName, path, http.StatusOK, fmt.Errorf("decode response: %w", err))
	}

	if c.cache != nil {
		if err := c.cache.PutResponse(key, body); err != nil {
			c.logger.Warn().Err(err).Str("endpoint", path).Msg("Cache write failed")
		}
	}
	return nil
}

// retryable reports whether err is a transient provider failure.
func retryable(err error) bool {
	var perr *errors.ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	return false
}

func (c *PolygonClient) fetch(ctx context.Context, endpoint, path string, params url.Values) ([]byte, error) {
	start := time.Now()

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("apiKey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.NewProviderError(providerName, path, 0, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Transport errors quote the full URL, key included.
		err = security.RedactError(err)
		logging.LogAPICall(c.logger, http.MethodGet, path, time.Since(start), err)
		return nil, errors.NewProviderError(providerName, path, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewProviderError(providerName, path, resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		var cause error = fmt.Errorf("%w: %s", errors.ErrProviderFailed, snippet)
		if resp.StatusCode == http.StatusTooManyRequests {
			cause = fmt.Errorf("%w: %s", errors.ErrRateLimited, snippet)
		}
		perr := errors.NewProviderError(providerName, path, resp.StatusCode, cause)
		logging.LogAPICall(c.logger, http.MethodGet, path, time.Since(start), perr)
		return nil, perr
	}

	logging.LogAPICall(c.logger, http.MethodGet, path+" ("+strconv.Itoa(len(body))+" bytes)", time.Since(start), nil)
	return body, nil
}
