// Package scraper is the adapter for the scraping proxy. Every URL
// climbs a three-rung mode ladder: plain fetch, JS rendering, then JS
// rendering pinned to a geo. Cheap modes go first and the ladder only
// advances on failures a more expensive rung could fix.
package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/scout/internal/fanout"
	"github.com/haasonsaas/scout/internal/faults"
	"github.com/haasonsaas/scout/internal/observability"
	"github.com/haasonsaas/scout/internal/retry"
)

// DefaultBaseURL is the production scraping proxy endpoint.
const DefaultBaseURL = "https://api.scraperapi.com"

// DefaultGeoCode pins geo-rendered scrapes to a country.
const DefaultGeoCode = "us"

// DefaultBatchSize bounds how many URLs of a batch are in flight at once.
const DefaultBatchSize = 30

// DefaultBatchPause separates consecutive batches so a large job does
// not burst straight into the provider's rate limit.
const DefaultBatchPause = 500 * time.Millisecond

const providerName = "scraper"

const maxErrorBody = 512

// Mode is one rung of the scrape ladder.
type Mode string

const (
	// ModeBasic fetches the page as-is.
	ModeBasic Mode = "basic"
	// ModeJavaScript renders the page in a headless browser first.
	ModeJavaScript Mode = "javascript"
	// ModeJavaScriptGeo renders through a premium geo-pinned exit.
	ModeJavaScriptGeo Mode = "javascript_geo"
)

// credits returns the provider's billing cost for one request in this mode.
func (m Mode) credits() int {
	switch m {
	case ModeJavaScript:
		return 5
	case ModeJavaScriptGeo:
		return 25
	default:
		return 1
	}
}

// ladder is the fallback order for ScrapeWithFallback.
var ladder = [...]Mode{ModeBasic, ModeJavaScript, ModeJavaScriptGeo}

// Config configures the scraper client.
type Config struct {
	// APIKey authenticates against the scraping proxy.
	APIKey string
	// BaseURL overrides the proxy endpoint, used by tests.
	BaseURL string
	// GeoCode is the country code for the geo-pinned rung.
	GeoCode string
	// HTTPClient overrides the transport. Rendering is slow, so the
	// default client allows 70s per request.
	HTTPClient *http.Client
	// Logger receives request-level debug logs.
	Logger *slog.Logger
	// Metrics records request outcomes and retry attempts. May be nil.
	Metrics *observability.Metrics
	// RetryPolicy overrides the provider retry policy; tests use it to
	// shrink backoff delays.
	RetryPolicy *retry.Policy
	// BatchSize overrides the in-flight cap for ScrapeBatch.
	BatchSize int
	// BatchPause overrides the pause between consecutive batches.
	BatchPause time.Duration
}

// Client calls the scraping proxy.
type Client struct {
	apiKey     string
	baseURL    string
	geoCode    string
	http       *http.Client
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
	policy     retry.Policy
	batchSize  int
	batchPause time.Duration
}

// New creates a scraper client from the config, applying defaults.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.GeoCode == "" {
		config.GeoCode = DefaultGeoCode
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 70 * time.Second}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BatchPause <= 0 {
		config.BatchPause = DefaultBatchPause
	}
	policy := retry.ScraperPolicy()
	if config.RetryPolicy != nil {
		policy = *config.RetryPolicy
	}
	return &Client{
		apiKey:     config.APIKey,
		baseURL:    config.BaseURL,
		geoCode:    config.GeoCode,
		http:       config.HTTPClient,
		logger:     config.Logger.With("provider", providerName),
		metrics:    config.Metrics,
		tracer:     otel.Tracer("scout/providers/scraper"),
		policy:     policy,
		batchSize:  config.BatchSize,
		batchPause: config.BatchPause,
	}
}

// Result is the outcome of scraping one URL. Failure is explicit: Err
// is nil on success, and a 404 counts as a valid not-found terminal
// response rather than a failure. Attempts counts HTTP attempts across
// every rung the URL climbed.
type Result struct {
	URL         string        `json:"url"`
	Content     string        `json:"content"`
	StatusCode  int           `json:"status_code"`
	CreditsUsed int           `json:"credits_used"`
	Mode        Mode          `json:"mode"`
	Attempts    int           `json:"-"`
	Err         *faults.Fault `json:"-"`
}

// ScrapeWithFallback scrapes one URL, climbing the mode ladder until a
// rung succeeds. A 2xx or 404 is terminal. Permanent rejections
// (400/401/403) return the last result immediately and skip the rest of
// the ladder; any other failure advances to the next rung.
func (c *Client) ScrapeWithFallback(ctx context.Context, target string) Result {
	ctx, span := c.tracer.Start(ctx, "scraper.scrape",
		trace.WithAttributes(attribute.String("scraper.url", target)))
	defer span.End()

	var last Result
	attempts := 0
	for _, mode := range ladder {
		last = c.scrape(ctx, target, mode)
		attempts += last.Attempts
		last.Attempts = attempts
		if last.Err == nil {
			c.metrics.RecordProviderRequest(providerName, "success")
			span.SetAttributes(
				attribute.String("scraper.mode", string(mode)),
				attribute.Int("scraper.status", last.StatusCode),
			)
			return last
		}
		if isPermanent(last.Err) || ctx.Err() != nil {
			break
		}
		c.logger.Debug("scrape mode failed, advancing ladder",
			"url", target,
			"mode", mode,
			"kind", last.Err.Kind,
		)
	}

	c.metrics.RecordProviderRequest(providerName, last.Err.Kind.String())
	observability.RecordSpanError(span, last.Err)
	c.logger.Warn("scrape failed",
		"url", target,
		"mode", last.Mode,
		"kind", last.Err.Kind,
		"status", last.StatusCode,
	)
	return last
}

// ScrapeBatch scrapes every URL through the fallback ladder with a
// bounded number in flight and a pause between consecutive batches.
// Results map position-wise onto the inputs; failures stay per-URL.
func (c *Client) ScrapeBatch(ctx context.Context, urls []string) []Result {
	if len(urls) == 0 {
		return []Result{}
	}

	ctx, span := c.tracer.Start(ctx, "scraper.scrape_batch",
		trace.WithAttributes(attribute.Int("scraper.batch_size", len(urls))))
	defer span.End()

	results := fanout.RunBatched(ctx, urls, c.batchSize, c.batchPause,
		func(ctx context.Context, target string) (Result, error) {
			return c.ScrapeWithFallback(ctx, target), nil
		})

	out := make([]Result, len(results))
	for i, r := range results {
		if r.Err != nil {
			// Pool-level failure: cancellation before the task started.
			out[i] = Result{URL: urls[i], Err: faults.Classify(r.Err)}
			continue
		}
		out[i] = r.Value
	}
	return out
}

// scrape runs one rung of the ladder under the retry policy.
func (c *Client) scrape(ctx context.Context, target string, mode Mode) Result {
	out := Result{URL: target, Mode: mode}

	result := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		endpoint := c.baseURL + "/?" + c.queryFor(mode, target).Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return faults.Wrap(faults.KindInternal, err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		out.StatusCode = resp.StatusCode
		if (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusNotFound {
			out.Content = string(body)
			out.CreditsUsed = mode.credits()
			return nil
		}
		return faults.FromStatus(resp.StatusCode,
			fmt.Sprintf("scraper returned %d for %s: %s", resp.StatusCode, target, trimBody(body)))
	})

	c.metrics.AddRetryAttempts(providerName, result.Attempts)
	out.Attempts = result.Attempts
	if result.Fault != nil {
		out.Err = result.Fault
	}
	return out
}

// queryFor builds the proxy query string for one rung.
func (c *Client) queryFor(mode Mode, target string) url.Values {
	values := url.Values{
		"api_key": {c.apiKey},
		"url":     {target},
	}
	switch mode {
	case ModeJavaScript:
		values.Set("render", "true")
	case ModeJavaScriptGeo:
		values.Set("render", "true")
		values.Set("country_code", c.geoCode)
		values.Set("premium", "true")
	}
	return values
}

// AccountInfo is the subscription snapshot from the account endpoint.
type AccountInfo struct {
	RequestCount     int `json:"requestCount"`
	RequestLimit     int `json:"requestLimit"`
	ConcurrencyLimit int `json:"concurrencyLimit"`
}

// Account fetches plan usage. The endpoint burns no scrape credits,
// which makes it a safe reachability probe.
func (c *Client) Account(ctx context.Context) (AccountInfo, *faults.Fault) {
	ctx, span := c.tracer.Start(ctx, "scraper.account")
	defer span.End()

	var info AccountInfo
	result := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		endpoint := c.baseURL + "/account?" + url.Values{"api_key": {c.apiKey}}.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return faults.Wrap(faults.KindInternal, err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return faults.FromStatus(resp.StatusCode,
				fmt.Sprintf("scraper account returned %d: %s", resp.StatusCode, trimBody(body)))
		}
		if err := json.Unmarshal(body, &info); err != nil {
			return faults.Wrap(faults.KindParse, err)
		}
		return nil
	})

	c.metrics.AddRetryAttempts(providerName, result.Attempts)
	if result.Fault != nil {
		c.metrics.RecordProviderRequest(providerName, result.Fault.Kind.String())
		observability.RecordSpanError(span, result.Fault)
		return AccountInfo{}, result.Fault
	}
	c.metrics.RecordProviderRequest(providerName, "success")
	return info, nil
}

// isPermanent reports whether a rung failure would also fail every
// remaining rung: bad request, bad key, or an exhausted quota.
func isPermanent(f *faults.Fault) bool {
	switch f.Status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

func trimBody(data []byte) string {
	if len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}
	return strings.TrimSpace(string(data))
}
