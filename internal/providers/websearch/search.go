// Package websearch is the adapter for the batched Google-proxy search
// service. One POST carries the whole batch of queries; the response
// maps back position-wise onto the inputs.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/scout/internal/faults"
	"github.com/haasonsaas/scout/internal/observability"
	"github.com/haasonsaas/scout/internal/retry"
)

// DefaultBaseURL is the production search proxy endpoint.
const DefaultBaseURL = "https://google.serper.dev"

const providerName = "search"

// maxErrorBody bounds how much of a provider error body lands in fault
// messages.
const maxErrorBody = 512

// Config configures the search client.
type Config struct {
	// APIKey authenticates against the search proxy.
	APIKey string
	// BaseURL overrides the proxy endpoint, used by tests.
	BaseURL string
	// HTTPClient overrides the transport. Defaults to a 30s-timeout client.
	HTTPClient *http.Client
	// Logger receives request-level debug logs.
	Logger *slog.Logger
	// Metrics records request outcomes and retry attempts. May be nil.
	Metrics *observability.Metrics
	// RetryPolicy overrides the provider retry policy; tests use it to
	// shrink backoff delays.
	RetryPolicy *retry.Policy
}

// Client calls the batched search proxy.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	policy  retry.Policy
}

// New creates a search client from the config, applying defaults.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	policy := retry.SearchPolicy()
	if config.RetryPolicy != nil {
		policy = *config.RetryPolicy
	}
	return &Client{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		http:    config.HTTPClient,
		logger:  config.Logger.With("provider", providerName),
		metrics: config.Metrics,
		tracer:  otel.Tracer("scout/providers/websearch"),
		policy:  policy,
	}
}

// Item is one organic search result.
type Item struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	// Position is the 0-indexed rank within the query's result list.
	Position int `json:"position"`
}

// QueryResult is the outcome for one query of the batch.
type QueryResult struct {
	Query        string   `json:"query"`
	Results      []Item   `json:"results"`
	TotalResults int64    `json:"total_results"`
	Related      []string `json:"related_queries,omitempty"`
}

// searchRequest is one entry of the batched POST payload.
type searchRequest struct {
	Query string `json:"q"`
}

// searchResponse is the proxy's per-query response shape. Fields are
// extracted best-effort; anything missing stays zero.
type searchResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
	SearchInformation struct {
		TotalResults int64 `json:"totalResults"`
	} `json:"searchInformation"`
	RelatedSearches []struct {
		Query string `json:"query"`
	} `json:"relatedSearches"`
}

// Search issues a single batched request for the queries and maps the
// response back position-wise. A positive window appends a date filter
// so only pages newer than now-window are returned. The int return
// reports how many HTTP attempts the batch consumed. A sub-response
// that fails to parse yields an empty entry at its position instead of
// failing the batch. Empty input returns empty output without an HTTP
// call.
func (c *Client) Search(ctx context.Context, queries []string, window time.Duration) ([]QueryResult, int, *faults.Fault) {
	return c.search(ctx, scopeQueries(queries, "", window), queries)
}

// SearchReddit scopes every query to reddit.com. A positive window adds
// a date filter so only posts newer than now-window are returned.
func (c *Client) SearchReddit(ctx context.Context, queries []string, window time.Duration) ([]QueryResult, int, *faults.Fault) {
	return c.search(ctx, scopeQueries(queries, "site:reddit.com", window), queries)
}

// scopeQueries appends the optional domain and date filters to each
// query. The input slice is left untouched.
func scopeQueries(queries []string, domain string, window time.Duration) []string {
	if domain == "" && window <= 0 {
		return queries
	}
	cutoff := ""
	if window > 0 {
		cutoff = " after:" + time.Now().Add(-window).Format("2006-01-02")
	}
	scoped := make([]string, len(queries))
	for i, q := range queries {
		if domain != "" {
			q += " " + domain
		}
		scoped[i] = q + cutoff
	}
	return scoped
}

// search runs the batch. wireQueries go on the wire; displayQueries
// are echoed back in the results so callers see their original input.
func (c *Client) search(ctx context.Context, wireQueries, displayQueries []string) ([]QueryResult, int, *faults.Fault) {
	if len(wireQueries) == 0 {
		return []QueryResult{}, 0, nil
	}

	ctx, span := c.tracer.Start(ctx, "websearch.search",
		trace.WithAttributes(attribute.Int("search.batch_size", len(wireQueries))))
	defer span.End()

	payload := make([]searchRequest, len(wireQueries))
	for i, q := range wireQueries {
		payload[i] = searchRequest{Query: q}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, faults.Wrap(faults.KindInternal, err)
	}

	var raw []json.RawMessage
	result := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
		if err != nil {
			return faults.Wrap(faults.KindInternal, err)
		}
		req.Header.Set("X-API-KEY", c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return faults.FromStatus(resp.StatusCode,
				fmt.Sprintf("search proxy returned %d: %s", resp.StatusCode, trimBody(data)))
		}

		raw = raw[:0]
		if err := json.Unmarshal(data, &raw); err != nil {
			// A single-query batch may come back as a bare object.
			var single json.RawMessage
			if err := json.Unmarshal(data, &single); err != nil {
				return faults.Wrap(faults.KindParse, err)
			}
			raw = []json.RawMessage{single}
		}
		return nil
	})

	c.metrics.AddRetryAttempts(providerName, result.Attempts)
	if result.Fault != nil {
		c.metrics.RecordProviderRequest(providerName, result.Fault.Kind.String())
		observability.RecordSpanError(span, result.Fault)
		c.logger.Warn("batched search failed",
			"queries", len(wireQueries),
			"attempts", result.Attempts,
			"kind", result.Fault.Kind,
		)
		return nil, result.Attempts, result.Fault
	}
	c.metrics.RecordProviderRequest(providerName, "success")

	out := make([]QueryResult, len(displayQueries))
	for i, query := range displayQueries {
		out[i] = QueryResult{Query: query, Results: []Item{}}
		if i >= len(raw) {
			continue
		}
		var sub searchResponse
		if err := json.Unmarshal(raw[i], &sub); err != nil {
			// One unparseable sub-response degrades to an empty entry.
			c.logger.Debug("dropping unparseable sub-response", "index", i, "error", err)
			continue
		}
		items := make([]Item, 0, len(sub.Organic))
		for pos, organic := range sub.Organic {
			items = append(items, Item{
				Title:    organic.Title,
				URL:      organic.Link,
				Snippet:  organic.Snippet,
				Position: pos,
			})
		}
		related := make([]string, 0, len(sub.RelatedSearches))
		for _, r := range sub.RelatedSearches {
			if r.Query != "" {
				related = append(related, r.Query)
			}
		}
		out[i].Results = items
		out[i].TotalResults = sub.SearchInformation.TotalResults
		out[i].Related = related
	}

	c.logger.Debug("batched search complete", "queries", len(out), "attempts", result.Attempts)
	return out, result.Attempts, nil
}

func trimBody(data []byte) string {
	if len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}
	return string(bytes.TrimSpace(data))
}
