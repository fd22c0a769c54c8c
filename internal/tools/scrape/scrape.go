// Package scrape implements the scrape_urls tool: a batch of URLs run
// through the scraping proxy's mode ladder, rendered as per-URL content
// sections with credit accounting.
package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/haasonsaas/scout/internal/observability"
	"github.com/haasonsaas/scout/internal/providers/scraper"
	"github.com/haasonsaas/scout/internal/tools"
)

// Batch bounds for the urls argument.
const (
	MinURLs = 1
	MaxURLs = 50
)

// maxPageChars bounds how much of one scraped page lands in the body.
const maxPageChars = 8000

// envVars credential the scraping capability; auth failures point here.
var envVars = []string{"SCRAPER_API_KEY"}

// Params are the scrape_urls arguments. The jsonschema tags feed the
// schema the server advertises for this tool.
type Params struct {
	URLs []string `json:"urls" jsonschema:"minItems=1,maxItems=50,description=Pages to scrape through the escalating render ladder"`
}

// Handler executes scrape_urls.
type Handler struct {
	scraper *scraper.Client
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates the handler.
func New(client *scraper.Client, logger *slog.Logger, metrics *observability.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		scraper: client,
		logger:  logger.With("tool", "scrape_urls"),
		metrics: metrics,
	}
}

// Handle runs one scrape_urls invocation. Batching, the in-flight cap,
// and the inter-batch pause all live in the adapter; the handler only
// aggregates and renders.
func (h *Handler) Handle(ctx context.Context, args json.RawMessage) *tools.Response {
	var params Params
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.Invalidf("arguments are not valid JSON: %v", err)
	}
	if n := len(params.URLs); n < MinURLs || n > MaxURLs {
		return tools.Invalidf("expected between %d and %d URLs, got %d", MinURLs, MaxURLs, n)
	}

	results := h.scraper.ScrapeBatch(ctx, params.URLs)

	stats := tools.Stats{Requested: len(params.URLs)}
	for _, r := range results {
		if r.Err != nil {
			stats.RecordFailure(r.Attempts, r.Err)
			continue
		}
		stats.RecordSuccess(r.Attempts)
		stats.CreditsUsed += r.CreditsUsed
	}

	if stats.Succeeded == 0 {
		fault := results[0].Err
		h.logger.Warn("every scrape failed", "urls", stats.Requested, "kind", fault.Kind)
		return tools.Fail("Scraping failed", fault, envVars, stats)
	}

	h.logger.Info("scrape complete",
		"urls", stats.Requested,
		"failed", stats.Failed,
		"credits", stats.CreditsUsed,
	)
	return tools.Text(format(results, stats), stats)
}

func format(results []scraper.Result, stats tools.Stats) string {
	var b strings.Builder
	b.WriteString("# Scraped Pages\n\n")
	fmt.Fprintf(&b, "**URLs:** %d | **Scraped:** %d | **Failed:** %d\n", stats.Requested, stats.Succeeded, stats.Failed)
	fmt.Fprintf(&b, "**Credits used:** %d\n", stats.CreditsUsed)

	for _, r := range results {
		fmt.Fprintf(&b, "\n## %s\n\n", r.URL)
		if r.Err != nil {
			b.WriteString(tools.FailLine(r.URL, r.Err) + "\n")
			continue
		}
		if r.StatusCode == http.StatusNotFound {
			fmt.Fprintf(&b, "*Mode: %s | HTTP 404 (page not found) | Credits: %d*\n", r.Mode, r.CreditsUsed)
			continue
		}
		fmt.Fprintf(&b, "*Mode: %s | HTTP %d | Credits: %d*\n\n", r.Mode, r.StatusCode, r.CreditsUsed)
		b.WriteString(tools.Truncate(r.Content, maxPageChars) + "\n")
	}

	// A credential-shaped failure in a partly successful batch still
	// deserves the pointer to the fix.
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		if hint := tools.EnvHint(r.Err, envVars); hint != "" {
			b.WriteString("\n" + hint + "\n")
			break
		}
	}
	return b.String()
}
