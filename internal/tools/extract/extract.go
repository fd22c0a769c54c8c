// Package extract implements the extract_with_llm tool: URLs are
// scraped through the proxy ladder, then each page is run through the
// extraction model with the caller's prompt. Pages whose extraction
// fails degrade to their raw content instead of failing the URL.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/scout/internal/fanout"
	"github.com/haasonsaas/scout/internal/faults"
	"github.com/haasonsaas/scout/internal/observability"
	"github.com/haasonsaas/scout/internal/providers/llm"
	"github.com/haasonsaas/scout/internal/providers/scraper"
	"github.com/haasonsaas/scout/internal/tools"
)

// Batch bounds for the urls argument.
const (
	MinURLs = 1
	MaxURLs = 10
)

// MaxLLMConcurrent bounds the extraction fan-out; completions are slow
// and expensive, so only a few run at once.
const MaxLLMConcurrent = 3

// maxRawChars bounds how much raw page content a degraded entry renders.
const maxRawChars = 8000

// Credential pointers per pipeline stage.
var (
	scraperEnvVars = []string{"SCRAPER_API_KEY"}
	llmEnvVars     = []string{"LLM_API_KEY"}
)

// Params are the extract_with_llm arguments. The jsonschema tags feed
// the schema the server advertises for this tool.
type Params struct {
	URLs             []string `json:"urls" jsonschema:"minItems=1,maxItems=10,description=Pages to scrape and distill"`
	ExtractionPrompt string   `json:"extraction_prompt" jsonschema:"minLength=1,description=Instruction applied to each page's content"`
}

// Handler executes extract_with_llm.
type Handler struct {
	scraper *scraper.Client
	llm     *llm.Client
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates the handler.
func New(scraperClient *scraper.Client, llmClient *llm.Client, logger *slog.Logger, metrics *observability.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		scraper: scraperClient,
		llm:     llmClient,
		logger:  logger.With("tool", "extract_with_llm"),
		metrics: metrics,
	}
}

// pageOutcome is one URL's slot after both stages.
type pageOutcome struct {
	scrape  scraper.Result
	extract llm.Extraction
	// extracted is true when the extraction stage ran, regardless of
	// whether it processed the page.
	extracted bool
}

// Handle runs one extract_with_llm invocation: scrape everything
// first, then fan the successfully scraped pages out to the model.
func (h *Handler) Handle(ctx context.Context, args json.RawMessage) *tools.Response {
	var params Params
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.Invalidf("arguments are not valid JSON: %v", err)
	}
	if n := len(params.URLs); n < MinURLs || n > MaxURLs {
		return tools.Invalidf("expected between %d and %d URLs, got %d", MinURLs, MaxURLs, n)
	}
	if strings.TrimSpace(params.ExtractionPrompt) == "" {
		return tools.Invalidf("extraction_prompt must not be empty")
	}

	scrapes := h.scraper.ScrapeBatch(ctx, params.URLs)

	var extractable []int
	for i := range scrapes {
		if scrapes[i].Err == nil {
			extractable = append(extractable, i)
		}
	}
	extractions := fanout.Run(ctx, extractable, MaxLLMConcurrent,
		func(ctx context.Context, idx int) (llm.Extraction, error) {
			done := h.metrics.TrackFanoutTask()
			defer done()
			return h.llm.Extract(ctx, params.ExtractionPrompt, scrapes[idx].Content, 0), nil
		})

	outcomes := make([]pageOutcome, len(scrapes))
	for i, s := range scrapes {
		outcomes[i] = pageOutcome{scrape: s}
	}
	for pos, idx := range extractable {
		e := extractions[pos].Value
		if err := extractions[pos].Err; err != nil {
			// Pool-level failure: treat like a failed extraction so the
			// raw content still renders.
			e = llm.Extraction{Output: scrapes[idx].Content, Err: faults.Classify(err)}
		}
		outcomes[idx].extract = e
		outcomes[idx].extracted = true
	}

	stats := tools.Stats{Requested: len(params.URLs)}
	for _, o := range outcomes {
		switch {
		case o.scrape.Err != nil:
			stats.RecordFailure(o.scrape.Attempts, o.scrape.Err)
		case o.extract.Processed:
			stats.RecordSuccess(o.extract.Attempts)
			stats.AddAttempts(o.scrape.Attempts)
			stats.TokensUsed += o.extract.TokensUsed
			stats.CreditsUsed += o.scrape.CreditsUsed
		default:
			stats.RecordDegraded(o.extract.Attempts, o.extract.Err)
			stats.AddAttempts(o.scrape.Attempts)
			stats.CreditsUsed += o.scrape.CreditsUsed
		}
	}

	if stats.Succeeded == 0 && stats.Degraded == 0 {
		// Nothing survived scraping, so extraction never ran.
		fault := outcomes[0].scrape.Err
		h.logger.Warn("every page failed before extraction", "urls", stats.Requested, "kind", fault.Kind)
		return tools.Fail("Extraction failed", fault, scraperEnvVars, stats)
	}

	h.logger.Info("extraction complete",
		"urls", stats.Requested,
		"extracted", stats.Succeeded,
		"degraded", stats.Degraded,
		"failed", stats.Failed,
		"tokens", stats.TokensUsed,
	)
	return tools.Text(format(params.URLs, outcomes, stats), stats)
}

func format(urls []string, outcomes []pageOutcome, stats tools.Stats) string {
	var b strings.Builder
	b.WriteString("# LLM Extraction\n\n")
	fmt.Fprintf(&b, "**URLs:** %d | **Extracted:** %d | **Not processed:** %d | **Failed:** %d\n",
		stats.Requested, stats.Succeeded, stats.Degraded, stats.Failed)
	fmt.Fprintf(&b, "**Tokens used:** %d | **Credits used:** %d\n", stats.TokensUsed, stats.CreditsUsed)

	for i, o := range outcomes {
		fmt.Fprintf(&b, "\n## %s\n\n", urls[i])
		switch {
		case o.scrape.Err != nil:
			b.WriteString(tools.FailLine(urls[i], o.scrape.Err) + "\n")
		case o.extract.Processed:
			if o.extract.Truncated {
				b.WriteString("*Input content was truncated before extraction.*\n\n")
			}
			b.WriteString(o.extract.Output + "\n")
		default:
			fmt.Fprintf(&b, "⚠️ Not processed (%s): %s\n", o.extract.Err.Kind, o.extract.Err.Message)
			if hint := tools.EnvHint(o.extract.Err, llmEnvVars); hint != "" {
				b.WriteString(hint + "\n")
			}
			b.WriteString("\nRaw page content:\n\n")
			b.WriteString(tools.Truncate(o.extract.Output, maxRawChars) + "\n")
		}
	}

	// A credential-shaped scrape failure in a partly successful batch
	// still deserves the pointer to the fix.
	for _, o := range outcomes {
		if o.scrape.Err == nil {
			continue
		}
		if hint := tools.EnvHint(o.scrape.Err, scraperEnvVars); hint != "" {
			b.WriteString("\n" + hint + "\n")
			break
		}
	}
	return b.String()
}
