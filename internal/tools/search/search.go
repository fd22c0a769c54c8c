// Package search implements the search_web tool: a batch of keywords
// fanned out against the search proxy, one section of ranked results
// per keyword.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/scout/internal/fanout"
	"github.com/haasonsaas/scout/internal/faults"
	"github.com/haasonsaas/scout/internal/observability"
	"github.com/haasonsaas/scout/internal/providers/websearch"
	"github.com/haasonsaas/scout/internal/tools"
)

// Batch bounds for the keywords argument.
const (
	MinKeywords = 1
	MaxKeywords = 10
)

// envVars credential the search capability; auth failures point here.
var envVars = []string{"SEARCH_API_KEY"}

// Params are the search_web arguments. The jsonschema tags feed the
// schema the server advertises for this tool.
type Params struct {
	Keywords   []string `json:"keywords" jsonschema:"minItems=1,maxItems=10,description=Keywords to search for; each keyword runs as its own query"`
	TimeWindow string   `json:"time_window,omitempty" jsonschema:"enum=day,enum=week,enum=month,enum=year,description=Restrict results to this recent window"`
}

// Handler executes search_web.
type Handler struct {
	search  *websearch.Client
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates the handler.
func New(client *websearch.Client, logger *slog.Logger, metrics *observability.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		search:  client,
		logger:  logger.With("tool", "search_web"),
		metrics: metrics,
	}
}

// outcome is one keyword's slot in the fan-out.
type outcome struct {
	result   websearch.QueryResult
	attempts int
	fault    *faults.Fault
}

// Handle runs one search_web invocation. Each keyword is its own
// search call so a slow or failing keyword never blocks the others;
// the fan-out cap equals the batch size.
func (h *Handler) Handle(ctx context.Context, args json.RawMessage) *tools.Response {
	var params Params
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.Invalidf("arguments are not valid JSON: %v", err)
	}
	if n := len(params.Keywords); n < MinKeywords || n > MaxKeywords {
		return tools.Invalidf("expected between %d and %d keywords, got %d", MinKeywords, MaxKeywords, n)
	}
	window := tools.Window(params.TimeWindow)

	results := fanout.Run(ctx, params.Keywords, len(params.Keywords),
		func(ctx context.Context, keyword string) (outcome, error) {
			done := h.metrics.TrackFanoutTask()
			defer done()
			entries, attempts, fault := h.search.Search(ctx, []string{keyword}, window)
			if fault != nil {
				return outcome{attempts: attempts, fault: fault}, nil
			}
			return outcome{result: entries[0], attempts: attempts}, nil
		})

	stats := tools.Stats{Requested: len(params.Keywords)}
	outcomes := make([]outcome, len(results))
	for i, r := range results {
		o := r.Value
		if r.Err != nil {
			o = outcome{fault: faults.Classify(r.Err)}
		}
		if o.fault != nil {
			stats.RecordFailure(o.attempts, o.fault)
		} else {
			stats.RecordSuccess(o.attempts)
			stats.Items += len(o.result.Results)
		}
		outcomes[i] = o
	}

	if stats.Succeeded == 0 {
		fault := outcomes[0].fault
		h.logger.Warn("every keyword failed", "keywords", stats.Requested, "kind", fault.Kind)
		return tools.Fail("Web search failed", fault, envVars, stats)
	}

	h.logger.Info("search complete",
		"keywords", stats.Requested,
		"results", stats.Items,
		"failed", stats.Failed,
	)
	return tools.Text(format(params.Keywords, outcomes, stats), stats)
}

func format(keywords []string, outcomes []outcome, stats tools.Stats) string {
	var b strings.Builder
	b.WriteString("# Web Search Results\n\n")
	// Retry counts stay out of the body so a batch that recovered after
	// transient failures renders exactly like one that never failed.
	fmt.Fprintf(&b, "**Keywords:** %d | **Results:** %d | **Failed:** %d\n", stats.Requested, stats.Items, stats.Failed)

	for i, o := range outcomes {
		fmt.Fprintf(&b, "\n## %s\n\n", keywords[i])
		if o.fault != nil {
			b.WriteString(tools.FailLine(keywords[i], o.fault) + "\n")
			continue
		}
		if len(o.result.Results) == 0 {
			b.WriteString("No results.\n")
			continue
		}
		for _, item := range o.result.Results {
			fmt.Fprintf(&b, "%d. **[%s](%s)**\n", item.Position+1, item.Title, item.URL)
			if item.Snippet != "" {
				fmt.Fprintf(&b, "   %s\n", item.Snippet)
			}
		}
		if o.result.TotalResults > 0 {
			fmt.Fprintf(&b, "\n*Indexed results: %d*\n", o.result.TotalResults)
		}
		if len(o.result.Related) > 0 {
			fmt.Fprintf(&b, "\n*Related:* %s\n", strings.Join(o.result.Related, ", "))
		}
	}
	return b.String()
}
