// Package redditsearch implements the search_reddit tool: several
// queries scoped to reddit.com, fanned out against the search proxy and
// aggregated into a click-through-weighted cross-query ranking.
package redditsearch

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

// Batch bounds for the queries argument.
const (
	MinQueries = 1
	MaxQueries = 8
)

// DefaultMaxResults caps each ranked list when the caller does not ask
// for a specific length. Per-query raw lists are never capped.
const DefaultMaxResults = 10

// envVars credential the search capability; auth failures point here.
var envVars = []string{"SEARCH_API_KEY"}

// Params are the search_reddit arguments. The jsonschema tags feed the
// schema the server advertises for this tool.
type Params struct {
	Queries    []string `json:"queries" jsonschema:"minItems=1,maxItems=8,description=Queries scoped to reddit.com and ranked together"`
	TimeWindow string   `json:"time_window,omitempty" jsonschema:"enum=day,enum=week,enum=month,enum=year,description=Restrict results to this recent window"`
	MaxResults int      `json:"max_results,omitempty" jsonschema:"minimum=1,maximum=100,description=Cap on each ranked list (default 10)"`
}

// Handler executes search_reddit.
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
		logger:  logger.With("tool", "search_reddit"),
		metrics: metrics,
	}
}

// outcome is one query's slot in the fan-out.
type outcome struct {
	result   websearch.QueryResult
	attempts int
	fault    *faults.Fault
}

// Handle runs one search_reddit invocation. Queries fan out one call
// each, then the successful result lists are merged into consensus and
// overall rankings while the raw per-query lists are kept verbatim.
func (h *Handler) Handle(ctx context.Context, args json.RawMessage) *tools.Response {
	var params Params
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.Invalidf("arguments are not valid JSON: %v", err)
	}
	if n := len(params.Queries); n < MinQueries || n > MaxQueries {
		return tools.Invalidf("expected between %d and %d queries, got %d", MinQueries, MaxQueries, n)
	}
	if params.MaxResults < 0 {
		return tools.Invalidf("max_results must not be negative, got %d", params.MaxResults)
	}
	limit := params.MaxResults
	if limit == 0 {
		limit = DefaultMaxResults
	}
	window := tools.Window(params.TimeWindow)

	results := fanout.Run(ctx, params.Queries, len(params.Queries),
		func(ctx context.Context, query string) (outcome, error) {
			done := h.metrics.TrackFanoutTask()
			defer done()
			entries, attempts, fault := h.search.SearchReddit(ctx, []string{query}, window)
			if fault != nil {
				return outcome{attempts: attempts, fault: fault}, nil
			}
			return outcome{result: entries[0], attempts: attempts}, nil
		})

	stats := tools.Stats{Requested: len(params.Queries)}
	outcomes := make([]outcome, len(results))
	succeeded := make([]websearch.QueryResult, 0, len(results))
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
			succeeded = append(succeeded, o.result)
		}
		outcomes[i] = o
	}

	if stats.Succeeded == 0 {
		fault := outcomes[0].fault
		h.logger.Warn("every query failed", "queries", stats.Requested, "kind", fault.Kind)
		return tools.Fail("Reddit search failed", fault, envVars, stats)
	}

	consensus, all := Aggregate(succeeded, nil, DefaultConsensusThreshold)
	h.logger.Info("reddit search complete",
		"queries", stats.Requested,
		"links", stats.Items,
		"consensus", len(consensus),
		"failed", stats.Failed,
	)
	return tools.Text(format(params.Queries, outcomes, consensus, all, limit, stats), stats)
}

func format(queries []string, outcomes []outcome, consensus, all []Ranked, limit int, stats tools.Stats) string {
	var b strings.Builder
	b.WriteString("# Reddit Search Results\n\n")
	fmt.Fprintf(&b, "**Queries:** %d | **Links:** %d | **Failed:** %d\n", stats.Requested, stats.Items, stats.Failed)

	if len(consensus) > 0 {
		fmt.Fprintf(&b, "\n## Cross-query consensus (%d+ queries)\n\n", DefaultConsensusThreshold)
		writeRanked(&b, consensus, limit)
	}

	b.WriteString("\n## Top links\n\n")
	if len(all) == 0 {
		b.WriteString("No results.\n")
	} else {
		writeRanked(&b, all, limit)
	}

	b.WriteString("\n## Per-query results\n")
	for i, o := range outcomes {
		fmt.Fprintf(&b, "\n### %s\n\n", queries[i])
		if o.fault != nil {
			b.WriteString(tools.FailLine(queries[i], o.fault) + "\n")
			continue
		}
		if len(o.result.Results) == 0 {
			b.WriteString("No results.\n")
			continue
		}
		for _, item := range o.result.Results {
			fmt.Fprintf(&b, "%d. [%s](%s)\n", item.Position+1, item.Title, item.URL)
		}
	}
	return b.String()
}

func writeRanked(b *strings.Builder, ranked []Ranked, limit int) {
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	for i, r := range ranked {
		fmt.Fprintf(b, "%d. **[%s](%s)** (score %.2f, %d %s)\n",
			i+1, r.Title, r.URL, r.Score, r.Queries, queriesLabel(r.Queries))
		if r.Snippet != "" {
			fmt.Fprintf(b, "   %s\n", r.Snippet)
		}
	}
}

func queriesLabel(n int) string {
	if n == 1 {
		return "query"
	}
	return "queries"
}
