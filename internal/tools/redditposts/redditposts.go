// Package redditposts implements the fetch_reddit_posts tool: a batch
// of post URLs fetched with their top comment trees under a shared
// comment budget.
package redditposts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/scout/internal/budget"
	"github.com/haasonsaas/scout/internal/fanout"
	"github.com/haasonsaas/scout/internal/faults"
	"github.com/haasonsaas/scout/internal/observability"
	"github.com/haasonsaas/scout/internal/providers/reddit"
	"github.com/haasonsaas/scout/internal/tools"
)

// Batch bounds for the urls argument.
const (
	MinURLs = 2
	MaxURLs = 50
)

// MaxConcurrent bounds the fan-out. Reddit throttles hard above a
// handful of parallel requests.
const MaxConcurrent = 5

// Rendering ceilings for post bodies and individual comments.
const (
	maxSelfTextChars = 600
	maxCommentChars  = 400
)

// envVars credential the reddit capability; auth failures point here.
var envVars = []string{"REDDIT_CLIENT_ID", "REDDIT_CLIENT_SECRET"}

// Params are the fetch_reddit_posts arguments. The jsonschema tags
// feed the schema the server advertises for this tool.
type Params struct {
	URLs []string `json:"urls" jsonschema:"minItems=2,maxItems=50,description=Reddit post URLs fetched under a shared comment budget"`
}

// Handler executes fetch_reddit_posts.
type Handler struct {
	reddit  *reddit.Client
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates the handler.
func New(client *reddit.Client, logger *slog.Logger, metrics *observability.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		reddit:  client,
		logger:  logger.With("tool", "fetch_reddit_posts"),
		metrics: metrics,
	}
}

// outcome is one URL's slot in the fan-out.
type outcome struct {
	result *reddit.PostResult
	fault  *faults.Fault
}

// Handle runs one fetch_reddit_posts invocation. The comment budget is
// split evenly across the posts, capped at the provider's per-request
// ceiling, and each post is fetched with its capped share.
func (h *Handler) Handle(ctx context.Context, args json.RawMessage) *tools.Response {
	var params Params
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.Invalidf("arguments are not valid JSON: %v", err)
	}
	if n := len(params.URLs); n < MinURLs || n > MaxURLs {
		return tools.Invalidf("expected between %d and %d post URLs, got %d", MinURLs, MaxURLs, n)
	}

	alloc := budget.Comments(budget.DefaultCommentBudget, len(params.URLs), budget.CommentRequestCap)

	results := fanout.Run(ctx, params.URLs, MaxConcurrent,
		func(ctx context.Context, postURL string) (outcome, error) {
			done := h.metrics.TrackFanoutTask()
			defer done()
			res, fault := h.reddit.FetchPost(ctx, postURL, alloc.PerItem)
			if fault != nil {
				return outcome{fault: fault}, nil
			}
			return outcome{result: res}, nil
		})

	stats := tools.Stats{Requested: len(params.URLs)}
	outcomes := make([]outcome, len(results))
	for i, r := range results {
		o := r.Value
		if r.Err != nil {
			o = outcome{fault: faults.Classify(r.Err)}
		}
		if o.fault != nil {
			stats.RecordFailure(0, o.fault)
		} else {
			stats.RecordSuccess(o.result.Attempts)
			stats.Items += len(o.result.Comments)
		}
		outcomes[i] = o
	}

	if stats.Succeeded == 0 {
		fault := outcomes[0].fault
		h.logger.Warn("every post fetch failed", "posts", stats.Requested, "kind", fault.Kind)
		return tools.Fail("Reddit fetch failed", fault, envVars, stats)
	}

	h.logger.Info("posts fetched",
		"posts", stats.Requested,
		"comments", stats.Items,
		"failed", stats.Failed,
		"comments_per_post", alloc.PerItem,
	)
	return tools.Text(format(params.URLs, outcomes, alloc, stats), stats)
}

func format(urls []string, outcomes []outcome, alloc budget.CommentAllocation, stats tools.Stats) string {
	var b strings.Builder
	b.WriteString("# Reddit Posts\n\n")
	fmt.Fprintf(&b, "**Posts:** %d | **Comments:** %d | **Failed:** %d\n", stats.Requested, stats.Items, stats.Failed)
	// The uncapped share is the user-facing accounting; the capped share
	// is what each request actually asked for.
	fmt.Fprintf(&b, "**Comment Allocation:** %d comments/post (%d total)\n", alloc.PerItemUncapped, alloc.Total)
	if alloc.PerItem < alloc.PerItemUncapped {
		fmt.Fprintf(&b, "Requests are capped at %d comments/post by the provider.\n", alloc.PerItem)
	}

	for i, o := range outcomes {
		if o.fault != nil {
			fmt.Fprintf(&b, "\n%s\n", tools.FailLine(urls[i], o.fault))
			continue
		}
		post := o.result.Post
		title := post.Title
		if title == "" {
			title = urls[i]
		}
		link := post.Permalink
		if link == "" {
			link = urls[i]
		}
		fmt.Fprintf(&b, "\n## [%s](%s)\n\n", title, link)
		fmt.Fprintf(&b, "**r/%s** | u/%s | Score: %d (%.0f%% upvoted) | %d comments | %s\n",
			post.Subreddit, post.Author, post.Score, post.UpvoteRatio*100,
			post.NumComments, post.Created.Format("2006-01-02"))
		if post.SelfText != "" {
			fmt.Fprintf(&b, "\n%s\n", tools.Excerpt(post.SelfText, maxSelfTextChars))
		}

		if len(o.result.Comments) == 0 {
			b.WriteString("\nNo comments fetched.\n")
			continue
		}
		fmt.Fprintf(&b, "\n**Top comments (%d fetched):**\n\n", len(o.result.Comments))
		for _, c := range o.result.Comments {
			indent := strings.Repeat("  ", c.Depth)
			fmt.Fprintf(&b, "%s- **u/%s** (%+d): %s\n", indent, c.Author, c.Score, tools.Excerpt(c.Body, maxCommentChars))
		}
	}
	return b.String()
}
