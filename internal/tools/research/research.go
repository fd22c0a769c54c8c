// Package research implements the deep_research tool: research
// questions fanned out to a research-tuned model that performs its own
// retrieval, under a shared output-token budget.
package research

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
	"github.com/haasonsaas/scout/internal/providers/llm"
	"github.com/haasonsaas/scout/internal/tools"
)

// Batch bounds for the questions argument.
const (
	MinQuestions = 1
	MaxQuestions = 10
)

// MaxConcurrent bounds the fan-out; research completions run for
// minutes, so only a few are in flight at once.
const MaxConcurrent = 3

// DefaultDepth is used when the caller does not pick one.
const DefaultDepth = "standard"

// depthInstructions shape how far the model is asked to go. The model
// does its own retrieval; depth only changes the instruction.
var depthInstructions = map[string]string{
	"quick":    "Answer the following research question concisely and cite the key sources.",
	"standard": "Research the following question and write a structured answer with sources.",
	"deep":     "Research the following question exhaustively. Compare multiple perspectives and cite every source you rely on.",
}

// envVars credential the deep_research capability; auth failures point
// here.
var envVars = []string{"LLM_API_KEY"}

// Params are the deep_research arguments. The jsonschema tags feed the
// schema the server advertises for this tool.
type Params struct {
	Questions []string `json:"questions" jsonschema:"minItems=1,maxItems=10,description=Research questions answered independently"`
	Depth     string   `json:"depth,omitempty" jsonschema:"enum=quick,enum=standard,enum=deep,description=How far each question is pursued (default standard)"`
}

// Handler executes deep_research.
type Handler struct {
	llm     *llm.Client
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates the handler.
func New(client *llm.Client, logger *slog.Logger, metrics *observability.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		llm:     client,
		logger:  logger.With("tool", "deep_research"),
		metrics: metrics,
	}
}

// Handle runs one deep_research invocation. The token budget is split
// evenly across the questions and each question gets its share as the
// completion's output ceiling.
func (h *Handler) Handle(ctx context.Context, args json.RawMessage) *tools.Response {
	var params Params
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.Invalidf("arguments are not valid JSON: %v", err)
	}
	if n := len(params.Questions); n < MinQuestions || n > MaxQuestions {
		return tools.Invalidf("expected between %d and %d questions, got %d", MinQuestions, MaxQuestions, n)
	}
	depth := params.Depth
	if depth == "" {
		depth = DefaultDepth
	}
	instruction, ok := depthInstructions[depth]
	if !ok {
		return tools.Invalidf("depth must be one of quick, standard, deep; got %q", params.Depth)
	}

	alloc := budget.Tokens(budget.DefaultTokenBudget, len(params.Questions))

	results := fanout.Run(ctx, params.Questions, MaxConcurrent,
		func(ctx context.Context, question string) (llm.Research, error) {
			done := h.metrics.TrackFanoutTask()
			defer done()
			prompt := instruction + "\n\n" + question
			return h.llm.ResearchQuestion(ctx, prompt, alloc.PerItem), nil
		})

	stats := tools.Stats{Requested: len(params.Questions)}
	answers := make([]llm.Research, len(results))
	for i, r := range results {
		a := r.Value
		if r.Err != nil {
			a = llm.Research{Err: faults.Classify(r.Err)}
		}
		if a.Err != nil {
			stats.RecordFailure(a.Attempts, a.Err)
		} else {
			stats.RecordSuccess(a.Attempts)
			stats.TokensUsed += a.TokensUsed
		}
		answers[i] = a
	}

	if stats.Succeeded == 0 {
		fault := answers[0].Err
		h.logger.Warn("every question failed", "questions", stats.Requested, "kind", fault.Kind)
		return tools.Fail("Deep research failed", fault, envVars, stats)
	}

	h.logger.Info("research complete",
		"questions", stats.Requested,
		"answered", stats.Succeeded,
		"failed", stats.Failed,
		"tokens", stats.TokensUsed,
	)
	return tools.Text(format(params.Questions, answers, alloc, stats), stats)
}

func format(questions []string, answers []llm.Research, alloc budget.TokenAllocation, stats tools.Stats) string {
	var b strings.Builder
	b.WriteString("# Deep Research\n\n")
	fmt.Fprintf(&b, "**Questions:** %d | **Answered:** %d | **Failed:** %d\n", stats.Requested, stats.Succeeded, stats.Failed)
	fmt.Fprintf(&b, "**Token budget:** %d tokens/question (%d total) | **Tokens used:** %d\n",
		alloc.PerItem, alloc.Total, stats.TokensUsed)

	for i, a := range answers {
		fmt.Fprintf(&b, "\n## %s\n\n", questions[i])
		if a.Err != nil {
			b.WriteString(tools.FailLine(questions[i], a.Err) + "\n")
			continue
		}
		b.WriteString(a.Answer + "\n")
	}
	return b.String()
}
