// Package llm is the adapter for OpenRouter chat completions. It runs
// two operations on different models: content extraction against a fast
// model and open-ended research against a deep-research model. Failed
// extractions degrade to the original content so callers always have
// something to render.
package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/scout/internal/faults"
	"github.com/haasonsaas/scout/internal/observability"
	"github.com/haasonsaas/scout/internal/retry"
)

// DefaultBaseURL is the OpenRouter-compatible chat-completion endpoint.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// DefaultExtractionModel answers extraction prompts.
const DefaultExtractionModel = "openai/gpt-4o-mini"

// DefaultResearchModel answers research questions.
const DefaultResearchModel = "perplexity/sonar-deep-research"

// maxContentChars is the ceiling on extraction input; anything longer
// is cut at a rune boundary and marked.
const maxContentChars = 48000

// truncationMarker flags content that was cut at the ceiling.
const truncationMarker = "\n\n[content truncated]"

const defaultMaxTokens = 4096

const providerName = "llm"

// Config configures the chat-completion client.
type Config struct {
	// APIKey authenticates against the completion proxy.
	APIKey string
	// BaseURL overrides the endpoint, used by tests.
	BaseURL string
	// ExtractionModel overrides the extraction model.
	ExtractionModel string
	// ResearchModel overrides the research model.
	ResearchModel string
	// HTTPClient overrides the transport. Research models stream for a
	// long time, so the default client allows 120s per request.
	HTTPClient *http.Client
	// Logger receives request-level debug logs.
	Logger *slog.Logger
	// Metrics records request outcomes and retry attempts. May be nil.
	Metrics *observability.Metrics
	// RetryPolicy overrides the provider retry policy; tests use it to
	// shrink backoff delays.
	RetryPolicy *retry.Policy
}

// Client calls the chat-completion proxy.
type Client struct {
	api             *openai.Client
	extractionModel string
	researchModel   string
	logger          *slog.Logger
	metrics         *observability.Metrics
	tracer          trace.Tracer
	policy          retry.Policy
}

// New creates a chat-completion client from the config, applying defaults.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.ExtractionModel == "" {
		config.ExtractionModel = DefaultExtractionModel
	}
	if config.ResearchModel == "" {
		config.ResearchModel = DefaultResearchModel
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	policy := retry.LLMPolicy()
	if config.RetryPolicy != nil {
		policy = *config.RetryPolicy
	}

	apiConfig := openai.DefaultConfig(config.APIKey)
	apiConfig.BaseURL = config.BaseURL
	apiConfig.HTTPClient = config.HTTPClient

	return &Client{
		api:             openai.NewClientWithConfig(apiConfig),
		extractionModel: config.ExtractionModel,
		researchModel:   config.ResearchModel,
		logger:          config.Logger.With("provider", providerName),
		metrics:         config.Metrics,
		tracer:          otel.Tracer("scout/providers/llm"),
		policy:          policy,
	}
}

// Extraction is the outcome of one extraction call. When Processed is
// false, Output carries the original input content so callers can
// degrade to rendering the raw page.
type Extraction struct {
	Output     string        `json:"output"`
	Processed  bool          `json:"processed"`
	Truncated  bool          `json:"truncated"`
	TokensUsed int           `json:"tokens_used"`
	Attempts   int           `json:"-"`
	Err        *faults.Fault `json:"-"`
}

// Research is the outcome of one research call.
type Research struct {
	Answer     string        `json:"answer"`
	TokensUsed int           `json:"tokens_used"`
	Attempts   int           `json:"-"`
	Err        *faults.Fault `json:"-"`
}

// Extract runs the extraction prompt over the content with at most
// maxTokens of output. Content beyond the character ceiling is cut at a
// rune boundary and marked. On final failure the result is marked not
// processed and carries the original content.
func (c *Client) Extract(ctx context.Context, prompt, content string, maxTokens int) Extraction {
	ctx, span := c.tracer.Start(ctx, "llm.extract", trace.WithAttributes(
		attribute.String("llm.model", c.extractionModel),
		attribute.Int("llm.max_tokens", maxTokens),
	))
	defer span.End()

	clipped, truncated := truncateContent(content, maxContentChars)
	if truncated {
		c.logger.Debug("extraction content truncated",
			"limit", maxContentChars,
			"estimated_tokens", EstimateTokens(clipped),
		)
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: prompt},
		{Role: openai.ChatMessageRoleUser, Content: clipped},
	}
	output, tokens, attempts, fault := c.complete(ctx, c.extractionModel, messages, maxTokens)
	if fault != nil {
		observability.RecordSpanError(span, fault)
		return Extraction{Output: content, Processed: false, Truncated: truncated, Attempts: attempts, Err: fault}
	}
	return Extraction{Output: output, Processed: true, Truncated: truncated, TokensUsed: tokens, Attempts: attempts}
}

// ResearchQuestion asks the research model one question with at most
// maxTokens of output.
func (c *Client) ResearchQuestion(ctx context.Context, question string, maxTokens int) Research {
	ctx, span := c.tracer.Start(ctx, "llm.research", trace.WithAttributes(
		attribute.String("llm.model", c.researchModel),
		attribute.Int("llm.max_tokens", maxTokens),
	))
	defer span.End()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: question},
	}
	answer, tokens, attempts, fault := c.complete(ctx, c.researchModel, messages, maxTokens)
	if fault != nil {
		observability.RecordSpanError(span, fault)
		return Research{Attempts: attempts, Err: fault}
	}
	return Research{Answer: answer, TokensUsed: tokens, Attempts: attempts}
}

// Models lists the model identifiers the completion proxy serves. The
// endpoint consumes no tokens, so probes use it freely.
func (c *Client) Models(ctx context.Context) ([]string, *faults.Fault) {
	ctx, span := c.tracer.Start(ctx, "llm.models")
	defer span.End()

	var ids []string
	result := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		resp, err := c.api.ListModels(ctx)
		if err != nil {
			return classifyAPIError(err)
		}
		ids = ids[:0]
		for _, model := range resp.Models {
			ids = append(ids, model.ID)
		}
		return nil
	})

	c.metrics.AddRetryAttempts(providerName, result.Attempts)
	if result.Fault != nil {
		c.metrics.RecordProviderRequest(providerName, result.Fault.Kind.String())
		observability.RecordSpanError(span, result.Fault)
		return nil, result.Fault
	}
	c.metrics.RecordProviderRequest(providerName, "success")
	return ids, nil
}

// complete runs one chat completion under the retry policy. An empty
// completion is a non-retryable internal failure.
func (c *Client) complete(ctx context.Context, model string, messages []openai.ChatCompletionMessage, maxTokens int) (string, int, int, *faults.Fault) {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var output string
	var tokens int
	result := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:     model,
			Messages:  messages,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return classifyAPIError(err)
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			return faults.New(faults.KindInternal, "Empty response received").WithRetryable(false)
		}
		output = resp.Choices[0].Message.Content
		tokens = resp.Usage.TotalTokens
		return nil
	})

	c.metrics.AddRetryAttempts(providerName, result.Attempts)
	if result.Fault != nil {
		c.metrics.RecordProviderRequest(providerName, result.Fault.Kind.String())
		c.logger.Warn("chat completion failed",
			"model", model,
			"attempts", result.Attempts,
			"kind", result.Fault.Kind,
		)
		return "", 0, result.Attempts, result.Fault
	}
	c.metrics.RecordProviderRequest(providerName, "success")

	c.logger.Debug("chat completion done",
		"model", model,
		"tokens", tokens,
		"attempts", result.Attempts,
	)
	return output, tokens, result.Attempts, nil
}

// classifyAPIError maps the openai client's error types onto faults,
// preferring the HTTP status when one is present.
func classifyAPIError(err error) *faults.Fault {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return faults.FromStatus(apiErr.HTTPStatusCode,
			"chat completion failed: "+apiErr.Message).WithCause(err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return faults.FromStatus(reqErr.HTTPStatusCode,
			"chat completion failed: "+reqErr.Error()).WithCause(err)
	}
	return faults.Classify(err)
}

// truncateContent clips content to the rune ceiling and marks the cut.
func truncateContent(content string, limit int) (string, bool) {
	if len(content) <= limit {
		return content, false
	}
	runes := []rune(content)
	if len(runes) <= limit {
		return content, false
	}
	return string(runes[:limit]) + truncationMarker, true
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates how many tokens text costs. The
// cl100k_base encoding covers the routed models; when it cannot be
// loaded (offline build), a chars/4 heuristic stands in.
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return
		}
		encoding = enc
	})
	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}
