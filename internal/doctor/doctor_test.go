package doctor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/scout/internal/config"
	"github.com/haasonsaas/scout/internal/providers/llm"
	"github.com/haasonsaas/scout/internal/providers/reddit"
	"github.com/haasonsaas/scout/internal/providers/scraper"
	"github.com/haasonsaas/scout/internal/providers/websearch"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunSortsByCapability(t *testing.T) {
	probes := []Probe{
		{Capability: "scraping", Check: func(ctx context.Context) (string, error) {
			return "ok", nil
		}},
		{Capability: "reddit", Check: func(ctx context.Context) (string, error) {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("probe context has no deadline")
			}
			return "ok", nil
		}},
	}

	checks := Run(context.Background(), probes)

	if len(checks) != 2 {
		t.Fatalf("got %d checks, want 2", len(checks))
	}
	if checks[0].Capability != "reddit" || checks[1].Capability != "scraping" {
		t.Errorf("checks not sorted: %q, %q", checks[0].Capability, checks[1].Capability)
	}
	for _, check := range checks {
		if !check.Enabled || !check.Healthy {
			t.Errorf("check %s: enabled=%v healthy=%v, want both true", check.Capability, check.Enabled, check.Healthy)
		}
	}
}

func TestRunSkipsDisabledProbes(t *testing.T) {
	probes := []Probe{{
		Capability: "reddit",
		Missing:    []string{"REDDIT_CLIENT_ID", "REDDIT_CLIENT_SECRET"},
		Check: func(ctx context.Context) (string, error) {
			t.Error("disabled probe reached its check")
			return "", nil
		},
	}}

	checks := Run(context.Background(), probes)

	check := checks[0]
	if check.Enabled {
		t.Error("disabled probe reported as enabled")
	}
	if check.Healthy {
		t.Error("disabled probe reported as healthy")
	}
	want := "disabled: set REDDIT_CLIENT_ID and REDDIT_CLIENT_SECRET"
	if check.Detail != want {
		t.Errorf("detail = %q, want %q", check.Detail, want)
	}
}

func TestRunReportsFailure(t *testing.T) {
	probes := []Probe{{
		Capability: "search",
		Check: func(ctx context.Context) (string, error) {
			return "", errors.New("connection refused")
		},
	}}

	checks := Run(context.Background(), probes)

	check := checks[0]
	if !check.Enabled {
		t.Error("failed probe reported as disabled")
	}
	if check.Healthy {
		t.Error("failed probe reported as healthy")
	}
	if !strings.Contains(check.Detail, "connection refused") {
		t.Errorf("detail = %q, want the probe error", check.Detail)
	}
}

func TestHealthy(t *testing.T) {
	tests := []struct {
		name   string
		checks []Check
		want   bool
	}{
		{"empty", nil, true},
		{"all passing", []Check{
			{Capability: "search", Enabled: true, Healthy: true},
			{Capability: "reddit", Enabled: true, Healthy: true},
		}, true},
		{"one enabled failure", []Check{
			{Capability: "search", Enabled: true, Healthy: true},
			{Capability: "reddit", Enabled: true, Healthy: false},
		}, false},
		{"disabled failures ignored", []Check{
			{Capability: "search", Enabled: true, Healthy: true},
			{Capability: "reddit", Enabled: false, Healthy: false},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Healthy(tt.checks); got != tt.want {
				t.Errorf("Healthy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	out := Format([]Check{
		{Capability: "reddit", Enabled: true, Healthy: true, Detail: "test search returned 1 posts"},
		{Capability: "scraping", Enabled: true, Healthy: false, Detail: "401 from provider"},
		{Capability: "search", Enabled: false, Healthy: false, Detail: "disabled: set SEARCH_API_KEY"},
	})

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	var reddit, scraping, search string
	for _, line := range lines {
		switch {
		case strings.Contains(line, "reddit"):
			reddit = line
		case strings.Contains(line, "scraping"):
			scraping = line
		case strings.Contains(line, "search"):
			search = line
		}
	}

	if !strings.Contains(reddit, "✅") || !strings.Contains(reddit, "returned 1 posts") {
		t.Errorf("reddit line = %q", reddit)
	}
	if !strings.Contains(scraping, "❌") || !strings.Contains(scraping, "401 from provider") {
		t.Errorf("scraping line = %q", scraping)
	}
	if !strings.Contains(search, "⚪") || !strings.Contains(search, "disabled: set SEARCH_API_KEY") {
		t.Errorf("search line = %q", search)
	}
}

// With an empty config every probe must be disabled, which also means
// the nil adapters behind them are never dereferenced.
func TestProbesCoverEveryCapability(t *testing.T) {
	probes := Probes(&config.Config{}, Providers{})

	names := config.CapabilityNames()
	if len(probes) != len(names) {
		t.Fatalf("got %d probes, want %d", len(probes), len(names))
	}
	seen := make(map[string]bool, len(probes))
	for _, probe := range probes {
		seen[probe.Capability] = true
		if len(probe.Missing) == 0 {
			t.Errorf("probe %s enabled without credentials", probe.Capability)
		}
	}
	for _, name := range names {
		if !seen[name] {
			t.Errorf("no probe for capability %s", name)
		}
	}

	checks := Run(context.Background(), probes)
	for _, check := range checks {
		if check.Enabled {
			t.Errorf("check %s enabled with empty config", check.Capability)
		}
	}
	if !Healthy(checks) {
		t.Error("all-disabled report should be healthy")
	}
}

func TestProbesAllHealthy(t *testing.T) {
	searchSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"organic": [
			{"title": "Go", "link": "https://go.dev", "snippet": "The Go site"},
			{"title": "Tour", "link": "https://go.dev/tour", "snippet": "Learn Go"}
		]}]`))
	}))
	defer searchSrv.Close()

	redditMux := http.NewServeMux()
	redditMux.HandleFunc("/api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":3600}`))
	})
	redditMux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"kind":"Listing","data":{"children":[
			{"kind":"t3","data":{"title":"Go 1.24 released","author":"gopher","subreddit":"golang",
				"permalink":"/r/golang/comments/abc/go_release/","score":42,"num_comments":7,"created_utc":1700000000}}
		]}}`))
	})
	redditSrv := httptest.NewServer(redditMux)
	defer redditSrv.Close()

	scraperSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/account" {
			t.Errorf("scraper probe hit %s, want /account", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"requestCount":120,"requestLimit":100000,"concurrencyLimit":10}`))
	}))
	defer scraperSrv.Close()

	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("llm probe hit %s, want /models", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"id":"perplexity/sonar-deep-research","object":"model"},
			{"id":"openai/gpt-4o-mini","object":"model"}
		]}`))
	}))
	defer llmSrv.Close()

	cfg := &config.Config{
		SearchAPIKey:       "k",
		RedditClientID:     "id",
		RedditClientSecret: "secret",
		ScraperAPIKey:      "k",
		LLMAPIKey:          "k",
		ResearchModel:      "perplexity/sonar-deep-research",
		ExtractionModel:    "openai/gpt-4o-mini",
	}
	logger := discardLogger()
	providers := Providers{
		Search: websearch.New(websearch.Config{
			APIKey:  "k",
			BaseURL: searchSrv.URL,
			Logger:  logger,
		}),
		Reddit: reddit.New(reddit.Config{
			ClientID:     "id",
			ClientSecret: "secret",
			BaseURL:      redditSrv.URL,
			TokenURL:     redditSrv.URL + "/api/v1/access_token",
			Logger:       logger,
		}),
		Scraper: scraper.New(scraper.Config{
			APIKey:  "k",
			BaseURL: scraperSrv.URL,
			Logger:  logger,
		}),
		LLM: llm.New(llm.Config{
			APIKey:  "k",
			BaseURL: llmSrv.URL,
			Logger:  logger,
		}),
	}

	checks := Run(context.Background(), Probes(cfg, providers))

	if len(checks) != len(config.CapabilityNames()) {
		t.Fatalf("got %d checks, want %d", len(checks), len(config.CapabilityNames()))
	}
	for _, check := range checks {
		if !check.Enabled || !check.Healthy {
			t.Errorf("check %s: enabled=%v healthy=%v detail=%q", check.Capability, check.Enabled, check.Healthy, check.Detail)
		}
	}
	if !Healthy(checks) {
		t.Error("report should be healthy")
	}

	details := make(map[string]string, len(checks))
	for _, check := range checks {
		details[check.Capability] = check.Detail
	}
	if got := details[config.CapabilitySearch]; !strings.Contains(got, "returned 2 results") {
		t.Errorf("search detail = %q", got)
	}
	if got := details[config.CapabilityReddit]; !strings.Contains(got, "returned 1 posts") {
		t.Errorf("reddit detail = %q", got)
	}
	if got := details[config.CapabilityScraping]; !strings.Contains(got, "120 of 100000 credits used, concurrency 10") {
		t.Errorf("scraping detail = %q", got)
	}
	if got := details[config.CapabilityDeepResearch]; !strings.Contains(got, "perplexity/sonar-deep-research available") {
		t.Errorf("deep_research detail = %q", got)
	}
	if got := details[config.CapabilityLLMExtraction]; !strings.Contains(got, "openai/gpt-4o-mini available") {
		t.Errorf("llm_extraction detail = %q", got)
	}
}

// The completion proxy being up is not enough; the configured model
// has to be in its catalog.
func TestModelProbeRejectsMissingModel(t *testing.T) {
	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"openai/gpt-4o-mini","object":"model"}]}`))
	}))
	defer llmSrv.Close()

	cfg := &config.Config{
		LLMAPIKey:       "k",
		ResearchModel:   "perplexity/sonar-deep-research",
		ExtractionModel: "openai/gpt-4o-mini",
	}
	providers := Providers{
		LLM: llm.New(llm.Config{APIKey: "k", BaseURL: llmSrv.URL, Logger: discardLogger()}),
	}

	checks := Run(context.Background(), Probes(cfg, providers))

	byName := make(map[string]Check, len(checks))
	for _, check := range checks {
		byName[check.Capability] = check
	}

	research := byName[config.CapabilityDeepResearch]
	if research.Healthy {
		t.Error("deep_research healthy although its model is not served")
	}
	if !strings.Contains(research.Detail, "perplexity/sonar-deep-research not served (1 models listed)") {
		t.Errorf("deep_research detail = %q", research.Detail)
	}

	extraction := byName[config.CapabilityLLMExtraction]
	if !extraction.Healthy {
		t.Errorf("llm_extraction unhealthy: %q", extraction.Detail)
	}

	if Healthy(checks) {
		t.Error("report should be unhealthy")
	}
}
