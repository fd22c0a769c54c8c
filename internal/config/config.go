// Package config parses the process environment into the immutable
// runtime configuration and derives the capability map that gates
// tool execution.
package config

import (
	"fmt"
	"sort"

	"github.com/caarlos0/env/v10"
)

// Capability names. A tool tagged with one of these only runs when the
// environment carries the matching credentials.
const (
	CapabilitySearch        = "search"
	CapabilityReddit        = "reddit"
	CapabilityScraping      = "scraping"
	CapabilityDeepResearch  = "deep_research"
	CapabilityLLMExtraction = "llm_extraction"
)

// Config holds all runtime configuration, parsed once at startup.
// Secrets are plain strings; log presence via Presence(), never values.
type Config struct {
	SearchAPIKey  string `env:"SEARCH_API_KEY"`
	SearchBaseURL string `env:"SEARCH_BASE_URL" envDefault:"https://google.serper.dev"`

	RedditClientID     string `env:"REDDIT_CLIENT_ID"`
	RedditClientSecret string `env:"REDDIT_CLIENT_SECRET"`
	RedditBaseURL      string `env:"REDDIT_BASE_URL" envDefault:"https://oauth.reddit.com"`
	RedditTokenURL     string `env:"REDDIT_TOKEN_URL" envDefault:"https://www.reddit.com/api/v1/access_token"`
	RedditUserAgent    string `env:"REDDIT_USER_AGENT" envDefault:"scout-research/1.0"`

	ScraperAPIKey  string `env:"SCRAPER_API_KEY"`
	ScraperBaseURL string `env:"SCRAPER_BASE_URL" envDefault:"https://api.scraperapi.com"`
	ScraperGeoCode string `env:"SCRAPER_GEO_CODE" envDefault:"us"`

	LLMAPIKey         string `env:"LLM_API_KEY"`
	OpenRouterBaseURL string `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	ResearchModel     string `env:"RESEARCH_MODEL" envDefault:"perplexity/sonar-deep-research"`
	ExtractionModel   string `env:"LLM_EXTRACTION_MODEL" envDefault:"openai/gpt-4o-mini"`

	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsAddr   string `env:"METRICS_ADDR"`
	TraceEndpoint string `env:"TRACE_ENDPOINT"`
}

// Load parses environment variables into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}

// capabilityEnv maps each capability to the environment variables that
// must all be present for it to be enabled.
var capabilityEnv = map[string][]string{
	CapabilitySearch:        {"SEARCH_API_KEY"},
	CapabilityReddit:        {"REDDIT_CLIENT_ID", "REDDIT_CLIENT_SECRET"},
	CapabilityScraping:      {"SCRAPER_API_KEY"},
	CapabilityDeepResearch:  {"LLM_API_KEY"},
	CapabilityLLMExtraction: {"LLM_API_KEY"},
}

// Capabilities derives the capability map from the parsed configuration.
// The map is complete: every known capability appears with its state.
func (c *Config) Capabilities() map[string]bool {
	return map[string]bool{
		CapabilitySearch:        c.SearchAPIKey != "",
		CapabilityReddit:        c.RedditClientID != "" && c.RedditClientSecret != "",
		CapabilityScraping:      c.ScraperAPIKey != "",
		CapabilityDeepResearch:  c.LLMAPIKey != "",
		CapabilityLLMExtraction: c.LLMAPIKey != "",
	}
}

// MissingEnv returns the environment variables a disabled capability
// still needs, in declaration order. Enabled or unknown capabilities
// yield nil.
func (c *Config) MissingEnv(capability string) []string {
	vars, ok := capabilityEnv[capability]
	if !ok {
		return nil
	}
	present := map[string]bool{
		"SEARCH_API_KEY":       c.SearchAPIKey != "",
		"REDDIT_CLIENT_ID":     c.RedditClientID != "",
		"REDDIT_CLIENT_SECRET": c.RedditClientSecret != "",
		"SCRAPER_API_KEY":      c.ScraperAPIKey != "",
		"LLM_API_KEY":          c.LLMAPIKey != "",
	}
	var missing []string
	for _, v := range vars {
		if !present[v] {
			missing = append(missing, v)
		}
	}
	return missing
}

// KnownCapability reports whether name is a declared capability.
func KnownCapability(name string) bool {
	_, ok := capabilityEnv[name]
	return ok
}

// CapabilityNames returns all known capability names, sorted.
func CapabilityNames() []string {
	names := make([]string, 0, len(capabilityEnv))
	for name := range capabilityEnv {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Presence reports which credential groups are configured without
// exposing their values. Safe to log.
func (c *Config) Presence() map[string]bool {
	return map[string]bool{
		"search_api_key":  c.SearchAPIKey != "",
		"reddit_oauth":    c.RedditClientID != "" && c.RedditClientSecret != "",
		"scraper_api_key": c.ScraperAPIKey != "",
		"llm_api_key":     c.LLMAPIKey != "",
	}
}
