package doctor

import (
	"context"
	"fmt"

	"github.com/haasonsaas/scout/internal/config"
	"github.com/haasonsaas/scout/internal/providers/llm"
	"github.com/haasonsaas/scout/internal/providers/reddit"
	"github.com/haasonsaas/scout/internal/providers/scraper"
	"github.com/haasonsaas/scout/internal/providers/websearch"
)

// Providers carries the constructed adapters the probes exercise. An
// adapter may be nil when its capability's credentials are absent; the
// matching probe is then disabled and never dereferences it.
type Providers struct {
	Search  *websearch.Client
	Reddit  *reddit.Client
	Scraper *scraper.Client
	LLM     *llm.Client
}

// Probes builds one probe per capability. The scraping probe uses the
// account endpoint and the two model-backed probes use the model
// listing, neither of which costs credits. The search and reddit
// probes issue one tiny real query each.
func Probes(cfg *config.Config, providers Providers) []Probe {
	return []Probe{
		{
			Capability: config.CapabilitySearch,
			Missing:    cfg.MissingEnv(config.CapabilitySearch),
			Check: func(ctx context.Context) (string, error) {
				results, _, fault := providers.Search.Search(ctx, []string{"connectivity check"}, 0)
				if fault != nil {
					return "", fault
				}
				count := 0
				if len(results) > 0 {
					count = len(results[0].Results)
				}
				return fmt.Sprintf("test query returned %d results", count), nil
			},
		},
		{
			Capability: config.CapabilityReddit,
			Missing:    cfg.MissingEnv(config.CapabilityReddit),
			Check: func(ctx context.Context) (string, error) {
				posts, fault := providers.Reddit.Search(ctx, "golang", 1)
				if fault != nil {
					return "", fault
				}
				return fmt.Sprintf("test search returned %d posts", len(posts)), nil
			},
		},
		{
			Capability: config.CapabilityScraping,
			Missing:    cfg.MissingEnv(config.CapabilityScraping),
			Check: func(ctx context.Context) (string, error) {
				account, fault := providers.Scraper.Account(ctx)
				if fault != nil {
					return "", fault
				}
				return fmt.Sprintf("%d of %d credits used, concurrency %d",
					account.RequestCount, account.RequestLimit, account.ConcurrencyLimit), nil
			},
		},
		{
			Capability: config.CapabilityDeepResearch,
			Missing:    cfg.MissingEnv(config.CapabilityDeepResearch),
			Check:      modelProbe(providers.LLM, cfg.ResearchModel),
		},
		{
			Capability: config.CapabilityLLMExtraction,
			Missing:    cfg.MissingEnv(config.CapabilityLLMExtraction),
			Check:      modelProbe(providers.LLM, cfg.ExtractionModel),
		},
	}
}

// modelProbe verifies the completion proxy is reachable and actually
// serves the configured model, not just any model.
func modelProbe(client *llm.Client, model string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		models, fault := client.Models(ctx)
		if fault != nil {
			return "", fault
		}
		for _, id := range models {
			if id == model {
				return fmt.Sprintf("model %s available (%d models listed)", model, len(models)), nil
			}
		}
		return "", fmt.Errorf("model %s not served (%d models listed)", model, len(models))
	}
}
