package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/scout/internal/config"
	"github.com/haasonsaas/scout/internal/dispatch"
	"github.com/haasonsaas/scout/internal/doctor"
	"github.com/haasonsaas/scout/internal/infra"
	"github.com/haasonsaas/scout/internal/mcp"
	"github.com/haasonsaas/scout/internal/observability"
	"github.com/haasonsaas/scout/internal/providers/llm"
	"github.com/haasonsaas/scout/internal/providers/reddit"
	"github.com/haasonsaas/scout/internal/providers/scraper"
	"github.com/haasonsaas/scout/internal/providers/websearch"
	"github.com/haasonsaas/scout/internal/tools/extract"
	"github.com/haasonsaas/scout/internal/tools/redditposts"
	"github.com/haasonsaas/scout/internal/tools/redditsearch"
	"github.com/haasonsaas/scout/internal/tools/research"
	"github.com/haasonsaas/scout/internal/tools/scrape"
	"github.com/haasonsaas/scout/internal/tools/search"
	"github.com/haasonsaas/scout/internal/toolspec"
)

// shutdownTimeout bounds the phased shutdown after the transport stops.
const shutdownTimeout = 30 * time.Second

// runServe implements the serve command: configuration, adapters,
// registry, transport, and graceful shutdown.
func runServe(ctx context.Context, toolsFile, logLevel string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := buildLogger(cfg, logLevel)
	slog.SetDefault(logger)

	logger.Info("starting scout",
		"version", version,
		"commit", commit,
		"capabilities", cfg.Capabilities(),
	)

	spec, err := loadManifest(toolsFile)
	if err != nil {
		return fmt.Errorf("load tool manifest: %w", err)
	}

	metrics := observability.NewMetrics(nil)
	providers := buildProviders(cfg, logger, metrics)

	registry, err := dispatch.New(spec, buildBindings(providers, logger, metrics), dispatch.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}

	coordinator := infra.NewShutdownCoordinator(shutdownTimeout, logger)

	stopTracing, err := observability.SetupTracing(ctx, observability.TraceConfig{
		ServiceName:    serverName,
		ServiceVersion: version,
		Endpoint:       cfg.TraceEndpoint,
	})
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	coordinator.RegisterFunc("tracing", infra.PhaseTelemetry, stopTracing)

	if cfg.MetricsAddr != "" {
		stopMetrics := observability.StartMetricsServer(cfg.MetricsAddr, logger)
		coordinator.RegisterFunc("metrics listener", infra.PhaseTelemetry, stopMetrics)
	}

	server := mcp.NewServer(registry, mcp.ServerConfig{
		Name:    serverName,
		Version: version,
		Logger:  logger,
	})

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Run drains in-flight tool calls before returning, so the
	// transport phase completes only once the last call is done.
	var runErr error
	runDone := make(chan struct{})
	go func() {
		runErr = server.Run(serveCtx)
		close(runDone)
	}()

	coordinator.RegisterFunc("transport", infra.PhaseTransport, func(ctx context.Context) error {
		cancel()
		select {
		case <-runDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	signalled := coordinator.OnSignal(syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-runDone:
		// The transport exited on its own: stdin EOF or a read error.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		coordinator.Shutdown(shutdownCtx)
		shutdownCancel()
	case <-signalled:
		// The coordinator has already drained the transport.
		<-runDone
	}

	if runErr != nil {
		return fmt.Errorf("transport: %w", runErr)
	}
	logger.Info("scout stopped")
	return nil
}

// runTools implements the tools command: print the manifest as JSON.
func runTools(cmd *cobra.Command, toolsFile string) error {
	spec, err := loadManifest(toolsFile)
	if err != nil {
		return fmt.Errorf("load tool manifest: %w", err)
	}
	table := struct {
		Tools []toolspec.Tool `json:"tools"`
	}{Tools: spec.Tools}
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("render tool table: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// runDoctor implements the doctor command: probe every capability and
// exit non-zero when an enabled one fails.
func runDoctor(cmd *cobra.Command, logLevel string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := buildLogger(cfg, logLevel)

	providers := buildProviders(cfg, logger, nil)
	checks := doctor.Run(cmd.Context(), doctor.Probes(cfg, doctor.Providers{
		Search:  providers.search,
		Reddit:  providers.reddit,
		Scraper: providers.scraper,
		LLM:     providers.llm,
	}))

	fmt.Fprint(cmd.OutOrStdout(), doctor.Format(checks))
	if !doctor.Healthy(checks) {
		return errors.New("one or more capability probes failed")
	}
	return nil
}

// buildLogger constructs the process logger. The --log-level flag wins
// over the LOG_LEVEL variable.
func buildLogger(cfg *config.Config, logLevel string) *slog.Logger {
	level := logLevel
	if level == "" {
		level = cfg.LogLevel
	}
	return observability.NewLogger(observability.LogConfig{Level: level})
}

// loadManifest returns the embedded manifest unless a file was given.
func loadManifest(path string) (*toolspec.Spec, error) {
	if path == "" {
		return toolspec.Default()
	}
	return toolspec.Load(path)
}

// providerSet bundles the four upstream adapters.
type providerSet struct {
	search  *websearch.Client
	reddit  *reddit.Client
	scraper *scraper.Client
	llm     *llm.Client
}

// buildProviders constructs all four adapters whether or not their
// credentials are set. Construction performs no IO.
func buildProviders(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) providerSet {
	return providerSet{
		search: websearch.New(websearch.Config{
			APIKey:  cfg.SearchAPIKey,
			BaseURL: cfg.SearchBaseURL,
			Logger:  logger,
			Metrics: metrics,
		}),
		reddit: reddit.New(reddit.Config{
			ClientID:     cfg.RedditClientID,
			ClientSecret: cfg.RedditClientSecret,
			BaseURL:      cfg.RedditBaseURL,
			TokenURL:     cfg.RedditTokenURL,
			UserAgent:    cfg.RedditUserAgent,
			Logger:       logger,
			Metrics:      metrics,
		}),
		scraper: scraper.New(scraper.Config{
			APIKey:  cfg.ScraperAPIKey,
			BaseURL: cfg.ScraperBaseURL,
			GeoCode: cfg.ScraperGeoCode,
			Logger:  logger,
			Metrics: metrics,
		}),
		llm: llm.New(llm.Config{
			APIKey:          cfg.LLMAPIKey,
			BaseURL:         cfg.OpenRouterBaseURL,
			ResearchModel:   cfg.ResearchModel,
			ExtractionModel: cfg.ExtractionModel,
			Logger:          logger,
			Metrics:         metrics,
		}),
	}
}

// buildBindings attaches a handler to every tool the manifest declares.
func buildBindings(p providerSet, logger *slog.Logger, metrics *observability.Metrics) map[string]dispatch.Binding {
	return map[string]dispatch.Binding{
		"search_web":         {Handler: search.New(p.search, logger, metrics).Handle},
		"search_reddit":      {Handler: redditsearch.New(p.search, logger, metrics).Handle},
		"fetch_reddit_posts": {Handler: redditposts.New(p.reddit, logger, metrics).Handle},
		"scrape_urls":        {Handler: scrape.New(p.scraper, logger, metrics).Handle},
		"extract_with_llm":   {Handler: extract.New(p.scraper, p.llm, logger, metrics).Handle},
		"deep_research":      {Handler: research.New(p.llm, logger, metrics).Handle},
	}
}
