// Package main provides the CLI entry point for the scout research
// tool server.
//
// Scout exposes research tools (web search, Reddit search and thread
// fetching, page scraping, LLM extraction, deep research) to MCP
// clients over stdio-framed JSON-RPC.
//
// # Basic Usage
//
// Start the server:
//
//	scout serve
//
// Check provider connectivity:
//
//	scout doctor
//
// Inspect the advertised tools:
//
//	scout tools
//
// # Environment Variables
//
//   - SEARCH_API_KEY: search proxy key (search_web, search_reddit)
//   - REDDIT_CLIENT_ID, REDDIT_CLIENT_SECRET: Reddit OAuth app (fetch_reddit_posts)
//   - SCRAPER_API_KEY: scraping proxy key (scrape_urls, extract_with_llm)
//   - LLM_API_KEY: completion proxy key (extract_with_llm, deep_research)
//   - METRICS_ADDR: serve /metrics and /healthz on this address when set
//   - TRACE_ENDPOINT: OTLP/gRPC collector endpoint; tracing is off when empty
//
// A tool whose keys are absent is still listed; calling it returns an
// explanation of which variables would enable it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// serverName identifies this server in the MCP initialize handshake
// and in traces.
const serverName = "scout"

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// Root flags shared by the subcommands.
var (
	toolsFile string
	logLevel  string
)

// main is the entry point for the scout CLI.
func main() {
	// Logs go to stderr: stdout belongs to the JSON-RPC transport.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scout",
		Short: "Scout - research tool server for MCP clients",
		Long: `Scout exposes research tools over stdio-framed JSON-RPC.

Available tools: search_web, search_reddit, fetch_reddit_posts,
scrape_urls, extract_with_llm, deep_research

Capabilities are enabled by environment variables; run "scout doctor"
to see which providers are reachable with the current environment.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&toolsFile, "tools-file", "",
		"Path to a JSON5 or YAML tool manifest (default: embedded manifest)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: LOG_LEVEL or info)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildDoctorCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}
