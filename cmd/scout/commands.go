package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the stdio
// JSON-RPC server. This is the command MCP clients launch.
func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the research tool server over stdio",
		Long: `Run the research tool server over stdio-framed JSON-RPC.

The server will:
1. Parse configuration from environment variables
2. Load the tool manifest (embedded, or --tools-file)
3. Construct the provider adapters and tool registry
4. Serve JSON-RPC on stdin/stdout until EOF or a signal

Logs are written to stderr; stdout carries only protocol frames.
Graceful shutdown is handled on SIGINT/SIGTERM and on stdin EOF.`,
		Example: `  # Run with the embedded tool manifest
  scout serve

  # Run with a custom manifest and verbose logs
  scout serve --tools-file tools.yaml --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), toolsFile, logLevel)
		},
	}
}

// buildToolsCmd creates the "tools" command that prints the tool table.
func buildToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the advertised tools as JSON",
		Long: `Print the tool table the server would advertise, as pretty JSON.

Each entry carries the tool name, the capability that gates it, its
description, and the JSON schema its arguments must satisfy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, toolsFile)
		},
	}
}

// buildDoctorCmd creates the "doctor" command for provider probes.
func buildDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Probe each capability's provider",
		Long: `Probe each capability's upstream provider and report the results.

Capabilities whose environment variables are absent are reported as
disabled without touching the network. Enabled capabilities get a live
check against their provider with a short timeout. The command exits
non-zero if any enabled capability fails its probe.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, logLevel)
		},
	}
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scout %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
