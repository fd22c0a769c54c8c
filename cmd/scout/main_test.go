package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "tools", "doctor", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestToolsCommandPrintsManifest(t *testing.T) {
	var buf bytes.Buffer
	root := buildRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"tools"})

	if err := root.Execute(); err != nil {
		t.Fatalf("tools command failed: %v", err)
	}

	var table struct {
		Tools []struct {
			Name       string          `json:"name"`
			Capability string          `json:"capability"`
			Schema     json.RawMessage `json:"schema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(buf.Bytes(), &table); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if len(table.Tools) != 6 {
		t.Fatalf("got %d tools, want 6", len(table.Tools))
	}
	names := map[string]bool{}
	for _, tool := range table.Tools {
		names[tool.Name] = true
		if len(tool.Schema) == 0 {
			t.Errorf("tool %s has no schema", tool.Name)
		}
	}
	for _, want := range []string{"search_web", "search_reddit", "fetch_reddit_posts", "scrape_urls", "extract_with_llm", "deep_research"} {
		if !names[want] {
			t.Errorf("tool %s missing from output", want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	root := buildRootCmd()
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(buf.String(), "scout dev (commit: none, built: unknown)") {
		t.Errorf("unexpected version output: %q", buf.String())
	}
}

// With no credentials every capability is disabled, which the doctor
// reports without failing.
func TestDoctorCommandWithNoCredentials(t *testing.T) {
	for _, key := range []string{"SEARCH_API_KEY", "REDDIT_CLIENT_ID", "REDDIT_CLIENT_SECRET", "SCRAPER_API_KEY", "LLM_API_KEY"} {
		t.Setenv(key, "")
	}

	var buf bytes.Buffer
	root := buildRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"doctor"})

	if err := root.Execute(); err != nil {
		t.Fatalf("doctor command failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "⚪") {
		t.Errorf("output missing disabled marker:\n%s", out)
	}
	if !strings.Contains(out, "disabled: set SEARCH_API_KEY") {
		t.Errorf("output missing hint for search capability:\n%s", out)
	}
}
