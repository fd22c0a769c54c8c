// Package toolspec loads the declarative manifest naming the tools the
// server exposes, each with the JSON schema its arguments must satisfy.
//
// Manifests are JSON5 or YAML, chosen by file extension. Environment
// references like ${TOOLS_NOTE} expand before parsing. Each entry
// carries its schema inline or references a canonical schema by name.
package toolspec

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/scout/internal/config"
)

//go:embed tools.json5
var defaultManifest []byte

// Tool is one resolved manifest entry. Schema always holds the final
// JSON schema, whether it was written inline or pulled from the
// registry.
type Tool struct {
	Name        string          `json:"name"`
	Capability  string          `json:"capability,omitempty"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Spec is a parsed and resolved manifest.
type Spec struct {
	Tools []Tool
}

type rawManifest struct {
	Tools []rawEntry `yaml:"tools"`
}

type rawEntry struct {
	Name        string         `yaml:"name"`
	Capability  string         `yaml:"capability"`
	Description string         `yaml:"description"`
	Schema      map[string]any `yaml:"schema"`
	SchemaRef   string         `yaml:"schema_ref"`
}

// Default returns the manifest compiled into the binary.
func Default() (*Spec, error) {
	return parse(defaultManifest, "tools.json5")
}

// Load reads a manifest from disk. Files ending in .json or .json5
// parse as JSON5; everything else parses as YAML.
func Load(path string) (*Spec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("manifest path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(data, path)
}

func parse(data []byte, pathHint string) (*Spec, error) {
	expanded := os.ExpandEnv(string(data))
	raw, err := parseRawBytes([]byte(expanded), pathHint)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(pathHint), err)
	}
	manifest, err := decodeManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(pathHint), err)
	}
	return resolve(manifest)
}

func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	format := strings.ToLower(filepath.Ext(pathHint))
	if format == ".json" || format == ".json5" {
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("expected a single document")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// decodeManifest round-trips the raw map through YAML so both formats
// share one strict, typed decode.
func decodeManifest(raw map[string]any) (rawManifest, error) {
	var manifest rawManifest
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return manifest, err
	}
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&manifest); err != nil {
		return manifest, err
	}
	return manifest, nil
}

func resolve(manifest rawManifest) (*Spec, error) {
	if len(manifest.Tools) == 0 {
		return nil, fmt.Errorf("manifest declares no tools")
	}
	seen := make(map[string]bool, len(manifest.Tools))
	spec := &Spec{Tools: make([]Tool, 0, len(manifest.Tools))}
	for _, entry := range manifest.Tools {
		if strings.TrimSpace(entry.Name) == "" {
			return nil, fmt.Errorf("manifest entry without a name")
		}
		if seen[entry.Name] {
			return nil, fmt.Errorf("tool %q declared twice", entry.Name)
		}
		seen[entry.Name] = true
		if strings.TrimSpace(entry.Description) == "" {
			return nil, fmt.Errorf("tool %q: description is required", entry.Name)
		}
		if entry.Capability != "" && !config.KnownCapability(entry.Capability) {
			return nil, fmt.Errorf("tool %q: unknown capability %q (known: %s)",
				entry.Name, entry.Capability, strings.Join(config.CapabilityNames(), ", "))
		}
		schema, err := entrySchema(entry)
		if err != nil {
			return nil, err
		}
		spec.Tools = append(spec.Tools, Tool{
			Name:        entry.Name,
			Capability:  entry.Capability,
			Description: entry.Description,
			Schema:      schema,
		})
	}
	return spec, nil
}

func entrySchema(entry rawEntry) (json.RawMessage, error) {
	switch {
	case entry.Schema != nil && entry.SchemaRef != "":
		return nil, fmt.Errorf("tool %q: schema and schema_ref are mutually exclusive", entry.Name)
	case entry.Schema != nil:
		schema, err := json.Marshal(entry.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool %q: encode inline schema: %w", entry.Name, err)
		}
		return schema, nil
	case entry.SchemaRef != "":
		schema, err := RegisteredSchema(entry.SchemaRef)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", entry.Name, err)
		}
		return schema, nil
	default:
		return nil, fmt.Errorf("tool %q: one of schema or schema_ref is required", entry.Name)
	}
}
