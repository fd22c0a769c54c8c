package toolspec

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/scout/internal/tools/extract"
	"github.com/haasonsaas/scout/internal/tools/redditposts"
	"github.com/haasonsaas/scout/internal/tools/redditsearch"
	"github.com/haasonsaas/scout/internal/tools/research"
	"github.com/haasonsaas/scout/internal/tools/scrape"
	"github.com/haasonsaas/scout/internal/tools/search"
)

// registry maps schema names to the argument structs they reflect
// from. Names match the tools that accept those arguments.
var registry = map[string]any{
	"search_web":         &search.Params{},
	"search_reddit":      &redditsearch.Params{},
	"fetch_reddit_posts": &redditposts.Params{},
	"scrape_urls":        &scrape.Params{},
	"extract_with_llm":   &extract.Params{},
	"deep_research":      &research.Params{},
}

var (
	schemaOnce sync.Once
	schemaJSON map[string]json.RawMessage
	schemaErr  error
)

// RegisteredSchema returns the canonical JSON schema registered under
// name.
func RegisteredSchema(name string) (json.RawMessage, error) {
	schemaOnce.Do(reflectAll)
	if schemaErr != nil {
		return nil, schemaErr
	}
	schema, ok := schemaJSON[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q (known: %s)", name, strings.Join(SchemaNames(), ", "))
	}
	return schema, nil
}

// SchemaNames lists the registered schema names, sorted.
func SchemaNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func reflectAll() {
	// DoNotReference inlines every definition so each schema stands
	// alone when advertised over the wire.
	reflector := &jsonschema.Reflector{DoNotReference: true}
	schemaJSON = make(map[string]json.RawMessage, len(registry))
	for name, params := range registry {
		payload, err := json.Marshal(reflector.Reflect(params))
		if err != nil {
			schemaErr = fmt.Errorf("reflect schema %s: %w", name, err)
			return
		}
		schemaJSON[name] = payload
	}
}
