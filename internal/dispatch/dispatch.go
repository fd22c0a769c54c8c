// Package dispatch binds the tool manifest to handler functions and
// runs every call through one pipeline: lookup, capability gate,
// argument validation, the handler itself. Handler outcomes travel
// in-band as error results; the only protocol-level failure is an
// unknown tool name.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/scout/internal/config"
	"github.com/haasonsaas/scout/internal/faults"
	"github.com/haasonsaas/scout/internal/mcp"
	"github.com/haasonsaas/scout/internal/observability"
	"github.com/haasonsaas/scout/internal/tools"
	"github.com/haasonsaas/scout/internal/toolspec"
)

// HandlerFunc executes one tool invocation. Implementations report
// failures inside the response; the registry still contains panics as
// a last line of defense.
type HandlerFunc func(ctx context.Context, args json.RawMessage) *tools.Response

// Binding attaches behavior to one manifest entry.
type Binding struct {
	Handler HandlerFunc

	// PostValidate runs after schema validation for checks a schema
	// cannot express. A returned error rejects the call in-band.
	PostValidate func(args json.RawMessage) error
}

// Options wires the registry's dependencies.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

type entry struct {
	tool    toolspec.Tool
	schema  *jsonschema.Schema
	binding Binding
}

// Registry implements mcp.Handler over the manifest's tools.
type Registry struct {
	entries []*entry
	byName  map[string]*entry
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// New compiles the manifest's schemas and binds each tool to its
// handler. Every manifest entry needs a binding and every binding a
// manifest entry; anything else is a startup error.
func New(spec *toolspec.Spec, bindings map[string]Binding, opts Options) (*Registry, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("dispatch: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		entries: make([]*entry, 0, len(spec.Tools)),
		byName:  make(map[string]*entry, len(spec.Tools)),
		cfg:     opts.Config,
		logger:  logger.With("component", "dispatch"),
		metrics: opts.Metrics,
		tracer:  otel.Tracer("scout/dispatch"),
	}

	for _, tool := range spec.Tools {
		binding, ok := bindings[tool.Name]
		if !ok || binding.Handler == nil {
			return nil, fmt.Errorf("tool %q has no handler", tool.Name)
		}
		schema, err := jsonschema.CompileString(tool.Name+".schema.json", string(tool.Schema))
		if err != nil {
			return nil, fmt.Errorf("tool %q: compile schema: %w", tool.Name, err)
		}
		e := &entry{tool: tool, schema: schema, binding: binding}
		r.entries = append(r.entries, e)
		r.byName[tool.Name] = e
	}

	if len(bindings) != len(r.entries) {
		return nil, fmt.Errorf("bindings for undeclared tools: %s",
			strings.Join(orphanBindings(spec, bindings), ", "))
	}
	return r, nil
}

func orphanBindings(spec *toolspec.Spec, bindings map[string]Binding) []string {
	declared := make(map[string]bool, len(spec.Tools))
	for _, tool := range spec.Tools {
		declared[tool.Name] = true
	}
	var orphans []string
	for name := range bindings {
		if !declared[name] {
			orphans = append(orphans, name)
		}
	}
	sort.Strings(orphans)
	return orphans
}

// ListTools returns the tool table in manifest order. Tools whose
// capability is disabled are still listed; calling one explains what
// would enable it.
func (r *Registry) ListTools() []mcp.Tool {
	out := make([]mcp.Tool, len(r.entries))
	for i, e := range r.entries {
		out[i] = mcp.Tool{
			Name:        e.tool.Name,
			Description: e.tool.Description,
			InputSchema: e.tool.Schema,
		}
	}
	return out
}

// CallTool runs the pipeline for one invocation. Disabled capabilities,
// invalid arguments, and handler failures all come back as in-band
// error results.
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error) {
	e, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", mcp.ErrUnknownTool, name)
	}

	requestID := uuid.NewString()
	ctx = observability.WithRequestID(ctx, requestID)
	ctx = observability.WithToolName(ctx, name)

	ctx, span := r.tracer.Start(ctx, "tools/call "+name,
		trace.WithAttributes(
			attribute.String("tool.name", name),
			attribute.String("request.id", requestID),
		))
	defer span.End()

	start := time.Now()
	resp := r.execute(ctx, e, args)
	duration := time.Since(start)

	// A body opening with the sentinel is an error even if the handler
	// forgot to flag it.
	isError := resp.IsError || strings.HasPrefix(resp.Body, tools.ErrorSentinel)

	status := "success"
	if isError {
		status = "error"
		observability.RecordSpanError(span, fmt.Errorf("tool %s returned an error result", name))
	}
	r.metrics.RecordToolExecution(name, status, duration.Seconds())
	r.logger.InfoContext(ctx, "tool call",
		"tool", name,
		"status", status,
		"duration_ms", duration.Milliseconds(),
		"requested", resp.Stats.Requested,
		"succeeded", resp.Stats.Succeeded,
		"failed", resp.Stats.Failed,
		"attempts", resp.Stats.Attempts,
	)

	if isError {
		return mcp.NewErrorResult(resp.Body), nil
	}
	return mcp.NewTextResult(resp.Body), nil
}

func (r *Registry) execute(ctx context.Context, e *entry, args json.RawMessage) *tools.Response {
	if missing := r.cfg.MissingEnv(e.tool.Capability); len(missing) > 0 {
		return disabledResponse(e.tool, missing)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return tools.Invalidf("arguments are not valid JSON: %v", err)
	}
	if err := e.schema.Validate(decoded); err != nil {
		return invalidArguments(err)
	}

	if e.binding.PostValidate != nil {
		if err := e.binding.PostValidate(args); err != nil {
			return tools.Invalidf("%v", err)
		}
	}

	return r.invoke(ctx, e, args)
}

// invoke runs the handler with panic containment: a crashing tool
// yields an in-band internal error, never a dead server.
func (r *Registry) invoke(ctx context.Context, e *entry, args json.RawMessage) (resp *tools.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "tool panicked",
				"tool", e.tool.Name,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			fault := faults.New(faults.KindInternal, fmt.Sprintf("tool panicked: %v", rec)).WithRetryable(false)
			resp = tools.Fail("Tool crashed", fault, nil, tools.Stats{})
		}
	}()

	resp = e.binding.Handler(ctx, args)
	if resp == nil {
		fault := faults.New(faults.KindInternal, "tool returned no response").WithRetryable(false)
		resp = tools.Fail("Tool crashed", fault, nil, tools.Stats{})
	}
	return resp
}

// disabledResponse explains which credentials would enable the tool.
func disabledResponse(tool toolspec.Tool, missing []string) *tools.Response {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Tool unavailable\n\n", tools.ErrorSentinel)
	fmt.Fprintf(&b, "%s needs the %q capability, which is disabled.\n", tool.Name, tool.Capability)
	fmt.Fprintf(&b, "Set %s to enable it.\n", strings.Join(missing, " and "))
	return &tools.Response{Body: b.String(), IsError: true}
}

// invalidArguments renders schema violations one per line, most
// specific causes only.
func invalidArguments(err error) *tools.Response {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return tools.Invalidf("%v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s Invalid arguments\n\n", tools.ErrorSentinel)
	for _, line := range leafMessages(ve) {
		b.WriteString("- " + line + "\n")
	}
	return &tools.Response{Body: b.String(), IsError: true}
}

// leafMessages walks to the leaf causes; the root only restates that
// validation failed.
func leafMessages(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var lines []string
	for _, cause := range ve.Causes {
		lines = append(lines, leafMessages(cause)...)
	}
	return lines
}
