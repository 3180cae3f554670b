package router

import (
	"context"
	"encoding/json"
	"strings"

	"orpheus/internal/gateway"
	"orpheus/internal/streaming"
	"orpheus/pkg/errors"
	"orpheus/pkg/logger"
)

// MetaTool is a statically declared tool name that resolves to a dynamically
// discovered remote tool at call time. The upstream streaming protocol wants
// the full manifest before the conversation starts, but the gateway's
// capability set changes between sessions; the meta-tool is the indirection
// between the two.
type MetaTool struct {
	Name        string
	Description string
	// DomainTag is matched (prefix or substring, case-insensitive) against
	// discovered remote tool names to pick the target at call time.
	DomainTag   string
	InputSchema json.RawMessage
}

// MetaTools is the fixed set declared at promptStart for every session.
var MetaTools = []MetaTool{
	{
		Name:        "searchKnowledgeBase",
		Description: "Search the maintenance knowledge base for manuals, procedures and repair documentation.",
		DomainTag:   "search_knowledge_base",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
	},
	{
		Name:        "queryAssetSystem",
		Description: "Query the asset management system for assets, work orders and maintenance records.",
		DomainTag:   "maintainx",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"action":{"type":"string"},"params":{"type":"object"}},"required":["action"]}`),
	},
}

// Router maps meta-tool invocations emitted by a stream to discovered remote
// tools and executes them through the gateway under the service-level
// credential.
type Router struct {
	gw  *gateway.Client // nil in degraded mode
	log *logger.Logger
}

// New creates a tool router. Passing a nil gateway client puts the router in
// degraded mode: no meta-tools are declared and sessions proceed with only
// statically built-in tools.
func New(gw *gateway.Client) *Router {
	r := &Router{
		gw:  gw,
		log: logger.Get().With("component", "tool_router"),
	}
	if gw == nil {
		r.log.Warn("Tool gateway unavailable, running with built-in tools only")
	}
	return r
}

// Degraded reports whether the router operates without a gateway.
func (r *Router) Degraded() bool { return r.gw == nil }

// Manifest returns the tool declarations for promptStart. Empty in degraded
// mode so the model never emits toolUse events for unavailable tools.
func (r *Router) Manifest() []streaming.ToolSpec {
	if r.Degraded() {
		return nil
	}
	specs := make([]streaming.ToolSpec, 0, len(MetaTools))
	for _, mt := range MetaTools {
		specs = append(specs, streaming.ToolSpec{
			Name:        mt.Name,
			Description: mt.Description,
			InputSchema: mt.InputSchema,
		})
	}
	return specs
}

// PromptInstructions returns the tool-usage guidance appended to the system
// prompt when the gateway is available.
func (r *Router) PromptInstructions() string {
	if r.Degraded() {
		return ""
	}
	return "Use the searchKnowledgeBase tool to look up manuals and repair procedures, " +
		"and the queryAssetSystem tool for assets, work orders and maintenance records. " +
		"Use descriptive names instead of IDs; obtain IDs through the list actions when needed."
}

// Execute resolves a meta-tool name to a discovered remote tool, invokes it
// and normalizes the result. Failures are returned as ErrToolExecution and
// are non-fatal to the session.
func (r *Router) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if r.Degraded() {
		return nil, errors.Wrapf(errors.ErrToolExecution, "%s: gateway unavailable", name)
	}

	meta, ok := lookupMetaTool(name)
	if !ok {
		return nil, errors.Wrapf(errors.ErrToolNotFound, "unknown meta-tool %q", name)
	}

	// Discovery is lazy and cached for the process lifetime, not re-fetched
	// per call.
	tools, err := r.gw.ListTools(ctx)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrToolExecution, "%s: %v", name, err)
	}

	remote, ok := resolveRemoteTool(meta, tools)
	if !ok {
		return nil, errors.Wrapf(errors.ErrToolNotFound, "no remote tool matches %q (tag %q)", name, meta.DomainTag)
	}

	r.log.Debugf("Meta-tool %s resolved to %s", name, remote)

	raw, err := r.gw.CallTool(ctx, remote, args)
	if err != nil {
		return nil, err
	}

	return NormalizeResult(raw), nil
}

func lookupMetaTool(name string) (MetaTool, bool) {
	for _, mt := range MetaTools {
		if mt.Name == name {
			return mt, true
		}
	}
	return MetaTool{}, false
}

// resolveRemoteTool picks the best-matching discovered tool for a meta-tool:
// first a name suffix/prefix match on the domain tag, then any substring hit.
func resolveRemoteTool(meta MetaTool, tools []gateway.ToolDescriptor) (string, bool) {
	tag := strings.ToLower(meta.DomainTag)

	for _, t := range tools {
		name := strings.ToLower(t.Name)
		if strings.HasSuffix(name, tag) || strings.HasPrefix(name, tag) {
			return t.Name, true
		}
	}
	for _, t := range tools {
		if strings.Contains(strings.ToLower(t.Name), tag) {
			return t.Name, true
		}
	}
	return "", false
}

// NormalizeResult turns a raw tool payload into the content returned to the
// stream. Payloads whose leading character suggests structured data are
// parsed as JSON; on parse failure the raw text is returned unchanged.
func NormalizeResult(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		if json.Valid([]byte(trimmed)) {
			return json.RawMessage(trimmed)
		}
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}
