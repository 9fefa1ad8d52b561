package server

import (
	"context"
	"sort"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/tools"
)

// Dispatcher serves a single provider over the envelope protocol.
type Dispatcher struct {
	srv Server
	mux *protocol.Mux
}

// NewDispatcher wires the standard method set for s.
func NewDispatcher(s Server, opts ...Option) *Dispatcher {
	o := buildOptions(opts)
	d := &Dispatcher{
		srv: s,
		mux: protocol.NewMux(s.Describe().Name, o.logger),
	}
	d.mux.Handle(protocol.MethodInitialize, d.initialize)
	d.mux.Handle(protocol.MethodToolsList, d.listTools)
	d.mux.Handle(protocol.MethodToolsCall, d.callTool)
	d.mux.Handle(protocol.MethodResourcesList, d.listResources)
	d.mux.Handle(protocol.MethodResourcesRead, d.readResource)
	d.mux.Handle(protocol.MethodPromptsList, d.listPrompts)
	d.mux.Handle(protocol.MethodPromptsGet, d.getPrompt)
	return d
}

// Server returns the provider behind d.
func (d *Dispatcher) Server() Server { return d.srv }

// Handle dispatches a decoded request.
func (d *Dispatcher) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	return d.mux.Serve(ctx, req)
}

// HandleJSON dispatches a raw envelope and returns the encoded response.
func (d *Dispatcher) HandleJSON(ctx context.Context, data []byte) []byte {
	return d.mux.ServeJSON(ctx, data)
}

// Initialize builds the initialize result for a descriptor.
func Initialize(desc Descriptor) map[string]any {
	return map[string]any{
		"protocolVersion": protocol.Version,
		"capabilities":    desc.Capabilities.Map(),
		"serverInfo": map[string]any{
			"name":    desc.Name,
			"version": desc.Version,
		},
	}
}

// ToolResult wraps a tool's structured result in the tools/call result shape.
func ToolResult(result map[string]any) map[string]any {
	if result == nil {
		result = map[string]any{}
	}
	text, err := json.Marshal(result)
	if err != nil {
		text = []byte("{}")
	}
	return map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": string(text)},
		},
		"structuredContent": result,
		"isError":           false,
	}
}

// StructuredContent extracts the structured result from a tools/call result, falling
// back to decoding the first text block.
func StructuredContent(result map[string]any) map[string]any {
	if sc, ok := result["structuredContent"].(map[string]any); ok {
		return sc
	}
	if content, ok := result["content"].([]any); ok && len(content) > 0 {
		if block, ok := content[0].(map[string]any); ok {
			if text, ok := block["text"].(string); ok {
				var out map[string]any
				if json.Unmarshal([]byte(text), &out) == nil {
					return out
				}
				return map[string]any{"text": text}
			}
		}
	}
	return result
}

func (d *Dispatcher) initialize(context.Context, map[string]any) (map[string]any, error) {
	return Initialize(d.srv.Describe()), nil
}

func (d *Dispatcher) listTools(ctx context.Context, _ map[string]any) (map[string]any, error) {
	list, err := d.srv.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return map[string]any{"tools": list}, nil
}

// CallParams extracts name and arguments from tools/call params. A missing arguments
// member is an empty object.
func CallParams(params map[string]any) (string, map[string]any, error) {
	name, ok := protocol.StringParam(params, "name")
	if !ok {
		return "", nil, protocol.InvalidParams("name", "Missing required parameter: name")
	}
	args, ok := protocol.ObjectParam(params, "arguments")
	if !ok {
		return "", nil, protocol.InvalidParams("arguments", "Parameter arguments must be an object")
	}
	return name, args, nil
}

func (d *Dispatcher) callTool(ctx context.Context, params map[string]any) (map[string]any, error) {
	name, args, err := CallParams(params)
	if err != nil {
		return nil, err
	}
	result, err := d.srv.Execute(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return ToolResult(result), nil
}

func (d *Dispatcher) listResources(ctx context.Context, _ map[string]any) (map[string]any, error) {
	list := []tools.Resource{}
	if rl, ok := d.srv.(ResourceLister); ok {
		var err error
		if list, err = rl.ListResources(ctx); err != nil {
			return nil, err
		}
	}
	return map[string]any{"resources": list}, nil
}

func (d *Dispatcher) readResource(ctx context.Context, params map[string]any) (map[string]any, error) {
	uri, ok := protocol.StringParam(params, "uri")
	if !ok {
		return nil, protocol.InvalidParams("uri", "Missing required parameter: uri")
	}
	rr, ok := d.srv.(ResourceReader)
	if !ok {
		return nil, protocol.NotFound("resource", uri)
	}
	return rr.ReadResource(ctx, uri)
}

func (d *Dispatcher) listPrompts(ctx context.Context, _ map[string]any) (map[string]any, error) {
	list := []tools.Prompt{}
	if pl, ok := d.srv.(PromptLister); ok {
		var err error
		if list, err = pl.ListPrompts(ctx); err != nil {
			return nil, err
		}
	}
	return map[string]any{"prompts": list}, nil
}

func (d *Dispatcher) getPrompt(ctx context.Context, params map[string]any) (map[string]any, error) {
	name, ok := protocol.StringParam(params, "name")
	if !ok {
		return nil, protocol.InvalidParams("name", "Missing required parameter: name")
	}
	args, ok := protocol.ObjectParam(params, "arguments")
	if !ok {
		return nil, protocol.InvalidParams("arguments", "Parameter arguments must be an object")
	}
	pg, ok := d.srv.(PromptGetter)
	if !ok {
		return nil, protocol.NotFound("prompt", name)
	}
	return pg.GetPrompt(ctx, name, args)
}
