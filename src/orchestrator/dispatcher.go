package orchestrator

import (
	"context"

	"github.com/spf13/cast"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/chain"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/server"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/tools"
)

// Orchestrator-specific methods.
const (
	MethodChain             = "orchestrator/chain"
	MethodChainedOperations = "orchestrator/chained_operations"
	MethodStatus            = "orchestrator/status"
	MethodHealth            = "orchestrator/health"
)

const defaultSearchLimit = 10

func (o *Orchestrator) routes() *protocol.Mux {
	mux := protocol.NewMux(o.name, o.logger)
	mux.Handle(protocol.MethodInitialize, o.handleInitialize)
	mux.Handle(protocol.MethodToolsList, o.handleListTools)
	mux.Handle(protocol.MethodToolsCall, o.handleCallTool)
	mux.Handle(protocol.MethodToolsSearch, o.handleSearchTools)
	mux.Handle(protocol.MethodResourcesList, o.handleListResources)
	mux.Handle(protocol.MethodResourcesRead, o.handleReadResource)
	mux.Handle(protocol.MethodPromptsList, o.handleListPrompts)
	mux.Handle(protocol.MethodPromptsGet, o.handleGetPrompt)
	mux.Handle(MethodChain, o.handleChain)
	mux.Handle(MethodChainedOperations, o.handleChainedOperations)
	mux.Handle(MethodStatus, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		return o.Status(ctx).Map(), nil
	})
	mux.Handle(MethodHealth, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		return o.Health(ctx).Map(), nil
	})
	return mux
}

// Handle dispatches a decoded request against the aggregate catalog.
func (o *Orchestrator) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	return o.mux.Serve(ctx, req)
}

// HandleJSON dispatches a raw envelope.
func (o *Orchestrator) HandleJSON(ctx context.Context, data []byte) []byte {
	return o.mux.ServeJSON(ctx, data)
}

// Methods lists every routed method.
func (o *Orchestrator) Methods() []string {
	return o.mux.Methods()
}

func (o *Orchestrator) handleInitialize(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{
		"protocolVersion": protocol.Version,
		"capabilities": map[string]any{
			"tools":        map[string]any{"listChanged": false},
			"resources":    map[string]any{},
			"prompts":      map[string]any{},
			"orchestrator": map[string]any{"chained_operations": true},
		},
		"serverInfo": map[string]any{
			"name":           o.name,
			"version":        o.version,
			"servers":        o.Servers(),
			"shadowed_tools": o.Shadowed(),
		},
	}, nil
}

// handleListTools narrows to one server's declared tools when params name a server.
func (o *Orchestrator) handleListTools(ctx context.Context, params map[string]any) (map[string]any, error) {
	name, ok := protocol.StringParam(params, "server")
	if !ok {
		return map[string]any{"tools": o.Tools(ctx)}, nil
	}
	list, err := o.ServerTools(ctx, name)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []tools.Tool{}
	}
	return map[string]any{"tools": list}, nil
}

func (o *Orchestrator) handleCallTool(ctx context.Context, params map[string]any) (map[string]any, error) {
	name, args, err := server.CallParams(params)
	if err != nil {
		return nil, err
	}
	out, err := o.ExecuteTool(ctx, name, args, protocol.CallerFromParams(ctx, params))
	if err != nil {
		return nil, err
	}
	return server.ToolResult(out), nil
}

func (o *Orchestrator) handleSearchTools(ctx context.Context, params map[string]any) (map[string]any, error) {
	query, _ := params["query"].(string)
	limit := defaultSearchLimit
	if v, ok := params["limit"]; ok {
		n, err := cast.ToIntE(v)
		if err != nil || n <= 0 {
			return nil, protocol.InvalidParams("limit", "Parameter limit must be a positive integer")
		}
		limit = n
	}
	found, err := o.SearchTools(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = []tools.Tool{}
	}
	return map[string]any{"tools": found}, nil
}

func (o *Orchestrator) handleListResources(ctx context.Context, _ map[string]any) (map[string]any, error) {
	out := []tools.Resource{}
	for _, name := range o.Servers() {
		rl, ok := o.members[name].srv.(server.ResourceLister)
		if !ok {
			continue
		}
		list, err := rl.ListResources(ctx)
		if err != nil {
			o.logger.Warn("resource listing failed", "server", name, "error", err)
			continue
		}
		for _, r := range list {
			r.Server = name
			out = append(out, r)
		}
	}
	return map[string]any{"resources": out}, nil
}

func (o *Orchestrator) handleReadResource(ctx context.Context, params map[string]any) (map[string]any, error) {
	uri, ok := protocol.StringParam(params, "uri")
	if !ok {
		return nil, protocol.InvalidParams("uri", "Missing required parameter: uri")
	}
	order := o.Servers()
	for i := len(order) - 1; i >= 0; i-- {
		m := o.members[order[i]]
		rl, ok := m.srv.(server.ResourceLister)
		if !ok {
			continue
		}
		list, err := rl.ListResources(ctx)
		if err != nil {
			continue
		}
		for _, r := range list {
			if r.URI == uri {
				resp := m.disp.Handle(ctx, protocol.NewRequest(nil, protocol.MethodResourcesRead, params))
				if resp.Error != nil {
					return nil, resp.Error
				}
				return resp.Result, nil
			}
		}
	}
	return nil, protocol.NotFound("resource", uri)
}

func (o *Orchestrator) handleListPrompts(ctx context.Context, _ map[string]any) (map[string]any, error) {
	out := []tools.Prompt{}
	for _, name := range o.Servers() {
		pl, ok := o.members[name].srv.(server.PromptLister)
		if !ok {
			continue
		}
		list, err := pl.ListPrompts(ctx)
		if err != nil {
			o.logger.Warn("prompt listing failed", "server", name, "error", err)
			continue
		}
		for _, p := range list {
			p.Server = name
			out = append(out, p)
		}
	}
	return map[string]any{"prompts": out}, nil
}

func (o *Orchestrator) handleGetPrompt(ctx context.Context, params map[string]any) (map[string]any, error) {
	name, ok := protocol.StringParam(params, "name")
	if !ok {
		return nil, protocol.InvalidParams("name", "Missing required parameter: name")
	}
	order := o.Servers()
	for i := len(order) - 1; i >= 0; i-- {
		m := o.members[order[i]]
		pl, ok := m.srv.(server.PromptLister)
		if !ok {
			continue
		}
		list, err := pl.ListPrompts(ctx)
		if err != nil {
			continue
		}
		for _, p := range list {
			if p.Name == name {
				resp := m.disp.Handle(ctx, protocol.NewRequest(nil, protocol.MethodPromptsGet, params))
				if resp.Error != nil {
					return nil, resp.Error
				}
				return resp.Result, nil
			}
		}
	}
	return nil, protocol.NotFound("prompt", name)
}

// ParseSteps decodes the steps (or legacy operations) member of a chain request.
func ParseSteps(params map[string]any) ([]chain.Step, error) {
	raw, ok := params["steps"]
	if !ok {
		raw, ok = params["operations"]
	}
	if !ok {
		return nil, protocol.InvalidParams("steps", "Missing required parameter: steps")
	}
	if _, isList := raw.([]any); !isList {
		if _, isSteps := raw.([]chain.Step); !isSteps {
			return nil, protocol.InvalidParams("steps", "Parameter steps must be an array")
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, protocol.InvalidParams("steps", err.Error())
	}
	var steps []chain.Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, protocol.InvalidParams("steps", "Invalid chain step: "+err.Error())
	}
	return steps, nil
}

func (o *Orchestrator) handleChain(ctx context.Context, params map[string]any) (map[string]any, error) {
	steps, err := ParseSteps(params)
	if err != nil {
		return nil, err
	}
	return o.RunChain(ctx, steps, protocol.CallerFromParams(ctx, params)).Map(), nil
}

func (o *Orchestrator) handleChainedOperations(ctx context.Context, params map[string]any) (map[string]any, error) {
	out, err := o.handleChain(ctx, params)
	if err != nil {
		return nil, err
	}
	out["chained_results"] = out["results"]
	return out, nil
}
