// Package orchestrator aggregates many tool servers behind one catalog, routes calls to
// the owning server, runs chains and reports server status.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/chain"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/repository"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/schema"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/server"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/tag"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/tools"
)

const (
	DefaultName    = "mcp-orchestrator"
	DefaultVersion = "1.0.0"
)

type member struct {
	srv  server.Server
	disp *server.Dispatcher
}

// Orchestrator owns the server list and the tool index. Both are fixed once New returns.
type Orchestrator struct {
	name    string
	version string

	members map[string]member
	shadows []repository.Shadow
	repo    *repository.InMemoryToolRepository
	search  *tag.TagSearchStrategy
	engine  *chain.Engine
	mux     *protocol.Mux

	chainTimeout time.Duration
	logger       *slog.Logger
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithChainTimeout bounds every chain run.
func WithChainTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.chainTimeout = d }
}

// WithInfo overrides the name and version reported by initialize.
func WithInfo(name, version string) Option {
	return func(o *Orchestrator) {
		if name != "" {
			o.name = name
		}
		if version != "" {
			o.version = version
		}
	}
}

// New registers servers in order and builds the tool index. When two servers declare the
// same tool the later one owns it. A server whose catalog cannot be listed is kept but
// contributes no tools.
func New(ctx context.Context, servers []server.Server, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		name:    DefaultName,
		version: DefaultVersion,
		members: make(map[string]member, len(servers)),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.repo = repository.NewInMemoryToolRepository(o.logger)
	o.search = tag.NewTagSearchStrategy(o.repo, 0.5)

	for _, s := range servers {
		if s == nil {
			return nil, fmt.Errorf("nil server")
		}
		name := s.Describe().Name
		if name == "" {
			return nil, fmt.Errorf("server has no name")
		}
		if _, dup := o.members[name]; dup {
			return nil, fmt.Errorf("duplicate server name: %s", name)
		}

		list, err := s.ListTools(ctx)
		if err != nil {
			o.logger.Error("server catalog unavailable", "server", name, "error", err)
			list = nil
		}
		shadows, err := o.repo.SaveServerWithTools(ctx, name, list)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
		o.shadows = append(o.shadows, shadows...)
		o.members[name] = member{srv: s, disp: server.NewDispatcher(s, server.WithLogger(o.logger))}
		o.logger.Info("registered server", "server", name, "tools", len(list))
	}

	o.engine = chain.NewEngine(o, chain.WithTimeout(o.chainTimeout), chain.WithLogger(o.logger))
	o.mux = o.routes()
	o.logger.Info("orchestrator ready", "servers", len(o.members), "tools", o.repo.Len(), "shadowed", len(o.shadows))
	return o, nil
}

// Servers lists server names in registration order.
func (o *Orchestrator) Servers() []string {
	return o.repo.Servers()
}

// Shadowed lists the tool names a later server took over, in registration order.
func (o *Orchestrator) Shadowed() []repository.Shadow {
	out := make([]repository.Shadow, len(o.shadows))
	copy(out, o.shadows)
	return out
}

// ServerTools returns every tool the named server declared, including names a later
// server shadows.
func (o *Orchestrator) ServerTools(ctx context.Context, name string) ([]tools.Tool, error) {
	if _, ok := o.members[name]; !ok {
		return nil, protocol.NotFound("server", name)
	}
	return o.repo.GetToolsByServer(ctx, name)
}

// Owner returns the server that answers for a tool.
func (o *Orchestrator) Owner(toolName string) (string, bool) {
	return o.repo.Owner(toolName)
}

// Tools returns every reachable tool annotated with its owning server.
func (o *Orchestrator) Tools(ctx context.Context) []tools.Tool {
	all, _ := o.repo.GetTools(ctx)
	return all
}

// Tool looks up a single reachable tool.
func (o *Orchestrator) Tool(name string) (tools.Tool, bool) {
	t, _ := o.repo.GetTool(context.Background(), name)
	if t == nil {
		return tools.Tool{}, false
	}
	return *t, true
}

// ToolSchema implements chain.SchemaLookup.
func (o *Orchestrator) ToolSchema(name string) *schema.Schema {
	if t, ok := o.Tool(name); ok {
		return t.InputSchema
	}
	return nil
}

// SearchTools ranks tools by tag, name and description keywords.
func (o *Orchestrator) SearchTools(ctx context.Context, query string, limit int) ([]tools.Tool, error) {
	return o.search.SearchTools(ctx, query, limit)
}

// ExecuteTool forwards a call to the owning server's dispatcher and returns the
// structured result. Caller defaults fill only arguments that are absent.
func (o *Orchestrator) ExecuteTool(ctx context.Context, name string, args map[string]any, caller protocol.Caller) (map[string]any, error) {
	owner, ok := o.repo.Owner(name)
	if !ok {
		return nil, protocol.ToolNotFound(name)
	}
	m := o.members[owner]

	req := protocol.NewRequest(uuid.NewString(), protocol.MethodToolsCall, map[string]any{
		"name":      name,
		"arguments": caller.Apply(args),
	})
	start := time.Now()
	resp := m.disp.Handle(ctx, req)
	o.logger.Debug("tool routed",
		"tool", name, "server", owner, "caller", caller.ID,
		"duration", time.Since(start), "ok", resp.Error == nil)
	if resp.Error != nil {
		return nil, resp.Error
	}
	return server.StructuredContent(resp.Result), nil
}

// RunChain executes steps through ExecuteTool.
func (o *Orchestrator) RunChain(ctx context.Context, steps []chain.Step, caller protocol.Caller) chain.Result {
	return o.engine.Run(ctx, steps, caller)
}

var _ chain.Executor = (*Orchestrator)(nil)
var _ chain.SchemaLookup = (*Orchestrator)(nil)
