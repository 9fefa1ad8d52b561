// Package repository holds the global tool index: every tool name mapped to the server
// that owns it.
package repository

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/tools"
)

// ToolRepository is the read side of the index used by search strategies.
type ToolRepository interface {
	GetTool(ctx context.Context, toolName string) (*tools.Tool, error)
	GetTools(ctx context.Context) ([]tools.Tool, error)
	GetToolsByServer(ctx context.Context, serverName string) ([]tools.Tool, error)
}

// Shadow records one tool name taken over by a later server.
type Shadow struct {
	Tool     string `json:"tool"`
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// InMemoryToolRepository maps tool names to owning servers. A later registration of
// the same tool name replaces the earlier owner.
type InMemoryToolRepository struct {
	mu      sync.RWMutex
	owners  map[string]string       // toolName -> serverName
	tools   map[string]tools.Tool   // toolName -> winning descriptor
	byOwner map[string][]tools.Tool // serverName -> declared tools
	servers []string
	logger  *slog.Logger
}

func NewInMemoryToolRepository(logger *slog.Logger) *InMemoryToolRepository {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &InMemoryToolRepository{
		owners:  make(map[string]string),
		tools:   make(map[string]tools.Tool),
		byOwner: make(map[string][]tools.Tool),
		logger:  logger,
	}
}

// SaveServerWithTools indexes ts under serverName and reports every name it shadowed.
func (r *InMemoryToolRepository) SaveServerWithTools(ctx context.Context, serverName string, ts []tools.Tool) ([]Shadow, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byOwner[serverName]; exists {
		return nil, fmt.Errorf("server already registered: %s", serverName)
	}

	owned := tools.Clone(ts, serverName)
	var shadows []Shadow
	for _, t := range owned {
		if prev, ok := r.owners[t.Name]; ok && prev != serverName {
			shadows = append(shadows, Shadow{Tool: t.Name, Previous: prev, Current: serverName})
			r.logger.Warn("tool name shadowed by later server",
				"tool", t.Name, "previous", prev, "current", serverName)
		}
		r.owners[t.Name] = serverName
		r.tools[t.Name] = t
	}
	r.byOwner[serverName] = owned
	r.servers = append(r.servers, serverName)
	return shadows, nil
}

// Owner returns the server that answers for toolName.
func (r *InMemoryToolRepository) Owner(toolName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.owners[toolName]
	return s, ok
}

// GetTool returns nil, nil when no server owns toolName.
func (r *InMemoryToolRepository) GetTool(ctx context.Context, toolName string) (*tools.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[toolName]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// GetTools returns the reachable tools sorted by name. Shadowed entries are excluded.
func (r *InMemoryToolRepository) GetTools(ctx context.Context) ([]tools.Tool, error) {
	r.mu.RLock()
	all := make([]tools.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		all = append(all, t)
	}
	r.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

// GetToolsByServer returns what serverName declared, shadowed names included.
func (r *InMemoryToolRepository) GetToolsByServer(ctx context.Context, serverName string) ([]tools.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.byOwner[serverName]
	if !ok {
		return nil, fmt.Errorf("no tools found for server %s", serverName)
	}
	return append([]tools.Tool(nil), ts...), nil
}

// Servers lists server names in registration order.
func (r *InMemoryToolRepository) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.servers...)
}

// Len is the number of reachable tool names.
func (r *InMemoryToolRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

var _ ToolRepository = (*InMemoryToolRepository)(nil)
