// Package server defines the contract every tool provider satisfies, a reusable Base
// implementation, and the Dispatcher that serves one provider over the envelope protocol.
package server

import (
	"context"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/tools"
)

// Capabilities advertises which method families a provider serves.
type Capabilities struct {
	Tools     bool `json:"tools"`
	Resources bool `json:"resources"`
	Prompts   bool `json:"prompts"`
}

// Map renders c in the shape initialize returns.
func (c Capabilities) Map() map[string]any {
	out := map[string]any{}
	if c.Tools {
		out["tools"] = map[string]any{}
	}
	if c.Resources {
		out["resources"] = map[string]any{}
	}
	if c.Prompts {
		out["prompts"] = map[string]any{}
	}
	return out
}

// Descriptor identifies a provider. It is fixed at construction.
type Descriptor struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Capabilities Capabilities `json:"capabilities"`
}

// Server is the uniform contract a tool provider exposes.
type Server interface {
	Describe() Descriptor
	// ListTools returns the provider's catalog. Order is not guaranteed.
	ListTools(ctx context.Context) ([]tools.Tool, error)
	// Execute runs a tool. Names outside the catalog fail with ToolNotFound; arguments
	// are validated before any provider logic runs.
	Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

type ResourceLister interface {
	ListResources(ctx context.Context) ([]tools.Resource, error)
}

type PromptLister interface {
	ListPrompts(ctx context.Context) ([]tools.Prompt, error)
}

type ResourceReader interface {
	ReadResource(ctx context.Context, uri string) (map[string]any, error)
}

type PromptGetter interface {
	GetPrompt(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}
