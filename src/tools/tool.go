package tools

import (
	"context"
	"errors"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/schema"
)

// Handler is the signature a provider's tool functions must satisfy. Arguments have
// already been validated against the tool's input schema when a Handler runs.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool holds the metadata for a single schema-described operation.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema *schema.Schema `json:"inputSchema"`
	Tags        []string       `json:"tags,omitempty"`
	// Server is filled in by catalogs that aggregate several providers.
	Server  string  `json:"server,omitempty"`
	Handler Handler `json:"-"`
}

// Validate reports whether t can be registered.
func (t Tool) Validate() error {
	if t.Name == "" {
		return errors.New("tool must have a name")
	}
	return nil
}

// Schema returns the input schema, defaulting to an open object.
func (t Tool) Schema() *schema.Schema {
	if t.InputSchema == nil {
		return &schema.Schema{Type: schema.TypeObject}
	}
	return t.InputSchema
}

// Resource is a readable, URI-addressed item a provider lists.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Server      string `json:"server,omitempty"`
}

// PromptArgument describes one input of a prompt template.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is a named prompt template a provider lists.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
	Server      string           `json:"server,omitempty"`
}

// Clone returns a copy of ts with Server set to owner.
func Clone(ts []Tool, owner string) []Tool {
	out := make([]Tool, len(ts))
	for i, t := range ts {
		t.Server = owner
		t.Handler = nil
		out[i] = t
	}
	return out
}
