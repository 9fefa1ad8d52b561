// Package mcp exposes a remote MCP server as an orchestrator server.
package mcp

import (
	"errors"
	"fmt"
	"time"
)

// HTTP transports for URL providers.
const (
	TransportStreamable = "streamable"
	TransportSSE        = "sse"
)

// MCPProvider describes how to reach a remote MCP server: an HTTP endpoint (URL,
// streamable by default or legacy SSE) or a child process speaking stdio (Command).
type MCPProvider struct {
	Name      string            `json:"name" yaml:"name"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Transport string            `json:"transport,omitempty" yaml:"transport,omitempty"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       []string          `json:"env,omitempty" yaml:"env,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout   time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// NewHTTPProvider returns a provider for a streamable HTTP endpoint.
func NewHTTPProvider(name, url string) *MCPProvider {
	return &MCPProvider{Name: name, URL: url, Headers: make(map[string]string)}
}

// NewStdioProvider returns a provider that launches command.
func NewStdioProvider(name, command string, args ...string) *MCPProvider {
	return &MCPProvider{Name: name, Command: command, Args: args}
}

// WithEnv adds KEY=value to the child process environment.
func (p *MCPProvider) WithEnv(key, value string) *MCPProvider {
	p.Env = append(p.Env, key+"="+value)
	return p
}

// WithHeader sets a request header for HTTP providers.
func (p *MCPProvider) WithHeader(key, value string) *MCPProvider {
	if p.Headers == nil {
		p.Headers = make(map[string]string)
	}
	p.Headers[key] = value
	return p
}

// WithTimeout bounds each tool call.
func (p *MCPProvider) WithTimeout(d time.Duration) *MCPProvider {
	p.Timeout = d
	return p
}

// Validate ensures the provider configuration is valid.
func (p *MCPProvider) Validate() error {
	if p.Name == "" {
		return errors.New("MCP provider name cannot be empty")
	}
	if (p.URL == "") == (p.Command == "") {
		return errors.New("MCP provider needs exactly one of url or command")
	}
	switch p.Transport {
	case "", TransportStreamable, TransportSSE:
	default:
		return fmt.Errorf("unknown MCP transport %q", p.Transport)
	}
	if p.Transport != "" && p.URL == "" {
		return errors.New("MCP transport applies only to url providers")
	}
	return nil
}
