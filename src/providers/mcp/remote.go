package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpapi "github.com/mark3labs/mcp-go/mcp"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/schema"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/server"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/tools"
)

const (
	clientName    = "mcpo"
	clientVersion = "1.0.0"
)

// Remote is a server.Server backed by an MCP client session.
type Remote struct {
	provider *MCPProvider
	client   *mcpclient.Client
	version  string
	logger   *slog.Logger

	mu      sync.RWMutex
	schemas map[string]*schema.Schema
}

type Option func(*Remote)

func WithLogger(l *slog.Logger) Option {
	return func(r *Remote) {
		if l != nil {
			r.logger = l
		}
	}
}

// Connect starts the session with the remote server and performs the MCP handshake.
func Connect(ctx context.Context, p *MCPProvider, opts ...Option) (*Remote, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid MCP provider configuration: %w", err)
	}
	r := &Remote{
		provider: p,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		schemas:  make(map[string]*schema.Schema),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("server", p.Name)

	cli, err := newClient(ctx, p)
	if err != nil {
		return nil, err
	}
	initReq := mcpapi.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpapi.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpapi.Implementation{Name: clientName, Version: clientVersion}
	res, err := cli.Initialize(ctx, initReq)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to initialize MCP client: %w", err)
	}
	r.client = cli
	r.version = res.ServerInfo.Version
	if err := r.Refresh(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	r.logger.Info("connected to MCP server", "remote", res.ServerInfo.Name, "version", res.ServerInfo.Version)
	return r, nil
}

func newClient(ctx context.Context, p *MCPProvider) (*mcpclient.Client, error) {
	if p.URL != "" && p.Transport == TransportSSE {
		var opts []transport.ClientOption
		if len(p.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(p.Headers))
		}
		cli, err := mcpclient.NewSSEMCPClient(p.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create MCP SSE client: %w", err)
		}
		if err := cli.Start(ctx); err != nil {
			cli.Close()
			return nil, fmt.Errorf("failed to start MCP SSE client: %w", err)
		}
		return cli, nil
	}
	if p.URL != "" {
		var opts []transport.StreamableHTTPCOption
		if len(p.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(p.Headers))
		}
		cli, err := mcpclient.NewStreamableHttpClient(p.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create MCP HTTP client: %w", err)
		}
		if err := cli.Start(ctx); err != nil {
			cli.Close()
			return nil, fmt.Errorf("failed to start MCP HTTP client: %w", err)
		}
		return cli, nil
	}
	// the stdio client starts its process on construction
	cli, err := mcpclient.NewStdioMCPClient(p.Command, p.Env, p.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to start MCP server %q: %w", p.Command, err)
	}
	return cli, nil
}

// Close ends the session and stops a stdio child process.
func (r *Remote) Close() error { return r.client.Close() }

func (r *Remote) Describe() server.Descriptor {
	return server.Descriptor{
		Name:         r.provider.Name,
		Version:      r.version,
		Capabilities: server.Capabilities{Tools: true},
	}
}

// ListTools fetches the live remote catalog. It leaves the schemas Execute
// validates against untouched.
func (r *Remote) ListTools(ctx context.Context) ([]tools.Tool, error) {
	out, _, err := r.fetch(ctx)
	return out, err
}

// Refresh replaces the catalog Execute accepts with the remote's current one.
func (r *Remote) Refresh(ctx context.Context) error {
	_, schemas, err := r.fetch(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.schemas = schemas
	r.mu.Unlock()
	return nil
}

func (r *Remote) fetch(ctx context.Context) ([]tools.Tool, map[string]*schema.Schema, error) {
	res, err := r.client.ListTools(ctx, mcpapi.ListToolsRequest{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list tools: %w", err)
	}
	out := make([]tools.Tool, 0, len(res.Tools))
	schemas := make(map[string]*schema.Schema, len(res.Tools))
	for _, tl := range res.Tools {
		in, err := schema.FromMap(map[string]any{
			"type":       tl.InputSchema.Type,
			"properties": tl.InputSchema.Properties,
			"required":   tl.InputSchema.Required,
		})
		if err != nil {
			r.logger.Warn("skipping tool with unreadable schema", "tool", tl.Name, "error", err)
			continue
		}
		schemas[tl.Name] = in
		out = append(out, tools.Tool{
			Name:        tl.Name,
			Description: tl.Description,
			InputSchema: in,
			Server:      r.provider.Name,
		})
	}
	return out, schemas, nil
}

// Execute validates args against the catalog loaded on connect and calls the
// remote tool.
func (r *Remote) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	r.mu.RLock()
	in, known := r.schemas[name]
	r.mu.RUnlock()
	if !known {
		return nil, protocol.ToolNotFound(name).With("server", r.provider.Name)
	}
	var ve *schema.ValidationError
	if err := schema.Validate(in, args); errors.As(err, &ve) {
		return nil, protocol.Validation(ve).With("server", r.provider.Name)
	}

	if r.provider.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.provider.Timeout)
		defer cancel()
	}

	req := mcpapi.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := r.client.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, protocol.From(ctx.Err()).With("server", r.provider.Name)
		}
		return nil, protocol.Execution(r.provider.Name, err)
	}
	out := decodeResult(res)
	if res.IsError {
		msg, _ := out["text"].(string)
		if msg == "" {
			msg = "remote tool reported an error"
		}
		return nil, protocol.Execution(r.provider.Name, errors.New(msg))
	}
	return out, nil
}

// decodeResult turns MCP content into a result object. A single text block
// holding a JSON object is returned as that object.
func decodeResult(res *mcpapi.CallToolResult) map[string]any {
	var texts []string
	var other []any
	for _, c := range res.Content {
		if tc, ok := mcpapi.AsTextContent(c); ok {
			texts = append(texts, tc.Text)
			continue
		}
		raw, err := json.Marshal(c)
		if err != nil {
			continue
		}
		var v any
		if json.Unmarshal(raw, &v) == nil {
			other = append(other, v)
		}
	}
	if len(texts) == 1 && len(other) == 0 {
		var obj map[string]any
		if json.Unmarshal([]byte(texts[0]), &obj) == nil && obj != nil {
			return obj
		}
	}
	out := map[string]any{}
	if len(texts) > 0 {
		out["text"] = strings.Join(texts, "\n")
	}
	if len(other) > 0 {
		out["content"] = other
	}
	return out
}
