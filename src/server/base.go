package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/schema"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/tools"
)

// ResourceHandler produces the contents of a registered resource.
type ResourceHandler func(ctx context.Context, uri string) (map[string]any, error)

// PromptHandler renders a registered prompt with the caller's arguments.
type PromptHandler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Option configures a Base or a Dispatcher.
type Option func(*options)

type options struct {
	logger *slog.Logger
	strict bool
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithStrictArguments makes Base reject arguments its schemas do not declare.
func WithStrictArguments() Option {
	return func(o *options) { o.strict = true }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type resourceEntry struct {
	resource tools.Resource
	handler  ResourceHandler
}

type promptEntry struct {
	prompt  tools.Prompt
	handler PromptHandler
}

// Base is an in-process Server built from registered tools, resources and prompts.
// Providers embed it and register their handlers in their constructor.
type Base struct {
	name    string
	version string
	opts    options

	mu        sync.RWMutex
	order     []string
	tools     map[string]tools.Tool
	resources []resourceEntry
	prompts   []promptEntry
}

// NewBase creates an empty provider.
func NewBase(name, version string, opts ...Option) *Base {
	return &Base{
		name:    name,
		version: version,
		opts:    buildOptions(opts),
		tools:   make(map[string]tools.Tool),
	}
}

// Name returns the provider name.
func (b *Base) Name() string { return b.name }

// Logger returns the provider's logger, scoped with its name.
func (b *Base) Logger() *slog.Logger { return b.opts.logger.With("server", b.name) }

// RegisterTool adds t to the catalog. Registering an existing name replaces it.
func (b *Base) RegisterTool(t tools.Tool) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.tools[t.Name]; !exists {
		b.order = append(b.order, t.Name)
	}
	b.tools[t.Name] = t
	return nil
}

// RegisterResource lists r; h may be nil for resources that are listed but empty.
func (b *Base) RegisterResource(r tools.Resource, h ResourceHandler) error {
	if r.URI == "" {
		return errors.New("resource must have a uri")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resources = append(b.resources, resourceEntry{resource: r, handler: h})
	return nil
}

// RegisterPrompt lists p; h may be nil.
func (b *Base) RegisterPrompt(p tools.Prompt, h PromptHandler) error {
	if p.Name == "" {
		return errors.New("prompt must have a name")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompts = append(b.prompts, promptEntry{prompt: p, handler: h})
	return nil
}

func (b *Base) Describe() Descriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Descriptor{
		Name:    b.name,
		Version: b.version,
		Capabilities: Capabilities{
			Tools:     true,
			Resources: len(b.resources) > 0,
			Prompts:   len(b.prompts) > 0,
		},
	}
}

func (b *Base) ListTools(ctx context.Context) ([]tools.Tool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := make([]tools.Tool, 0, len(b.order))
	for _, name := range b.order {
		list = append(list, b.tools[name])
	}
	return tools.Clone(list, b.name), nil
}

func (b *Base) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	b.mu.RLock()
	t, ok := b.tools[name]
	b.mu.RUnlock()
	if !ok {
		return nil, protocol.ToolNotFound(name).With("server", b.name)
	}

	var vopts []schema.Option
	if b.opts.strict {
		vopts = append(vopts, schema.Strict())
	}
	if err := schema.Validate(t.Schema(), args, vopts...); err != nil {
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			return nil, protocol.Validation(ve).With("server", b.name)
		}
		return nil, err
	}

	start := time.Now()
	result, err := t.Handler(ctx, args)
	log := b.Logger().With("tool", name, "duration", time.Since(start))
	if err != nil {
		log.Warn("tool failed", "error", err)
		return nil, b.wrap(err)
	}
	log.Debug("tool executed")
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}

// wrap classifies a handler error. Typed errors pass through; context expiry keeps its
// execution class; everything else is the provider's own execution failure.
func (b *Base) wrap(err error) error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		if _, ok := pe.Data["server"]; !ok {
			return pe.With("server", b.name)
		}
		return pe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return protocol.From(err).With("server", b.name)
	}
	return protocol.Execution(b.name, err)
}

func (b *Base) ListResources(ctx context.Context) ([]tools.Resource, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]tools.Resource, len(b.resources))
	for i, e := range b.resources {
		r := e.resource
		r.Server = b.name
		out[i] = r
	}
	return out, nil
}

func (b *Base) ReadResource(ctx context.Context, uri string) (map[string]any, error) {
	b.mu.RLock()
	var entry *resourceEntry
	for i := range b.resources {
		if b.resources[i].resource.URI == uri {
			entry = &b.resources[i]
			break
		}
	}
	b.mu.RUnlock()
	if entry == nil {
		return nil, protocol.NotFound("resource", uri).With("server", b.name)
	}
	if entry.handler == nil {
		return map[string]any{"contents": []any{}}, nil
	}
	out, err := entry.handler(ctx, uri)
	if err != nil {
		return nil, b.wrap(err)
	}
	return out, nil
}

func (b *Base) ListPrompts(ctx context.Context) ([]tools.Prompt, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]tools.Prompt, len(b.prompts))
	for i, e := range b.prompts {
		p := e.prompt
		p.Server = b.name
		out[i] = p
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Base) GetPrompt(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	b.mu.RLock()
	var entry *promptEntry
	for i := range b.prompts {
		if b.prompts[i].prompt.Name == name {
			entry = &b.prompts[i]
			break
		}
	}
	b.mu.RUnlock()
	if entry == nil {
		return nil, protocol.NotFound("prompt", name).With("server", b.name)
	}
	for _, a := range entry.prompt.Arguments {
		if _, ok := args[a.Name]; a.Required && !ok {
			return nil, protocol.Validation(&schema.ValidationError{
				Field:   a.Name,
				Reason:  schema.MissingField,
				Message: "Missing required argument: " + a.Name,
			})
		}
	}
	if entry.handler == nil {
		return map[string]any{"messages": []any{}}, nil
	}
	out, err := entry.handler(ctx, args)
	if err != nil {
		return nil, b.wrap(err)
	}
	return out, nil
}

var (
	_ Server         = (*Base)(nil)
	_ ResourceLister = (*Base)(nil)
	_ ResourceReader = (*Base)(nil)
	_ PromptLister   = (*Base)(nil)
	_ PromptGetter   = (*Base)(nil)
)
