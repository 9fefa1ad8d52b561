// Package chain runs ordered tool calls where later steps may reference the results of
// earlier ones.
package chain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/schema"
)

// Executor runs a single tool call.
type Executor interface {
	ExecuteTool(ctx context.Context, name string, args map[string]any, caller protocol.Caller) (map[string]any, error)
}

// SchemaLookup is implemented by executors that can report a tool's input schema.
// When available it drives unwrapping of single-field results into scalar arguments.
type SchemaLookup interface {
	ToolSchema(name string) *schema.Schema
}

// Step is one call in a chain.
type Step struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	ResultKey string         `json:"result_key,omitempty"`
}

// StepResult is one entry of the trail. Exactly one of Result or Error is set.
type StepResult struct {
	Step      Step            `json:"step"`
	Arguments map[string]any  `json:"arguments"`
	Result    map[string]any  `json:"result,omitempty"`
	Error     *protocol.Error `json:"error,omitempty"`
	Success   bool            `json:"success"`
	Timestamp time.Time       `json:"timestamp"`
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Result is the ordered trail of a chain run.
type Result struct {
	ID     string       `json:"chain_id"`
	Status Status       `json:"status"`
	Steps  []StepResult `json:"results"`
}

// Failed returns the step that aborted the chain, if any.
func (r Result) Failed() (StepResult, bool) {
	if n := len(r.Steps); n > 0 && !r.Steps[n-1].Success {
		return r.Steps[n-1], true
	}
	return StepResult{}, false
}

// Map renders r as an envelope result.
func (r Result) Map() map[string]any {
	return map[string]any{
		"chain_id": r.ID,
		"status":   string(r.Status),
		"results":  r.Steps,
	}
}

// Engine executes chains. It keeps no state between runs.
type Engine struct {
	exec    Executor
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Engine)

// WithTimeout bounds every run in addition to the caller's own deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(exec Executor, opts ...Option) *Engine {
	e := &Engine{
		exec:   exec,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes steps strictly in order and stops at the first failure. Cancellation or
// deadline expiry fails the step that was running, or the next one, the same way.
func (e *Engine) Run(ctx context.Context, steps []Step, caller protocol.Caller) Result {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	res := Result{
		ID:     uuid.NewString(),
		Status: StatusCompleted,
		Steps:  make([]StepResult, 0, len(steps)),
	}
	log := e.logger.With("chain_id", res.ID, "caller", caller.ID)
	log.Info("chain started", "steps", len(steps))

	store := make(map[string]any, len(steps))
	for i, step := range steps {
		if step.ResultKey == "" {
			step.ResultKey = fmt.Sprintf("operation_%d", i)
		}
		args := e.resolve(step, store)
		entry := StepResult{Step: step, Arguments: args}

		out, err := e.call(ctx, step, args, caller)
		entry.Timestamp = time.Now().UTC()
		if err != nil {
			entry.Error = protocol.From(err)
			res.Steps = append(res.Steps, entry)
			res.Status = StatusAborted
			log.Warn("chain aborted", "step", i, "tool", step.Tool, "code", int(entry.Error.Code), "error", entry.Error.Message)
			return res
		}

		entry.Result = out
		entry.Success = true
		res.Steps = append(res.Steps, entry)
		store[step.ResultKey] = out
		log.Debug("chain step completed", "step", i, "tool", step.Tool, "result_key", step.ResultKey)
	}

	log.Info("chain completed", "steps", len(res.Steps))
	return res
}

func (e *Engine) call(ctx context.Context, step Step, args map[string]any, caller protocol.Caller) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step.Tool == "" {
		return nil, protocol.InvalidParams("tool", "Chain step is missing a tool name")
	}
	out, err := e.exec.ExecuteTool(ctx, step.Tool, args, caller)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// resolve copies step arguments, replacing context references with stored results.
func (e *Engine) resolve(step Step, store map[string]any) map[string]any {
	var s *schema.Schema
	if lookup, ok := e.exec.(SchemaLookup); ok {
		s = lookup.ToolSchema(step.Tool)
	}
	out := make(map[string]any, len(step.Arguments))
	for k, v := range step.Arguments {
		val, replaced := substitute(v, store)
		if replaced && s != nil && isScalar(s.PropertyType(k)) {
			val = unwrap(val)
		}
		out[k] = val
	}
	return out
}

// substitute replaces a string equal to a stored key with that result, or a
// "key.path" string with the gjson projection of the result. Containers are
// copied recursively; nothing else is interpolated.
func substitute(v any, store map[string]any) (any, bool) {
	switch t := v.(type) {
	case string:
		if stored, ok := store[t]; ok {
			return deepCopy(stored), true
		}
		return project(t, store)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k], _ = substitute(x, store)
		}
		return m, false
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i], _ = substitute(x, store)
		}
		return s, false
	default:
		return v, false
	}
}

func project(ref string, store map[string]any) (any, bool) {
	for i := strings.IndexByte(ref, '.'); i > 0; {
		if stored, ok := store[ref[:i]]; ok {
			data, err := json.Marshal(stored)
			if err != nil {
				return ref, false
			}
			if r := gjson.GetBytes(data, ref[i+1:]); r.Exists() {
				return r.Value(), true
			}
			return ref, false
		}
		next := strings.IndexByte(ref[i+1:], '.')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return ref, false
}

func isScalar(t string) bool {
	switch t {
	case schema.TypeString, schema.TypeNumber, schema.TypeInteger, schema.TypeBoolean:
		return true
	}
	return false
}

func unwrap(v any) any {
	if m, ok := v.(map[string]any); ok && len(m) == 1 {
		for _, x := range m {
			return x
		}
	}
	return v
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = deepCopy(x)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = deepCopy(x)
		}
		return s
	default:
		return v
	}
}
