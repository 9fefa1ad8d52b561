package protocol

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
)

// HandlerFunc serves one method. Returned errors are mapped with From.
type HandlerFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Mux routes envelopes to method handlers. It holds no per-request state; handlers
// are registered before the first request and never changed afterwards.
type Mux struct {
	name     string
	handlers map[string]HandlerFunc
	logger   *slog.Logger
}

// NewMux creates a router. name is reported in error data as "server".
func NewMux(name string, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Mux{name: name, handlers: make(map[string]HandlerFunc), logger: logger}
}

// Handle registers h for method.
func (m *Mux) Handle(method string, h HandlerFunc) {
	m.handlers[method] = h
}

// Methods lists the routed method names.
func (m *Mux) Methods() []string {
	out := make([]string, 0, len(m.handlers))
	for k := range m.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Serve dispatches req. It never panics and always echoes req.ID.
func (m *Mux) Serve(ctx context.Context, req Request) (resp Response) {
	if req.Method == "" {
		return m.fail(req, BadRequest("Invalid request: missing method"))
	}
	h, ok := m.handlers[req.Method]
	if !ok {
		return m.fail(req, UnknownMethod(req.Method))
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic while dispatching", "method", req.Method, "panic", fmt.Sprint(r))
			resp = Failure(req.ID, Internal(m.name, r))
		}
	}()

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	result, err := h(ctx, params)
	if err != nil {
		return m.fail(req, From(err))
	}
	return Success(req.ID, result)
}

// ServeJSON decodes data, dispatches it and encodes the response.
func (m *Mux) ServeJSON(ctx context.Context, data []byte) []byte {
	var resp Response
	req, perr := ParseRequest(data)
	if perr != nil {
		resp = m.fail(req, perr)
	} else {
		resp = m.Serve(ctx, req)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(Failure(req.ID, Internal(m.name, err)))
	}
	return out
}

func (m *Mux) fail(req Request, e *Error) Response {
	if m.name != "" {
		if _, ok := e.Data["server"]; !ok {
			e = e.With("server", m.name)
		}
	}
	level := slog.LevelWarn
	if e.Code == CodeInternalError {
		level = slog.LevelError
	}
	m.logger.Log(context.Background(), level, "request failed",
		"server", m.name, "method", req.Method, "code", int(e.Code), "error", e.Message)
	return Failure(req.ID, e)
}
