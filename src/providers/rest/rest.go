// Package rest exposes the operations of an OpenAPI-described HTTP API as tools.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"gopkg.in/yaml.v3"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/server"
)

const (
	defaultVersion   = "1.0.0"
	maxResponseBytes = 4 << 20
)

// Credentials supply the secrets named by an operation's security scheme.
type Credentials struct {
	APIKey       string
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
}

// Service is a server whose tools are HTTP calls.
type Service struct {
	*server.Base

	ops     map[string]Operation
	http    *http.Client
	baseURL string
	headers map[string]string
	creds   Credentials
	logger  *slog.Logger

	mu     sync.Mutex
	tokens map[string]oauth2.TokenSource
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		if c != nil {
			s.http = c
		}
	}
}

// WithBaseURL replaces the server URL declared by the document.
func WithBaseURL(u string) Option {
	return func(s *Service) { s.baseURL = u }
}

// WithHeaders adds fixed headers to every request.
func WithHeaders(h map[string]string) Option {
	return func(s *Service) { s.headers = h }
}

func WithCredentials(c Credentials) Option {
	return func(s *Service) { s.creds = c }
}

// New registers one tool per operation in doc. docURL is used to resolve relative
// server URLs and may be empty.
func New(name string, doc map[string]any, docURL string, opts ...Option) (*Service, error) {
	if name == "" {
		return nil, errors.New("rest provider needs a name")
	}
	s := &Service{
		ops:    make(map[string]Operation),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tokens: make(map[string]oauth2.TokenSource),
	}
	for _, opt := range opts {
		opt(s)
	}

	conv := NewConverter(doc, docURL)
	conv.baseURL = s.baseURL
	if err := checkURL(conv.BaseURL()); err != nil {
		return nil, err
	}
	ops, err := conv.Convert()
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", name, err)
	}
	version := conv.Version()
	if version == "" {
		version = defaultVersion
	}

	s.Base = server.NewBase(name, version, server.WithLogger(s.logger))
	s.logger = s.Base.Logger()
	for _, op := range ops {
		op.Tool.Handler = func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return s.call(ctx, op, args)
		}
		if err := s.RegisterTool(op.Tool); err != nil {
			return nil, err
		}
		s.ops[op.Tool.Name] = op
	}
	s.logger.Info("loaded REST operations", "title", conv.Title(), "tools", len(ops))
	return s, nil
}

// Operation returns the HTTP binding of a tool.
func (s *Service) Operation(name string) (Operation, bool) {
	op, ok := s.ops[name]
	return op, ok
}

// checkURL allows https anywhere and plain http only on loopback hosts.
func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid base URL %q", raw)
	}
	if u.Scheme == "https" {
		return nil
	}
	host := u.Hostname()
	if u.Scheme == "http" {
		if host == "localhost" {
			return nil
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return nil
		}
	}
	return fmt.Errorf("security error: base URL must use HTTPS or a loopback host, got %s", raw)
}

func (s *Service) call(ctx context.Context, op Operation, args map[string]any) (map[string]any, error) {
	target := op.URL
	for _, p := range op.Path {
		target = strings.ReplaceAll(target, "{"+p+"}", url.PathEscape(cast.ToString(args[p])))
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("build URL: %w", err)
	}
	q := u.Query()
	for _, p := range op.Query {
		v, ok := args[p]
		if !ok {
			continue
		}
		if list, isList := v.([]any); isList {
			for _, item := range list {
				q.Add(p, cast.ToString(item))
			}
			continue
		}
		q.Set(p, cast.ToString(v))
	}
	u.RawQuery = q.Encode()

	var body io.Reader
	if op.BodyField != "" {
		if v, ok := args[op.BodyField]; ok {
			data, err := json.Marshal(v)
			if err != nil {
				return nil, protocol.InvalidParams(op.BodyField, "body is not encodable: "+err.Error())
			}
			body = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	for _, h := range op.Header {
		if v, ok := args[h]; ok {
			req.Header.Set(h, cast.ToString(v))
		}
	}
	if err := s.authorize(req, op.Auth); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op.Method, op.Tool.Name, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	s.logger.Debug("rest call", "tool", op.Tool.Name, "method", op.Method, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode >= 400 {
		return nil, protocol.Execution(s.Name(),
			fmt.Errorf("tool %s returned error status: %s", op.Tool.Name, resp.Status)).
			With("status", resp.StatusCode).
			With("body", truncate(string(data), 512))
	}
	return decodeBody(resp.StatusCode, resp.Header.Get("Content-Type"), data), nil
}

// decodeBody returns JSON objects as-is. Other JSON values land under "result" and
// non-JSON bodies under "text".
func decodeBody(status int, contentType string, data []byte) map[string]any {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{"status": status}
	}
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		if m, ok := v.(map[string]any); ok {
			return m
		}
		return map[string]any{"result": v}
	}
	out := map[string]any{"text": string(data)}
	if contentType != "" {
		out["content_type"] = contentType
	}
	return out
}

func (s *Service) authorize(req *http.Request, a *Auth) error {
	if a == nil {
		return nil
	}
	switch a.Scheme {
	case AuthAPIKey:
		if s.creds.APIKey == "" {
			return errors.New("API key required but not configured")
		}
		switch a.In {
		case "query":
			q := req.URL.Query()
			q.Set(a.Name, s.creds.APIKey)
			req.URL.RawQuery = q.Encode()
		case "cookie":
			req.AddCookie(&http.Cookie{Name: a.Name, Value: s.creds.APIKey})
		default:
			req.Header.Set(a.Name, s.creds.APIKey)
		}
	case AuthBearer:
		if s.creds.APIKey == "" {
			return errors.New("bearer token required but not configured")
		}
		req.Header.Set("Authorization", "Bearer "+s.creds.APIKey)
	case AuthBasic:
		req.SetBasicAuth(s.creds.Username, s.creds.Password)
	case AuthOAuth2:
		tok, err := s.tokenSource(a).Token()
		if err != nil {
			return fmt.Errorf("oauth2 token: %w", err)
		}
		tok.SetAuthHeader(req)
	}
	return nil
}

// tokenSource caches one client-credentials source per token endpoint.
func (s *Service) tokenSource(a *Auth) oauth2.TokenSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.tokens[a.TokenURL]; ok {
		return ts
	}
	cfg := clientcredentials.Config{
		ClientID:     s.creds.ClientID,
		ClientSecret: s.creds.ClientSecret,
		TokenURL:     a.TokenURL,
		Scopes:       a.Scopes,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, s.http)
	ts := cfg.TokenSource(ctx)
	s.tokens[a.TokenURL] = ts
	return ts
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// LoadDocument reads an OpenAPI document from an http(s) URL or a file path. JSON is
// tried first, then YAML. The returned URL is the final location after redirects.
func LoadDocument(ctx context.Context, client *http.Client, location string) (map[string]any, string, error) {
	var (
		data     []byte
		finalURL string
		err      error
	)
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		data, finalURL, err = fetch(ctx, client, location)
	} else {
		data, err = os.ReadFile(location)
	}
	if err != nil {
		return nil, location, err
	}

	var doc map[string]any
	if jerr := json.Unmarshal(data, &doc); jerr == nil {
		return doc, finalURL, nil
	}
	var raw any
	if yerr := yaml.Unmarshal(data, &raw); yerr != nil {
		return nil, location, fmt.Errorf("parse %s as JSON or YAML: %w", location, yerr)
	}
	norm, err := json.Normalize(stringKeys(raw))
	if err != nil {
		return nil, location, fmt.Errorf("normalize %s: %w", location, err)
	}
	doc, ok := norm.(map[string]any)
	if !ok {
		return nil, location, fmt.Errorf("%s is not an OpenAPI object", location)
	}
	return doc, finalURL, nil
}

func fetch(ctx context.Context, client *http.Client, location string) ([]byte, string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", location, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch %s: unexpected status %s", location, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Request.URL.String(), nil
}

// stringKeys rewrites YAML maps with non-string keys (status codes) so they encode.
func stringKeys(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[fmt.Sprint(k)] = stringKeys(x)
		}
		return out
	case map[string]any:
		for k, x := range val {
			val[k] = stringKeys(x)
		}
		return val
	case []any:
		for i, x := range val {
			val[i] = stringKeys(x)
		}
		return val
	default:
		return val
	}
}
