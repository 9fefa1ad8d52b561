// Package config loads the orchestrator configuration from YAML, TOML or JSON files,
// resolving $VAR placeholders from inline variables, .env files and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
)

// Duration decodes "30s"-style strings in every supported format.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server         ServerConfig      `json:"server" yaml:"server" toml:"server"`
	Log            LogConfig         `json:"log" yaml:"log" toml:"log"`
	Providers      ProvidersConfig   `json:"providers" yaml:"providers" toml:"providers"`
	CallerDefaults map[string]any    `json:"caller_defaults,omitempty" yaml:"caller_defaults" toml:"caller_defaults"`
	Variables      map[string]string `json:"variables,omitempty" yaml:"variables" toml:"variables"`
	EnvFiles       []string          `json:"env_files,omitempty" yaml:"env_files" toml:"env_files"`
}

type ServerConfig struct {
	Name            string   `json:"name" yaml:"name" toml:"name"`
	Addr            string   `json:"addr" yaml:"addr" toml:"addr"`
	Token           string   `json:"token,omitempty" yaml:"token" toml:"token"`
	RateLimit       float64  `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	Burst           int      `json:"burst" yaml:"burst" toml:"burst"`
	ChainTimeout    Duration `json:"chain_timeout" yaml:"chain_timeout" toml:"chain_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

type ProvidersConfig struct {
	Currency *CurrencyConfig   `json:"currency,omitempty" yaml:"currency" toml:"currency"`
	Ledger   *LedgerConfig     `json:"ledger,omitempty" yaml:"ledger" toml:"ledger"`
	MCP      []MCPServerConfig `json:"mcp,omitempty" yaml:"mcp" toml:"mcp"`
	REST     []RESTConfig      `json:"rest,omitempty" yaml:"rest" toml:"rest"`
}

type CurrencyConfig struct {
	BaseURL     string   `json:"base_url" yaml:"base_url" toml:"base_url"`
	FallbackURL string   `json:"fallback_url" yaml:"fallback_url" toml:"fallback_url"`
	APIKey      string   `json:"api_key,omitempty" yaml:"api_key" toml:"api_key"`
	CacheTTL    Duration `json:"cache_ttl" yaml:"cache_ttl" toml:"cache_ttl"`
	Timeout     Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

type LedgerConfig struct {
	Driver string `json:"driver" yaml:"driver" toml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn" toml:"dsn"`
	Seed   bool   `json:"seed" yaml:"seed" toml:"seed"`
}

// MCPServerConfig describes a remote MCP server reached over HTTP (URL, with Transport
// "streamable" or "sse") or a child process speaking stdio (Command).
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name" toml:"name"`
	URL       string            `json:"url,omitempty" yaml:"url" toml:"url"`
	Transport string            `json:"transport,omitempty" yaml:"transport" toml:"transport"`
	Command   string            `json:"command,omitempty" yaml:"command" toml:"command"`
	Args      []string          `json:"args,omitempty" yaml:"args" toml:"args"`
	Env       []string          `json:"env,omitempty" yaml:"env" toml:"env"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers" toml:"headers"`
}

// RESTConfig exposes the operations of an OpenAPI document as tools. Spec is a URL or
// a file path.
type RESTConfig struct {
	Name         string            `json:"name" yaml:"name" toml:"name"`
	Spec         string            `json:"spec" yaml:"spec" toml:"spec"`
	BaseURL      string            `json:"base_url,omitempty" yaml:"base_url" toml:"base_url"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers" toml:"headers"`
	APIKey       string            `json:"api_key,omitempty" yaml:"api_key" toml:"api_key"`
	Username     string            `json:"username,omitempty" yaml:"username" toml:"username"`
	Password     string            `json:"password,omitempty" yaml:"password" toml:"password"`
	ClientID     string            `json:"client_id,omitempty" yaml:"client_id" toml:"client_id"`
	ClientSecret string            `json:"client_secret,omitempty" yaml:"client_secret" toml:"client_secret"`
	Timeout      Duration          `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "mcp-orchestrator",
			Addr:            ":8080",
			RateLimit:       20,
			Burst:           40,
			ChainTimeout:    Duration{30 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Providers: ProvidersConfig{
			Currency: &CurrencyConfig{},
			Ledger:   &LedgerConfig{Driver: "sqlite", DSN: "file:ledger.db?_pragma=foreign_keys(1)", Seed: true},
		},
	}
}

// Load reads path (format by extension) on top of Default, substitutes placeholders and
// applies MCPO_* environment overrides. An empty path loads only defaults and overrides.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := readRaw(path)
		if err != nil {
			return nil, err
		}

		resolver := &Resolver{Variables: stringMap(raw["variables"])}
		for _, f := range append(stringSlice(raw["env_files"]), envFiles...) {
			resolver.Loaders = append(resolver.Loaders, NewDotEnv(f))
		}
		delete(raw, "variables")

		subbed, err := resolver.Replace(raw)
		if err != nil {
			return nil, err
		}
		blob, err := json.Marshal(subbed)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", path, err)
		}
		if err := json.Unmarshal(blob, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		cfg.Variables = resolver.Variables
	} else {
		for _, f := range envFiles {
			if _, err := NewDotEnv(f).Load(); err != nil {
				return nil, fmt.Errorf("read env file %s: %w", f, err)
			}
		}
	}

	cfg.applyEnv(envFiles)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		_, err = toml.Decode(string(data), &raw)
	case ".json":
		err = json.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return raw, nil
}

// applyEnv lets MCPO_ADDR, MCPO_TOKEN, MCPO_LOG_LEVEL and MCPO_FX_CACHE_TTL win over file values. The
// env files passed on the command line are consulted after the process environment.
func (c *Config) applyEnv(envFiles []string) {
	r := &Resolver{}
	for _, f := range envFiles {
		r.Loaders = append(r.Loaders, NewDotEnv(f))
	}
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		for _, l := range r.Loaders {
			if v, err := l.Get(key); err == nil {
				return v
			}
		}
		return ""
	}
	if v := lookup("MCPO_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := lookup("MCPO_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := lookup("MCPO_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := lookup("MCPO_FX_CACHE_TTL"); v != "" && c.Providers.Currency != nil {
		var d Duration
		if err := d.UnmarshalText([]byte(v)); err == nil {
			c.Providers.Currency.CacheTTL = d
		}
	}
}

// Validate reports configuration that cannot be served.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must be set"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if l := c.Providers.Ledger; l != nil {
		switch l.Driver {
		case "sqlite", "pgx":
		default:
			errs = append(errs, fmt.Errorf("providers.ledger.driver must be sqlite or pgx, got %q", l.Driver))
		}
		if l.DSN == "" {
			errs = append(errs, errors.New("providers.ledger.dsn must be set"))
		}
	}
	seen := map[string]bool{}
	for i, m := range c.Providers.MCP {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("providers.mcp[%d].name must be set", i))
		}
		if (m.URL == "") == (m.Command == "") {
			errs = append(errs, fmt.Errorf("providers.mcp[%d] needs exactly one of url or command", i))
		}
		if t := m.Transport; t != "" && t != "streamable" && t != "sse" {
			errs = append(errs, fmt.Errorf("providers.mcp[%d]: unknown transport %q", i, t))
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("providers.mcp[%d]: duplicate name %q", i, m.Name))
		}
		seen[m.Name] = true
	}
	for i, r := range c.Providers.REST {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("providers.rest[%d].name must be set", i))
		}
		if r.Spec == "" {
			errs = append(errs, fmt.Errorf("providers.rest[%d].spec must be set", i))
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("providers.rest[%d]: duplicate name %q", i, r.Name))
		}
		seen[r.Name] = true
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func stringMap(v any) map[string]string {
	out := map[string]string{}
	m, _ := v.(map[string]any)
	for k, x := range m {
		out[k] = fmt.Sprint(x)
	}
	return out
}

func stringSlice(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, x := range list {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
