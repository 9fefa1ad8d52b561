package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cast"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/config"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/orchestrator"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/providers/currency"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/providers/ledger"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/providers/mcp"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/providers/rest"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/server"
)

const allCallers = "*"

// runtime is everything a command needs: the orchestrator plus the resources
// backing its servers.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	orch     *orchestrator.Orchestrator
	defaults map[string]map[string]any
	closers  []func() error
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, defaults: callerDefaults(cfg.CallerDefaults)}
	servers, err := rt.servers(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.orch, err = orchestrator.New(ctx, servers,
		orchestrator.WithLogger(logger),
		orchestrator.WithInfo(cfg.Server.Name, version),
		orchestrator.WithChainTimeout(cfg.Server.ChainTimeout.Duration),
	)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	return rt, nil
}

func (rt *runtime) servers(ctx context.Context) ([]server.Server, error) {
	var out []server.Server
	p := rt.cfg.Providers

	if c := p.Currency; c != nil {
		opts := []currency.Option{
			currency.WithLogger(rt.logger),
			currency.WithEndpoints(c.BaseURL, c.FallbackURL, c.APIKey),
		}
		if c.CacheTTL.Duration > 0 {
			opts = append(opts, currency.WithCacheTTL(c.CacheTTL.Duration))
		}
		if c.Timeout.Duration > 0 {
			opts = append(opts, currency.WithHTTPClient(&http.Client{Timeout: c.Timeout.Duration}))
		}
		svc, err := currency.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("currency provider: %w", err)
		}
		out = append(out, svc)
	}

	if l := p.Ledger; l != nil {
		store, err := ledger.Open(ctx, l.Driver, l.DSN)
		if err != nil {
			return nil, fmt.Errorf("ledger provider: %w", err)
		}
		rt.closers = append(rt.closers, store.Close)
		if l.Seed {
			if err := store.Seed(ctx, time.Now()); err != nil {
				return nil, fmt.Errorf("seed ledger: %w", err)
			}
		}
		svc, err := ledger.New(store, ledger.WithLogger(rt.logger))
		if err != nil {
			return nil, fmt.Errorf("ledger provider: %w", err)
		}
		out = append(out, svc)
	}

	for _, m := range p.MCP {
		prov := &mcp.MCPProvider{
			Name:      m.Name,
			URL:       m.URL,
			Transport: m.Transport,
			Command:   m.Command,
			Args:      m.Args,
			Env:       m.Env,
			Headers:   m.Headers,
		}
		remote, err := mcp.Connect(ctx, prov, mcp.WithLogger(rt.logger))
		if err != nil {
			// an unreachable remote leaves the rest of the catalog usable
			rt.logger.Error("skipping MCP server", "server", m.Name, "error", err)
			continue
		}
		rt.closers = append(rt.closers, remote.Close)
		out = append(out, remote)
	}

	for _, r := range p.REST {
		client := &http.Client{Timeout: 30 * time.Second}
		if r.Timeout.Duration > 0 {
			client.Timeout = r.Timeout.Duration
		}
		doc, docURL, err := rest.LoadDocument(ctx, client, r.Spec)
		if err != nil {
			rt.logger.Error("skipping REST API", "server", r.Name, "error", err)
			continue
		}
		svc, err := rest.New(r.Name, doc, docURL,
			rest.WithLogger(rt.logger),
			rest.WithHTTPClient(client),
			rest.WithBaseURL(r.BaseURL),
			rest.WithHeaders(r.Headers),
			rest.WithCredentials(rest.Credentials{
				APIKey:       r.APIKey,
				Username:     r.Username,
				Password:     r.Password,
				ClientID:     r.ClientID,
				ClientSecret: r.ClientSecret,
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("rest provider %s: %w", r.Name, err)
		}
		out = append(out, svc)
	}
	return out, nil
}

// Close releases provider resources in reverse order of acquisition.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// callerDefaults splits the caller_defaults section. Scalar entries apply to every
// caller; map entries are keyed by caller id.
func callerDefaults(raw map[string]any) map[string]map[string]any {
	if len(raw) == 0 {
		return nil
	}
	out := map[string]map[string]any{}
	for k, v := range raw {
		if m, err := cast.ToStringMapE(v); err == nil {
			dst := out[k]
			if dst == nil {
				dst = map[string]any{}
				out[k] = dst
			}
			for mk, mv := range m {
				dst[mk] = mv
			}
			continue
		}
		if out[allCallers] == nil {
			out[allCallers] = map[string]any{}
		}
		out[allCallers][k] = v
	}
	return out
}
