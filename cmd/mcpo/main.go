package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/config"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/orchestrator"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
	httptransport "github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/transports/http"
	mcptransport "github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/transports/mcp"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/transports/websocket"
)

const version = "1.0.0"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "mcpo",
		Short:        "mcpo - MCP tool orchestrator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file (yaml, toml or json)")
	root.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", nil, "Extra .env files for placeholders and overrides")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override log.level")

	root.AddCommand(
		newServeCmd(g),
		newMCPCmd(g),
		newToolsCmd(g),
		newCallCmd(g),
		newChainCmd(g),
		newStatusCmd(g),
	)
	return root
}

// load reads the configuration and builds the runtime. Logs always go to stderr so
// stdout stays clean for results and the stdio bridge.
func (g *globalFlags) load(ctx context.Context, stderr io.Writer) (*runtime, error) {
	cfg, err := config.Load(g.configPath, g.envFiles...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		if _, err := config.ParseLevel(g.logLevel); err != nil {
			return nil, err
		}
		cfg.Log.Level = g.logLevel
	}
	return buildRuntime(ctx, cfg, cfg.Log.NewLogger(stderr))
}

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP, websocket and MCP endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := g.load(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			bridge, err := mcptransport.New(ctx, rt.orch, rt.cfg.Server.Name, version,
				mcptransport.WithLogger(rt.logger),
				mcptransport.WithCallerDefaults(rt.defaults),
			)
			if err != nil {
				return fmt.Errorf("build MCP bridge: %w", err)
			}
			srv := httptransport.New(httpConfig(rt), rt.orch,
				httptransport.WithLogger(rt.logger),
				httptransport.WithMount("/ws", websocket.NewServer(rt.orch, websocket.WithLogger(rt.logger))),
				httptransport.WithMount("/mcp", bridge.HTTPHandler()),
			)
			return srv.ListenAndServe(ctx)
		},
	}
}

func httpConfig(rt *runtime) httptransport.Config {
	s := rt.cfg.Server
	return httptransport.Config{
		Addr:            s.Addr,
		Token:           s.Token,
		RateLimit:       s.RateLimit,
		Burst:           s.Burst,
		ShutdownTimeout: s.ShutdownTimeout.Duration,
		CallerDefaults:  rt.defaults,
	}
}

func newMCPCmd(g *globalFlags) *cobra.Command {
	var callerID string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the catalog as an MCP server on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := g.load(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			bridge, err := mcptransport.New(ctx, rt.orch, rt.cfg.Server.Name, version,
				mcptransport.WithLogger(rt.logger),
				mcptransport.WithCallerDefaults(rt.defaults),
			)
			if err != nil {
				return fmt.Errorf("build MCP bridge: %w", err)
			}
			if callerID != "" {
				ctx = protocol.WithCallerID(ctx, callerID)
			}
			rt.logger.Info("serving MCP on stdio", "tools", len(rt.orch.Tools(ctx)))
			return bridge.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&callerID, "caller-id", "", "Caller identity used to pick caller defaults")
	return cmd
}

// callerDefaults merges the global defaults with the ones configured for id.
func (rt *runtime) callerDefaults(id string) map[string]any {
	out := map[string]any{}
	for _, key := range []string{allCallers, id} {
		for k, v := range rt.defaults[key] {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func newToolsCmd(g *globalFlags) *cobra.Command {
	var (
		query string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List or search the tool catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := g.load(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			list := rt.orch.Tools(ctx)
			if query != "" {
				if list, err = rt.orch.SearchTools(ctx, query, limit); err != nil {
					return err
				}
			}
			out := make([]map[string]any, 0, len(list))
			for _, t := range list {
				owner, _ := rt.orch.Owner(t.Name)
				out = append(out, map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"server":      owner,
					"tags":        t.Tags,
				})
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"tools": out, "count": len(out)})
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "Search query")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of search results")
	return cmd
}

func newCallCmd(g *globalFlags) *cobra.Command {
	var (
		rawArgs  string
		callerID string
	)
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Execute one tool and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var toolArgs map[string]any
			if rawArgs != "" {
				if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
					return fmt.Errorf("--args must be a JSON object: %w", err)
				}
			}

			rt, err := g.load(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			if callerID != "" {
				ctx = protocol.WithCallerID(ctx, callerID)
			}
			caller := protocol.Caller{ID: callerID, Defaults: rt.callerDefaults(callerID)}
			out, err := rt.orch.ExecuteTool(ctx, args[0], toolArgs, caller)
			if err != nil {
				_ = printJSON(cmd.OutOrStdout(), map[string]any{"error": protocol.From(err)})
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&rawArgs, "args", "a", "", "Tool arguments as a JSON object")
	cmd.Flags().StringVar(&callerID, "caller-id", "", "Caller identity used to pick caller defaults")
	return cmd
}

func newChainCmd(g *globalFlags) *cobra.Command {
	var (
		file     string
		callerID string
	)
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Run a chain of tool calls from a file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			params, err := readChainFile(file)
			if err != nil {
				return err
			}
			steps, err := orchestrator.ParseSteps(params)
			if err != nil {
				return err
			}

			rt, err := g.load(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			if callerID != "" {
				ctx = protocol.WithCallerID(ctx, callerID)
			}
			caller := protocol.CallerFromParams(ctx, params)
			caller.Defaults = mergeDefaults(rt.callerDefaults(callerID), caller.Defaults)

			res := rt.orch.RunChain(ctx, steps, caller)
			if err := printJSON(cmd.OutOrStdout(), res.Map()); err != nil {
				return err
			}
			if failed, ok := res.Failed(); ok {
				return fmt.Errorf("chain %s aborted at tool %s: %w", res.ID, failed.Step.Tool, failed.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Chain file (json or yaml)")
	cmd.Flags().StringVar(&callerID, "caller-id", "", "Caller identity used to pick caller defaults")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readChainFile accepts either a bare list of steps or an object with steps and an
// optional caller_context.
func readChainFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain file: %w", err)
	}
	var doc any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse chain file: %w", err)
	}
	switch v := doc.(type) {
	case []any:
		return map[string]any{"steps": v}, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("chain file must hold a list of steps or an object with steps")
	}
}

func mergeDefaults(base, over map[string]any) map[string]any {
	if len(base) == 0 {
		return over
	}
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe every server and print status and health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := g.load(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			return printJSON(cmd.OutOrStdout(), map[string]any{
				"status": rt.orch.Status(ctx).Map(),
				"health": rt.orch.Health(ctx).Map(),
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
