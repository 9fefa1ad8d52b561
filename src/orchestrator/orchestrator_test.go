package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/schema"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/server"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/tools"
)

func echoServer(t *testing.T, name string, toolNames ...string) *server.Base {
	t.Helper()
	b := server.NewBase(name, "1.0.0")
	for _, tn := range toolNames {
		require.NoError(t, b.RegisterTool(tools.Tool{
			Name:        tn,
			Description: tn + " tool",
			Handler: func(_ context.Context, args map[string]any) (map[string]any, error) {
				return map[string]any{"served_by": name, "args": args}, nil
			},
		}))
	}
	return b
}

// flaky lists its catalog only while healthy.
type flaky struct {
	*server.Base
	down atomic.Bool
	boom bool
}

func (f *flaky) ListTools(ctx context.Context) ([]tools.Tool, error) {
	if f.boom {
		panic("catalog corrupted")
	}
	if f.down.Load() {
		return nil, errors.New("connection refused")
	}
	return f.Base.ListTools(ctx)
}

func TestCollisionRoutesToLastRegistered(t *testing.T) {
	first := echoServer(t, "fx-primary", "convert_currency", "get_live_fx_rate")
	second := echoServer(t, "fx-secondary", "convert_currency")

	o, err := New(context.Background(), []server.Server{first, second})
	require.NoError(t, err)

	out, err := o.ExecuteTool(context.Background(), "convert_currency", map[string]any{}, protocol.Caller{})
	require.NoError(t, err)
	assert.Equal(t, "fx-secondary", out["served_by"])

	out, err = o.ExecuteTool(context.Background(), "get_live_fx_rate", nil, protocol.Caller{})
	require.NoError(t, err)
	assert.Equal(t, "fx-primary", out["served_by"])

	owner, _ := o.Owner("convert_currency")
	assert.Equal(t, "fx-secondary", owner)
	assert.Len(t, o.Tools(context.Background()), 2)
}

func TestShadowedToolsReported(t *testing.T) {
	first := echoServer(t, "fx-primary", "convert_currency", "get_live_fx_rate")
	second := echoServer(t, "fx-secondary", "convert_currency")
	empty := echoServer(t, "idle")
	o, err := New(context.Background(), []server.Server{first, second, empty})
	require.NoError(t, err)
	ctx := context.Background()

	require.Len(t, o.Shadowed(), 1)
	assert.Equal(t, "convert_currency", o.Shadowed()[0].Tool)
	assert.Equal(t, "fx-primary", o.Shadowed()[0].Previous)
	assert.Equal(t, "fx-secondary", o.Shadowed()[0].Current)

	resp := o.Handle(ctx, protocol.NewRequest(1, protocol.MethodInitialize, nil))
	require.Nil(t, resp.Error)
	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var init struct {
		ServerInfo struct {
			Servers  []string         `json:"servers"`
			Shadowed []map[string]any `json:"shadowed_tools"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(data, &init))
	assert.Equal(t, []string{"fx-primary", "fx-secondary", "idle"}, init.ServerInfo.Servers)
	assert.Equal(t, []map[string]any{{"tool": "convert_currency", "previous": "fx-primary", "current": "fx-secondary"}}, init.ServerInfo.Shadowed)

	declared, err := o.ServerTools(ctx, "fx-primary")
	require.NoError(t, err)
	assert.Len(t, declared, 2, "shadowed names stay in the declaring server's catalog")

	resp = o.Handle(ctx, protocol.NewRequest(2, protocol.MethodToolsList, map[string]any{"server": "fx-secondary"}))
	require.Nil(t, resp.Error)
	list := resp.Result["tools"].([]tools.Tool)
	require.Len(t, list, 1)
	assert.Equal(t, "fx-secondary", list[0].Server)

	resp = o.Handle(ctx, protocol.NewRequest(3, protocol.MethodToolsList, map[string]any{"server": "idle"}))
	require.Nil(t, resp.Error)
	assert.Empty(t, resp.Result["tools"])

	resp = o.Handle(ctx, protocol.NewRequest(4, protocol.MethodToolsList, map[string]any{"server": "ghost"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeToolNotFound, resp.Error.Code)
}

func TestDuplicateServerNameRejected(t *testing.T) {
	_, err := New(context.Background(), []server.Server{echoServer(t, "a"), echoServer(t, "a")})
	assert.Error(t, err)
}

func TestUnknownToolIsRoutingError(t *testing.T) {
	o, err := New(context.Background(), []server.Server{echoServer(t, "a", "x")})
	require.NoError(t, err)

	_, err = o.ExecuteTool(context.Background(), "nope", nil, protocol.Caller{})
	var pe *protocol.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, protocol.CodeToolNotFound, pe.Code)
}

func TestCallerDefaultsOnlyFillAbsentArguments(t *testing.T) {
	o, err := New(context.Background(), []server.Server{echoServer(t, "ledger", "generate_summary")})
	require.NoError(t, err)

	caller := protocol.Caller{ID: "merchant-7", Defaults: map[string]any{"merchant_id": 7, "currency": "USD"}}
	args := map[string]any{"merchant_id": 9}
	out, err := o.ExecuteTool(context.Background(), "generate_summary", args, caller)
	require.NoError(t, err)

	got := out["args"].(map[string]any)
	assert.Equal(t, 9, got["merchant_id"])
	assert.Equal(t, "USD", got["currency"])
	assert.Equal(t, map[string]any{"merchant_id": 9}, args, "caller args must not be mutated")
}

func TestStatusReportsOfflineServer(t *testing.T) {
	bad := &flaky{Base: echoServer(t, "calendar", "schedule")}
	panicky := &flaky{Base: echoServer(t, "legacy", "old_tool")}
	o, err := New(context.Background(), []server.Server{
		echoServer(t, "ledger", "query_transactions", "generate_summary"),
		bad,
		echoServer(t, "currency", "convert_currency"),
		panicky,
	})
	require.NoError(t, err)

	bad.down.Store(true)
	panicky.boom = true
	sum := o.Status(context.Background())

	assert.Equal(t, 4, sum.TotalServers)
	assert.Equal(t, sum.TotalServers-2, sum.OnlineServers)
	assert.Equal(t, 3, sum.TotalTools)
	assert.Equal(t, StatusOffline, sum.Servers["calendar"].Status)
	assert.Equal(t, "connection refused", sum.Servers["calendar"].Error)
	assert.Equal(t, StatusOffline, sum.Servers["legacy"].Status)
	assert.Contains(t, sum.Servers["legacy"].Error, "catalog corrupted")
	require.NotNil(t, sum.Servers["ledger"].ToolCount)
	assert.Equal(t, 2, *sum.Servers["ledger"].ToolCount)

	h := o.Health(context.Background())
	assert.Equal(t, HealthDegraded, h.OverallStatus)
	assert.Equal(t, "unhealthy", h.Servers["calendar"].Status)
	assert.Equal(t, 2, h.Servers["ledger"].ToolsAvailable)
}

func TestServerDownAtConstructionContributesNoTools(t *testing.T) {
	bad := &flaky{Base: echoServer(t, "calendar", "schedule")}
	bad.down.Store(true)
	o, err := New(context.Background(), []server.Server{bad, echoServer(t, "ledger", "generate_summary")})
	require.NoError(t, err)

	_, ok := o.Tool("schedule")
	assert.False(t, ok)
	assert.Equal(t, []string{"calendar", "ledger"}, o.Servers())
	assert.Equal(t, HealthDegraded, o.Health(context.Background()).OverallStatus)
}

func newFinance(t *testing.T) *Orchestrator {
	t.Helper()
	ledger := server.NewBase("ledger", "1.0.0")
	require.NoError(t, ledger.RegisterTool(tools.Tool{
		Name:        "get_summary",
		Description: "Net profit for a merchant",
		Tags:        []string{"ledger"},
		InputSchema: schema.Object(map[string]*schema.Schema{"merchant_id": schema.Integer("")}, "merchant_id"),
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"net_profit": 2000}, nil
		},
	}))
	require.NoError(t, ledger.RegisterTool(tools.Tool{
		Name: "fail",
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("merchant not found")
		},
	}))
	require.NoError(t, ledger.RegisterResource(tools.Resource{URI: "ledger://schema", Name: "schema"},
		func(context.Context, string) (map[string]any, error) {
			return map[string]any{"contents": []any{map[string]any{"text": "tables"}}}, nil
		}))

	fx := server.NewBase("currency", "1.0.0")
	require.NoError(t, fx.RegisterTool(tools.Tool{
		Name:        "convert",
		Description: "Convert an amount between currencies",
		Tags:        []string{"fx"},
		InputSchema: schema.Object(map[string]*schema.Schema{"amount": schema.Number("")}, "amount"),
		Handler: func(_ context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"received": args["amount"]}, nil
		},
	}))

	o, err := New(context.Background(), []server.Server{ledger, fx})
	require.NoError(t, err)
	return o
}

func decode(t *testing.T, out []byte) protocol.Response {
	t.Helper()
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(out, &resp))
	return resp
}

func TestChainOverEnvelope(t *testing.T) {
	o := newFinance(t)

	out := o.HandleJSON(context.Background(), []byte(`{
		"jsonrpc":"2.0","id":"chain-1","method":"orchestrator/chain",
		"params":{
			"caller_context":{"merchant_id":1},
			"steps":[
				{"tool":"get_summary","result_key":"S"},
				{"tool":"convert","arguments":{"amount":"S"},"result_key":"C"}
			]
		}
	}`))
	resp := decode(t, out)
	require.Nil(t, resp.Error)
	assert.Equal(t, "chain-1", resp.ID)
	assert.Equal(t, "completed", resp.Result["status"])

	results := resp.Result["results"].([]any)
	require.Len(t, results, 2)
	second := results[1].(map[string]any)
	assert.Equal(t, true, second["success"])
	assert.EqualValues(t, 2000, second["result"].(map[string]any)["received"])
}

func TestChainedOperationsAliasAbortsOnFailure(t *testing.T) {
	o := newFinance(t)

	resp := o.Handle(context.Background(), protocol.NewRequest(3, MethodChainedOperations, map[string]any{
		"merchant_id": 1,
		"operations": []any{
			map[string]any{"tool": "get_summary"},
			map[string]any{"tool": "fail"},
			map[string]any{"tool": "convert", "arguments": map[string]any{"amount": 1}},
		},
	}))
	require.Nil(t, resp.Error)
	assert.Equal(t, "aborted", resp.Result["status"])

	data, err := json.Marshal(resp.Result["chained_results"])
	require.NoError(t, err)
	var trail []map[string]any
	require.NoError(t, json.Unmarshal(data, &trail))
	require.Len(t, trail, 2)
	assert.Equal(t, false, trail[1]["success"])
	assert.EqualValues(t, protocol.CodeExecutionFailed, trail[1]["error"].(map[string]any)["code"])
}

func TestOrchestratorDispatcherMethods(t *testing.T) {
	o := newFinance(t)
	ctx := context.Background()

	resp := o.Handle(ctx, protocol.NewRequest(1, protocol.MethodToolsCall, map[string]any{
		"name": "get_summary", "caller_context": map[string]any{"merchant_id": 5},
	}))
	require.Nil(t, resp.Error)
	assert.Equal(t, 2000, server.StructuredContent(resp.Result)["net_profit"])

	resp = o.Handle(ctx, protocol.NewRequest(2, protocol.MethodToolsCall, map[string]any{"name": "get_summary"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeValidationFailed, resp.Error.Code)
	assert.Equal(t, "merchant_id", resp.Error.Data["field"])

	resp = o.Handle(ctx, protocol.NewRequest(3, protocol.MethodToolsSearch, map[string]any{"query": "fx", "limit": "1"}))
	require.Nil(t, resp.Error)
	found := resp.Result["tools"].([]tools.Tool)
	require.Len(t, found, 1)
	assert.Equal(t, "convert", found[0].Name)

	resp = o.Handle(ctx, protocol.NewRequest(4, protocol.MethodResourcesRead, map[string]any{"uri": "ledger://schema"}))
	require.Nil(t, resp.Error)
	assert.Len(t, resp.Result["contents"], 1)

	resp = o.Handle(ctx, protocol.NewRequest(5, protocol.MethodPromptsGet, map[string]any{"name": "ghost"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeToolNotFound, resp.Error.Code)

	resp = o.Handle(ctx, protocol.NewRequest(6, MethodStatus, nil))
	require.Nil(t, resp.Error)
	assert.Equal(t, 2, resp.Result["online_servers"])

	resp = o.Handle(ctx, protocol.NewRequest(7, MethodChain, map[string]any{"steps": "nope"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeValidationFailed, resp.Error.Code)

	resp = o.Handle(ctx, protocol.NewRequest(8, "orchestrator/reboot", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeUnknownMethod, resp.Error.Code)
	assert.Equal(t, 8, resp.ID)
}
