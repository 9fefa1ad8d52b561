package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

// testConfig points the currency provider at a local rates API and the ledger at a
// seeded in-memory database.
func testConfig(t *testing.T) string {
	t.Helper()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"rates":{"EUR":0.5,"GBP":0.25}}`))
	}))
	t.Cleanup(api.Close)
	return writeFile(t, "mcpo.yaml", `
log:
  level: error
providers:
  currency:
    base_url: `+api.URL+`
  ledger:
    driver: sqlite
    dsn: ":memory:"
    seed: true
caller_defaults:
  merchant_id: 1
  merchant-9:
    merchant_id: 9
`)
}

func TestRESTProviderFromConfig(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `","q":"` + r.URL.Query().Get("q") + `"}`))
	}))
	defer api.Close()
	spec := writeFile(t, "api.json", `{"info":{"title":"Search"},"paths":{"/search":{"get":{
		"operationId":"search","tags":["search"],
		"parameters":[{"name":"q","in":"query","required":true,"schema":{"type":"string"}}]}}}}`)
	cfg := writeFile(t, "rest.yaml", `
log:
  level: error
providers:
  currency: null
  ledger: null
  rest:
    - name: search-api
      spec: `+spec+`
      base_url: `+api.URL+`
`)

	out, err := run(t, "--config", cfg, "call", "search", "--args", `{"q":"fx"}`)
	require.NoError(t, err)
	assert.Equal(t, "/search", out["path"])
	assert.Equal(t, "fx", out["q"])

	out, err = run(t, "--config", cfg, "call", "search")
	require.Error(t, err)
	assert.Equal(t, float64(protocol.CodeValidationFailed), out["error"].(map[string]any)["code"])
}

func run(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()

	var out map[string]any
	if stdout.Len() > 0 {
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &out), stdout.String())
	}
	return out, err
}

func TestCallerDefaultsSplit(t *testing.T) {
	got := callerDefaults(map[string]any{
		"merchant_id": 1,
		"currency":    "EUR",
		"merchant-7":  map[string]any{"merchant_id": 7},
	})
	assert.Equal(t, map[string]any{"merchant_id": 1, "currency": "EUR"}, got[allCallers])
	assert.Equal(t, map[string]any{"merchant_id": 7}, got["merchant-7"])
	assert.Nil(t, callerDefaults(nil))

	rt := &runtime{defaults: got}
	assert.Equal(t, map[string]any{"merchant_id": 7, "currency": "EUR"}, rt.callerDefaults("merchant-7"))
	assert.Equal(t, map[string]any{"merchant_id": 1, "currency": "EUR"}, rt.callerDefaults("nobody"))
	assert.Nil(t, (&runtime{}).callerDefaults(""))
}

func TestReadChainFile(t *testing.T) {
	params, err := readChainFile(writeFile(t, "c.yaml", `
- tool: a
  result_key: first
- tool: b
`))
	require.NoError(t, err)
	assert.Len(t, params["steps"], 2)

	params, err = readChainFile(writeFile(t, "c.json", `{"steps":[{"tool":"a"}],"caller_context":{"merchant_id":2}}`))
	require.NoError(t, err)
	assert.Contains(t, params, "caller_context")

	_, err = readChainFile(writeFile(t, "c.json", `"nope"`))
	assert.Error(t, err)
	_, err = readChainFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestToolsCommand(t *testing.T) {
	cfg := testConfig(t)

	out, err := run(t, "--config", cfg, "tools")
	require.NoError(t, err)
	assert.Equal(t, float64(12), out["count"])

	out, err = run(t, "--config", cfg, "tools", "-q", "categories", "--limit", "1")
	require.NoError(t, err)
	list := out["tools"].([]any)
	require.Len(t, list, 1)
	first := list[0].(map[string]any)
	assert.Equal(t, "manage_categories", first["name"])
	assert.Equal(t, "financial_db", first["server"])
}

func TestCallCommand(t *testing.T) {
	cfg := testConfig(t)

	out, err := run(t, "--config", cfg, "call", "generate_summary", "--args", `{"timeframe":"month"}`)
	require.NoError(t, err)
	summary := out["summary"].(map[string]any)
	assert.EqualValues(t, 1, summary["merchant_id"])
	assert.Equal(t, "month", summary["timeframe"])

	out, err = run(t, "--config", cfg, "call", "convert_currency",
		"--args", `{"amount":10,"from_currency":"USD","to_currency":"EUR"}`)
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	out, err = run(t, "--config", cfg, "call", "no_such_tool")
	require.Error(t, err)
	assert.Equal(t, float64(protocol.CodeToolNotFound), out["error"].(map[string]any)["code"])

	_, err = run(t, "--config", cfg, "call", "generate_summary", "--args", `[1]`)
	assert.ErrorContains(t, err, "--args")
}

func TestCallUsesPerCallerDefaults(t *testing.T) {
	cfg := testConfig(t)

	// merchant 9 does not exist in the seeded ledger
	out, err := run(t, "--config", cfg, "call", "generate_summary",
		"--args", `{"timeframe":"week"}`, "--caller-id", "merchant-9")
	require.Error(t, err)
	assert.Equal(t, float64(protocol.CodeExecutionFailed), out["error"].(map[string]any)["code"])
}

func TestChainCommand(t *testing.T) {
	cfg := testConfig(t)
	file := writeFile(t, "chain.yaml", `
steps:
  - tool: manage_categories
    arguments:
      action: list
    result_key: cats
  - tool: generate_summary
    arguments:
      timeframe: quarter
`)
	out, err := run(t, "--config", cfg, "chain", "--file", file)
	require.NoError(t, err)
	assert.Equal(t, "completed", out["status"])
	assert.Len(t, out["results"], 2)
	assert.NotEmpty(t, out["chain_id"])

	bad := writeFile(t, "bad.json", `[{"tool":"generate_summary","arguments":{}},{"tool":"manage_categories","arguments":{"action":"list"}}]`)
	out, err = run(t, "--config", cfg, "chain", "--file", bad)
	require.Error(t, err)
	assert.Equal(t, "aborted", out["status"])
	assert.Len(t, out["results"], 1)
}

func TestStatusCommand(t *testing.T) {
	out, err := run(t, "--config", testConfig(t), "status")
	require.NoError(t, err)
	status := out["status"].(map[string]any)
	assert.Equal(t, float64(2), status["total_servers"])
	assert.Equal(t, float64(2), status["online_servers"])
	assert.Equal(t, "healthy", out["health"].(map[string]any)["overall_status"])
}

func TestBadLogLevelFlag(t *testing.T) {
	_, err := run(t, "--config", testConfig(t), "--log-level", "loud", "status")
	assert.Error(t, err)
}
