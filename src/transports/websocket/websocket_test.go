package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
)

type muxHandler struct {
	*protocol.Mux
}

func (m muxHandler) HandleJSON(ctx context.Context, data []byte) []byte {
	return m.ServeJSON(ctx, data)
}

func newTestServer(t *testing.T, release <-chan struct{}) string {
	t.Helper()
	mux := protocol.NewMux("ws-test", nil)
	mux.Handle("echo", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return params, nil
	})
	mux.Handle("slow", func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		select {
		case <-release:
			return map[string]any{"done": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	srv := httptest.NewServer(NewServer(muxHandler{mux}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	return c
}

func TestEnvelopeRoundTrip(t *testing.T) {
	c := dial(t, newTestServer(t, nil))

	require.NoError(t, c.WriteJSON(map[string]any{"method": "echo", "params": map[string]any{"x": 1}, "id": "a"}))
	var resp map[string]any
	require.NoError(t, c.ReadJSON(&resp))
	assert.Equal(t, "a", resp["id"])
	assert.Equal(t, map[string]any{"x": float64(1)}, resp["result"])
	assert.NotContains(t, resp, "error")
}

func TestRepliesAreCorrelatedOutOfOrder(t *testing.T) {
	release := make(chan struct{})
	c := dial(t, newTestServer(t, release))

	require.NoError(t, c.WriteJSON(map[string]any{"method": "slow", "id": 1}))
	require.NoError(t, c.WriteJSON(map[string]any{"method": "echo", "params": map[string]any{"n": 2}, "id": 2}))

	var first map[string]any
	require.NoError(t, c.ReadJSON(&first))
	assert.Equal(t, float64(2), first["id"])

	close(release)
	var second map[string]any
	require.NoError(t, c.ReadJSON(&second))
	assert.Equal(t, float64(1), second["id"])
	assert.Equal(t, true, second["result"].(map[string]any)["done"])
}

func TestBadFramesGetErrorEnvelopes(t *testing.T) {
	c := dial(t, newTestServer(t, nil))

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var resp map[string]any
	require.NoError(t, c.ReadJSON(&resp))
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, float64(protocol.CodeBadRequest), errObj["code"])

	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	resp = nil
	require.NoError(t, c.ReadJSON(&resp))
	assert.Equal(t, float64(protocol.CodeBadRequest), resp["error"].(map[string]any)["code"])

	require.NoError(t, c.WriteJSON(map[string]any{"method": "nope", "id": "u"}))
	resp = nil
	require.NoError(t, c.ReadJSON(&resp))
	assert.Equal(t, "u", resp["id"])
	assert.Equal(t, float64(protocol.CodeUnknownMethod), resp["error"].(map[string]any)["code"])
}
