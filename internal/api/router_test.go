package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crabcity/internal/manager"
	"crabcity/internal/multiplexer"
	"crabcity/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	mgr := manager.New()
	mux := multiplexer.New(mgr)
	srv := NewServer(mgr, mux)
	ts := httptest.NewServer(srv.Router(true))
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.ShutdownAll(ctx)
	})
	return srv, ts
}

func TestHealthzReturnsOK(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateListAndDeleteInstanceOverREST(t *testing.T) {
	_, ts := newTestServer(t)

	createResp, err := http.Post(ts.URL+"/instances", "application/json", strings.NewReader(`{"command":"cat"}`))
	require.NoError(t, err)
	defer createResp.Body.Close()
	require.Equal(t, http.StatusCreated, createResp.StatusCode)

	var created wire.InstanceSummary
	require.NoError(t, json.NewDecoder(createResp.Body).Decode(&created))
	assert.Equal(t, "cat", created.Command)

	listResp, err := http.Get(ts.URL + "/instances")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var body struct {
		Instances []wire.InstanceSummary `json:"instances"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&body))
	assert.Len(t, body.Instances, 1)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/instances/"+created.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	// cat is still running, so the delete is refused until it has stopped.
	assert.Equal(t, http.StatusConflict, delResp.StatusCode)
}

func TestCreateInstanceRejectsMissingCommand(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/instances", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	snap, err := wire.DecodeServer(raw)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeSnapshot, snap.Type)

	payload, err := wire.EncodeClient(wire.ClientMessage{Type: wire.TypePing, ClientTimestamp: 7})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	_, raw, err = conn.ReadMessage()
	require.NoError(t, err)
	pong, err := wire.DecodeServer(raw)
	require.NoError(t, err)
	assert.Equal(t, wire.TypePong, pong.Type)
	assert.Equal(t, int64(7), pong.ClientTimestamp)
}
