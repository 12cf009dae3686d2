package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/rbright/candor/internal/fsm"
	"github.com/rbright/candor/internal/ipc"
	"github.com/rbright/candor/internal/observability"
	"github.com/rbright/candor/internal/session"
)

func newTestServer(t *testing.T, handler ipc.HandlerFunc) (*Hub, *httptest.Server, *observability.Metrics) {
	t.Helper()
	hub := NewHub()
	metrics := observability.NewMetrics()
	srv := httptest.NewServer(New(nil, hub, handler, metrics).Router())
	t.Cleanup(srv.Close)
	return hub, srv, metrics
}

func echoHandler(_ context.Context, req ipc.Request) ipc.Response {
	if req.Command == "next" {
		return ipc.Response{OK: true, State: "interview", Message: "question 2 of 3"}
	}
	return ipc.Response{OK: false, State: "interview", Error: "unknown command: " + req.Command}
}

func TestHubKeepsNewestSnapshotForSlowClients(t *testing.T) {
	hub := NewHub()
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	for i := 0; i < subscriberBuffer+5; i++ {
		hub.Publish(session.Snapshot{QuestionIndex: i})
	}
	var last session.Snapshot
	for len(ch) > 0 {
		last = <-ch
	}
	require.Equal(t, subscriberBuffer+4, last.QuestionIndex)

	latest, ok := hub.Latest()
	require.True(t, ok)
	require.Equal(t, subscriberBuffer+4, latest.QuestionIndex)
	require.Equal(t, 1, hub.Clients())
	unsubscribe()
	require.Zero(t, hub.Clients())
}

func TestStatusAndHealth(t *testing.T) {
	hub, srv, _ := newTestServer(t, echoHandler)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	hub.Publish(session.Snapshot{Screen: fsm.StateWelcome, Token: "tok"})
	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Equal(t, fsm.StateWelcome, snap.Screen)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)
}

func TestCommandsEndpoint(t *testing.T) {
	_, srv, _ := newTestServer(t, echoHandler)

	post := func(body string) (int, ipc.Response) {
		resp, err := http.Post(srv.URL+"/commands", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out ipc.Response
		raw, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(raw, &out)
		return resp.StatusCode, out
	}

	status, out := post(`{"command":"next"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "question 2 of 3", out.Message)

	status, out = post(`{"command":"bogus"}`)
	require.Equal(t, http.StatusConflict, status)
	require.Contains(t, out.Error, "unknown command")

	status, _ = post(``)
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = post(`{}`)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestEventsStreamSnapshotsAndReplies(t *testing.T) {
	hub, srv, _ := newTestServer(t, echoHandler)
	hub.Publish(session.Snapshot{Screen: fsm.StateWelcome})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Event
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, EventSnapshot, first.Type)
	require.Equal(t, fsm.StateWelcome, first.Snapshot.Screen)

	hub.Publish(session.Snapshot{Screen: fsm.StateInterview, QuestionIndex: 1})
	var second Event
	require.NoError(t, conn.ReadJSON(&second))
	require.Equal(t, fsm.StateInterview, second.Snapshot.Screen)

	require.NoError(t, conn.WriteJSON(ipc.Request{Command: "next"}))
	var reply Event
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, EventResponse, reply.Type)
	require.True(t, reply.Response.OK)

	require.Equal(t, 1, hub.Clients())

	scrape, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer scrape.Body.Close()
	body, err := io.ReadAll(scrape.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "candor_feed_clients 1")
}

func TestCheckOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:7878/events", nil)
	require.True(t, sameOriginOrLocal(req))

	req.Header.Set("Origin", "http://127.0.0.1:7878")
	require.True(t, sameOriginOrLocal(req))

	req.Header.Set("Origin", "https://evil.example")
	require.False(t, sameOriginOrLocal(req))

	req.Header.Set("Origin", "file:///tmp/x")
	require.False(t, sameOriginOrLocal(req))
}
