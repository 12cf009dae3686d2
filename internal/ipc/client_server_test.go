package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// serveOn runs Serve on a fresh socket and returns its path plus a stop func that asserts a
// clean shutdown.
func serveOn(t *testing.T, handler HandlerFunc) (string, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "candor.sock")
	listener, err := net.Listen("unix", path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, listener, handler) }()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		require.NoError(t, <-done)
	}
	t.Cleanup(stop)
	return path, stop
}

// rawPeer accepts one connection and hands it to fn instead of a real server.
func rawPeer(t *testing.T, fn func(net.Conn)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "candor.sock")
	listener, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		fn(conn)
	}()
	return path
}

func rawExchange(t *testing.T, path string, payload []byte) Response {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	// The server may reply and close before reading an oversized payload completely.
	_, _ = conn.Write(payload)
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func TestSendReachesHandler(t *testing.T) {
	path, _ := serveOn(t, func(_ context.Context, req Request) Response {
		detail, _ := json.Marshal(map[string]string{"echo": req.Text})
		return Response{OK: true, State: "interview", Message: req.Command, Detail: detail}
	})

	resp, err := Send(context.Background(), path, Request{Command: "append", Text: "ten years in fintech"}, 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Equal(t, "interview", resp.State)
	require.Equal(t, "append", resp.Message)
	require.JSONEq(t, `{"echo":"ten years in fintech"}`, string(resp.Detail))
}

func TestSendReportsBrokenPeers(t *testing.T) {
	garbage := rawPeer(t, func(conn net.Conn) {
		defer conn.Close()
		_, _ = bufio.NewReader(conn).ReadBytes('\n')
		_, _ = conn.Write([]byte("not-json\n"))
	})
	_, err := Send(context.Background(), garbage, Request{Command: "status"}, 200*time.Millisecond)
	require.ErrorContains(t, err, "decode response")

	hangup := rawPeer(t, func(conn net.Conn) {
		_, _ = bufio.NewReader(conn).ReadBytes('\n')
		_ = conn.Close()
	})
	_, err = Send(context.Background(), hangup, Request{Command: "status"}, 200*time.Millisecond)
	require.ErrorContains(t, err, "read response")
}

func TestSendRejectsEmptyCommand(t *testing.T) {
	_, err := Send(context.Background(), filepath.Join(t.TempDir(), "candor.sock"), Request{}, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrEmptyCommand)
}

func TestServeRejectsMalformedRequests(t *testing.T) {
	path, _ := serveOn(t, func(context.Context, Request) Response {
		return Response{OK: true}
	})

	resp := rawExchange(t, path, []byte("not-json\n"))
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "decode request")

	resp = rawExchange(t, path, []byte("{\"command\":\"\"}\n"))
	require.False(t, resp.OK)
	require.Equal(t, ErrEmptyCommand.Error(), resp.Error)

	big := append([]byte(`{"command":"answer","text":"`), bytes.Repeat([]byte("a"), MaxRequestBytes)...)
	resp = rawExchange(t, path, append(big, "\"}\n"...))
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "request exceeds")
}

func TestProbeTracksOwnerLifetime(t *testing.T) {
	path, stop := serveOn(t, func(_ context.Context, req Request) Response {
		if req.Command == "status" {
			return Response{OK: true, State: "welcome"}
		}
		return Response{Error: "unexpected"}
	})

	alive, err := Probe(context.Background(), path, 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, alive)

	stop()
	alive, err = Probe(context.Background(), path, 100*time.Millisecond)
	require.NoError(t, err)
	require.False(t, alive)
}

func TestUnreachable(t *testing.T) {
	require.False(t, Unreachable(nil))
	require.True(t, Unreachable(os.ErrNotExist))
	require.True(t, Unreachable(syscall.ECONNREFUSED))
	require.True(t, Unreachable(errors.New("dial unix /tmp/candor.sock: connect: no such file or directory")))
	require.False(t, Unreachable(errors.New("read response: i/o timeout")))
}
