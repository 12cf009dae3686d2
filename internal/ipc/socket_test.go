package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireReplacesStaleSocketFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "candor.sock")
	require.NoError(t, os.WriteFile(path, []byte("left by a crashed owner"), 0o600))

	listener, err := Acquire(context.Background(), path, 50*time.Millisecond, 2)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&os.ModeSocket)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	Release(listener, path)
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSecondOwnerIsRefused(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "candor.sock")
	first, err := Acquire(context.Background(), path, 80*time.Millisecond, 1)
	require.NoError(t, err)
	defer Release(first, path)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- Serve(ctx, first, HandlerFunc(func(context.Context, Request) Response {
			return Response{OK: true, State: "interview"}
		}))
	}()

	_, err = Acquire(context.Background(), path, 80*time.Millisecond, 1)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	cancel()
	require.NoError(t, <-served)
}

func TestAcquireKeepsSocketWhenOwnerIsSlow(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "candor.sock")
	listener, err := net.Listen("unix", path)
	require.NoError(t, err)

	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				time.Sleep(250 * time.Millisecond)
			}(conn)
		}
	}()

	_, err = Acquire(context.Background(), path, 30*time.Millisecond, 0)
	require.ErrorContains(t, err, "probe existing socket")
	require.NotErrorIs(t, err, ErrAlreadyRunning)

	_, err = os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, listener.Close())
	<-accepted
}

func TestRuntimeSocketPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvSocket, "")
	t.Setenv("XDG_RUNTIME_DIR", dir)
	path, err := RuntimeSocketPath()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "candor.sock"), path)

	t.Setenv(EnvSocket, "/tmp/alt/candor.sock")
	path, err = RuntimeSocketPath()
	require.NoError(t, err)
	require.Equal(t, "/tmp/alt/candor.sock", path)

	t.Setenv(EnvSocket, "")
	t.Setenv("XDG_RUNTIME_DIR", "")
	_, err = RuntimeSocketPath()
	require.ErrorContains(t, err, EnvSocket)
}
