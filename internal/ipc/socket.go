package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrAlreadyRunning is returned when another owner answers on the socket.
var ErrAlreadyRunning = errors.New("candor session already running")

// EnvSocket overrides the control socket location.
const EnvSocket = "CANDOR_SOCKET"

const socketName = "candor.sock"

// RuntimeSocketPath returns $CANDOR_SOCKET, else $XDG_RUNTIME_DIR/candor.sock.
func RuntimeSocketPath() (string, error) {
	if path := strings.TrimSpace(os.Getenv(EnvSocket)); path != "" {
		return path, nil
	}
	dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if dir == "" {
		return "", fmt.Errorf("XDG_RUNTIME_DIR is not set (or set %s)", EnvSocket)
	}
	return filepath.Join(dir, socketName), nil
}

// Acquire makes this process the session owner by listening on path. A socket file whose owner
// no longer answers is unlinked and the listen retried. A live owner yields ErrAlreadyRunning.
func Acquire(ctx context.Context, path string, probeTimeout time.Duration, retries int) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure runtime socket dir: %w", err)
	}

	for attempt := 0; ; attempt++ {
		listener, err := net.Listen("unix", path)
		if err == nil {
			_ = os.Chmod(path, 0o600)
			return listener, nil
		}
		if !addrInUse(err) {
			return nil, fmt.Errorf("listen unix %s: %w", path, err)
		}
		if err := clearStale(ctx, path, probeTimeout); err != nil {
			return nil, err
		}
		if attempt == retries {
			return nil, fmt.Errorf("failed to acquire socket %s after %d retries", path, retries)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
}

// clearStale removes path only when a probe proves nobody is serving it.
func clearStale(ctx context.Context, path string, probeTimeout time.Duration) error {
	alive, err := Probe(ctx, path, probeTimeout)
	switch {
	case alive:
		return ErrAlreadyRunning
	case err != nil:
		return fmt.Errorf("probe existing socket %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	return nil
}

func addrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use")
}

// Release closes the listener and unlinks the socket so the next owner starts clean.
func Release(listener net.Listener, path string) {
	if listener != nil {
		_ = listener.Close()
	}
	_ = os.Remove(path)
}
