package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"time"
)

// ErrEmptyCommand rejects requests without a command name.
var ErrEmptyCommand = errors.New("command is required")

// Send performs one request/response roundtrip with the session owner.
func Send(ctx context.Context, path string, req Request, timeout time.Duration) (Response, error) {
	if strings.TrimSpace(req.Command) == "" {
		return Response{}, ErrEmptyCommand
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return Response{}, fmt.Errorf("set deadline: %w", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	if len(payload) >= MaxRequestBytes {
		return Response{}, fmt.Errorf("request exceeds %d bytes", MaxRequestBytes)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return Response{}, fmt.Errorf("write request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// Probe checks whether a responsive owner is currently listening on path.
func Probe(ctx context.Context, path string, timeout time.Duration) (bool, error) {
	_, err := Send(ctx, path, Request{Command: "status"}, timeout)
	if err == nil {
		return true, nil
	}
	if Unreachable(err) {
		return false, nil
	}
	return false, fmt.Errorf("probe socket: %w", err)
}

// Unreachable reports dial failures that mean no owner is listening: a missing socket file
// or a refused connection.
func Unreachable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		strings.Contains(err.Error(), "no such file or directory")
}
