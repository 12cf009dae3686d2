package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// MaxRequestBytes bounds one request line; typed answers travel inside it.
	MaxRequestBytes = 1 << 20
	requestTimeout  = 2 * time.Second
)

// Handler processes one IPC command request.
type Handler interface {
	Handle(context.Context, Request) Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// Serve answers one request per connection until ctx is cancelled or the listener closes.
// A client has requestTimeout to send its request line.
func Serve(ctx context.Context, listener net.Listener, handler Handler) error {
	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			return fmt.Errorf("accept IPC connection: %w", err)
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer c.Close()
			serveConn(ctx, c, handler)
		}(conn)
	}
}

func serveConn(ctx context.Context, c net.Conn, handler Handler) {
	enc := json.NewEncoder(c)
	_ = c.SetReadDeadline(time.Now().Add(requestTimeout))

	reader := bufio.NewReader(io.LimitReader(c, MaxRequestBytes+1))
	line, err := reader.ReadBytes('\n')
	switch {
	case len(line) > MaxRequestBytes:
		_ = enc.Encode(Response{OK: false, Error: fmt.Sprintf("request exceeds %d bytes", MaxRequestBytes)})
		return
	case err != nil:
		_ = enc.Encode(Response{OK: false, Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		_ = enc.Encode(Response{OK: false, Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	if req.Command == "" {
		_ = enc.Encode(Response{OK: false, Error: ErrEmptyCommand.Error()})
		return
	}

	// Commands may wait on the session loop; the reply is written without a deadline.
	_ = c.SetReadDeadline(time.Time{})
	_ = enc.Encode(handler.Handle(ctx, req))
}
