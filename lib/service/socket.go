// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/steward/lib/codec"
)

const (
	// readTimeout bounds the wait for a client's request bytes. A
	// well-behaved client writes immediately after connecting.
	readTimeout = 30 * time.Second

	// writeTimeout bounds the response write.
	writeTimeout = 10 * time.Second

	// maxRequestSize caps one CBOR request. 1 MiB is generous for any
	// steward operation; bulk reads (audit exports) are written
	// server-side precisely so event streams never transit this
	// protocol.
	maxRequestSize = 1024 * 1024
)

// ActionFunc handles requests for one action. raw is the complete
// CBOR request map, "action" field included, so the handler decodes
// its own request struct from it.
//
// A non-nil return value becomes the response's "data" field; nil
// yields a bare {ok: true}. A returned error becomes a failure
// response, with its code preserved when the error is an [*Error].
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the envelope every reply travels in. The server builds
// it from the handler's return values; clients never see handler
// types directly.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Code  string           `cbor:"code,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// SocketServer dispatches a CBOR request-response protocol over a
// Unix socket. One request per connection: the client writes a single
// CBOR map, reads a single Response, and the connection is done.
// Unknown actions get a failure response rather than a dropped
// connection.
type SocketServer struct {
	socketPath string
	handlers   map[string]ActionFunc
	logger     *slog.Logger

	// inflight tracks running request handlers so Serve can drain
	// them before returning.
	inflight sync.WaitGroup
}

// NewSocketServer returns a server for socketPath. Nothing listens
// until Serve; register every action with Handle first.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	return &SocketServer{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		logger:     logger,
	}
}

// Handle registers the handler for an action name. Registering a name
// twice panics: the action table is program structure, not runtime
// state.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Serve listens on the socket and dispatches until ctx is cancelled,
// then stops accepting and waits for in-flight handlers before
// returning. A stale socket file at the path is replaced on the way
// in and the live one removed on the way out.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Accept has no context form; closing the listener is how the
	// cancellation reaches it.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("socket server listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			defer conn.Close()
			s.respond(conn, s.serveConn(ctx, conn))
		}()
	}

	s.inflight.Wait()
	return nil
}

// serveConn reads one request, routes it, and builds the response
// envelope. A nil-data envelope with OK false carries the failure.
func (s *SocketServer) serveConn(ctx context.Context, conn net.Conn) Response {
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// One self-delimiting CBOR value per connection; LimitReader keeps
	// a misbehaving client from exhausting memory.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			// Connected but sent nothing; nothing to answer.
			return Response{}
		}
		return failure(CodeBadRequest, fmt.Sprintf("invalid request: %v", err))
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		return failure(CodeBadRequest, fmt.Sprintf("invalid request: %v", err))
	}
	if header.Action == "" {
		return failure(CodeBadRequest, "missing required field: action")
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		return failure(CodeUnknownAction, fmt.Sprintf("unknown action %q", header.Action))
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed", "action", header.Action, "error", err)
		var coded *Error
		if errors.As(err, &coded) {
			return failure(coded.Code, coded.Message)
		}
		return failure("", err.Error())
	}

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			return failure(CodeInternal, fmt.Sprintf("internal: marshaling response: %v", err))
		}
		response.Data = data
	}
	return response
}

func failure(code, message string) Response {
	return Response{Error: message, Code: code}
}

// respond encodes the envelope. The zero Response (EOF before any
// request) writes nothing. Write failures are logged at debug level;
// the connection is closing regardless.
func (s *SocketServer) respond(conn net.Conn, response Response) {
	if !response.OK && response.Error == "" {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}
