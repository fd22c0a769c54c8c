package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrUnknownTool marks a tools/call naming no registered tool. It is the
// only tool-layer failure surfaced as a protocol error; everything else
// travels in-band as an IsError result.
var ErrUnknownTool = errors.New("unknown tool")

// Handler is the boundary between the protocol and the tool layer.
type Handler interface {
	// ListTools returns the tool table in stable order.
	ListTools() []Tool

	// CallTool executes one tool. Tool failures are reported inside the
	// result; the error return is reserved for ErrUnknownTool.
	CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error)
}

// serverState tracks the MCP lifecycle.
type serverState int

const (
	stateCreated serverState = iota
	stateInitializing
	stateOperating
	stateShutdown
)

// maxLineBytes bounds a single framed message.
const maxLineBytes = 1024 * 1024 // 1MB

// drainTimeout bounds how long shutdown waits for in-flight tool calls.
const drainTimeout = 10 * time.Second

// ServerConfig configures a stdio MCP server.
type ServerConfig struct {
	// Name and Version identify the server in the initialize handshake.
	Name    string
	Version string

	// Logger receives protocol-level logs. It must write to stderr or a
	// file: stdout belongs to the transport. Defaults to slog.Default().
	Logger *slog.Logger

	// Stdin and Stdout override the transport streams, used by tests.
	Stdin  io.Reader
	Stdout io.Writer
}

// Server speaks line-framed JSON-RPC 2.0 over stdio and dispatches tool
// requests to a Handler. Requests are served concurrently; responses may
// interleave and are correlated by ID.
type Server struct {
	handler Handler
	logger  *slog.Logger
	name    string
	version string

	in  io.Reader
	out io.Writer

	mu       sync.Mutex
	state    serverState
	inflight map[string]context.CancelFunc

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewServer creates a stdio MCP server around the handler.
func NewServer(handler Handler, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	in := cfg.Stdin
	if in == nil {
		in = os.Stdin
	}
	out := cfg.Stdout
	if out == nil {
		out = os.Stdout
	}
	return &Server{
		handler:  handler,
		logger:   logger.With("component", "mcp"),
		name:     cfg.Name,
		version:  cfg.Version,
		in:       in,
		out:      out,
		state:    stateCreated,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Run reads messages until stdin closes or the context is cancelled. It
// returns nil on clean shutdown (EOF or cancellation) and an error only
// when the transport itself breaks.
func (s *Server) Run(ctx context.Context) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)

	go s.readLoop(lines, readErr)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil

		case err := <-readErr:
			s.shutdown()
			if err == nil || errors.Is(err, io.EOF) {
				s.logger.Info("transport closed, shutting down")
				return nil
			}
			return fmt.Errorf("transport read: %w", err)

		case line := <-lines:
			s.handleLine(ctx, line)
		}
	}
}

// readLoop reads one frame per line and hands it to Run. An oversized
// line is discarded through its trailing newline and answered with a
// parse error, keeping the stream line-synchronized for the frames
// after it.
func (s *Server) readLoop(lines chan<- []byte, readErr chan<- error) {
	reader := bufio.NewReaderSize(s.in, 64*1024)

	for {
		line, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				s.logger.Warn("dropping oversized message", "limit_bytes", maxLineBytes)
				s.writeResponse(NewErrorResponse(nil, ErrCodeParseError,
					fmt.Sprintf("parse error: message exceeds %d bytes", maxLineBytes)))
				continue
			}
			readErr <- err
			return
		}
		lines <- line
	}
}

// errLineTooLong marks a frame that exceeded maxLineBytes.
var errLineTooLong = errors.New("line exceeds frame limit")

// readFrame accumulates one newline-terminated frame. A final line at
// EOF without a terminator still counts as a frame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > maxLineBytes {
			for err == bufio.ErrBufferFull {
				_, err = r.ReadSlice('\n')
			}
			return nil, errLineTooLong
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return line, nil
		default:
			return nil, err
		}
	}
}

// handleLine parses one framed message and dispatches it.
func (s *Server) handleLine(ctx context.Context, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Warn("unparseable message", "error", err)
		s.writeResponse(NewErrorResponse(nil, ErrCodeParseError, "parse error: "+err.Error()))
		return
	}

	if req.IsNotification() {
		s.handleNotification(req)
		return
	}

	if req.Method == "" {
		s.writeResponse(NewErrorResponse(req.ID, ErrCodeInvalidRequest, "missing method"))
		return
	}

	s.dispatch(ctx, req)
}

// dispatch routes a request after checking the lifecycle state. Tool calls
// run concurrently; lifecycle methods answer inline.
func (s *Server) dispatch(ctx context.Context, req Request) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch req.Method {
	case "initialize":
		if state != stateCreated {
			s.writeResponse(NewErrorResponse(req.ID, ErrCodeInvalidRequest, "already initialized"))
			return
		}
		s.handleInitialize(req)

	case "ping":
		s.writeResponse(NewResponse(req.ID, json.RawMessage(`{}`)))

	case "tools/list":
		if state != stateOperating {
			s.writeResponse(NewErrorResponse(req.ID, ErrCodeInvalidRequest, "server not initialized"))
			return
		}
		s.handleToolsList(req)

	case "tools/call":
		if state != stateOperating {
			s.writeResponse(NewErrorResponse(req.ID, ErrCodeInvalidRequest, "server not initialized"))
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleToolsCall(ctx, req)
		}()

	default:
		s.writeResponse(NewErrorResponse(req.ID, ErrCodeMethodNotFound, "method not found: "+req.Method))
	}
}

func (s *Server) handleInitialize(req Request) {
	s.mu.Lock()
	s.state = stateInitializing
	s.mu.Unlock()

	result := InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    Capabilities{Tools: &ToolsCapability{}},
		ServerInfo:      ServerInfo{Name: s.name, Version: s.version},
	}

	s.writeResult(req.ID, result)
	s.logger.Info("initialize handshake", "client_protocol", protocolVersion)
}

func (s *Server) handleToolsList(req Request) {
	tools := s.handler.ListTools()
	if tools == nil {
		tools = []Tool{}
	}

	s.writeResult(req.ID, ListToolsResult{Tools: tools})
	s.logger.Debug("tools listed", "count", len(tools))
}

func (s *Server) handleToolsCall(ctx context.Context, req Request) {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeResponse(NewErrorResponse(req.ID, ErrCodeInvalidParams, "invalid params: "+err.Error()))
		return
	}

	callCtx, cancel := context.WithCancel(ctx)
	key := string(req.ID)

	s.mu.Lock()
	s.inflight[key] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	result, err := s.handler.CallTool(callCtx, params.Name, params.Arguments)
	if err != nil {
		if errors.Is(err, ErrUnknownTool) {
			s.writeResponse(NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error()))
			return
		}
		// The tool layer never returns other errors; shape a result anyway
		// so the client sees a reply.
		result = NewErrorResult(err.Error())
	}
	if result == nil {
		result = NewErrorResult("tool returned no result")
	}

	s.logger.Debug("tool call served",
		"tool", params.Name,
		"is_error", result.IsError,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	s.writeResult(req.ID, result)
}

// handleNotification processes fire-and-forget messages.
func (s *Server) handleNotification(req Request) {
	switch req.Method {
	case "notifications/initialized":
		s.mu.Lock()
		if s.state == stateInitializing {
			s.state = stateOperating
		}
		s.mu.Unlock()
		s.logger.Info("server operating")

	case "notifications/cancelled":
		var params CancelledParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return // malformed cancellation is ignored
		}
		key := string(params.RequestID)

		s.mu.Lock()
		if cancel, ok := s.inflight[key]; ok {
			cancel()
			delete(s.inflight, key)
		}
		s.mu.Unlock()
		s.logger.Debug("request cancelled", "request_id", key)
	}
}

// writeResult marshals a result payload into a success response.
func (s *Server) writeResult(id json.RawMessage, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		s.writeResponse(NewErrorResponse(id, ErrCodeInternalError, "marshal result: "+err.Error()))
		return
	}
	s.writeResponse(NewResponse(id, data))
}

// writeResponse frames one response per line. Concurrent tool goroutines
// serialize through the write mutex so lines never interleave.
func (s *Server) writeResponse(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

// shutdown marks the server closed and drains in-flight tool calls for a
// bounded time. It is safe to call more than once.
func (s *Server) shutdown() {
	s.mu.Lock()
	s.state = stateShutdown
	for key, cancel := range s.inflight {
		cancel()
		delete(s.inflight, key)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.logger.Warn("shutdown drain timed out", "timeout", drainTimeout)
	}
}
