package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/memoria-mcp/memoria/internal/engine"
)

// maxLineBytes bounds a single JSON-RPC request line, generous enough for
// a memory_save carrying several chunks of content.
const maxLineBytes = 16 * 1024 * 1024

// toolHandler validates params and runs one tool call against the engine.
type toolHandler func(ctx context.Context, eng *engine.Engine, wd string, params json.RawMessage) (any, error)

// Server drains newline-delimited JSON-RPC requests from an input stream
// and writes newline-delimited responses to an output stream, dispatching
// each to the matching tool handler on its own goroutine.
type Server struct {
	eng      *engine.Engine
	log      *slog.Logger
	wd       string
	handlers map[string]toolHandler

	writeMu sync.Mutex
}

// NewServer returns a Server bound to eng. wd is the working directory
// used to resolve the project scope (normally the process's cwd).
func NewServer(eng *engine.Engine, wd string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{eng: eng, wd: wd, log: log}
	s.handlers = map[string]toolHandler{
		"memory_save":    handleSave,
		"memory_search":  handleSearch,
		"memory_context": handleContext,
		"memory_list":    handleList,
		"memory_stats":   handleStats,
		"memory_delete":  handleDelete,
		"memory_reindex": handleReindex,
		"memory_compact": handleCompact,
	}
	return s
}

// Serve reads requests from r and writes responses to w until r is
// exhausted or ctx is cancelled. ctx is checked only after a line has been
// read and dispatched, so a cancellation ends Serve when the next line
// arrives or the stream ends; a blocked read is not interrupted. Each
// request is dispatched on its own goroutine; Serve returns once every
// in-flight request has written its response.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Copy since scanner reuses its buffer across Scan calls.
		req := make([]byte, len(line))
		copy(req, line)

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.handle(ctx, req)
			s.writeResponse(w, resp)
		}()

		if ctx.Err() != nil {
			break
		}
	}
	wg.Wait()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read request stream: %w", err)
	}
	return nil
}

func (s *Server) writeResponse(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("mcp: marshal response failed", "error", err)
		return
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := w.Write(data); err != nil {
		s.log.Error("mcp: write response failed", "error", err)
	}
}

func (s *Server) handle(ctx context.Context, raw []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, codeParseError, "parse error", err.Error())
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, codeInvalidRequest, "invalid request", nil)
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		return errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}

	result, err := handler(ctx, s.eng, s.wd, req.Params)
	if err != nil {
		var pErr *paramsError
		if errors.As(err, &pErr) {
			return errorResponse(req.ID, codeInvalidParams, err.Error(), nil)
		}
		return errorResponse(req.ID, codeServerError, err.Error(), engineErrorData(err))
	}
	return resultResponse(req.ID, result)
}

// engineErrorData extracts the engine.ErrKind (if any) into the error
// envelope's data.kind field, per the MCP error mapping design note.
func engineErrorData(err error) any {
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		return map[string]string{"kind": string(engErr.Kind)}
	}
	return nil
}
