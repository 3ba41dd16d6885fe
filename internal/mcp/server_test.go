package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/memoria-mcp/memoria/internal/config"
	"github.com/memoria-mcp/memoria/internal/engine"
)

type fakeModel struct{ dim int }

func (f *fakeModel) Dim() int { return f.dim }

func (f *fakeModel) Embed(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func (f *fakeModel) EmbedQuery(q string) ([]float32, error) {
	return make([]float32, f.dim), nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataRoot = filepath.Join(dir, "data")

	eng, err := engine.New(cfg, &fakeModel{dim: 8}, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { eng.Shutdown() })
	return NewServer(eng, dir, nil)
}

func readLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("unmarshal response line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestServeMalformedJSONReturnsParseError(t *testing.T) {
	s := newTestServer(t)
	in := strings.NewReader("not json\n")
	var out bytes.Buffer

	if err := s.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}
	lines := readLines(t, out.Bytes())
	if len(lines) != 1 {
		t.Fatalf("expected 1 response, got %d", len(lines))
	}
	errObj, ok := lines[0]["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error envelope, got %v", lines[0])
	}
	if int(errObj["code"].(float64)) != codeParseError {
		t.Errorf("expected parse error code, got %v", errObj["code"])
	}
}

func TestServeUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"does_not_exist"}` + "\n")
	var out bytes.Buffer

	if err := s.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}
	lines := readLines(t, out.Bytes())
	errObj := lines[0]["error"].(map[string]any)
	if int(errObj["code"].(float64)) != codeMethodNotFound {
		t.Errorf("expected method not found code, got %v", errObj["code"])
	}
}

func TestServeSaveAndSearchRoundTrip(t *testing.T) {
	s := newTestServer(t)

	saveReq := `{"jsonrpc":"2.0","id":1,"method":"memory_save","params":{"scope":"project","content":"hello from a test"}}` + "\n"
	var saveOut bytes.Buffer
	if err := s.Serve(context.Background(), strings.NewReader(saveReq), &saveOut); err != nil {
		t.Fatalf("serve save: %v", err)
	}
	saveLines := readLines(t, saveOut.Bytes())
	result, ok := saveLines[0]["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected a result envelope, got %v", saveLines[0])
	}
	if result["chunks_saved"].(float64) != 1 {
		t.Fatalf("expected 1 chunk saved, got %v", result["chunks_saved"])
	}

	time.Sleep(20 * time.Millisecond) // let the worker embed before searching

	searchReq := `{"jsonrpc":"2.0","id":2,"method":"memory_search","params":{"query":"hello test","scopes":["project"]}}` + "\n"
	var searchOut bytes.Buffer
	if err := s.Serve(context.Background(), strings.NewReader(searchReq), &searchOut); err != nil {
		t.Fatalf("serve search: %v", err)
	}
	searchLines := readLines(t, searchOut.Bytes())
	results, ok := searchLines[0]["result"].([]any)
	if !ok || len(results) == 0 {
		t.Fatalf("expected at least one search result, got %v", searchLines[0])
	}
}

func TestServeInvalidParamsSurfacesEngineErrorKind(t *testing.T) {
	s := newTestServer(t)
	req := `{"jsonrpc":"2.0","id":1,"method":"memory_save","params":{"scope":"not-a-scope","content":"x"}}` + "\n"
	var out bytes.Buffer
	if err := s.Serve(context.Background(), strings.NewReader(req), &out); err != nil {
		t.Fatalf("serve: %v", err)
	}
	lines := readLines(t, out.Bytes())
	errObj := lines[0]["error"].(map[string]any)
	data, ok := errObj["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected error data with engine kind, got %v", errObj)
	}
	if data["kind"] != "InvalidInput" {
		t.Errorf("expected InvalidInput kind, got %v", data["kind"])
	}
}
