package scope

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/memoria-mcp/memoria/internal/store"
)

func TestResolveGlobalAndPersonalityUseDataRoot(t *testing.T) {
	root := t.TempDir()
	r := New(root)
	t.Cleanup(func() { r.Close() })

	g, err := r.Resolve(store.ScopeGlobal, root)
	if err != nil {
		t.Fatalf("resolve global: %v", err)
	}
	if g.Path() != filepath.Join(root, "global.db") {
		t.Errorf("unexpected global path: %s", g.Path())
	}

	p, err := r.Resolve(store.ScopePersonality, root)
	if err != nil {
		t.Fatalf("resolve personality: %v", err)
	}
	if p.Path() != filepath.Join(root, "personality.db") {
		t.Errorf("unexpected personality path: %s", p.Path())
	}
}

func TestResolveIsCachedAcrossCalls(t *testing.T) {
	root := t.TempDir()
	r := New(root)
	t.Cleanup(func() { r.Close() })

	a, err := r.Resolve(store.ScopeGlobal, root)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b, err := r.Resolve(store.ScopeGlobal, root)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a != b {
		t.Fatal("expected the same cached Store handle on repeated Resolve")
	}
}

func TestResolveProjectFindsMarkerDirectory(t *testing.T) {
	root := t.TempDir()
	projectDir := filepath.Join(root, "proj")
	if err := os.MkdirAll(filepath.Join(projectDir, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(projectDir, "go.mod"), []byte("module x\n"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	dataRoot := t.TempDir()
	r := New(dataRoot)
	t.Cleanup(func() { r.Close() })

	s, err := r.Resolve(store.ScopeProject, filepath.Join(projectDir, "nested"))
	if err != nil {
		t.Fatalf("resolve project: %v", err)
	}
	want := filepath.Join(projectDir, ".mcp-memoria", "project.db")
	if s.Path() != want {
		t.Errorf("expected project db at %s, got %s", want, s.Path())
	}
}

func TestResolveProjectFallsBackWithoutMarker(t *testing.T) {
	dataRoot := t.TempDir()
	noMarkerDir := t.TempDir()
	r := New(dataRoot)
	t.Cleanup(func() { r.Close() })

	s, err := r.Resolve(store.ScopeProject, noMarkerDir)
	if err != nil {
		t.Fatalf("resolve project: %v", err)
	}
	want := filepath.Join(dataRoot, "project-default.db")
	if s.Path() != want {
		t.Errorf("expected fallback db at %s, got %s", want, s.Path())
	}
}

func TestResolveInvalidScope(t *testing.T) {
	r := New(t.TempDir())
	t.Cleanup(func() { r.Close() })

	if _, err := r.Resolve(store.Scope("bogus"), "."); err == nil {
		t.Fatal("expected an error for an invalid scope")
	}
}

func TestResolveAllOpensThreeScopes(t *testing.T) {
	root := t.TempDir()
	r := New(root)
	t.Cleanup(func() { r.Close() })

	stores, err := r.ResolveAll(root)
	if err != nil {
		t.Fatalf("resolve all: %v", err)
	}
	if len(stores) != 3 {
		t.Fatalf("expected 3 stores, got %d", len(stores))
	}
	if len(r.All()) != 3 {
		t.Fatalf("expected All() to report 3 cached stores, got %d", len(r.All()))
	}
}
