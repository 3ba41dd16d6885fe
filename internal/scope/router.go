// Package scope maps a logical memory scope to the physical Store that
// backs it, opening stores lazily and caching handles for the process
// lifetime.
package scope

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/memoria-mcp/memoria/internal/store"
)

// projectMarkers are files/directories whose presence identifies a
// directory as a project root, checked in order from the working
// directory upward.
var projectMarkers = []string{
	".git",
	"go.mod",
	"package.json",
	"Cargo.toml",
	"pyproject.toml",
}

// Router caches open Store handles keyed by absolute database path and
// never closes them for the process lifetime; Close is only called at
// shutdown.
type Router struct {
	dataRoot string

	mu     sync.RWMutex
	stores map[string]*store.Store
}

// New returns a Router rooted at dataRoot. dataRoot should already be an
// absolute, existing directory; callers typically derive it from
// MCP_MEMORY_DATA_ROOT or the default "~/.mcp-memoria/data".
func New(dataRoot string) *Router {
	return &Router{
		dataRoot: dataRoot,
		stores:   make(map[string]*store.Store),
	}
}

// Resolve returns the Store backing sc, opening it on first use. wd is the
// caller's working directory, used to locate the nearest project root for
// store.ScopeProject; other scopes ignore it.
func (r *Router) Resolve(sc store.Scope, wd string) (*store.Store, error) {
	if !sc.Valid() {
		return nil, fmt.Errorf("scope: invalid scope %q", sc)
	}

	path, err := r.pathFor(sc, wd)
	if err != nil {
		return nil, err
	}
	return r.open(path)
}

func (r *Router) pathFor(sc store.Scope, wd string) (string, error) {
	switch sc {
	case store.ScopeGlobal:
		return filepath.Join(r.dataRoot, "global.db"), nil
	case store.ScopePersonality:
		return filepath.Join(r.dataRoot, "personality.db"), nil
	case store.ScopeProject:
		root, ok := findProjectRoot(wd)
		if !ok {
			return filepath.Join(r.dataRoot, "project-default.db"), nil
		}
		return filepath.Join(root, ".mcp-memoria", "project.db"), nil
	default:
		return "", fmt.Errorf("scope: unhandled scope %q", sc)
	}
}

func (r *Router) open(path string) (*store.Store, error) {
	r.mu.RLock()
	s, ok := r.stores[path]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[path]; ok {
		return s, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("scope: create data dir %s: %w", dir, err)
		}
	}

	s, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scope: open store %s: %w", path, err)
	}
	r.stores[path] = s
	return s, nil
}

// All returns every Store opened so far, in no particular order. Used by
// the worker's orphan scan to sweep every known Store without forcing
// scopes open that nothing has touched yet.
func (r *Router) All() []*store.Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*store.Store, 0, len(r.stores))
	for _, s := range r.stores {
		out = append(out, s)
	}
	return out
}

// ResolveAll opens (or returns cached handles for) global, personality, and
// project, the default scope set for search/memory_context.
func (r *Router) ResolveAll(wd string) ([]*store.Store, error) {
	scopes := []store.Scope{store.ScopeGlobal, store.ScopePersonality, store.ScopeProject}
	out := make([]*store.Store, 0, len(scopes))
	for _, sc := range scopes {
		s, err := r.Resolve(sc, wd)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Close closes every open Store handle. Called once at shutdown.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for path, s := range r.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("scope: close %s: %w", path, err)
		}
	}
	return firstErr
}

// findProjectRoot walks up from wd looking for a recognized project
// marker, returning the directory it was found in.
func findProjectRoot(wd string) (string, bool) {
	if wd == "" {
		return "", false
	}
	dir, err := filepath.Abs(wd)
	if err != nil {
		return "", false
	}

	for {
		for _, marker := range projectMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
