// Package engine wires the chunker, dedup checker, store router, embedder,
// background worker, and hybrid searcher into the public operations the
// MCP tools dispatch to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/memoria-mcp/memoria/internal/config"
	"github.com/memoria-mcp/memoria/internal/dedup"
	"github.com/memoria-mcp/memoria/internal/embed"
	"github.com/memoria-mcp/memoria/internal/scope"
	"github.com/memoria-mcp/memoria/internal/search"
	"github.com/memoria-mcp/memoria/internal/store"
	"github.com/memoria-mcp/memoria/internal/worker"
	"github.com/memoria-mcp/memoria/internal/write"
)

// Engine is the process-lifetime owner of every stateful component:
// the scope router's open Store handles, the background worker, and the
// shared embedder.
type Engine struct {
	cfg      config.Config
	router   *scope.Router
	pipeline *write.Pipeline
	searcher *search.Searcher
	worker   *worker.Worker
	embedder embed.Model
	log      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an Engine from cfg and an already-constructed embedder (the
// caller owns loading the ONNX model, since that is a slow, fallible step
// better surfaced at process bootstrap than buried in engine construction).
func New(cfg config.Config, embedder embed.Model, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	router := scope.New(cfg.DataRoot)

	dedupChecker, err := dedup.New(cfg.DedupCacheSize)
	if err != nil {
		router.Close()
		return nil, newErr(KindStoreError, "engine.New", err)
	}

	w := worker.New(embedder, router, log)
	pipeline := write.New(dedupChecker, w, log)
	searcher := search.New(embedder)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	return &Engine{
		cfg:      cfg,
		router:   router,
		pipeline: pipeline,
		searcher: searcher,
		worker:   w,
		embedder: embedder,
		log:      log,
		cancel:   cancel,
		done:     done,
	}, nil
}

// Shutdown stops the background worker (letting its current batch finish)
// and closes every open Store handle.
func (e *Engine) Shutdown() error {
	e.cancel()
	<-e.done
	return e.router.Close()
}

// wrapErr classifies err as KindTimeout when ctx's deadline has been
// exceeded, otherwise under kind, per the deadline/timeout policy every
// public operation shares.
func wrapErr(ctx context.Context, kind ErrKind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return newErr(KindTimeout, op, ctx.Err())
	}
	return newErr(kind, op, err)
}

// Save runs the write pipeline for one memory_save call.
func (e *Engine) Save(ctx context.Context, wd string, in write.Input) (write.Output, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SaveTimeout)
	defer cancel()

	if !in.Scope.Valid() {
		return write.Output{}, newErr(KindInvalidInput, "Save", fmt.Errorf("invalid scope %q", in.Scope))
	}
	if in.Content == "" {
		return write.Output{}, newErr(KindInvalidInput, "Save", errors.New("content must not be empty"))
	}

	s, err := e.router.Resolve(in.Scope, wd)
	if err != nil {
		return write.Output{}, wrapErr(ctx, KindStoreError, "Save", err)
	}

	out, err := e.pipeline.Save(ctx, s, in)
	if err != nil {
		return write.Output{}, wrapErr(ctx, KindStoreError, "Save", err)
	}
	return out, nil
}

// scopesOrDefault validates an explicit scope set, or returns all three
// scopes when none was given.
func (e *Engine) scopesOrDefault(ctx context.Context, scopes []store.Scope, wd string) ([]*store.Store, error) {
	if len(scopes) == 0 {
		stores, err := e.router.ResolveAll(wd)
		if err != nil {
			return nil, wrapErr(ctx, KindStoreError, "scopesOrDefault", err)
		}
		return stores, nil
	}

	stores := make([]*store.Store, 0, len(scopes))
	for _, sc := range scopes {
		if !sc.Valid() {
			return nil, newErr(KindInvalidInput, "scopesOrDefault", fmt.Errorf("invalid scope %q", sc))
		}
		s, err := e.router.Resolve(sc, wd)
		if err != nil {
			return nil, wrapErr(ctx, KindStoreError, "scopesOrDefault", err)
		}
		stores = append(stores, s)
	}
	return stores, nil
}

// Search runs hybrid search across scopes (all three if scopes is empty).
func (e *Engine) Search(ctx context.Context, wd string, scopes []store.Scope, query string, limit int, f search.Filters) ([]search.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SearchTimeout)
	defer cancel()

	stores, err := e.scopesOrDefault(ctx, scopes, wd)
	if err != nil {
		return nil, err
	}

	results, err := e.searcher.Search(ctx, stores, query, limit, f)
	if err != nil {
		return nil, wrapErr(ctx, KindStoreError, "Search", err)
	}
	return results, nil
}

// Context runs memory_context: search all three scopes independently and
// return up to perScopeLimit results for each.
func (e *Engine) Context(ctx context.Context, wd string, query string, perScopeLimit int) (map[store.Scope][]search.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SearchTimeout)
	defer cancel()

	out := make(map[store.Scope][]search.Result, 3)
	for _, sc := range []store.Scope{store.ScopeGlobal, store.ScopePersonality, store.ScopeProject} {
		s, err := e.router.Resolve(sc, wd)
		if err != nil {
			return nil, wrapErr(ctx, KindStoreError, "Context", err)
		}
		results, err := e.searcher.Search(ctx, []*store.Store{s}, query, perScopeLimit, search.Filters{})
		if err != nil {
			return nil, wrapErr(ctx, KindStoreError, "Context", err)
		}
		out[sc] = results
	}
	return out, nil
}

// List returns memory summaries for a single scope.
func (e *Engine) List(ctx context.Context, wd string, sc store.Scope, f store.ListFilters) ([]*store.Memory, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SearchTimeout)
	defer cancel()

	if !sc.Valid() {
		return nil, newErr(KindInvalidInput, "List", fmt.Errorf("invalid scope %q", sc))
	}
	s, err := e.router.Resolve(sc, wd)
	if err != nil {
		return nil, wrapErr(ctx, KindStoreError, "List", err)
	}
	list, err := s.List(ctx, f)
	if err != nil {
		return nil, wrapErr(ctx, KindStoreError, "List", err)
	}
	return list, nil
}

// Stats returns counts for the three scopes as resolved from wd, opening
// any that are not already open.
func (e *Engine) Stats(ctx context.Context, wd string) (map[store.Scope]store.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SearchTimeout)
	defer cancel()

	out := make(map[store.Scope]store.Stats, 3)
	for _, sc := range []store.Scope{store.ScopeGlobal, store.ScopePersonality, store.ScopeProject} {
		s, err := e.router.Resolve(sc, wd)
		if err != nil {
			return nil, wrapErr(ctx, KindStoreError, "Stats", err)
		}
		st, err := s.Stats(ctx)
		if err != nil {
			return nil, wrapErr(ctx, KindStoreError, "Stats", err)
		}
		out[sc] = st
	}
	return out, nil
}

// Delete removes a single memory row from a scope.
func (e *Engine) Delete(ctx context.Context, wd string, sc store.Scope, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SaveTimeout)
	defer cancel()

	if !sc.Valid() {
		return false, newErr(KindInvalidInput, "Delete", fmt.Errorf("invalid scope %q", sc))
	}
	s, err := e.router.Resolve(sc, wd)
	if err != nil {
		return false, wrapErr(ctx, KindStoreError, "Delete", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, newErr(KindNotFound, "Delete", err)
		}
		return false, wrapErr(ctx, KindStoreError, "Delete", err)
	}
	return true, nil
}

// Reindex resets failed embedding rows back to pending and re-enqueues
// them, for the given scope (or all three scopes if sc is nil).
func (e *Engine) Reindex(ctx context.Context, wd string, sc *store.Scope) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CompactTimeout)
	defer cancel()

	var stores []*store.Store
	if sc == nil {
		all, err := e.router.ResolveAll(wd)
		if err != nil {
			return 0, wrapErr(ctx, KindStoreError, "Reindex", err)
		}
		stores = all
	} else {
		if !sc.Valid() {
			return 0, newErr(KindInvalidInput, "Reindex", fmt.Errorf("invalid scope %q", *sc))
		}
		s, err := e.router.Resolve(*sc, wd)
		if err != nil {
			return 0, wrapErr(ctx, KindStoreError, "Reindex", err)
		}
		stores = []*store.Store{s}
	}

	total := 0
	for _, s := range stores {
		ids, err := s.FailedIDs(ctx, 10_000)
		if err != nil {
			return total, wrapErr(ctx, KindStoreError, "Reindex", err)
		}
		n, err := s.ResetPending(ctx, ids)
		if err != nil {
			return total, wrapErr(ctx, KindStoreError, "Reindex", err)
		}
		total += n
		e.worker.Enqueue(s, ids...)
	}
	return total, nil
}

// Compact rebuilds the FTS index and reclaims free pages for the given
// scope (or all three scopes if sc is nil), returning total bytes
// reclaimed.
func (e *Engine) Compact(ctx context.Context, wd string, sc *store.Scope) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CompactTimeout)
	defer cancel()

	var stores []*store.Store
	if sc == nil {
		all, err := e.router.ResolveAll(wd)
		if err != nil {
			return 0, wrapErr(ctx, KindStoreError, "Compact", err)
		}
		stores = all
	} else {
		if !sc.Valid() {
			return 0, newErr(KindInvalidInput, "Compact", fmt.Errorf("invalid scope %q", *sc))
		}
		s, err := e.router.Resolve(*sc, wd)
		if err != nil {
			return 0, wrapErr(ctx, KindStoreError, "Compact", err)
		}
		stores = []*store.Store{s}
	}

	var total int64
	for _, s := range stores {
		n, err := s.Compact(ctx)
		if err != nil {
			return total, wrapErr(ctx, KindStoreError, "Compact", err)
		}
		total += n
	}
	return total, nil
}
