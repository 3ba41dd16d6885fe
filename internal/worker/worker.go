// Package worker implements the background embedding worker: a single
// long-lived task draining an in-memory queue of (store, id) pairs,
// batching them through the embedder, and writing results back.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memoria-mcp/memoria/internal/embed"
	"github.com/memoria-mcp/memoria/internal/store"
)

const (
	// tickInterval is how often the worker wakes even with an empty queue,
	// to run the orphan scan.
	tickInterval = 5 * time.Second

	// drainBatch is the maximum number of queued ids processed per group
	// per tick.
	drainBatch = 32

	// orphanMinAge is how long a row must sit pending before the orphan
	// scan considers it abandoned.
	orphanMinAge = 60 * time.Second

	// orphanCap bounds how many orphaned rows are reprocessed per scope
	// per tick.
	orphanCap = 64

	// maxParallelStores bounds concurrent per-store batch processing.
	maxParallelStores = 4
)

// ScopeProvider supplies the set of Stores the worker's orphan scan should
// sweep. The scope Router implements this.
type ScopeProvider interface {
	All() []*store.Store
}

// Worker drains the embedding queue and periodically scans for orphaned
// pending rows.
type Worker struct {
	embedder embed.Model
	scopes   ScopeProvider
	log      *slog.Logger

	mu    sync.Mutex
	queue map[*store.Store]map[string]struct{} // coalesces duplicate ids per store

	wake chan struct{}
}

// New returns a Worker. Run must be called to start draining.
func New(embedder embed.Model, scopes ScopeProvider, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		embedder: embedder,
		scopes:   scopes,
		log:      log,
		queue:    make(map[*store.Store]map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue adds ids for s to the pending queue, coalescing duplicates. It
// implements write.Enqueuer.
func (w *Worker) Enqueue(s *store.Store, ids ...string) {
	if len(ids) == 0 {
		return
	}
	w.mu.Lock()
	set, ok := w.queue[s]
	if !ok {
		set = make(map[string]struct{})
		w.queue[s] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// QueueLen reports the total number of distinct pending ids, across all
// stores, used for the backpressure metric.
func (w *Worker) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, set := range w.queue {
		n += len(set)
	}
	return n
}

// Run drains the queue until ctx is cancelled. On cancellation it processes
// one last batch (up to drainBatch ids per store) before returning; ids
// still queued after that stay pending in their Store, where the orphan
// scan finds them once they are older than orphanMinAge.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drainOnce(context.Background())
			return
		case <-w.wake:
			w.drainOnce(ctx)
		case <-ticker.C:
			w.drainOnce(ctx)
			w.scanOrphans(ctx)
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) {
	batches := w.takeBatches()
	if len(batches) == 0 {
		return
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelStores)
	for s, ids := range batches {
		s, ids := s, ids
		g.Go(func() error {
			w.processBatch(gCtx, s, ids)
			return nil
		})
	}
	_ = g.Wait() // processBatch logs its own errors; never kill the worker loop
}

// takeBatches pops up to drainBatch ids per store from the queue.
func (w *Worker) takeBatches() map[*store.Store][]string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[*store.Store][]string)
	for s, set := range w.queue {
		if len(set) == 0 {
			continue
		}
		ids := make([]string, 0, drainBatch)
		for id := range set {
			if len(ids) >= drainBatch {
				break
			}
			ids = append(ids, id)
		}
		for _, id := range ids {
			delete(set, id)
		}
		if len(set) == 0 {
			delete(w.queue, s)
		}
		out[s] = ids
	}
	return out
}

// processBatch loads content for ids, embeds them, and writes results
// back. A failure for the whole batch marks every id in it failed rather
// than leaving them pending forever; an exception here never kills the
// worker loop.
func (w *Worker) processBatch(ctx context.Context, s *store.Store, ids []string) {
	texts := make([]string, 0, len(ids))
	validIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		m, err := s.Get(ctx, id)
		if err != nil {
			w.log.Warn("worker: load content failed, skipping", "id", id, "error", err)
			continue
		}
		texts = append(texts, m.Content)
		validIDs = append(validIDs, id)
	}
	if len(validIDs) == 0 {
		return
	}

	vecs, err := w.embedder.Embed(texts)
	if err != nil {
		w.log.Error("worker: embed batch failed, marking failed", "count", len(validIDs), "error", err)
		for _, id := range validIDs {
			if mErr := s.MarkFailed(ctx, id, err.Error()); mErr != nil {
				w.log.Error("worker: mark failed errored", "id", id, "error", mErr)
			}
		}
		return
	}

	for i, id := range validIDs {
		if err := s.UpdateEmbedding(ctx, id, vecs[i]); err != nil {
			w.log.Error("worker: update embedding failed", "id", id, "error", err)
		}
	}
}

// scanOrphans sweeps every known Store for pending rows older than
// orphanMinAge (crash-recovery: enqueues lost on restart) and re-enqueues
// them.
func (w *Worker) scanOrphans(ctx context.Context) {
	for _, s := range w.scopes.All() {
		ids, err := s.OrphanedPending(ctx, orphanMinAge, orphanCap)
		if err != nil {
			w.log.Warn("worker: orphan scan failed", "error", err)
			continue
		}
		if len(ids) > 0 {
			w.Enqueue(s, ids...)
		}
	}
}
