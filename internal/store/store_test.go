package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, &Memory{
		Scope:   ScopeProject,
		Kind:    "decision",
		Title:   "use postgres",
		Content: "We decided to use Postgres for the primary datastore.",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Content != "We decided to use Postgres for the primary datastore." {
		t.Errorf("content mismatch: %q", m.Content)
	}
	if m.EmbeddingStatus != StatusPending {
		t.Errorf("expected pending status, got %s", m.EmbeddingStatus)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionKeyUpsertReplacesAndResetsEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.Insert(ctx, &Memory{
		Scope:      ScopeProject,
		Content:    "first draft of the design",
		SessionKey: "sess-1",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.UpdateEmbedding(ctx, id1, []float32{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("update embedding: %v", err)
	}

	id2, err := s.Insert(ctx, &Memory{
		Scope:      ScopeProject,
		Content:    "revised design",
		SessionKey: "sess-1",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same id on upsert, got %s vs %s", id1, id2)
	}

	m, err := s.Get(ctx, id2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Content != "revised design" {
		t.Errorf("content not replaced: %q", m.Content)
	}
	if m.EmbeddingStatus != StatusPending {
		t.Errorf("expected embedding reset to pending, got %s", m.EmbeddingStatus)
	}
}

func TestMultipleRowsWithoutSessionKeyDoNotConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Insert(ctx, &Memory{Scope: ScopeGlobal, Content: "no session key here"}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	list, err := s.List(ctx, ListFilters{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(list))
	}
}

func TestFTSSearchFindsInsertedContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, &Memory{
		Scope:   ScopeProject,
		Content: "The quick brown fox jumps over the lazy dog",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	results, err := s.FTSSearch(ctx, "quick fox", 5)
	if err != nil {
		t.Fatalf("fts search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one fts result")
	}
	if results[0].ID != id {
		t.Errorf("expected %s first, got %s", id, results[0].ID)
	}
}

func TestFTSIndexClearedOnDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, &Memory{Scope: ScopeProject, Content: "ephemeral note about caching"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	results, err := s.FTSSearch(ctx, "ephemeral", 5)
	if err != nil {
		t.Fatalf("fts search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results after delete, got %d", len(results))
	}
}

func TestDeleteMissingReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateEmbeddingRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.Insert(ctx, &Memory{Scope: ScopeGlobal, Content: "vector round trip"})
	vec := []float32{0.5, -0.25, 0.75, 1.0}
	if err := s.UpdateEmbedding(ctx, id, vec); err != nil {
		t.Fatalf("update embedding: %v", err)
	}

	vecs, err := s.LoadVectors(ctx, []string{id})
	if err != nil {
		t.Fatalf("load vectors: %v", err)
	}
	got := vecs[id]
	if len(got) != len(vec) {
		t.Fatalf("length mismatch: %d vs %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("index %d: %v != %v", i, got[i], vec[i])
		}
	}
}

func TestPendingIDsOnlyReturnsUnembedded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idA, _ := s.Insert(ctx, &Memory{Scope: ScopeGlobal, Content: "a"})
	idB, _ := s.Insert(ctx, &Memory{Scope: ScopeGlobal, Content: "b"})
	if err := s.UpdateEmbedding(ctx, idA, []float32{1}); err != nil {
		t.Fatalf("update embedding: %v", err)
	}

	pending, err := s.PendingIDs(ctx, 10)
	if err != nil {
		t.Fatalf("pending ids: %v", err)
	}
	if len(pending) != 1 || pending[0] != idB {
		t.Fatalf("expected only %s pending, got %v", idB, pending)
	}
}

func TestMarkFailedAndResetPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.Insert(ctx, &Memory{Scope: ScopeGlobal, Content: "will fail"})
	if err := s.MarkFailed(ctx, id, "embedder unavailable"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	failed, err := s.FailedIDs(ctx, 10)
	if err != nil {
		t.Fatalf("failed ids: %v", err)
	}
	if len(failed) != 1 || failed[0] != id {
		t.Fatalf("expected %s failed, got %v", id, failed)
	}

	n, err := s.ResetPending(ctx, []string{id})
	if err != nil {
		t.Fatalf("reset pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reset, got %d", n)
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.EmbeddingStatus != StatusPending {
		t.Errorf("expected pending, got %s", m.EmbeddingStatus)
	}
}

func TestCandidatesForDedupMatchesByHashOrRecency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, &Memory{Scope: ScopeProject, Content: "recent note", ShingleHash: 999})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	candidates, err := s.CandidatesForDedup(ctx, ScopeProject, 999)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}

	candidates, err = s.CandidatesForDedup(ctx, ScopeProject, 111)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate via recency fallback, got %d", len(candidates))
	}

	candidates, err = s.CandidatesForDedup(ctx, ScopeGlobal, 999)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected 0 candidates in a different scope, got %d", len(candidates))
	}
}

func TestStatsCountsByStatusAndKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idA, _ := s.Insert(ctx, &Memory{Scope: ScopeGlobal, Kind: "fact", Content: "a"})
	_, _ = s.Insert(ctx, &Memory{Scope: ScopeGlobal, Kind: "decision", Content: "b"})
	if err := s.UpdateEmbedding(ctx, idA, []float32{1}); err != nil {
		t.Fatalf("update embedding: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalCount != 2 {
		t.Errorf("expected total 2, got %d", stats.TotalCount)
	}
	if stats.Ready != 1 || stats.Pending != 1 {
		t.Errorf("expected 1 ready and 1 pending, got ready=%d pending=%d", stats.Ready, stats.Pending)
	}
	if stats.ByKind["fact"] != 1 || stats.ByKind["decision"] != 1 {
		t.Errorf("unexpected kind breakdown: %v", stats.ByKind)
	}
}

func TestCompactShrinksOrNoOps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Insert(ctx, &Memory{Scope: ScopeGlobal, Content: "padding content to compact later"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if _, err := s.Compact(ctx); err != nil {
		t.Fatalf("compact: %v", err)
	}
}

func TestOrphanedPendingRespectsMinAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, &Memory{Scope: ScopeGlobal, Content: "brand new"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	orphans, err := s.OrphanedPending(ctx, time.Hour, 10)
	if err != nil {
		t.Fatalf("orphaned pending: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("expected no orphans for a fresh row, got %d", len(orphans))
	}

	orphans, err = s.OrphanedPending(ctx, 0, 10)
	if err != nil {
		t.Fatalf("orphaned pending: %v", err)
	}
	if len(orphans) != 1 {
		t.Fatalf("expected 1 orphan with zero min age, got %d", len(orphans))
	}
}

func TestEncodeDecodeVectorRoundTrip(t *testing.T) {
	original := []float32{1.5, -2.25, 0, 99.5}
	decoded := decodeVector(encodeVector(original))
	if len(decoded) != len(original) {
		t.Fatalf("length mismatch: %d vs %d", len(decoded), len(original))
	}
	for i := range original {
		if decoded[i] != original[i] {
			t.Errorf("index %d: %v != %v", i, decoded[i], original[i])
		}
	}
}

func TestListFiltersByKindAndSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, &Memory{Scope: ScopeGlobal, Kind: "fact", Content: "a"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.Insert(ctx, &Memory{Scope: ScopeGlobal, Kind: "decision", Content: "b"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	list, err := s.List(ctx, ListFilters{Kind: "fact", Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Kind != "fact" {
		t.Fatalf("expected 1 fact row, got %v", list)
	}

	future := time.Now().Add(time.Hour).UnixMilli()
	list, err = s.List(ctx, ListFilters{Since: future, Limit: 10})
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no rows created after %d, got %d", future, len(list))
	}
}
