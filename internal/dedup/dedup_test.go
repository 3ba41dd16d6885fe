package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/memoria-mcp/memoria/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheckFindsExactTextAsDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := New(64)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	_, err = s.Insert(ctx, &store.Memory{Scope: store.ScopeProject, Content: "Use JWT for auth"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	result, _, err := c.Check(ctx, s, store.ScopeProject, "Use JWT for auth.")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result.IsDuplicate {
		t.Fatal("expected trailing-period variant to be flagged as a duplicate")
	}
}

func TestCheckReturnsNoneBelowThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := New(64)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	_, err = s.Insert(ctx, &store.Memory{Scope: store.ScopeProject, Content: "Use JWT for auth"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	result, _, err := c.Check(ctx, s, store.ScopeProject, "Deploy with blue-green rollouts on Fridays")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.IsDuplicate {
		t.Fatalf("expected unrelated content not to be a duplicate, got %+v", result)
	}
}

func TestCheckScopedAwayFromOtherScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := New(64)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	_, err = s.Insert(ctx, &store.Memory{Scope: store.ScopeGlobal, Content: "Use JWT for auth"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	result, _, err := c.Check(ctx, s, store.ScopeProject, "Use JWT for auth")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.IsDuplicate {
		t.Fatal("expected a different scope's row not to count as a duplicate")
	}
}

func TestCheckEmptyContentDuplicatesOtherEmptyRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := New(64)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	_, err = s.Insert(ctx, &store.Memory{Scope: store.ScopeProject, Content: ""})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	result, _, err := c.Check(ctx, s, store.ScopeProject, "   ")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result.IsDuplicate {
		t.Fatal("expected two empty-normalized contents to be duplicates")
	}
}

func TestCheckBreaksTiesByMostRecentlyUpdated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c, err := New(64)
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}

	older, err := s.Insert(ctx, &store.Memory{Scope: store.ScopeProject, Content: "Use JWT for auth"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = older

	time.Sleep(5 * time.Millisecond)

	newer, err := s.Insert(ctx, &store.Memory{Scope: store.ScopeProject, Content: "Use JWT for auth"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	result, _, err := c.Check(ctx, s, store.ScopeProject, "Use JWT for auth")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.DuplicateOf != newer {
		t.Fatalf("expected tie broken toward most recently updated row %s, got %s", newer, result.DuplicateOf)
	}
}
