// Package dedup implements near-duplicate detection for the write
// pipeline: Jaccard similarity over cached shingle sets against a bounded
// candidate window fetched from the target Store.
package dedup

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/memoria-mcp/memoria/internal/shingle"
	"github.com/memoria-mcp/memoria/internal/store"
)

// Threshold is the minimum Jaccard similarity for a candidate to count as
// a duplicate.
const Threshold = 0.85

// candidateSource is the subset of *store.Store this package needs,
// narrowed so tests can supply an in-memory fake without a real database.
type candidateSource interface {
	CandidatesForDedup(ctx context.Context, scope store.Scope, shingleHash uint64) ([]store.DedupCandidate, error)
}

// Checker detects near-duplicates against whichever Store each Check call
// is given, caching recomputed candidate shingle sets by id.
type Checker struct {
	cache *lru.Cache[string, map[string]struct{}]
}

// New returns a Checker whose per-candidate shingle cache holds up to
// cacheSize entries.
func New(cacheSize int) (*Checker, error) {
	if cacheSize <= 0 {
		cacheSize = 512
	}
	c, err := lru.New[string, map[string]struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("dedup: new cache: %w", err)
	}
	return &Checker{cache: c}, nil
}

// Result reports the outcome of a duplicate check.
type Result struct {
	DuplicateOf string // "" when not a duplicate
	IsDuplicate bool
}

// Check computes the shingle set and hash of content and looks for a near-
// duplicate among s's candidates in scope. Two empty-normalized contents
// are considered duplicates of one another.
func (c *Checker) Check(ctx context.Context, s candidateSource, sc store.Scope, content string) (Result, uint64, error) {
	set := shingle.Set(content)
	hash := shingle.Hash(set)

	candidates, err := s.CandidatesForDedup(ctx, sc, hash)
	if err != nil {
		return Result{}, hash, fmt.Errorf("dedup: fetch candidates: %w", err)
	}

	best := Result{}
	bestScore := -1.0
	var bestUpdatedAt int64

	for _, cand := range candidates {
		candSet, ok := c.cache.Get(cand.ID)
		if !ok {
			candSet = shingle.Set(cand.Content)
			c.cache.Add(cand.ID, candSet)
		}

		score := shingle.Jaccard(set, candSet)
		if score < Threshold {
			continue
		}
		if score > bestScore || (score == bestScore && cand.UpdatedAt > bestUpdatedAt) {
			bestScore = score
			bestUpdatedAt = cand.UpdatedAt
			best = Result{DuplicateOf: cand.ID, IsDuplicate: true}
		}
	}

	return best, hash, nil
}

// Forget evicts a candidate's cached shingle set, used when a row's
// content changes (UPSERT) so stale shingles never compare against new
// writes.
func (c *Checker) Forget(id string) {
	c.cache.Remove(id)
}
