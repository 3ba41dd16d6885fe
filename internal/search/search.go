// Package search implements hybrid search: BM25 lexical candidates fused
// with dense cosine rescoring and a temporal-decay boost.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memoria-mcp/memoria/internal/embed"
	"github.com/memoria-mcp/memoria/internal/store"
)

const (
	// candidateLimit is how many BM25 candidates are fetched per store.
	candidateLimit = 50

	// DefaultLimit is the result count when the caller doesn't specify one.
	DefaultLimit = 10

	// denseWeight and lexicalWeight are the fusion weights from stage 5.
	denseWeight   = 0.7
	lexicalWeight = 0.3

	// decayHalfLifeDays is tau in the exponential decay boost.
	decayHalfLifeDays = 30.0

	// decayFloor/decayCeiling bound the multiplicative recency boost so
	// decay never dominates semantic relevance.
	decayFloor   = 0.85
	decayCeiling = 1.0
)

// Result is one ranked memory, carrying its fused score and component
// scores as a discriminated record rather than a single overloaded field.
type Result struct {
	ID        string
	Scope     store.Scope
	Title     string
	Content   string
	Score     float64
	Dense     float64
	Lexical   float64
	Decay     float64
	CreatedAt int64
	UpdatedAt int64
	DenseDegraded bool // true when the embedder failed and dense score is forced to 0
}

// Filters narrows a search to a kind and/or tag set; zero value matches
// everything.
type Filters struct {
	Kind string
	Tags []string
}

// matchesTags reports whether m carries every tag in want (AND semantics).
func matchesTags(m *store.Memory, want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(m.Tags))
	for _, t := range m.Tags {
		have[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// Searcher runs hybrid search across a set of Stores.
type Searcher struct {
	embedder embed.Model
}

// New returns a Searcher backed by embedder for query-vector encoding.
func New(embedder embed.Model) *Searcher {
	return &Searcher{embedder: embedder}
}

// Search runs the five-stage hybrid ranking across stores and returns the
// top limit results. An empty query returns the most recent rows across
// the given stores instead of running BM25/dense scoring.
func (s *Searcher) Search(ctx context.Context, stores []*store.Store, query string, limit int, f Filters) ([]Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	if query == "" {
		return s.recent(ctx, stores, limit, f)
	}

	type candidate struct {
		store   *store.Store
		id      string
		lexical float64
	}

	var (
		mu         sync.Mutex
		candidates []candidate
	)
	g, gCtx := errgroup.WithContext(ctx)
	for _, st := range stores {
		st := st
		g.Go(func() error {
			hits, err := st.FTSSearch(gCtx, query, candidateLimit)
			if err != nil {
				return fmt.Errorf("search: fts on %s: %w", st.Path(), err)
			}
			mu.Lock()
			for _, h := range hits {
				candidates = append(candidates, candidate{store: st, id: h.ID, lexical: h.Score})
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	queryVec, embedErr := s.embedder.EmbedQuery(query)

	// Stage 3: min-max normalize lexical scores within the candidate set.
	lexScores := make([]float64, len(candidates))
	for i, c := range candidates {
		lexScores[i] = c.lexical
	}
	normLex := minMaxNormalize(lexScores)

	// Group candidate ids per store for batched vector loads.
	idsByStore := make(map[*store.Store][]string)
	for _, c := range candidates {
		idsByStore[c.store] = append(idsByStore[c.store], c.id)
	}
	vectorsByStore := make(map[*store.Store]map[string][]float32)
	for st, ids := range idsByStore {
		vecs, err := st.LoadVectors(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("search: load vectors on %s: %w", st.Path(), err)
		}
		vectorsByStore[st] = vecs
	}

	results := make([]Result, 0, len(candidates))
	now := time.Now().UnixMilli()

	for i, c := range candidates {
		m, err := c.store.Get(ctx, c.id)
		if err != nil {
			continue // row may have been deleted between fetch and rescore
		}
		if f.Kind != "" && m.Kind != f.Kind {
			continue
		}
		if !matchesTags(m, f.Tags) {
			continue
		}

		dense := 0.0
		degraded := embedErr != nil
		if embedErr == nil {
			if v, ok := vectorsByStore[c.store][c.id]; ok {
				dense = clampCosine(cosineSimilarity(queryVec, v))
			}
		}

		ageDays := float64(now-m.UpdatedAt) / 86_400_000.0
		if ageDays < 0 {
			ageDays = 0
		}
		decay := math.Exp(-ageDays / decayHalfLifeDays)
		boost := decayFloor + (decayCeiling-decayFloor)*decay

		fused := (denseWeight*dense + lexicalWeight*normLex[i]) * boost

		results = append(results, Result{
			ID:            m.ID,
			Scope:         m.Scope,
			Title:         m.Title,
			Content:       m.Content,
			Score:         fused,
			Dense:         dense,
			Lexical:       normLex[i],
			Decay:         boost,
			CreatedAt:     m.CreatedAt,
			UpdatedAt:     m.UpdatedAt,
			DenseDegraded: degraded,
		})
	}

	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// recent returns the most recently updated rows across stores, used for
// the empty-query edge case.
func (s *Searcher) recent(ctx context.Context, stores []*store.Store, limit int, f Filters) ([]Result, error) {
	var all []Result
	for _, st := range stores {
		list, err := st.List(ctx, store.ListFilters{Kind: f.Kind, Limit: limit})
		if err != nil {
			return nil, fmt.Errorf("search: list on %s: %w", st.Path(), err)
		}
		for _, m := range list {
			if !matchesTags(m, f.Tags) {
				continue
			}
			all = append(all, Result{
				ID: m.ID, Scope: m.Scope, Title: m.Title, Content: m.Content,
				CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
			})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt > all[j].UpdatedAt })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// sortResults orders by score descending, ties broken by newer updated_at
// then smaller id.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		return a.ID < b.ID
	})
}

// minMaxNormalize rescales scores to [0, 1]; a constant set normalizes to
// all zeros per spec.
func minMaxNormalize(scores []float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	min, max := scores[0], scores[0]
	for _, v := range scores {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		return out // all zero
	}
	for i, v := range scores {
		out[i] = (v - min) / (max - min)
	}
	return out
}

func clampCosine(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
