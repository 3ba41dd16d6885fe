package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/memoria-mcp/memoria/internal/engine"
	"github.com/memoria-mcp/memoria/internal/search"
	"github.com/memoria-mcp/memoria/internal/store"
	"github.com/memoria-mcp/memoria/internal/write"
)

// paramsError marks a failure to decode a tool call's params, routed to
// the JSON-RPC invalid-params code instead of the engine-error range.
type paramsError struct{ err error }

func (e *paramsError) Error() string { return e.err.Error() }
func (e *paramsError) Unwrap() error { return e.err }

func decodeParams(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &paramsError{fmt.Errorf("invalid params: %w", err)}
	}
	return nil
}

type saveParams struct {
	Scope      store.Scope `json:"scope"`
	Kind       string      `json:"kind"`
	Title      string      `json:"title"`
	Content    string      `json:"content"`
	Tags       []string    `json:"tags"`
	SessionKey string      `json:"session_key"`
}

type saveDuplicate struct {
	ChunkIndex  int    `json:"chunk_index"`
	DuplicateOf string `json:"duplicate_of"`
}

type saveResult struct {
	ID          string          `json:"id"`
	ChunksSaved int             `json:"chunks_saved"`
	Duplicates  []saveDuplicate `json:"duplicates"`
}

func handleSave(ctx context.Context, eng *engine.Engine, wd string, params json.RawMessage) (any, error) {
	var p saveParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	out, err := eng.Save(ctx, wd, write.Input{
		Scope:      p.Scope,
		Kind:       p.Kind,
		Title:      p.Title,
		Content:    p.Content,
		Tags:       p.Tags,
		SessionKey: p.SessionKey,
	})
	if err != nil {
		return nil, err
	}

	var dups []saveDuplicate
	for _, c := range out.Chunks {
		if c.Duplicate {
			dups = append(dups, saveDuplicate{ChunkIndex: c.ChunkIndex, DuplicateOf: c.DuplicateOf})
		}
	}
	return saveResult{ID: out.ParentID, ChunksSaved: out.ChunksSaved, Duplicates: dups}, nil
}

type searchParams struct {
	Query  string        `json:"query"`
	Scopes []store.Scope `json:"scopes"`
	Limit  int           `json:"limit"`
	Kind   string        `json:"kind"`
	Tags   []string      `json:"tags"`
}

type searchResult struct {
	ID        string      `json:"id"`
	Scope     store.Scope `json:"scope"`
	Title     string      `json:"title"`
	Content   string      `json:"content"`
	Score     float64     `json:"score"`
	Dense     float64     `json:"dense"`
	Lexical   float64     `json:"lexical"`
	Decay     float64     `json:"decay"`
	CreatedAt int64       `json:"created_at"`
}

func toSearchResults(results []search.Result) []searchResult {
	out := make([]searchResult, len(results))
	for i, r := range results {
		out[i] = searchResult{
			ID: r.ID, Scope: r.Scope, Title: r.Title, Content: r.Content,
			Score: r.Score, Dense: r.Dense, Lexical: r.Lexical, Decay: r.Decay,
			CreatedAt: r.CreatedAt,
		}
	}
	return out
}

func handleSearch(ctx context.Context, eng *engine.Engine, wd string, params json.RawMessage) (any, error) {
	var p searchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	results, err := eng.Search(ctx, wd, p.Scopes, p.Query, p.Limit, search.Filters{Kind: p.Kind, Tags: p.Tags})
	if err != nil {
		return nil, err
	}
	return toSearchResults(results), nil
}

type contextParams struct {
	Query         string `json:"query"`
	PerScopeLimit int    `json:"per_scope_limit"`
}

func handleContext(ctx context.Context, eng *engine.Engine, wd string, params json.RawMessage) (any, error) {
	var p contextParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.PerScopeLimit <= 0 {
		p.PerScopeLimit = search.DefaultLimit
	}

	out, err := eng.Context(ctx, wd, p.Query, p.PerScopeLimit)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"global":      toSearchResults(out[store.ScopeGlobal]),
		"personality": toSearchResults(out[store.ScopePersonality]),
		"project":     toSearchResults(out[store.ScopeProject]),
	}, nil
}

type listParams struct {
	Scope  store.Scope `json:"scope"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
	Kind   string      `json:"kind"`
	Since  int64       `json:"since"`
}

type memorySummary struct {
	ID        string      `json:"id"`
	Scope     store.Scope `json:"scope"`
	Kind      string      `json:"kind"`
	Title     string      `json:"title"`
	Content   string      `json:"content"`
	Tags      []string    `json:"tags"`
	CreatedAt int64       `json:"created_at"`
	UpdatedAt int64       `json:"updated_at"`
	Status    string      `json:"embedding_status"`
}

func handleList(ctx context.Context, eng *engine.Engine, wd string, params json.RawMessage) (any, error) {
	var p listParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	rows, err := eng.List(ctx, wd, p.Scope, store.ListFilters{Kind: p.Kind, Since: p.Since, Limit: p.Limit, Offset: p.Offset})
	if err != nil {
		return nil, err
	}

	out := make([]memorySummary, len(rows))
	for i, m := range rows {
		out[i] = memorySummary{
			ID: m.ID, Scope: m.Scope, Kind: m.Kind, Title: m.Title, Content: m.Content,
			Tags: m.Tags, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt, Status: string(m.EmbeddingStatus),
		}
	}
	return out, nil
}

func handleStats(ctx context.Context, eng *engine.Engine, wd string, params json.RawMessage) (any, error) {
	stats, err := eng.Stats(ctx, wd)
	if err != nil {
		return nil, err
	}
	out := make(map[store.Scope]store.Stats, len(stats))
	for sc, st := range stats {
		out[sc] = st
	}
	return out, nil
}

type deleteParams struct {
	Scope store.Scope `json:"scope"`
	ID    string      `json:"id"`
}

func handleDelete(ctx context.Context, eng *engine.Engine, wd string, params json.RawMessage) (any, error) {
	var p deleteParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	deleted, err := eng.Delete(ctx, wd, p.Scope, p.ID)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": deleted}, nil
}

type reindexParams struct {
	Scope *store.Scope `json:"scope"`
}

func handleReindex(ctx context.Context, eng *engine.Engine, wd string, params json.RawMessage) (any, error) {
	var p reindexParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	n, err := eng.Reindex(ctx, wd, p.Scope)
	if err != nil {
		return nil, err
	}
	return map[string]int{"reset": n}, nil
}

type compactParams struct {
	Scope *store.Scope `json:"scope"`
}

func handleCompact(ctx context.Context, eng *engine.Engine, wd string, params json.RawMessage) (any, error) {
	var p compactParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	n, err := eng.Compact(ctx, wd, p.Scope)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"reclaimed_bytes": n}, nil
}
