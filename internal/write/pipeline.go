// Package write implements the save path: chunk content, check each chunk
// for a near-duplicate, persist the surviving rows, and hand their ids to
// the embedding queue.
package write

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/memoria-mcp/memoria/internal/chunk"
	"github.com/memoria-mcp/memoria/internal/dedup"
	"github.com/memoria-mcp/memoria/internal/shingle"
	"github.com/memoria-mcp/memoria/internal/store"
)

// Enqueuer accepts ids ready for background embedding. The worker queue
// implements this; it is narrowed to one method so tests can substitute a
// recording fake.
type Enqueuer interface {
	Enqueue(s *store.Store, ids ...string)
}

// Pipeline runs the save operation against a single resolved Store.
type Pipeline struct {
	dedup *dedup.Checker
	queue Enqueuer
	log   *slog.Logger
}

// New returns a Pipeline backed by a dedup checker and the worker queue to
// notify after a successful insert.
func New(dedupChecker *dedup.Checker, queue Enqueuer, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{dedup: dedupChecker, queue: queue, log: log}
}

// Input is the validated request for a save operation.
type Input struct {
	Scope      store.Scope
	Kind       string
	Title      string
	Content    string
	Tags       []string
	SessionKey string
}

// ChunkResult reports what happened to one chunk of the saved content.
type ChunkResult struct {
	ID          string
	ChunkIndex  int
	Duplicate   bool
	DuplicateOf string
}

// Output is the result of a save operation.
type Output struct {
	ParentID    string
	ChunksSaved int
	Chunks      []ChunkResult
}

// Save chunks in.Content, deduplicates each chunk against s, inserts the
// surviving rows in the scope's Store, and enqueues their ids for
// embedding. Session-keyed saves bypass dedup and always UPSERT.
func (p *Pipeline) Save(ctx context.Context, s *store.Store, in Input) (Output, error) {
	texts := chunk.Split(in.Content)
	if len(texts) == 0 {
		texts = []string{""}
	}

	parentID := ""
	if len(texts) > 1 {
		parentID = uuid.NewString()
	}

	out := Output{ParentID: parentID, Chunks: make([]ChunkResult, 0, len(texts))}

	// Collect the surviving (non-duplicate) rows first, then insert every
	// one of them within a single transaction: a failure on any row must
	// roll back the chunks that came before it, not leave them committed.
	var rows []*store.Memory
	var chunkIndices []int

	for i, text := range texts {
		chunkIndex := i + 1
		chunkTotal := len(texts)

		if in.SessionKey == "" {
			result, hash, err := p.dedup.Check(ctx, s, in.Scope, text)
			if err != nil {
				// Policy: dedup failure does not abort the save; treat as
				// non-duplicate and proceed.
				p.log.Warn("dedup check failed, treating as non-duplicate",
					"scope", in.Scope, "error", err)
			} else if result.IsDuplicate {
				out.Chunks = append(out.Chunks, ChunkResult{
					ChunkIndex:  chunkIndex,
					Duplicate:   true,
					DuplicateOf: result.DuplicateOf,
				})
				if parentID == "" {
					out.ParentID = result.DuplicateOf
				}
				continue
			} else {
				_ = hash
			}
		}

		set := shingle.Set(text)
		hash := shingle.Hash(set)

		rows = append(rows, &store.Memory{
			Scope:       in.Scope,
			Kind:        in.Kind,
			Title:       in.Title,
			Content:     text,
			Tags:        in.Tags,
			ParentID:    parentID,
			ChunkIndex:  chunkIndex,
			ChunkTotal:  chunkTotal,
			ShingleHash: hash,
			SessionKey:  in.SessionKey,
		})
		chunkIndices = append(chunkIndices, chunkIndex)
	}

	if len(rows) == 0 {
		return out, nil
	}

	ids, err := s.InsertBatch(ctx, rows)
	if err != nil {
		return Output{}, fmt.Errorf("write: insert %d chunk(s): %w", len(rows), err)
	}

	toEmbed := make([]string, 0, len(ids))
	for i, id := range ids {
		p.dedup.Forget(id)
		out.Chunks = append(out.Chunks, ChunkResult{ID: id, ChunkIndex: chunkIndices[i]})
		out.ChunksSaved++
		toEmbed = append(toEmbed, id)

		if parentID == "" && chunkIndices[i] == 1 {
			out.ParentID = id
		}
	}

	if p.queue != nil {
		p.queue.Enqueue(s, toEmbed...)
	}

	return out, nil
}
