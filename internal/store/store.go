package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Store owns one physical embedded-SQL file and the full-text index that
// sits over it. All scopes are instances of this same capability,
// distinguished only by the path they were opened with.
type Store struct {
	db   *sql.DB
	path string

	// writeMu serializes all writers onto a single logical writer, per the
	// "one writer, pool of readers" connection discipline; database/sql's
	// own connection pool still services concurrent readers.
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the schema is migrated. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: foreign keys: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id               TEXT PRIMARY KEY,
			scope            TEXT NOT NULL,
			kind             TEXT NOT NULL DEFAULT '',
			title            TEXT NOT NULL DEFAULT '',
			content          TEXT NOT NULL DEFAULT '',
			tags_json        TEXT NOT NULL DEFAULT '[]',
			parent_id        TEXT NOT NULL DEFAULT '',
			chunk_index      INTEGER NOT NULL DEFAULT 1,
			chunk_total      INTEGER NOT NULL DEFAULT 1,
			shingle_hash     INTEGER NOT NULL DEFAULT 0,
			session_key      TEXT UNIQUE,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL,
			embedding        BLOB,
			embedding_dim    INTEGER NOT NULL DEFAULT 0,
			embedding_status TEXT NOT NULL DEFAULT 'pending'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_shingle ON memories(shingle_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(embedding_status)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			title, content, tags,
			content='memories',
			content_rowid='rowid'
		)`,
		// Keep memories_fts exactly in sync with rows whose content is
		// non-empty. Separate WHEN-guarded triggers per transition (rather
		// than one trigger with branching SQL) keep each case a single
		// unambiguous statement.
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories
		 WHEN new.content != '' BEGIN
			INSERT INTO memories_fts(rowid, title, content, tags)
			VALUES (new.rowid, new.title, new.content, new.tags_json);
		 END`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories
		 WHEN old.content != '' BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, title, content, tags)
			VALUES ('delete', old.rowid, old.title, old.content, old.tags_json);
		 END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au_del AFTER UPDATE ON memories
		 WHEN old.content != '' BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, title, content, tags)
			VALUES ('delete', old.rowid, old.title, old.content, old.tags_json);
		 END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au_ins AFTER UPDATE ON memories
		 WHEN new.content != '' BEGIN
			INSERT INTO memories_fts(rowid, title, content, tags)
			VALUES (new.rowid, new.title, new.content, new.tags_json);
		 END`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the filesystem path this Store was opened with.
func (s *Store) Path() string {
	return s.path
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Insert atomically inserts a new memory row plus its FTS entry. If m has a
// SessionKey, this is an UPSERT keyed on session_key: an existing row's
// content/updated_at are replaced and its embedding is reset to pending,
// and the existing row's id is returned instead of m.ID.
func (s *Store) Insert(ctx context.Context, m *Memory) (id string, err error) {
	ids, err := s.InsertBatch(ctx, []*Memory{m})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// InsertBatch atomically inserts every row in ms plus its FTS entry, all
// within a single transaction: either every row lands or none does, per the
// write pipeline's all-or-nothing chunk insert requirement. Each element
// follows the same single-row UPSERT-by-session-key semantics as Insert.
func (s *Store) InsertBatch(ctx context.Context, ms []*Memory) ([]string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if len(ms) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, len(ms))
	for i, m := range ms {
		id, err := insertOne(ctx, tx, m)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit insert: %w", err)
	}
	return ids, nil
}

// insertOne runs one row's insert/upsert within tx, returning its id.
func insertOne(ctx context.Context, tx *sql.Tx, m *Memory) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := nowMillis()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.ChunkTotal == 0 {
		m.ChunkTotal = 1
	}
	if m.ChunkIndex == 0 {
		m.ChunkIndex = 1
	}
	if m.EmbeddingStatus == "" {
		m.EmbeddingStatus = StatusPending
	}

	tagsJSON, err := json.Marshal(m.Tags)
	if err != nil {
		return "", fmt.Errorf("store: marshal tags: %w", err)
	}

	var id string
	if m.SessionKey != "" {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO memories (
				id, scope, kind, title, content, tags_json, parent_id,
				chunk_index, chunk_total, shingle_hash, session_key,
				created_at, updated_at, embedding_status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_key) DO UPDATE SET
				content = excluded.content,
				title = excluded.title,
				tags_json = excluded.tags_json,
				shingle_hash = excluded.shingle_hash,
				updated_at = excluded.updated_at,
				embedding = NULL,
				embedding_dim = 0,
				embedding_status = 'pending'
			RETURNING id`,
			m.ID, string(m.Scope), m.Kind, m.Title, m.Content, string(tagsJSON), m.ParentID,
			m.ChunkIndex, m.ChunkTotal, int64(m.ShingleHash), m.SessionKey,
			m.CreatedAt, m.UpdatedAt, string(StatusPending),
		)
		if err := row.Scan(&id); err != nil {
			return "", fmt.Errorf("store: upsert by session_key: %w", err)
		}
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO memories (
				id, scope, kind, title, content, tags_json, parent_id,
				chunk_index, chunk_total, shingle_hash, session_key,
				created_at, updated_at, embedding_status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
			m.ID, string(m.Scope), m.Kind, m.Title, m.Content, string(tagsJSON), m.ParentID,
			m.ChunkIndex, m.ChunkTotal, int64(m.ShingleHash),
			m.CreatedAt, m.UpdatedAt, string(StatusPending),
		)
		if err != nil {
			return "", fmt.Errorf("store: insert: %w", err)
		}
		id = m.ID
	}

	return id, nil
}

// SetUpdatedAtForTest overwrites a row's updated_at directly, bypassing the
// normal now-stamping that Insert/UpdateEmbedding apply. Exported so tests
// outside this package can simulate an aged row (e.g. decay ranking) without
// reaching into unexported fields.
func (s *Store) SetUpdatedAtForTest(ctx context.Context, id string, ms int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE memories SET updated_at = ? WHERE id = ?`, ms, id)
	if err != nil {
		return fmt.Errorf("store: set updated_at: %w", err)
	}
	return checkRowFound(res, id)
}

// UpdateEmbedding atomically sets a row's embedding vector and marks it
// ready.
func (s *Store) UpdateEmbedding(ctx context.Context, id string, vec []float32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET embedding = ?, embedding_dim = ?, embedding_status = ?, updated_at = ?
		WHERE id = ?`,
		encodeVector(vec), len(vec), string(StatusReady), nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("store: update embedding: %w", err)
	}
	return checkRowFound(res, id)
}

// MarkFailed marks a row's embedding as permanently failed for this attempt.
func (s *Store) MarkFailed(ctx context.Context, id string, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET embedding_status = ?, updated_at = ? WHERE id = ?`,
		string(StatusFailed), nowMillis(), id,
	)
	if err != nil {
		return fmt.Errorf("store: mark failed (%s): %w", reason, err)
	}
	return checkRowFound(res, id)
}

// ResetPending resets embedding_status back to pending for ids currently
// failed, used by reindex.
func (s *Store) ResetPending(ctx context.Context, ids []string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}
	n := 0
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
			UPDATE memories SET embedding_status = ?, updated_at = ?
			WHERE id = ? AND embedding_status = ?`,
			string(StatusPending), nowMillis(), id, string(StatusFailed),
		)
		if err != nil {
			return n, fmt.Errorf("store: reset pending: %w", err)
		}
		affected, _ := res.RowsAffected()
		n += int(affected)
	}
	return n, nil
}

// FailedIDs returns up to limit ids currently marked failed.
func (s *Store) FailedIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM memories WHERE embedding_status = ? LIMIT ?`,
		string(StatusFailed), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed ids: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// Get fetches a single memory row by id.
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get %s: %w", id, err)
	}
	return m, nil
}

// Delete removes a row by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return checkRowFound(res, id)
}

// ListFilters narrows List results.
type ListFilters struct {
	Kind   string
	Since  int64 // epoch millis; 0 means no lower bound
	Limit  int
	Offset int
}

// List returns memories ordered by created_at descending, most recent
// first, honoring the given filters.
func (s *Store) List(ctx context.Context, f ListFilters) ([]*Memory, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := selectColumns + ` WHERE 1=1`
	var args []any
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.Since > 0 {
		query += ` AND created_at >= ?`
		args = append(args, f.Since)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FTSResult is one BM25-ranked candidate from the full-text index. Score is
// oriented so higher is more relevant (the engine's raw bm25() output is
// negated, since SQLite's bm25() returns lower-is-better values).
type FTSResult struct {
	ID    string
	Score float64
}

// FTSSearch runs a BM25-ranked keyword search over the full-text index.
func (s *Store) FTSSearch(ctx context.Context, query string, limit int) ([]FTSResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, bm25(memories_fts)
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ?
		ORDER BY bm25(memories_fts)
		LIMIT ?`,
		query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: fts search: %w", err)
	}
	defer rows.Close()

	var out []FTSResult
	for rows.Next() {
		var r FTSResult
		var raw float64
		if err := rows.Scan(&r.ID, &raw); err != nil {
			return nil, fmt.Errorf("store: fts scan: %w", err)
		}
		r.Score = -raw
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadVectors fetches the ready embeddings for the given ids.
func (s *Store) LoadVectors(ctx context.Context, ids []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders, args := inClause(ids)
	query := fmt.Sprintf(`
		SELECT id, embedding FROM memories
		WHERE embedding_status = ? AND id IN (%s)`, placeholders)
	args = append([]any{string(StatusReady)}, args...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: load vectors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("store: load vectors scan: %w", err)
		}
		out[id] = decodeVector(blob)
	}
	return out, rows.Err()
}

// PendingIDs returns up to limit ids currently awaiting embedding, oldest
// created first.
func (s *Store) PendingIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM memories WHERE embedding_status = ?
		ORDER BY created_at ASC LIMIT ?`,
		string(StatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: pending ids: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// OrphanedPending returns pending ids older than minAge, up to limit; this
// is the crash-recovery scan driving C8's orphan sweep.
func (s *Store) OrphanedPending(ctx context.Context, minAge time.Duration, limit int) ([]string, error) {
	cutoff := time.Now().Add(-minAge).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM memories WHERE embedding_status = ? AND created_at < ?
		ORDER BY created_at ASC LIMIT ?`,
		string(StatusPending), cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: orphaned pending: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// DedupCandidate is a row considered for near-duplicate matching.
type DedupCandidate struct {
	ID        string
	Content   string
	UpdatedAt int64
}

// CandidatesForDedup returns rows matching shingleHash exactly, or created
// within the last 30 days, bounded to the 200 most-recent rows — the
// candidate set C3's Jaccard pass recomputes against.
func (s *Store) CandidatesForDedup(ctx context.Context, scope Scope, shingleHash uint64) ([]DedupCandidate, error) {
	cutoff := time.Now().AddDate(0, 0, -30).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, updated_at FROM memories
		WHERE scope = ? AND (shingle_hash = ? OR created_at >= ?)
		ORDER BY created_at DESC LIMIT 200`,
		string(scope), int64(shingleHash), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("store: dedup candidates: %w", err)
	}
	defer rows.Close()

	var out []DedupCandidate
	for rows.Next() {
		var c DedupCandidate
		if err := rows.Scan(&c.ID, &c.Content, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: dedup candidates scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Stats summarizes a Store's contents.
type Stats struct {
	TotalCount   int            `json:"total_count"`
	Pending      int            `json:"pending"`
	Ready        int            `json:"ready"`
	Failed       int            `json:"failed"`
	ByKind       map[string]int `json:"by_kind"`
	StorageBytes int64          `json:"storage_bytes"`
}

// Stats computes counts by status and kind, and the on-disk size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByKind: make(map[string]int)}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`)
	if err := row.Scan(&st.TotalCount); err != nil {
		return st, fmt.Errorf("store: stats count: %w", err)
	}

	statusRows, err := s.db.QueryContext(ctx, `
		SELECT embedding_status, COUNT(*) FROM memories GROUP BY embedding_status`)
	if err != nil {
		return st, fmt.Errorf("store: stats status: %w", err)
	}
	defer statusRows.Close()
	for statusRows.Next() {
		var status string
		var count int
		if err := statusRows.Scan(&status, &count); err != nil {
			return st, fmt.Errorf("store: stats status scan: %w", err)
		}
		switch EmbeddingStatus(status) {
		case StatusPending:
			st.Pending = count
		case StatusReady:
			st.Ready = count
		case StatusFailed:
			st.Failed = count
		}
	}

	kindRows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM memories GROUP BY kind`)
	if err != nil {
		return st, fmt.Errorf("store: stats kind: %w", err)
	}
	defer kindRows.Close()
	for kindRows.Next() {
		var kind string
		var count int
		if err := kindRows.Scan(&kind, &count); err != nil {
			return st, fmt.Errorf("store: stats kind scan: %w", err)
		}
		st.ByKind[kind] = count
	}

	var pageCount, pageSize int64
	_ = s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount)
	_ = s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize)
	st.StorageBytes = pageCount * pageSize

	return st, nil
}

// Compact rebuilds the FTS index and reclaims free pages, returning the
// number of bytes reclaimed.
func (s *Store) Compact(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var before int64
	_ = s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&before)

	if _, err := s.db.ExecContext(ctx, `INSERT INTO memories_fts(memories_fts) VALUES('rebuild')`); err != nil {
		return 0, fmt.Errorf("store: fts rebuild: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return 0, fmt.Errorf("store: vacuum: %w", err)
	}

	var after int64
	_ = s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&after)

	var pageSize int64
	_ = s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize)

	reclaimed := (before - after) * pageSize
	if reclaimed < 0 {
		reclaimed = 0
	}
	return reclaimed, nil
}

const selectColumns = `
	SELECT id, scope, kind, title, content, tags_json, parent_id,
	       chunk_index, chunk_total, shingle_hash, COALESCE(session_key, ''),
	       created_at, updated_at, embedding, embedding_dim, embedding_status
	FROM memories`

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (*Memory, error) {
	var m Memory
	var scope, status string
	var tagsJSON string
	var shingleHash int64
	var embedding []byte

	err := row.Scan(
		&m.ID, &scope, &m.Kind, &m.Title, &m.Content, &tagsJSON, &m.ParentID,
		&m.ChunkIndex, &m.ChunkTotal, &shingleHash, &m.SessionKey,
		&m.CreatedAt, &m.UpdatedAt, &embedding, &m.EmbeddingDim, &status,
	)
	if err != nil {
		return nil, err
	}

	m.Scope = Scope(scope)
	m.EmbeddingStatus = EmbeddingStatus(status)
	m.ShingleHash = uint64(shingleHash)
	if embedding != nil {
		m.Embedding = decodeVector(embedding)
	}
	if tagsJSON != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &m.Tags)
	}
	return &m, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func checkRowFound(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func inClause(ids []string) (string, []any) {
	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	return string(placeholders), args
}

// encodeVector serializes a float32 vector to bytes (little-endian IEEE754).
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector deserializes bytes produced by encodeVector.
func decodeVector(b []byte) []float32 {
	n := len(b) / 4
	v := make([]float32, n)
	for i := 0; i < n; i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
