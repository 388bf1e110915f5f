// Package memory implements the semantic memory store: content plus
// metadata rows with optional 1024-dim embeddings, FTS-indexed keywords,
// hybrid search, and the link/entity/relationship graph.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/untoldecay/hive/internal/debug"
	"github.com/untoldecay/hive/internal/storage"
	"github.com/untoldecay/hive/internal/types"
)

// Embedder is the narrow seam to the external embedding service.
type Embedder interface {
	Embed(ctx context.Context, prompt string) ([]float32, error)
	Healthy(ctx context.Context) bool
	Model() string
}

// Enricher proposes tags for stored content. Implementations must degrade
// to empty results instead of failing; enrichment never blocks a store.
type Enricher interface {
	AutoTag(ctx context.Context, content string) []string
}

// Store is the memory subsystem. Embedder and Enricher are optional;
// without them memories are stored unembedded and untagged.
type Store struct {
	db       *storage.DB
	embedder Embedder
	enricher Enricher
}

// NewStore builds a memory store.
func NewStore(db *storage.DB, embedder Embedder, enricher Enricher) *Store {
	return &Store{db: db, embedder: embedder, enricher: enricher}
}

// StoreRequest describes one memory write.
type StoreRequest struct {
	ID         string // generated when empty
	Content    string
	Metadata   json.RawMessage
	Collection string
	Tags       []string
	Keywords   string
	ValidFrom  *time.Time
	ValidUntil *time.Time
}

// Store upserts a memory. Embedding failure is not an error: the row is
// written with a null embedding and remains findable through FTS.
func (s *Store) Store(ctx context.Context, req StoreRequest) (*types.Memory, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("%w: empty memory content", types.ErrInvalid)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	metadata := req.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsEnc, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}

	var embedding storage.Vector
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, req.Content)
		if err != nil {
			debug.Logf("swarm:memory", "embedding failed for %s, storing without: %v", id, err)
		} else {
			embedding = vec
		}
	}

	autoTags := []string{}
	if s.enricher != nil {
		autoTags = s.enricher.AutoTag(ctx, req.Content)
		if autoTags == nil {
			autoTags = []string{}
		}
	}
	autoTagsEnc, err := json.Marshal(autoTags)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var validFrom, validUntil interface{}
	if req.ValidFrom != nil {
		validFrom = req.ValidFrom.UTC()
	}
	if req.ValidUntil != nil {
		validUntil = req.ValidUntil.UTC()
	}
	var embeddingArg interface{}
	if embedding != nil {
		embeddingArg = embedding
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO memories
			(id, content, metadata, collection, tags, created_at, updated_at,
			 embedding, valid_from, valid_until, auto_tags, keywords)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			content = excluded.content,
			metadata = excluded.metadata,
			collection = excluded.collection,
			tags = excluded.tags,
			updated_at = excluded.updated_at,
			embedding = excluded.embedding,
			valid_from = excluded.valid_from,
			valid_until = excluded.valid_until,
			auto_tags = excluded.auto_tags,
			keywords = excluded.keywords
	`, id, req.Content, string(metadata), req.Collection, string(tagsEnc),
		now, now, embeddingArg, validFrom, validUntil, string(autoTagsEnc), req.Keywords)
	if err != nil {
		return nil, fmt.Errorf("store memory %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

const memoryColumns = `
	SELECT id, content, metadata, collection, tags, created_at, updated_at,
		decay_factor, embedding, valid_from, valid_until, superseded_by,
		auto_tags, keywords
	FROM memories`

// Get returns a memory by exact id.
func (s *Store) Get(ctx context.Context, id string) (*types.Memory, error) {
	m, err := scanMemory(s.db.QueryRow(ctx, memoryColumns+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("memory %s: %w", id, types.ErrNotFound)
	}
	return m, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var m types.Memory
	var metadata, tags, autoTags string
	var embedding storage.Vector
	var validFrom, validUntil sql.NullTime
	var superseded sql.NullString
	err := row.Scan(&m.ID, &m.Content, &metadata, &m.Collection, &tags,
		&m.CreatedAt, &m.UpdatedAt, &m.DecayFactor, &embedding,
		&validFrom, &validUntil, &superseded, &autoTags, &m.Keywords)
	if err != nil {
		return nil, err
	}
	m.Metadata = json.RawMessage(metadata)
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("%w: corrupt tags on %s", types.ErrInternal, m.ID)
	}
	if err := json.Unmarshal([]byte(autoTags), &m.AutoTags); err != nil {
		return nil, fmt.Errorf("%w: corrupt auto_tags on %s", types.ErrInternal, m.ID)
	}
	m.Embedding = embedding
	if validFrom.Valid {
		t := validFrom.Time
		m.ValidFrom = &t
	}
	if validUntil.Valid {
		t := validUntil.Time
		m.ValidUntil = &t
	}
	m.SupersededBy = superseded.String
	return &m, nil
}

// ListOptions filters List.
type ListOptions struct {
	Collection string
	Limit      int
}

// List returns memories newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]types.Memory, error) {
	q := memoryColumns
	var args []interface{}
	if opts.Collection != "" {
		q += ` WHERE collection = ?`
		args = append(args, opts.Collection)
	}
	q += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Remove deletes a memory. Links cascade.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.Exec(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("memory %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// FindOptions tunes Find.
type FindOptions struct {
	Limit      int
	Threshold  float64
	Collection string
	UseFTS     bool
}

const defaultFindLimit = 10

// Find runs hybrid search: vector top-k against the embeddings, falling
// back to FTS when asked for or when the embedder is unavailable.
func (s *Store) Find(ctx context.Context, query string, opts FindOptions) ([]types.SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", types.ErrInvalid)
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultFindLimit
	}
	if !opts.UseFTS && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, query)
		if err == nil {
			return s.findByVector(ctx, vec, opts)
		}
		debug.Logf("swarm:memory", "vector search unavailable, falling back to fts: %v", err)
	}
	return s.findByFTS(ctx, query, opts)
}

func (s *Store) findByVector(ctx context.Context, query []float32, opts FindOptions) ([]types.SearchResult, error) {
	q := `SELECT id, embedding FROM memories WHERE embedding IS NOT NULL`
	var args []interface{}
	if opts.Collection != "" {
		q += ` AND collection = ?`
		args = append(args, opts.Collection)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	type hit struct {
		id    string
		score float64
	}
	var hits []hit
	for rows.Next() {
		var id string
		var vec storage.Vector
		if err := rows.Scan(&id, &vec); err != nil {
			_ = rows.Close()
			return nil, err
		}
		score := storage.CosineSimilarity(query, vec)
		if score >= opts.Threshold {
			hits = append(hits, hit{id: id, score: score})
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	out := make([]types.SearchResult, 0, len(hits))
	for _, h := range hits {
		m, err := s.Get(ctx, h.id)
		if err != nil {
			return nil, err
		}
		out = append(out, types.SearchResult{Memory: m, Score: h.score, MatchType: "vector"})
	}
	return out, nil
}

func (s *Store) findByFTS(ctx context.Context, query string, opts FindOptions) ([]types.SearchResult, error) {
	q := `
		SELECT m.id, -f.rank AS score
		FROM memories_fts f
		JOIN memories m ON m.rowid = f.rowid
		WHERE memories_fts MATCH ?`
	args := []interface{}{ftsQuote(query)}
	if opts.Collection != "" {
		q += ` AND m.collection = ?`
		args = append(args, opts.Collection)
	}
	q += ` ORDER BY f.rank LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	type hit struct {
		id    string
		score float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.score); err != nil {
			_ = rows.Close()
			return nil, err
		}
		hits = append(hits, h)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]types.SearchResult, 0, len(hits))
	for _, h := range hits {
		m, err := s.Get(ctx, h.id)
		if err != nil {
			return nil, err
		}
		out = append(out, types.SearchResult{Memory: m, Score: h.score, MatchType: "fts"})
	}
	return out, nil
}

// ftsQuote wraps each term in double quotes so user input cannot inject
// FTS query syntax.
func ftsQuote(query string) string {
	var out []byte
	out = append(out, '"')
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '"' {
			out = append(out, '"', '"')
			continue
		}
		if c == ' ' {
			out = append(out, '"', ' ', '"')
			continue
		}
		out = append(out, c)
	}
	out = append(out, '"')
	return string(out)
}

// Health reports embedder reachability.
type Health struct {
	Ollama bool   `json:"ollama"`
	Model  string `json:"model"`
}

// CheckHealth probes the embedder.
func (s *Store) CheckHealth(ctx context.Context) Health {
	if s.embedder == nil {
		return Health{}
	}
	return Health{Ollama: s.embedder.Healthy(ctx), Model: s.embedder.Model()}
}
