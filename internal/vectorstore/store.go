// Package vectorstore provides persistent embedding collections with k-NN
// search. Four named collections back the news pipeline: high_impact_news and
// past_events are permanent, daily_news is purged at the daily market
// boundary, keywords holds weekly keyword vectors.
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/floats"

	"github.com/hyperasset/hyperasset/internal/database"
	"github.com/hyperasset/hyperasset/internal/domain"
)

// Collection names.
const (
	CollectionHighImpactNews = "high_impact_news"
	CollectionPastEvents     = "past_events"
	CollectionDailyNews      = "daily_news"
	CollectionKeywords       = "keywords"
)

// Collections lists every known collection.
var Collections = []string{
	CollectionHighImpactNews,
	CollectionPastEvents,
	CollectionDailyNews,
	CollectionKeywords,
}

// EmbedFunc turns source text into an embedding vector. The store is
// agnostic to the model; see the embed subpackage for implementations.
type EmbedFunc func(ctx context.Context, text string) ([]float64, error)

// SearchResult is one k-NN hit.
type SearchResult struct {
	ID         string         `json:"id"`
	Document   string         `json:"document"`
	Metadata   map[string]any `json:"metadata"`
	Distance   float64        `json:"distance"`
	Similarity float64        `json:"similarity"`
}

const vectorSchema = `
CREATE TABLE IF NOT EXISTS vector_docs (
    collection TEXT NOT NULL,
    id         TEXT NOT NULL,
    document   TEXT NOT NULL,
    metadata   TEXT NOT NULL DEFAULT '{}',
    embedding  BLOB NOT NULL,
    seq        INTEGER,
    created_ts INTEGER NOT NULL,
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_vector_docs_seq ON vector_docs(collection, seq);
`

// Store persists embeddings in sqlite and ranks by cosine distance.
// Safe for concurrent use; one store is shared across a worker's handlers.
type Store struct {
	db    *database.DB
	embed EmbedFunc
	log   zerolog.Logger
	seq   atomic.Int64
}

// New creates the store, applying the schema.
func New(db *database.DB, embed EmbedFunc, log zerolog.Logger) (*Store, error) {
	if _, err := db.Conn().Exec(vectorSchema); err != nil {
		return nil, fmt.Errorf("failed to create vector schema: %w", err)
	}

	s := &Store{
		db:    db,
		embed: embed,
		log:   log.With().Str("component", "vectorstore").Logger(),
	}

	// Resume the insertion-order sequence after restart.
	var maxSeq int64
	_ = db.Conn().QueryRow("SELECT COALESCE(MAX(seq), 0) FROM vector_docs").Scan(&maxSeq)
	s.seq.Store(maxSeq)

	return s, nil
}

// Add embeds text and writes one document under the caller-assigned id.
// An id collision is rejected with ErrDuplicate; the caller retries with a
// salted id (append a microsecond suffix).
func (s *Store) Add(ctx context.Context, collection, id, text string, metadata map[string]any) error {
	if !validCollection(collection) {
		return domain.ValidationError("unknown collection %q", collection)
	}
	if id == "" {
		return domain.ValidationError("empty document id")
	}

	vec, err := s.embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}

	blob, err := msgpack.Marshal(vec)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}

	seq := s.seq.Add(1)
	_, err = s.db.Conn().ExecContext(ctx, `
		INSERT INTO vector_docs (collection, id, document, metadata, embedding, seq, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, collection, id, text, string(meta), blob, seq, time.Now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: document %s in %s", domain.ErrDuplicate, id, collection)
		}
		return fmt.Errorf("vector insert failed: %w", err)
	}
	return nil
}

// AddSalted adds a document, retrying once with a microsecond-salted id when
// the caller-assigned id collides.
func (s *Store) AddSalted(ctx context.Context, collection, id, text string, metadata map[string]any) (string, error) {
	err := s.Add(ctx, collection, id, text, metadata)
	if err == nil {
		return id, nil
	}
	if !isDuplicate(err) {
		return "", err
	}
	salted := fmt.Sprintf("%s_%d", id, time.Now().UnixMicro())
	if err := s.Add(ctx, collection, salted, text, metadata); err != nil {
		return "", err
	}
	return salted, nil
}

// SearchSimilar embeds the query and returns the k nearest documents by
// cosine distance. similarity = max(0, 1 - distance).
func (s *Store) SearchSimilar(ctx context.Context, query, collection string, k int) ([]SearchResult, error) {
	if !validCollection(collection) {
		return nil, domain.ValidationError("unknown collection %q", collection)
	}
	if k <= 0 {
		k = 3
	}

	qvec, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}

	rows, err := s.db.Conn().QueryContext(ctx,
		"SELECT id, document, metadata, embedding FROM vector_docs WHERE collection = ?", collection)
	if err != nil {
		return nil, fmt.Errorf("vector scan failed: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			id, document, meta string
			blob               []byte
		)
		if err := rows.Scan(&id, &document, &meta, &blob); err != nil {
			return nil, err
		}

		var vec []float64
		if err := msgpack.Unmarshal(blob, &vec); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("skipping undecodable embedding")
			continue
		}

		dist := cosineDistance(qvec, vec)
		if math.IsNaN(dist) {
			continue
		}

		var metadata map[string]any
		_ = json.Unmarshal([]byte(meta), &metadata)

		results = append(results, SearchResult{
			ID:         id,
			Document:   document,
			Metadata:   metadata,
			Distance:   dist,
			Similarity: math.Max(0, 1-dist),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// GetAllDocuments returns documents in insertion order, for admin and
// inspection endpoints. Not used in hot paths.
func (s *Store) GetAllDocuments(ctx context.Context, collection string, limit int) ([]SearchResult, error) {
	if !validCollection(collection) {
		return nil, domain.ValidationError("unknown collection %q", collection)
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, document, metadata FROM vector_docs
		WHERE collection = ? ORDER BY seq ASC LIMIT ?
	`, collection, limit)
	if err != nil {
		return nil, fmt.Errorf("vector list failed: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var meta string
		if err := rows.Scan(&r.ID, &r.Document, &meta); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(meta), &r.Metadata)
		results = append(results, r)
	}
	return results, rows.Err()
}

// Count returns the document count of a collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.Conn().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vector_docs WHERE collection = ?", collection).Scan(&n)
	return n, err
}

// PurgeCollection removes every document of a collection. Used for the daily
// daily_news reset at the market-timezone boundary.
func (s *Store) PurgeCollection(ctx context.Context, collection string) (int64, error) {
	if !validCollection(collection) {
		return 0, domain.ValidationError("unknown collection %q", collection)
	}
	res, err := s.db.Conn().ExecContext(ctx, "DELETE FROM vector_docs WHERE collection = ?", collection)
	if err != nil {
		return 0, fmt.Errorf("vector purge failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// cosineDistance = 1 - (a·b)/(|a||b|). Returns NaN on dimension mismatch or
// zero vectors.
func cosineDistance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.NaN()
	}
	dot := floats.Dot(a, b)
	na := math.Sqrt(floats.Dot(a, a))
	nb := math.Sqrt(floats.Dot(b, b))
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	return 1 - dot/(na*nb)
}

func validCollection(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}

func isDuplicate(err error) bool {
	return errors.Is(err, domain.ErrDuplicate)
}
