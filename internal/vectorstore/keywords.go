package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// WeeklyKeywords is the stored payload of the keywords collection: the
// week's keyword list for a stock plus a per-keyword importance vector.
type WeeklyKeywords struct {
	StockCode  string    `json:"stock_code"`
	WeekStart  string    `json:"week_start"` // YYYY-MM-DD (Monday)
	Keywords   []string  `json:"keywords"`
	Importance []float64 `json:"importance"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StoreWeeklyKeywords writes one document per (stock_code, week_start). The
// keyword list is JSON-serialized as the document body so it embeds and
// searches like any other text.
func (s *Store) StoreWeeklyKeywords(ctx context.Context, kw WeeklyKeywords) error {
	kw.UpdatedAt = time.Now()

	body, err := json.Marshal(kw)
	if err != nil {
		return fmt.Errorf("failed to serialize weekly keywords: %w", err)
	}

	id := fmt.Sprintf("%s_%s", kw.StockCode, kw.WeekStart)
	metadata := map[string]any{
		"stock_code": kw.StockCode,
		"week_start": kw.WeekStart,
		"timestamp":  kw.UpdatedAt.Format(time.RFC3339),
	}

	// Re-ingest for the same week replaces the document.
	if _, err := s.db.Conn().ExecContext(ctx,
		"DELETE FROM vector_docs WHERE collection = ? AND id = ?", CollectionKeywords, id); err != nil {
		return fmt.Errorf("failed to replace weekly keywords: %w", err)
	}

	return s.Add(ctx, CollectionKeywords, id, string(body), metadata)
}

// GetWeeklyKeywords loads the stored keywords for (stockCode, weekStart).
// Returns nil when absent.
func (s *Store) GetWeeklyKeywords(ctx context.Context, stockCode, weekStart string) (*WeeklyKeywords, error) {
	id := fmt.Sprintf("%s_%s", stockCode, weekStart)

	var body string
	err := s.db.Conn().QueryRowContext(ctx,
		"SELECT document FROM vector_docs WHERE collection = ? AND id = ?",
		CollectionKeywords, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load weekly keywords: %w", err)
	}

	var kw WeeklyKeywords
	if err := json.Unmarshal([]byte(body), &kw); err != nil {
		return nil, fmt.Errorf("failed to decode weekly keywords: %w", err)
	}
	return &kw, nil
}
