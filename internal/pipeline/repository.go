// Package pipeline runs the news and disclosure ingestion paths: fetch,
// normalize, dedupe, LLM scoring, persistence and dispatch.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// Repository persists scored news and analyzed disclosures.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a pipeline repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "pipeline").Logger(),
	}
}

// SaveNews inserts one scored article and returns its row id.
func (r *Repository) SaveNews(ctx context.Context, item domain.NewsItem) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO news (stock_code, title, content, url, source, published_at, impact_score, reasoning, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.StockCode, item.Title, item.Content, item.URL, item.Source,
		item.PublishedAt.Unix(), item.ImpactScore, item.Reasoning, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to save news: %w", err)
	}
	return res.LastInsertId()
}

// DisclosureExists reports whether rcept_no was already processed.
func (r *Repository) DisclosureExists(ctx context.Context, rceptNo string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM disclosures WHERE rcept_no = ?", rceptNo).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check disclosure: %w", err)
	}
	return n > 0, nil
}

// SaveDisclosure inserts one analyzed filing. A duplicate rcept_no is a
// no-op.
func (r *Repository) SaveDisclosure(ctx context.Context, d domain.Disclosure) error {
	keywords, err := json.Marshal(d.Keywords)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO disclosures (rcept_no, corp_code, stock_code, report_nm, flr_nm, rcept_dt, rm,
			impact_score, sentiment, sentiment_reason, expected_impact, horizon, keywords, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rcept_no) DO NOTHING
	`, d.RceptNo, d.CorpCode, d.StockCode, d.ReportName, d.FlrName, d.RceptDate, d.Remark,
		d.ImpactScore, d.Sentiment, d.SentimentWhy, d.ExpectedImpact, d.Horizon,
		string(keywords), d.Summary, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save disclosure: %w", err)
	}
	return nil
}

// PruneOlderThan deletes event rows past the retention horizon. Returns rows
// removed per table.
func (r *Repository) PruneOlderThan(ctx context.Context, cutoff time.Time) (map[string]int64, error) {
	unix := cutoff.Unix()
	date := cutoff.Format("2006-01-02")

	out := map[string]int64{}
	steps := []struct {
		table string
		query string
		arg   any
	}{
		{"news", "DELETE FROM news WHERE created_at < ?", unix},
		{"disclosures", "DELETE FROM disclosures WHERE created_at < ?", unix},
		{"deliveries", "DELETE FROM deliveries WHERE sent_at < ?", unix},
		{"chart_hits", "DELETE FROM chart_hits WHERE date < ?", date},
		{"daily_prices", "DELETE FROM daily_prices WHERE date < ?", date},
		{"eod_flows", "DELETE FROM eod_flows WHERE trade_date < ?", date},
		{"program_flows", "DELETE FROM program_flows WHERE ts < ?", unix},
		{"pattern_signals", "DELETE FROM pattern_signals WHERE ref_time < ?", unix},
	}
	for _, s := range steps {
		res, err := r.db.ExecContext(ctx, s.query, s.arg)
		if err != nil {
			return out, fmt.Errorf("failed to prune %s: %w", s.table, err)
		}
		n, _ := res.RowsAffected()
		out[s.table] = n
	}
	return out, nil
}
