package chart

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// PastCase is the most recent prior firing of a condition, with the realized
// return over the five trading days that followed it.
type PastCase struct {
	Date          string  `json:"date"`
	Close         float64 `json:"close"`
	ForwardReturn float64 `json:"forward_return"`
	ForwardDays   int     `json:"forward_days"`
}

// Repository persists chart hits and daily prices and serves the past-case
// lookup.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a chart repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "chart").Logger(),
	}
}

// SaveHit records one condition firing. The (stock, date, time) key makes
// re-delivery of the same tick a no-op.
func (r *Repository) SaveHit(ctx context.Context, hit domain.ChartHit) error {
	conditions, err := json.Marshal(hit.Conditions)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	details, err := json.Marshal(hit.Details)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO chart_hits (stock_code, date, time, close, volume, conditions, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stock_code, date, time) DO NOTHING
	`, hit.StockCode, hit.Date, hit.Time, hit.Close, hit.Volume, string(conditions), string(details))
	if err != nil {
		return fmt.Errorf("failed to save chart hit: %w", err)
	}
	return nil
}

// SaveDailyPrices upserts warmup candles so past-case forward returns can be
// computed locally.
func (r *Repository) SaveDailyPrices(ctx context.Context, stockCode string, candles []domain.Candle) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range candles {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO daily_prices (stock_code, date, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(stock_code, date) DO UPDATE SET
				open = excluded.open, high = excluded.high, low = excluded.low,
				close = excluded.close, volume = excluded.volume
		`, stockCode, c.Date, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return fmt.Errorf("failed to upsert price %s/%s: %w", stockCode, c.Date, err)
		}
	}
	return tx.Commit()
}

// PastCaseCutoffDays is how far back, in trading days, a hit must be before
// it counts as a past case. Recent firings carry no realized return yet.
const PastCaseCutoffDays = 5

// FindPastCase returns the most recent prior firing of condition for the
// stock, strictly before a cutoff of five business days ago, annotated with
// the forward return over the five trading days after it. Returns nil when
// no qualifying case exists.
func (r *Repository) FindPastCase(ctx context.Context, stockCode, condition string, now time.Time) (*PastCase, error) {
	cutoff := BusinessDaysAgo(now, PastCaseCutoffDays).Format("2006-01-02")

	rows, err := r.db.QueryContext(ctx, `
		SELECT date, close, conditions FROM chart_hits
		WHERE stock_code = ? AND date < ?
		ORDER BY date DESC, time DESC
		LIMIT 50
	`, stockCode, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query past cases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var date, rawConditions string
		var close float64
		if err := rows.Scan(&date, &close, &rawConditions); err != nil {
			return nil, err
		}
		var conditions map[string]bool
		if err := json.Unmarshal([]byte(rawConditions), &conditions); err != nil {
			continue
		}
		if !conditions[condition] {
			continue
		}

		fwd, days, err := r.forwardReturn(ctx, stockCode, date, close)
		if err != nil {
			r.log.Warn().Err(err).Str("date", date).Msg("forward return unavailable")
		}
		return &PastCase{Date: date, Close: close, ForwardReturn: fwd, ForwardDays: days}, rows.Err()
	}
	return nil, rows.Err()
}

// forwardReturn computes the return from the hit's close to the close five
// trading days later, using whatever daily prices exist.
func (r *Repository) forwardReturn(ctx context.Context, stockCode, date string, baseClose float64) (float64, int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT close FROM daily_prices
		WHERE stock_code = ? AND date > ?
		ORDER BY date ASC
		LIMIT 5
	`, stockCode, date)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query forward prices: %w", err)
	}
	defer rows.Close()

	var lastClose float64
	days := 0
	for rows.Next() {
		if err := rows.Scan(&lastClose); err != nil {
			return 0, 0, err
		}
		days++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if days == 0 || baseClose == 0 {
		return 0, 0, errors.New("no forward prices")
	}
	return (lastClose - baseClose) / baseClose, days, nil
}

// LoadDailyPrices returns up to limit recent candles, oldest first.
func (r *Repository) LoadDailyPrices(ctx context.Context, stockCode string, limit int) ([]domain.Candle, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT date, open, high, low, close, volume FROM (
			SELECT date, open, high, low, close, volume FROM daily_prices
			WHERE stock_code = ? ORDER BY date DESC LIMIT ?
		) ORDER BY date ASC
	`, stockCode, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load prices: %w", err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		var c domain.Candle
		if err := rows.Scan(&c.Date, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// BusinessDaysAgo walks back n weekdays from t. Market holidays are not
// modeled; weekends dominate the error and the cutoff is a guard, not an
// exchange calendar.
func BusinessDaysAgo(t time.Time, n int) time.Time {
	d := t
	for n > 0 {
		d = d.AddDate(0, 0, -1)
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			n--
		}
	}
	return d
}

// conditionNames renders the fired conditions for message payloads.
func conditionNames(conditions map[string]bool) string {
	var fired []string
	for _, name := range AllConditions {
		if conditions[name] {
			fired = append(fired, name)
		}
	}
	return strings.Join(fired, ", ")
}
