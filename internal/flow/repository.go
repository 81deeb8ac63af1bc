// Package flow ingests end-of-day investor flows and intraday program-trade
// rows, evaluates the institutional and program trigger rules, and records
// pattern signals.
package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// Repository persists flow rows and pattern signals.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a flow repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "flow").Logger(),
	}
}

// UpsertEOD writes one end-of-day row. Re-ingesting the same (date, ticker)
// replaces the values; earlier dates are never rewritten by later ones since
// the key is the date itself.
func (r *Repository) UpsertEOD(ctx context.Context, f domain.EODFlow) error {
	if f.TradeDate == "" || f.Ticker == "" {
		return domain.ValidationError("eod flow requires trade_date and ticker")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO eod_flows (trade_date, ticker, inst_net, foreign_net, individual_net, total_value, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_date, ticker) DO UPDATE SET
			inst_net = excluded.inst_net,
			foreign_net = excluded.foreign_net,
			individual_net = excluded.individual_net,
			total_value = excluded.total_value,
			close = excluded.close,
			volume = excluded.volume
	`, f.TradeDate, f.Ticker, f.InstNet, f.ForeignNet, f.IndividualNet, f.TotalValue, f.Close, f.Volume)
	if err != nil {
		return fmt.Errorf("failed to upsert eod flow: %w", err)
	}
	return nil
}

// InstBuyDays counts positive inst_net days among the most recent lookback
// trading days with trade_date <= referenceDate. Future rows never leak in.
func (r *Repository) InstBuyDays(ctx context.Context, ticker, referenceDate string, lookback int) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT inst_net FROM eod_flows
		WHERE ticker = ? AND trade_date <= ?
		ORDER BY trade_date DESC
		LIMIT ?
	`, ticker, referenceDate, lookback)
	if err != nil {
		return 0, fmt.Errorf("failed to query eod lookback: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var instNet float64
		if err := rows.Scan(&instNet); err != nil {
			return 0, err
		}
		if instNet > 0 {
			count++
		}
	}
	return count, rows.Err()
}

// InsertProgramFlow writes one 5-minute program-trade row. Duplicate
// (ts, ticker) rows are ignored.
func (r *Repository) InsertProgramFlow(ctx context.Context, p domain.ProgramFlow) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO program_flows (ts, ticker, net_volume, net_value, side, price, total_volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ts, ticker) DO NOTHING
	`, p.Timestamp.Unix(), p.Ticker, p.NetVolume, p.NetValue, p.Side, p.Price, p.TotalVolume)
	if err != nil {
		return fmt.Errorf("failed to insert program flow: %w", err)
	}
	return nil
}

// ProgramVolume sums |net_volume| for the ticker between from and to.
func (r *Repository) ProgramVolume(ctx context.Context, ticker string, from, to time.Time) (int64, error) {
	var total sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT SUM(ABS(net_volume)) FROM program_flows
		WHERE ticker = ? AND ts >= ? AND ts < ?
	`, ticker, from.Unix(), to.Unix()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum program volume: %w", err)
	}
	return total.Int64, nil
}

// ProgramDailyMean averages the per-day |net_volume| sums over the days
// trading window ending just before from.
func (r *Repository) ProgramDailyMean(ctx context.Context, ticker string, before time.Time, days int) (float64, error) {
	since := before.AddDate(0, 0, -days)
	var mean sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
		SELECT AVG(day_total) FROM (
			SELECT SUM(ABS(net_volume)) AS day_total FROM program_flows
			WHERE ticker = ? AND ts >= ? AND ts < ?
			GROUP BY date(ts, 'unixepoch')
		)
	`, ticker, since.Unix(), before.Unix()).Scan(&mean)
	if err != nil {
		return 0, fmt.Errorf("failed to compute program mean: %w", err)
	}
	return mean.Float64, nil
}

// UpsertSignal writes one pattern signal. The (ref_time, ticker) key is
// idempotent; a second writer updates in place.
func (r *Repository) UpsertSignal(ctx context.Context, s domain.PatternSignal) error {
	triggers, err := json.Marshal(s.Triggers)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	b := func(v bool) int {
		if v {
			return 1
		}
		return 0
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO pattern_signals (ref_time, ticker, daily_inst_strong, rt_prog_strong, inst_buy_days, prog_volume, prog_ratio, triggers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ref_time, ticker) DO UPDATE SET
			daily_inst_strong = excluded.daily_inst_strong,
			rt_prog_strong = excluded.rt_prog_strong,
			inst_buy_days = excluded.inst_buy_days,
			prog_volume = excluded.prog_volume,
			prog_ratio = excluded.prog_ratio,
			triggers = excluded.triggers
	`, s.RefTime.Unix(), s.Ticker, b(s.DailyInstStrong), b(s.RtProgStrong),
		s.InstBuyDays, s.ProgVolume, s.ProgRatio, string(triggers))
	if err != nil {
		return fmt.Errorf("failed to upsert pattern signal: %w", err)
	}
	return nil
}
