package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// Config holds the calibrated trigger parameters.
type Config struct {
	LookbackDays      int     // institutional rule window, default 5
	InstBuyThreshold  int     // positive days required, default 3
	ProgramMultiplier float64 // today vs 30-day mean, default 2.5
	ProgramMeanDays   int     // default 30
}

// DefaultConfig returns the calibrated defaults.
func DefaultConfig() Config {
	return Config{
		LookbackDays:      5,
		InstBuyThreshold:  3,
		ProgramMultiplier: 2.5,
		ProgramMeanDays:   30,
	}
}

// Events is the dispatcher capability the engine needs.
type Events interface {
	Dispatch(ctx context.Context, ev domain.Event) (int, error)
}

// Engine applies the trigger rules over ingested flow rows. Per-ticker locks
// serialize same-day re-ingests.
type Engine struct {
	repo   *Repository
	events Events
	cfg    Config
	loc    *time.Location
	log    zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine wires the flow engine. loc governs trading-day boundaries.
func NewEngine(repo *Repository, events Events, cfg Config, loc *time.Location, log zerolog.Logger) *Engine {
	if cfg.LookbackDays <= 0 {
		cfg = DefaultConfig()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		repo:   repo,
		events: events,
		cfg:    cfg,
		loc:    loc,
		log:    log.With().Str("component", "flow_engine").Logger(),
		locks:  map[string]*sync.Mutex{},
	}
}

// IngestEOD upserts the rows for one ticker in date-ascending order under the
// ticker's lock, so a day's write always precedes the next day's lookback.
func (e *Engine) IngestEOD(ctx context.Context, ticker string, flows []domain.EODFlow) error {
	lock := e.tickerLock(ticker)
	lock.Lock()
	defer lock.Unlock()

	sorted := make([]domain.EODFlow, len(flows))
	copy(sorted, flows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TradeDate < sorted[j].TradeDate })

	for _, f := range sorted {
		if f.Ticker != ticker {
			return domain.ValidationError("flow row for %s in batch for %s", f.Ticker, ticker)
		}
		if err := e.repo.UpsertEOD(ctx, f); err != nil {
			return err
		}
	}
	e.log.Debug().Str("ticker", ticker).Int("rows", len(sorted)).Msg("eod flows ingested")
	return nil
}

// IngestProgram records intraday program-trade rows.
func (e *Engine) IngestProgram(ctx context.Context, rows []domain.ProgramFlow) error {
	for _, p := range rows {
		if err := e.repo.InsertProgramFlow(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate runs both trigger rules for the ticker at refTime, writes the
// pattern signal, and dispatches a flow event when the composite fires.
// Callers must have completed program ingestion for refTime's day first.
func (e *Engine) Evaluate(ctx context.Context, ticker string, refTime time.Time) (*domain.PatternSignal, error) {
	local := refTime.In(e.loc)
	refDate := local.Format("2006-01-02")

	instDays, err := e.repo.InstBuyDays(ctx, ticker, refDate, e.cfg.LookbackDays)
	if err != nil {
		return nil, err
	}

	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.loc)
	todayVolume, err := e.repo.ProgramVolume(ctx, ticker, dayStart, local)
	if err != nil {
		return nil, err
	}
	mean, err := e.repo.ProgramDailyMean(ctx, ticker, dayStart, e.cfg.ProgramMeanDays)
	if err != nil {
		return nil, err
	}

	ratio := 0.0
	if mean > 0 {
		ratio = float64(todayVolume) / mean
	}

	signal := domain.PatternSignal{
		RefTime:         refTime,
		Ticker:          ticker,
		DailyInstStrong: instDays >= e.cfg.InstBuyThreshold,
		RtProgStrong:    mean > 0 && ratio >= e.cfg.ProgramMultiplier,
		InstBuyDays:     instDays,
		ProgVolume:      todayVolume,
		ProgRatio:       ratio,
		Triggers: map[string]any{
			"inst_buy_days":   instDays,
			"lookback_days":   e.cfg.LookbackDays,
			"prog_volume":     todayVolume,
			"prog_mean":       mean,
			"prog_ratio":      ratio,
			"prog_multiplier": e.cfg.ProgramMultiplier,
		},
	}

	if err := e.repo.UpsertSignal(ctx, signal); err != nil {
		return nil, err
	}

	if signal.CompositeStrong() {
		_, err := e.events.Dispatch(ctx, domain.Event{
			Kind:      domain.KindFlow,
			StockCode: ticker,
			Payload: map[string]any{
				"inst_buy_days": instDays,
				"prog_ratio":    ratio,
				"prog_volume":   todayVolume,
			},
			At: refTime,
		})
		if err != nil {
			return &signal, fmt.Errorf("flow dispatch: %w", err)
		}
		e.log.Info().Str("ticker", ticker).Float64("prog_ratio", ratio).Msg("composite strong signal")
	}

	return &signal, nil
}

func (e *Engine) tickerLock(ticker string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[ticker]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[ticker] = lock
	}
	return lock
}
