package chart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// warmupDays is the historical depth fetched before a stock's first tick.
const warmupDays = 40

// PriceSource provides daily candles for indicator warmup.
type PriceSource interface {
	DailyCandles(ctx context.Context, stockCode string, days int) ([]domain.Candle, error)
}

// Events is the dispatcher capability the engine needs.
type Events interface {
	Dispatch(ctx context.Context, ev domain.Event) (int, error)
}

// stockState is the rolling series and last snapshot for one stock.
type stockState struct {
	mu      sync.Mutex
	closes  []float64
	highs   []float64
	lows    []float64
	volumes []float64

	curDate   string // date of the live bar at the tail of the series
	curVolume int64  // cumulative volume of the live bar

	prev    Snapshot
	hasPrev bool
	latched map[string]bool
}

// arm gates raw condition results through a per-condition latch. Level
// conditions (rsi_condition, bollinger_touch, volume_surge and the break)
// hold across many consecutive ticks; each alerts once per episode and
// re-arms only after its predicate clears.
func (s *stockState) arm(raw map[string]bool) map[string]bool {
	if s.latched == nil {
		s.latched = map[string]bool{}
	}
	out := make(map[string]bool, len(raw))
	for name, fired := range raw {
		out[name] = fired && !s.latched[name]
		s.latched[name] = fired
	}
	return out
}

// Engine consumes ticks and evaluates the named conditions per stock.
type Engine struct {
	repo   *Repository
	prices PriceSource
	events Events
	loc    *time.Location
	log    zerolog.Logger

	mu     sync.Mutex
	stocks map[string]*stockState
}

// NewEngine wires the condition engine. loc is the market timezone governing
// date boundaries.
func NewEngine(repo *Repository, prices PriceSource, events Events, loc *time.Location, log zerolog.Logger) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		repo:   repo,
		prices: prices,
		events: events,
		loc:    loc,
		log:    log.With().Str("component", "chart_engine").Logger(),
		stocks: map[string]*stockState{},
	}
}

// OnTick folds one realtime observation into the stock's state and fires any
// conditions that newly hold. Firings are suppressed until the series holds
// enough observations for MACD.
func (e *Engine) OnTick(ctx context.Context, tick domain.Tick) error {
	if tick.StockCode == "" || tick.Price <= 0 {
		return domain.ValidationError("invalid tick")
	}

	state, err := e.state(ctx, tick.StockCode)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	e.applyTick(state, tick)

	cur := computeSnapshot(state.closes, state.highs, state.lows, state.volumes)

	if len(state.closes) < minObservations || !state.hasPrev {
		state.prev, state.hasPrev = cur, true
		return nil
	}

	conditions := state.arm(evaluateConditions(state.prev, cur))
	state.prev = cur

	if !anyFired(conditions) {
		return nil
	}
	return e.fire(ctx, tick, cur, conditions)
}

// EvaluateClose runs one end-of-day evaluation for the stock by folding its
// latest daily candle in as a synthetic closing tick. Used by the scheduled
// pass when no realtime stream is attached.
func (e *Engine) EvaluateClose(ctx context.Context, stockCode string) error {
	candles, err := e.prices.DailyCandles(ctx, stockCode, 1)
	if err != nil {
		return fmt.Errorf("close fetch for %s: %w", stockCode, err)
	}
	if len(candles) == 0 {
		return fmt.Errorf("%w: no candle for %s", domain.ErrNotFound, stockCode)
	}
	latest := candles[len(candles)-1]

	ts, err := time.ParseInLocation("2006-01-02", latest.Date, e.loc)
	if err != nil {
		ts = time.Now().In(e.loc)
	}
	return e.OnTick(ctx, domain.Tick{
		StockCode: stockCode,
		Timestamp: ts.Add(15*time.Hour + 30*time.Minute),
		Price:     latest.Close,
		Volume:    latest.Volume,
	})
}

// state returns the stock's series, warming it up from the price source on
// first sight.
func (e *Engine) state(ctx context.Context, stockCode string) (*stockState, error) {
	e.mu.Lock()
	if s, ok := e.stocks[stockCode]; ok {
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	candles, err := e.prices.DailyCandles(ctx, stockCode, warmupDays)
	if err != nil {
		return nil, fmt.Errorf("warmup fetch for %s: %w", stockCode, err)
	}
	if err := e.repo.SaveDailyPrices(ctx, stockCode, candles); err != nil {
		e.log.Warn().Err(err).Str("stock_code", stockCode).Msg("warmup persist failed")
	}

	s := &stockState{}
	for _, c := range candles {
		s.closes = append(s.closes, c.Close)
		s.highs = append(s.highs, c.High)
		s.lows = append(s.lows, c.Low)
		s.volumes = append(s.volumes, float64(c.Volume))
	}
	// Ticks for the newest warmup date update that bar instead of opening a
	// duplicate one.
	if n := len(candles); n > 0 {
		s.curDate = candles[n-1].Date
		s.curVolume = candles[n-1].Volume
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.stocks[stockCode]; ok {
		return existing, nil
	}
	e.stocks[stockCode] = s
	e.log.Info().Str("stock_code", stockCode).Int("warmup", len(candles)).Msg("stock state initialized")
	return s, nil
}

// applyTick updates or opens the live bar at the tail of the series.
func (e *Engine) applyTick(s *stockState, tick domain.Tick) {
	date := tick.Timestamp.In(e.loc).Format("2006-01-02")

	if s.curDate != date {
		s.closes = append(s.closes, tick.Price)
		s.highs = append(s.highs, tick.Price)
		s.lows = append(s.lows, tick.Price)
		s.volumes = append(s.volumes, float64(tick.Volume))
		s.curDate = date
		s.curVolume = tick.Volume
		return
	}

	n := len(s.closes) - 1
	s.closes[n] = tick.Price
	if tick.Price > s.highs[n] {
		s.highs[n] = tick.Price
	}
	if tick.Price < s.lows[n] {
		s.lows[n] = tick.Price
	}
	s.curVolume += tick.Volume
	s.volumes[n] = float64(s.curVolume)
}

// fire persists the hit and dispatches one chart event with the indicator
// snapshot and the past-case context for the first fired condition.
func (e *Engine) fire(ctx context.Context, tick domain.Tick, cur Snapshot, conditions map[string]bool) error {
	local := tick.Timestamp.In(e.loc)
	hit := domain.ChartHit{
		StockCode:  tick.StockCode,
		Date:       local.Format("2006-01-02"),
		Time:       local.Format("15:04:05"),
		Close:      cur.Close,
		Volume:     int64(cur.Volume),
		Conditions: conditions,
		Details: map[string]any{
			"ma5": cur.MA5, "ma20": cur.MA20,
			"bb_upper": cur.BBUpper, "bb_lower": cur.BBLower,
			"rsi": cur.RSI, "macd": cur.MACD, "macd_signal": cur.MACDSignal,
			"volume_ma5": cur.VolumeMA5,
		},
	}
	if err := e.repo.SaveHit(ctx, hit); err != nil {
		return err
	}

	payload := map[string]any{
		"condition": conditionNames(conditions),
		"close":     cur.Close,
		"volume":    int64(cur.Volume),
		"rsi":       cur.RSI,
		"ma5":       cur.MA5,
		"ma20":      cur.MA20,
	}

	for _, name := range AllConditions {
		if !conditions[name] {
			continue
		}
		pastCase, err := e.repo.FindPastCase(ctx, tick.StockCode, name, local)
		if err != nil {
			e.log.Warn().Err(err).Str("condition", name).Msg("past-case lookup failed")
			break
		}
		if pastCase != nil {
			payload["past_case_date"] = pastCase.Date
			payload["past_case_return"] = fmt.Sprintf("%+.2f%%", pastCase.ForwardReturn*100)
		}
		break
	}

	_, err := e.events.Dispatch(ctx, domain.Event{
		Kind:      domain.KindChart,
		StockCode: tick.StockCode,
		Payload:   payload,
		At:        tick.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("chart dispatch: %w", err)
	}
	return nil
}
