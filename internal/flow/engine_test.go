package flow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/hyperasset/internal/database"
	"github.com/hyperasset/hyperasset/internal/domain"
)

type captureEvents struct {
	events []domain.Event
}

func (c *captureEvents) Dispatch(ctx context.Context, ev domain.Event) (int, error) {
	c.events = append(c.events, ev)
	return 1, nil
}

func newTestEngine(t *testing.T) (*Engine, *captureEvents) {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "core.db"),
		Profile: database.ProfileEvents,
		Name:    "core-test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	events := &captureEvents{}
	engine := NewEngine(NewRepository(db.Conn(), zerolog.Nop()), events, DefaultConfig(), time.UTC, zerolog.Nop())
	return engine, events
}

// eodRow builds a net-institutional row for one date.
func eodRow(ticker, date string, instNet float64) domain.EODFlow {
	return domain.EODFlow{
		TradeDate: date,
		Ticker:    ticker,
		InstNet:   instNet,
		Close:     70000,
		Volume:    1_000_000,
	}
}

func TestEngine_Evaluate_InstitutionalTrigger(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	// 3 of the last 5 trading rows are net institutional buys.
	rows := []domain.EODFlow{
		eodRow("005930", "2026-08-18", 100),
		eodRow("005930", "2026-08-19", -50),
		eodRow("005930", "2026-08-20", 200),
		eodRow("005930", "2026-08-21", -10),
		eodRow("005930", "2026-08-24", 300),
	}
	require.NoError(t, engine.IngestEOD(ctx, "005930", rows))

	refTime := time.Date(2026, 8, 24, 16, 0, 0, 0, time.UTC)
	signal, err := engine.Evaluate(ctx, "005930", refTime)
	require.NoError(t, err)

	assert.True(t, signal.DailyInstStrong)
	assert.Equal(t, 3, signal.InstBuyDays)
	assert.False(t, signal.RtProgStrong)
}

func TestEngine_Evaluate_InstitutionalBelowThreshold(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	rows := []domain.EODFlow{
		eodRow("005930", "2026-08-20", 100),
		eodRow("005930", "2026-08-21", -50),
		eodRow("005930", "2026-08-24", 300),
	}
	require.NoError(t, engine.IngestEOD(ctx, "005930", rows))

	refTime := time.Date(2026, 8, 24, 16, 0, 0, 0, time.UTC)
	signal, err := engine.Evaluate(ctx, "005930", refTime)
	require.NoError(t, err)

	assert.False(t, signal.DailyInstStrong)
	assert.Equal(t, 2, signal.InstBuyDays)
}

func TestEngine_Evaluate_LookbackIgnoresFutureRows(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	rows := []domain.EODFlow{
		eodRow("005930", "2026-08-20", 100),
		eodRow("005930", "2026-08-21", 100),
		// After the reference date; must not count.
		eodRow("005930", "2026-08-25", 100),
		eodRow("005930", "2026-08-26", 100),
	}
	require.NoError(t, engine.IngestEOD(ctx, "005930", rows))

	refTime := time.Date(2026, 8, 21, 16, 0, 0, 0, time.UTC)
	signal, err := engine.Evaluate(ctx, "005930", refTime)
	require.NoError(t, err)
	assert.Equal(t, 2, signal.InstBuyDays)
}

func TestEngine_Evaluate_ProgramTrigger(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	// Ten prior days at 10k net volume each set the mean.
	var prior []domain.ProgramFlow
	for i := 1; i <= 10; i++ {
		prior = append(prior, domain.ProgramFlow{
			Timestamp: day.AddDate(0, 0, -i).Add(10 * time.Hour),
			Ticker:    "005930",
			NetVolume: 10_000,
			Side:      "BUY",
		})
	}
	require.NoError(t, engine.IngestProgram(ctx, prior))

	// Today runs at 3x the mean, past the 2.5x multiplier.
	require.NoError(t, engine.IngestProgram(ctx, []domain.ProgramFlow{{
		Timestamp: day.Add(10 * time.Hour),
		Ticker:    "005930",
		NetVolume: 30_000,
		Side:      "BUY",
	}}))

	signal, err := engine.Evaluate(ctx, "005930", day.Add(16*time.Hour))
	require.NoError(t, err)

	assert.True(t, signal.RtProgStrong)
	assert.InDelta(t, 3.0, signal.ProgRatio, 0.001)
}

func TestEngine_Evaluate_NoMeanMeansNoProgramTrigger(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	require.NoError(t, engine.IngestProgram(ctx, []domain.ProgramFlow{{
		Timestamp: day.Add(10 * time.Hour),
		Ticker:    "005930",
		NetVolume: 1_000_000,
		Side:      "BUY",
	}}))

	signal, err := engine.Evaluate(ctx, "005930", day.Add(16*time.Hour))
	require.NoError(t, err)
	assert.False(t, signal.RtProgStrong)
	assert.Equal(t, 0.0, signal.ProgRatio)
}

func TestEngine_Evaluate_CompositeDispatchesOnce(t *testing.T) {
	engine, events := newTestEngine(t)
	ctx := context.Background()

	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	rows := []domain.EODFlow{
		eodRow("005930", "2026-08-20", 100),
		eodRow("005930", "2026-08-21", 100),
		eodRow("005930", "2026-08-24", 100),
	}
	require.NoError(t, engine.IngestEOD(ctx, "005930", rows))

	var prior []domain.ProgramFlow
	for i := 1; i <= 5; i++ {
		prior = append(prior, domain.ProgramFlow{
			Timestamp: day.AddDate(0, 0, -i).Add(10 * time.Hour),
			Ticker:    "005930",
			NetVolume: 10_000,
			Side:      "BUY",
		})
	}
	require.NoError(t, engine.IngestProgram(ctx, prior))
	require.NoError(t, engine.IngestProgram(ctx, []domain.ProgramFlow{{
		Timestamp: day.Add(10 * time.Hour),
		Ticker:    "005930",
		NetVolume: 50_000,
		Side:      "BUY",
	}}))

	signal, err := engine.Evaluate(ctx, "005930", day.Add(16*time.Hour))
	require.NoError(t, err)
	require.True(t, signal.CompositeStrong())

	require.Len(t, events.events, 1)
	assert.Equal(t, domain.KindFlow, events.events[0].Kind)
	assert.Equal(t, "005930", events.events[0].StockCode)
}

func TestEngine_IngestEOD_RejectsMismatchedTicker(t *testing.T) {
	engine, _ := newTestEngine(t)
	err := engine.IngestEOD(context.Background(), "005930", []domain.EODFlow{
		eodRow("000660", "2026-08-24", 100),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEngine_Evaluate_UpsertIsIdempotent(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.IngestEOD(ctx, "005930", []domain.EODFlow{
		eodRow("005930", "2026-08-24", 100),
	}))

	refTime := time.Date(2026, 8, 24, 16, 0, 0, 0, time.UTC)
	first, err := engine.Evaluate(ctx, "005930", refTime)
	require.NoError(t, err)
	second, err := engine.Evaluate(ctx, "005930", refTime)
	require.NoError(t, err)
	assert.Equal(t, first.InstBuyDays, second.InstBuyDays)
}
