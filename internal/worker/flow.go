package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
	"github.com/hyperasset/hyperasset/internal/flow"
	"github.com/hyperasset/hyperasset/internal/userconfig"
)

// FlowSource provides end-of-day and program-trade rows for one ticker.
type FlowSource interface {
	EODFlows(ctx context.Context, ticker string, days int) ([]domain.EODFlow, error)
	ProgramFlows(ctx context.Context, ticker string) ([]domain.ProgramFlow, error)
}

// FlowRunner ingests flows and evaluates the pattern triggers once per
// trading day, after market close.
type FlowRunner struct {
	marketCloseCadence
	engine *flow.Engine
	source FlowSource
	users  *userconfig.Manager
	log    zerolog.Logger
}

// NewFlowRunner creates the flow runner.
func NewFlowRunner(engine *flow.Engine, source FlowSource, users *userconfig.Manager,
	loc *time.Location, closeHour int, log zerolog.Logger) *FlowRunner {
	if closeHour <= 0 {
		closeHour = 16
	}
	return &FlowRunner{
		marketCloseCadence: marketCloseCadence{loc: loc, closeHour: closeHour},
		engine:             engine,
		source:             source,
		users:              users,
		log:                log.With().Str("runner", "flow").Logger(),
	}
}

// Service implements Runner.
func (r *FlowRunner) Service() domain.ServiceName { return domain.ServiceFlow }

// Execute implements Runner: ingest then evaluate, per watched ticker.
// Program ingestion completes before the composite check, so the day's
// ratio never reads a partial sum.
func (r *FlowRunner) Execute(ctx context.Context, userID string) (*Result, error) {
	cfg, err := r.users.GetUserConfig(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	signals, composites, failures := 0, 0, 0
	for _, stock := range cfg.Stocks {
		if !stock.Enabled {
			continue
		}
		ticker := stock.StockCode

		eod, err := r.source.EODFlows(ctx, ticker, 10)
		if err != nil {
			r.log.Error().Err(err).Str("ticker", ticker).Msg("eod fetch failed")
			failures++
			continue
		}
		if err := r.engine.IngestEOD(ctx, ticker, eod); err != nil {
			r.log.Error().Err(err).Str("ticker", ticker).Msg("eod ingest failed")
			failures++
			continue
		}

		program, err := r.source.ProgramFlows(ctx, ticker)
		if err != nil {
			r.log.Error().Err(err).Str("ticker", ticker).Msg("program fetch failed")
			failures++
			continue
		}
		if err := r.engine.IngestProgram(ctx, program); err != nil {
			r.log.Error().Err(err).Str("ticker", ticker).Msg("program ingest failed")
			failures++
			continue
		}

		signal, err := r.engine.Evaluate(ctx, ticker, now)
		if err != nil {
			r.log.Error().Err(err).Str("ticker", ticker).Msg("evaluation failed")
			failures++
			continue
		}
		signals++
		if signal.CompositeStrong() {
			composites++
		}
	}

	return &Result{
		Service: domain.ServiceFlow,
		UserID:  userID,
		TelegramMessage: fmt.Sprintf("수급 점검 완료: %d종목 평가, 복합 신호 %d건, 실패 %d건",
			signals, composites, failures),
		Detail:     map[string]any{"evaluated": signals, "composite": composites, "failures": failures},
		ExecutedAt: time.Now(),
	}, nil
}
