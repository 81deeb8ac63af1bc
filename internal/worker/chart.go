package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/chart"
	"github.com/hyperasset/hyperasset/internal/domain"
	"github.com/hyperasset/hyperasset/internal/userconfig"
)

// ChartRunner runs the condition engine over each watched stock once per
// trading day, after market close. Realtime tick feeds use the same engine;
// the scheduled pass guarantees a daily evaluation even without a stream.
type ChartRunner struct {
	marketCloseCadence
	engine *chart.Engine
	users  *userconfig.Manager
	log    zerolog.Logger
}

// NewChartRunner creates the chart runner. closeHour is in the market
// timezone.
func NewChartRunner(engine *chart.Engine, users *userconfig.Manager, loc *time.Location, closeHour int, log zerolog.Logger) *ChartRunner {
	if closeHour <= 0 {
		closeHour = 16
	}
	return &ChartRunner{
		marketCloseCadence: marketCloseCadence{loc: loc, closeHour: closeHour},
		engine:             engine,
		users:              users,
		log:                log.With().Str("runner", "chart").Logger(),
	}
}

// Service implements Runner.
func (r *ChartRunner) Service() domain.ServiceName { return domain.ServiceChart }

// Execute implements Runner: one synthetic end-of-day tick per watched stock.
func (r *ChartRunner) Execute(ctx context.Context, userID string) (*Result, error) {
	cfg, err := r.users.GetUserConfig(ctx, userID)
	if err != nil {
		return nil, err
	}

	evaluated, failures := 0, 0
	for _, stock := range cfg.Stocks {
		if !stock.Enabled {
			continue
		}
		if err := r.engine.EvaluateClose(ctx, stock.StockCode); err != nil {
			r.log.Error().Err(err).Str("stock_code", stock.StockCode).Msg("close evaluation failed")
			failures++
			continue
		}
		evaluated++
	}

	return &Result{
		Service:         domain.ServiceChart,
		UserID:          userID,
		TelegramMessage: fmt.Sprintf("차트 조건 점검 완료: %d종목 평가, %d종목 실패", evaluated, failures),
		Detail:          map[string]any{"evaluated": evaluated, "failures": failures},
		ExecutedAt:      time.Now(),
	}, nil
}
