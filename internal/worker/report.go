package worker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
	"github.com/hyperasset/hyperasset/internal/llm"
	"github.com/hyperasset/hyperasset/internal/pipeline"
	"github.com/hyperasset/hyperasset/internal/userconfig"
	"github.com/hyperasset/hyperasset/internal/vectorstore"
)

// ReportRunner assembles the weekly per-user summary: high-impact news,
// chart hits and pattern signals for each watched stock, condensed by the
// user's model and dispatched as one report event.
type ReportRunner struct {
	weeklyCadence
	db        *sql.DB
	users     *userconfig.Manager
	generator pipeline.Generator
	vectors   *vectorstore.Store
	events    pipeline.Events
	log       zerolog.Logger
}

// NewReportRunner creates the report runner.
func NewReportRunner(db *sql.DB, users *userconfig.Manager, generator pipeline.Generator,
	vectors *vectorstore.Store, events pipeline.Events, loc *time.Location, log zerolog.Logger) *ReportRunner {
	return &ReportRunner{
		weeklyCadence: weeklyCadence{loc: loc},
		db:            db,
		users:         users,
		generator:     generator,
		vectors:       vectors,
		events:        events,
		log:           log.With().Str("runner", "report").Logger(),
	}
}

// Service implements Runner.
func (r *ReportRunner) Service() domain.ServiceName { return domain.ServiceReport }

// Execute implements Runner.
func (r *ReportRunner) Execute(ctx context.Context, userID string) (*Result, error) {
	cfg, err := r.users.GetUserConfig(ctx, userID)
	if err != nil {
		return nil, err
	}

	weekStart := time.Now().AddDate(0, 0, -7)
	var digest strings.Builder
	stocks := 0

	for _, stock := range cfg.Stocks {
		if !stock.Enabled {
			continue
		}
		section, err := r.stockSection(ctx, stock, weekStart)
		if err != nil {
			r.log.Error().Err(err).Str("stock_code", stock.StockCode).Msg("section build failed")
			continue
		}
		digest.WriteString(section)
		stocks++
	}

	if stocks == 0 {
		return &Result{
			Service:         domain.ServiceReport,
			UserID:          userID,
			TelegramMessage: "이번 주 관심 종목 활동이 없습니다",
			ExecutedAt:      time.Now(),
		}, nil
	}

	summary, err := r.summarize(ctx, userID, digest.String())
	if err != nil {
		// A raw digest still beats no report.
		r.log.Warn().Err(err).Msg("summary generation failed, sending raw digest")
		summary = digest.String()
	}

	period := fmt.Sprintf("%s ~ %s", weekStart.Format("2006-01-02"), time.Now().Format("2006-01-02"))
	if _, err := r.events.Dispatch(ctx, domain.Event{
		Kind: domain.KindReport,
		Payload: map[string]any{
			"period":  period,
			"summary": summary,
		},
		At: time.Now(),
	}); err != nil {
		return nil, err
	}

	r.storeKeywords(ctx, cfg, weekStart)

	return &Result{
		Service:         domain.ServiceReport,
		UserID:          userID,
		TelegramMessage: summary,
		Detail:          map[string]any{"stocks": stocks, "period": period},
		ExecutedAt:      time.Now(),
	}, nil
}

// stockSection collects one stock's weekly activity counts and headlines.
func (r *ReportRunner) stockSection(ctx context.Context, stock domain.WatchlistEntry, since time.Time) (string, error) {
	var newsCount, hitCount, signalCount int

	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM news WHERE stock_code = ? AND created_at >= ?",
		stock.StockCode, since.Unix()).Scan(&newsCount)
	if err != nil {
		return "", fmt.Errorf("news count: %w", err)
	}
	err = r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chart_hits WHERE stock_code = ? AND date >= ?",
		stock.StockCode, since.Format("2006-01-02")).Scan(&hitCount)
	if err != nil {
		return "", fmt.Errorf("hit count: %w", err)
	}
	err = r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pattern_signals WHERE ticker = ? AND ref_time >= ?",
		stock.StockCode, since.Unix()).Scan(&signalCount)
	if err != nil {
		return "", fmt.Errorf("signal count: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s (%s)] 뉴스 %d건, 차트 신호 %d건, 수급 신호 %d건\n",
		stock.StockName, stock.StockCode, newsCount, hitCount, signalCount)

	rows, err := r.db.QueryContext(ctx, `
		SELECT title, impact_score FROM news
		WHERE stock_code = ? AND created_at >= ?
		ORDER BY impact_score DESC LIMIT 3
	`, stock.StockCode, since.Unix())
	if err != nil {
		return "", fmt.Errorf("top news: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var title string
		var score float64
		if err := rows.Scan(&title, &score); err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "  - (%.2f) %s\n", score, title)
	}
	return sb.String(), rows.Err()
}

func (r *ReportRunner) summarize(ctx context.Context, userID, digest string) (string, error) {
	prompt := fmt.Sprintf(`다음은 지난 주 관심 종목의 활동 요약이다. 투자자에게 보낼 주간 리포트를 작성하라.
간결하게, 종목별 핵심만, 5문장 이내로.

%s`, digest)

	resp, err := r.generator.Generate(ctx, userID, prompt, 1024, llm.AnalysisReport)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// storeKeywords persists this week's top keywords per stock for later
// similarity context.
func (r *ReportRunner) storeKeywords(ctx context.Context, cfg *domain.UserConfig, weekStart time.Time) {
	week := weekStart.Format("2006-01-02")
	for _, stock := range cfg.Stocks {
		if !stock.Enabled {
			continue
		}
		rows, err := r.db.QueryContext(ctx, `
			SELECT title FROM news
			WHERE stock_code = ? AND created_at >= ?
			ORDER BY impact_score DESC LIMIT 5
		`, stock.StockCode, weekStart.Unix())
		if err != nil {
			r.log.Warn().Err(err).Msg("keyword query failed")
			continue
		}
		var keywords []string
		for rows.Next() {
			var title string
			if err := rows.Scan(&title); err == nil {
				keywords = append(keywords, title)
			}
		}
		rows.Close()
		if len(keywords) == 0 {
			continue
		}
		if err := r.vectors.StoreWeeklyKeywords(ctx, vectorstore.WeeklyKeywords{
			StockCode: stock.StockCode,
			WeekStart: week,
			Keywords:  keywords,
			UpdatedAt: time.Now(),
		}); err != nil {
			r.log.Warn().Err(err).Str("stock_code", stock.StockCode).Msg("keyword store failed")
		}
	}
}
