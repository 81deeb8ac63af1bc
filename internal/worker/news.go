package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
	"github.com/hyperasset/hyperasset/internal/pipeline"
)

// NewsRunner executes one news-pipeline pass per hour.
type NewsRunner struct {
	hourlyCadence
	pipeline *pipeline.NewsPipeline
	log      zerolog.Logger
}

// NewNewsRunner creates the news runner.
func NewNewsRunner(p *pipeline.NewsPipeline, log zerolog.Logger) *NewsRunner {
	return &NewsRunner{
		pipeline: p,
		log:      log.With().Str("runner", "news").Logger(),
	}
}

// Service implements Runner.
func (r *NewsRunner) Service() domain.ServiceName { return domain.ServiceNews }

// Execute implements Runner.
func (r *NewsRunner) Execute(ctx context.Context, userID string) (*Result, error) {
	run, err := r.pipeline.RunForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Service: domain.ServiceNews,
		UserID:  userID,
		TelegramMessage: fmt.Sprintf("뉴스 %d건 수집, 중복 %d건, 알림 %d건 발송",
			run.Fetched, run.Duplicates, run.Dispatched),
		Detail: map[string]any{
			"fetched":    run.Fetched,
			"duplicates": run.Duplicates,
			"persisted":  run.Persisted,
			"dispatched": run.Dispatched,
			"errors":     run.Errors,
		},
		ExecutedAt: time.Now(),
	}, nil
}

// DisclosureRunner executes one disclosure-pipeline pass per hour.
type DisclosureRunner struct {
	hourlyCadence
	pipeline *pipeline.DisclosurePipeline
	log      zerolog.Logger
}

// NewDisclosureRunner creates the disclosure runner.
func NewDisclosureRunner(p *pipeline.DisclosurePipeline, log zerolog.Logger) *DisclosureRunner {
	return &DisclosureRunner{
		pipeline: p,
		log:      log.With().Str("runner", "disclosure").Logger(),
	}
}

// Service implements Runner.
func (r *DisclosureRunner) Service() domain.ServiceName { return domain.ServiceDisclosure }

// Execute implements Runner.
func (r *DisclosureRunner) Execute(ctx context.Context, userID string) (*Result, error) {
	run, err := r.pipeline.RunForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Service: domain.ServiceDisclosure,
		UserID:  userID,
		TelegramMessage: fmt.Sprintf("공시 %d건 수집, 중복 %d건, 알림 %d건 발송",
			run.Fetched, run.Duplicates, run.Dispatched),
		Detail: map[string]any{
			"fetched":    run.Fetched,
			"duplicates": run.Duplicates,
			"persisted":  run.Persisted,
			"dispatched": run.Dispatched,
			"errors":     run.Errors,
		},
		ExecutedAt: time.Now(),
	}, nil
}
