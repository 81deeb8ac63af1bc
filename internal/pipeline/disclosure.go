package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
	"github.com/hyperasset/hyperasset/internal/llm"
)

// FilingsSource fetches corporate filings for one stock.
type FilingsSource interface {
	FetchFilings(ctx context.Context, stockCode string) ([]domain.Disclosure, error)
}

// DisclosurePipeline runs the per-user disclosure path.
type DisclosurePipeline struct {
	source    FilingsSource
	generator Generator
	repo      *Repository
	events    Events
	users     Watchlist
	log       zerolog.Logger
}

// NewDisclosurePipeline wires the disclosure path.
func NewDisclosurePipeline(source FilingsSource, generator Generator, repo *Repository,
	events Events, users Watchlist, log zerolog.Logger) *DisclosurePipeline {
	return &DisclosurePipeline{
		source:    source,
		generator: generator,
		repo:      repo,
		events:    events,
		users:     users,
		log:       log.With().Str("component", "disclosure_pipeline").Logger(),
	}
}

// RunForUser processes filings for every enabled stock on the watchlist.
func (p *DisclosurePipeline) RunForUser(ctx context.Context, userID string) (*RunResult, error) {
	cfg, err := p.users.GetUserConfig(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &RunResult{}
	for _, stock := range cfg.Stocks {
		if !stock.Enabled {
			continue
		}
		filings, err := p.fetchWithRetry(ctx, stock.StockCode)
		if err != nil {
			p.log.Error().Err(err).Str("stock_code", stock.StockCode).Msg("filings fetch failed")
			result.Errors++
			continue
		}
		result.Fetched += len(filings)

		for _, filing := range filings {
			filing.StockCode = stock.StockCode
			if err := p.processFiling(ctx, userID, stock.StockName, filing, result); err != nil {
				p.log.Error().Err(err).Str("rcept_no", filing.RceptNo).Msg("filing dropped")
				result.Errors++
			}
		}
	}

	p.log.Info().
		Str("user_id", userID).
		Int("fetched", result.Fetched).
		Int("duplicates", result.Duplicates).
		Int("dispatched", result.Dispatched).
		Msg("disclosure pass complete")
	return result, nil
}

func (p *DisclosurePipeline) fetchWithRetry(ctx context.Context, stockCode string) ([]domain.Disclosure, error) {
	var lastErr error
	backoff := fetchBackoff
	for attempt := 0; attempt < fetchRetries; attempt++ {
		filings, err := p.source.FetchFilings(ctx, stockCode)
		if err == nil {
			return filings, nil
		}
		lastErr = err
		if attempt < fetchRetries-1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

func (p *DisclosurePipeline) processFiling(ctx context.Context, userID, stockName string, filing domain.Disclosure, result *RunResult) error {
	if filing.RceptNo == "" {
		return domain.ValidationError("filing without rcept_no")
	}
	// Corrections re-file under a new rcept_no; the original already alerted.
	if isCorrection(filing) {
		result.Duplicates++
		return nil
	}
	exists, err := p.repo.DisclosureExists(ctx, filing.RceptNo)
	if err != nil {
		return err
	}
	if exists {
		result.Duplicates++
		return nil
	}

	analysis, err := p.analyzeFiling(ctx, userID, filing)
	if err != nil {
		return err
	}
	filing.Sentiment = analysis.Sentiment
	filing.SentimentWhy = analysis.Reasoning
	filing.ExpectedImpact = analysis.ExpectedImpact
	filing.Horizon = analysis.Horizon
	filing.Keywords = analysis.Keywords
	filing.Summary = analysis.Summary
	filing.ImpactScore = analysis.ImpactScore

	if err := p.repo.SaveDisclosure(ctx, filing); err != nil {
		return err
	}
	result.Persisted++

	sent, err := p.events.Dispatch(ctx, domain.Event{
		Kind:      domain.KindDisclosure,
		StockCode: filing.StockCode,
		StockName: stockName,
		Payload: map[string]any{
			"report_nm":       filing.ReportName,
			"sentiment":       filing.Sentiment,
			"expected_impact": filing.ExpectedImpact,
			"summary":         filing.Summary,
			"impact_score":    filing.ImpactScore,
		},
		At: time.Now(),
	})
	if err != nil {
		return err
	}
	result.Dispatched += sent
	return nil
}

func isCorrection(filing domain.Disclosure) bool {
	return strings.Contains(filing.ReportName, "기재정정") ||
		strings.Contains(filing.ReportName, "첨부정정") ||
		strings.Contains(filing.Remark, "정정")
}

// filingAnalysis is the JSON shape the analysis prompt asks the model for.
type filingAnalysis struct {
	Sentiment      string   `json:"sentiment"`
	Reasoning      string   `json:"reasoning"`
	ExpectedImpact string   `json:"expected_impact"`
	Horizon        string   `json:"horizon"`
	Keywords       []string `json:"keywords"`
	Summary        string   `json:"summary"`
	ImpactScore    float64  `json:"impact_score"`
}

func (p *DisclosurePipeline) analyzeFiling(ctx context.Context, userID string, filing domain.Disclosure) (*filingAnalysis, error) {
	prompt := fmt.Sprintf(`다음 공시가 종목 %s에 미칠 영향을 분석하라.

보고서명: %s
제출인: %s
접수일: %s

JSON으로만 응답하라: {"sentiment": "positive|negative|neutral", "reasoning": "근거",
"expected_impact": "예상 영향", "horizon": "단기|중기|장기", "keywords": ["키워드"],
"summary": "한두 문장 요약", "impact_score": 0.0~1.0}`,
		filing.StockCode, filing.ReportName, filing.FlrName, filing.RceptDate)

	resp, err := p.generator.Generate(ctx, userID, prompt, 512, llm.AnalysisDisclosure)
	if err != nil {
		return nil, fmt.Errorf("disclosure analysis: %w", err)
	}

	var analysis filingAnalysis
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &analysis); err != nil {
		return nil, fmt.Errorf("%w: unparseable analysis: %v", domain.ErrSerialization, err)
	}
	return &analysis, nil
}
