package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/dedup"
	"github.com/hyperasset/hyperasset/internal/domain"
	"github.com/hyperasset/hyperasset/internal/llm"
	"github.com/hyperasset/hyperasset/internal/vectorstore"
)

// fetchRetries and fetchBackoff govern external fetch attempts. Exhausted
// retries log and move on; the pipeline never crashes on a source outage.
const fetchRetries = 3

var fetchBackoff = 2 * time.Second

// NewsSource fetches articles for one stock.
type NewsSource interface {
	FetchNews(ctx context.Context, stockCode string) ([]domain.NewsItem, error)
}

// Deduper is the SimHash filter capability.
type Deduper interface {
	Check(ctx context.Context, stockCode, title, content, url string) (*dedup.Match, error)
}

// Generator is the LLM gateway capability.
type Generator interface {
	Generate(ctx context.Context, userID, prompt string, maxTokens int, analysis llm.AnalysisType) (*llm.Result, error)
}

// Events is the dispatcher capability.
type Events interface {
	Dispatch(ctx context.Context, ev domain.Event) (int, error)
}

// Watchlist resolves the stocks a user cares about.
type Watchlist interface {
	GetUserConfig(ctx context.Context, userID string) (*domain.UserConfig, error)
}

// NewsPipeline runs the per-user news path.
type NewsPipeline struct {
	source          NewsSource
	deduper         Deduper
	vectors         *vectorstore.Store
	generator       Generator
	repo            *Repository
	events          Events
	users           Watchlist
	impactThreshold float64
	log             zerolog.Logger
}

// NewNewsPipeline wires the news path. impactThreshold classifies an item as
// high impact for vector-store routing.
func NewNewsPipeline(source NewsSource, deduper Deduper, vectors *vectorstore.Store, generator Generator,
	repo *Repository, events Events, users Watchlist, impactThreshold float64, log zerolog.Logger) *NewsPipeline {
	if impactThreshold <= 0 {
		impactThreshold = 0.5
	}
	return &NewsPipeline{
		source:          source,
		deduper:         deduper,
		vectors:         vectors,
		generator:       generator,
		repo:            repo,
		events:          events,
		users:           users,
		impactThreshold: impactThreshold,
		log:             log.With().Str("component", "news_pipeline").Logger(),
	}
}

// RunResult summarizes one pipeline pass.
type RunResult struct {
	Fetched    int `json:"fetched"`
	Duplicates int `json:"duplicates"`
	Persisted  int `json:"persisted"`
	Dispatched int `json:"dispatched"`
	Errors     int `json:"errors"`
}

// RunForUser processes every enabled stock on the user's watchlist. Item
// failures are counted and skipped; only configuration failures abort.
func (p *NewsPipeline) RunForUser(ctx context.Context, userID string) (*RunResult, error) {
	cfg, err := p.users.GetUserConfig(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &RunResult{}
	for _, stock := range cfg.Stocks {
		if !stock.Enabled {
			continue
		}
		items, err := p.fetchWithRetry(ctx, stock.StockCode)
		if err != nil {
			p.log.Error().Err(err).Str("stock_code", stock.StockCode).Msg("news fetch failed")
			result.Errors++
			continue
		}
		result.Fetched += len(items)

		for _, item := range items {
			item.StockCode = stock.StockCode
			if err := p.processItem(ctx, userID, stock.StockName, item, result); err != nil {
				p.log.Error().Err(err).Str("title", item.Title).Msg("news item dropped")
				result.Errors++
			}
		}
	}

	p.log.Info().
		Str("user_id", userID).
		Int("fetched", result.Fetched).
		Int("duplicates", result.Duplicates).
		Int("dispatched", result.Dispatched).
		Msg("news pass complete")
	return result, nil
}

func (p *NewsPipeline) fetchWithRetry(ctx context.Context, stockCode string) ([]domain.NewsItem, error) {
	var lastErr error
	backoff := fetchBackoff
	for attempt := 0; attempt < fetchRetries; attempt++ {
		items, err := p.source.FetchNews(ctx, stockCode)
		if err == nil {
			return items, nil
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

func (p *NewsPipeline) processItem(ctx context.Context, userID, stockName string, item domain.NewsItem, result *RunResult) error {
	if item.Title == "" {
		return domain.ValidationError("news item without title")
	}

	match, err := p.deduper.Check(ctx, item.StockCode, item.Title, item.Content, item.URL)
	if err != nil {
		// Fail-open: an unscreened item beats a silenced one.
		p.log.Warn().Err(err).Msg("dedup check failed")
	}
	if match != nil {
		result.Duplicates++
		return nil
	}

	text := item.Title + " " + item.Content
	similar, err := p.vectors.SearchSimilar(ctx, text, vectorstore.CollectionPastEvents, 3)
	if err != nil {
		p.log.Warn().Err(err).Msg("past-events search failed")
	}

	score, err := p.scoreItem(ctx, userID, item, similar)
	if err != nil {
		return err
	}
	item.ImpactScore = score.ImpactScore
	item.Reasoning = score.Reasoning

	id, err := p.repo.SaveNews(ctx, item)
	if err != nil {
		return err
	}
	result.Persisted++

	collection := vectorstore.CollectionDailyNews
	if item.ImpactScore >= p.impactThreshold {
		collection = vectorstore.CollectionHighImpactNews
	}
	docID := fmt.Sprintf("news_%d", id)
	if _, err := p.vectors.AddSalted(ctx, collection, docID, text, map[string]any{
		"stock_code":   item.StockCode,
		"impact_score": item.ImpactScore,
		"keywords":     score.Keywords,
		"url":          item.URL,
	}); err != nil {
		p.log.Warn().Err(err).Str("collection", collection).Msg("vector store add failed")
	}

	sent, err := p.events.Dispatch(ctx, domain.Event{
		Kind:      domain.KindNews,
		StockCode: item.StockCode,
		StockName: stockName,
		Payload: map[string]any{
			"title":        item.Title,
			"impact_score": item.ImpactScore,
			"reasoning":    item.Reasoning,
			"url":          item.URL,
		},
		At: item.PublishedAt,
	})
	if err != nil {
		return err
	}
	result.Dispatched += sent
	return nil
}

// newsScore is the JSON shape the scoring prompt asks the model for.
type newsScore struct {
	ImpactScore float64  `json:"impact_score"`
	Reasoning   string   `json:"reasoning"`
	Keywords    []string `json:"keywords"`
}

func (p *NewsPipeline) scoreItem(ctx context.Context, userID string, item domain.NewsItem, similar []vectorstore.SearchResult) (*newsScore, error) {
	var history strings.Builder
	for i, s := range similar {
		fmt.Fprintf(&history, "%d. (유사도 %.2f) %s\n", i+1, s.Similarity, s.Document)
	}
	if history.Len() == 0 {
		history.WriteString("(유사한 과거 사례 없음)\n")
	}

	prompt := fmt.Sprintf(`다음 뉴스가 종목 %s의 주가에 미칠 영향을 평가하라.

제목: %s
본문: %s

과거 유사 사례:
%s
JSON으로만 응답하라: {"impact_score": 0.0~1.0, "reasoning": "한두 문장", "keywords": ["키워드"]}`,
		item.StockCode, item.Title, item.Content, history.String())

	resp, err := p.generator.Generate(ctx, userID, prompt, 512, llm.AnalysisNews)
	if err != nil {
		return nil, fmt.Errorf("news scoring: %w", err)
	}

	var score newsScore
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &score); err != nil {
		return nil, fmt.Errorf("%w: unparseable score: %v", domain.ErrSerialization, err)
	}
	if score.ImpactScore < 0 {
		score.ImpactScore = 0
	}
	if score.ImpactScore > 1 {
		score.ImpactScore = 1
	}
	return &score, nil
}

// extractJSON strips markdown fences and surrounding prose from a model
// response, keeping the outermost object.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			return text[start : end+1]
		}
	}
	return text
}
