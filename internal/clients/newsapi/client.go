// Package newsapi fetches stock news from the Naver search open API.
package newsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

const defaultBaseURL = "https://openapi.naver.com/v1/search/news.json"

// maxItems caps one fetch; the dedup filter handles overlap between runs.
const maxItems = 20

// Config holds the Naver API credentials and the stock-to-name map used to
// build search queries.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	StockNames   map[string]string // stock_code -> display name
}

// Client fetches recent articles per stock.
type Client struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger

	mu    sync.RWMutex
	names map[string]string
}

// NewClient creates the news client.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, domain.ConfigError("news API client id and secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	names := map[string]string{}
	for k, v := range cfg.StockNames {
		names[k] = v
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log.With().Str("component", "newsapi").Logger(),
		names:  names,
	}, nil
}

// RegisterStockName adds or replaces one stock's search name.
func (c *Client) RegisterStockName(stockCode, name string) {
	c.mu.Lock()
	c.names[stockCode] = name
	c.mu.Unlock()
}

type searchResponse struct {
	Items []struct {
		Title       string `json:"title"`
		Link        string `json:"link"`
		Description string `json:"description"`
		PubDate     string `json:"pubDate"`
	} `json:"items"`
}

// FetchNews returns recent articles mentioning the stock, newest first.
// Queries by the registered display name, falling back to the raw code.
func (c *Client) FetchNews(ctx context.Context, stockCode string) ([]domain.NewsItem, error) {
	c.mu.RLock()
	query := c.names[stockCode]
	c.mu.RUnlock()
	if query == "" {
		query = stockCode
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"?query="+url.QueryEscape(query)+fmt.Sprintf("&display=%d&sort=date", maxItems), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Naver-Client-Id", c.cfg.ClientID)
	req.Header.Set("X-Naver-Client-Secret", c.cfg.ClientSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: news fetch: %v", domain.ErrConnection, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: news status %d", domain.ErrConnection, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.ProviderError("newsapi", fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}

	var parsed searchResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: news response: %v", domain.ErrSerialization, err)
	}

	out := make([]domain.NewsItem, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		title := cleanText(item.Title)
		if title == "" {
			continue
		}
		published := time.Now()
		if t, err := time.Parse(time.RFC1123Z, item.PubDate); err == nil {
			published = t
		}
		out = append(out, domain.NewsItem{
			StockCode:   stockCode,
			Title:       title,
			Content:     cleanText(item.Description),
			URL:         item.Link,
			Source:      "naver",
			PublishedAt: published,
		})
	}
	return out, nil
}

// cleanText strips the search API's <b> highlight tags and HTML entities.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "<b>", "")
	s = strings.ReplaceAll(s, "</b>", "")
	return strings.TrimSpace(html.UnescapeString(s))
}
