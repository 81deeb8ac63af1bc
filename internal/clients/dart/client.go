// Package dart is a client for the DART open API (Korean corporate filings).
package dart

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

const defaultBaseURL = "https://opendart.fss.or.kr/api"

// listWindowDays bounds the filing list query to recent filings.
const listWindowDays = 3

// Config holds the API credentials and the stock-to-corp code map. DART keys
// filings by corp_code, not by exchange ticker.
type Config struct {
	BaseURL   string
	APIKey    string
	CorpCodes map[string]string // stock_code -> corp_code
}

// Client fetches recent filings for watched stocks.
type Client struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger

	mu        sync.RWMutex
	corpCodes map[string]string
}

// NewClient creates the DART client.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, domain.ConfigError("DART API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	corpCodes := map[string]string{}
	for k, v := range cfg.CorpCodes {
		corpCodes[k] = v
	}
	return &Client{
		cfg:       cfg,
		client:    &http.Client{Timeout: 15 * time.Second},
		log:       log.With().Str("component", "dart").Logger(),
		corpCodes: corpCodes,
	}, nil
}

// RegisterCorpCode adds or replaces one stock-to-corp mapping.
func (c *Client) RegisterCorpCode(stockCode, corpCode string) {
	c.mu.Lock()
	c.corpCodes[stockCode] = corpCode
	c.mu.Unlock()
}

type listResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	List    []struct {
		CorpCode  string `json:"corp_code"`
		StockCode string `json:"stock_code"`
		ReportNm  string `json:"report_nm"`
		RceptNo   string `json:"rcept_no"`
		FlrNm     string `json:"flr_nm"`
		RceptDt   string `json:"rcept_dt"`
		Rm        string `json:"rm"`
	} `json:"list"`
}

// dart status "013" means no matching data, which is a normal empty result.
const statusNoData = "013"

// FetchFilings returns recent filings for the stock, newest first. A stock
// with no registered corp code yields an empty result rather than an error.
func (c *Client) FetchFilings(ctx context.Context, stockCode string) ([]domain.Disclosure, error) {
	c.mu.RLock()
	corpCode, ok := c.corpCodes[stockCode]
	c.mu.RUnlock()
	if !ok {
		c.log.Debug().Str("stock_code", stockCode).Msg("no corp code registered")
		return nil, nil
	}

	now := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/list.json", nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("crtfc_key", c.cfg.APIKey)
	q.Set("corp_code", corpCode)
	q.Set("bgn_de", now.AddDate(0, 0, -listWindowDays).Format("20060102"))
	q.Set("end_de", now.Format("20060102"))
	q.Set("page_count", "100")
	req.URL.RawQuery = q.Encode()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: dart: %v", domain.ErrConnection, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, domain.ProviderError("dart", fmt.Errorf("status %d", resp.StatusCode))
	}

	var parsed listResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: dart response: %v", domain.ErrSerialization, err)
	}
	if parsed.Status == statusNoData {
		return nil, nil
	}
	if parsed.Status != "000" {
		return nil, domain.ProviderError("dart", fmt.Errorf("status %s: %s", parsed.Status, parsed.Message))
	}

	out := make([]domain.Disclosure, 0, len(parsed.List))
	for _, row := range parsed.List {
		out = append(out, domain.Disclosure{
			RceptNo:    row.RceptNo,
			CorpCode:   row.CorpCode,
			StockCode:  stockCode,
			ReportName: row.ReportNm,
			FlrName:    row.FlrNm,
			RceptDate:  row.RceptDt,
			Remark:     row.Rm,
		})
	}
	return out, nil
}
