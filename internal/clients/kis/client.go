// Package kis is a typed client for the Korea Investment & Securities open
// API: daily price history, investor flow aggregates, program-trade rows and
// the realtime tick websocket.
package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

const defaultBaseURL = "https://openapi.koreainvestment.com:9443"

// tokenSlack renews the access token this long before expiry.
const tokenSlack = 5 * time.Minute

// Config holds the API credentials.
type Config struct {
	BaseURL   string
	AppKey    string
	AppSecret string
}

// Client is the REST client. Safe for concurrent use; the access token is
// cached and renewed on demand.
type Client struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient creates the REST client.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.AppKey == "" || cfg.AppSecret == "" {
		return nil, domain.ConfigError("KIS app key and secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log.With().Str("component", "kis").Logger(),
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// token returns a valid access token, issuing a new one when needed.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-tokenSlack)) {
		return c.accessToken, nil
	}

	body, _ := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"appsecret":  c.cfg.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/oauth2/tokenP", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", domain.ErrConnection, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return "", domain.ProviderError("kis", fmt.Errorf("token status %d: %s", resp.StatusCode, raw))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: token response: %v", domain.ErrSerialization, err)
	}
	c.accessToken = parsed.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

// get performs one authenticated GET with the transaction id header KIS uses
// to select the operation.
func (c *Client) get(ctx context.Context, path, trID string, params map[string]string, out any) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authorization", "Bearer "+tok)
	req.Header.Set("appkey", c.cfg.AppKey)
	req.Header.Set("appsecret", c.cfg.AppSecret)
	req.Header.Set("tr_id", trID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: kis: %v", domain.ErrConnection, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return domain.ProviderError("kis", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return domain.ProviderError("kis", fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: kis response: %v", domain.ErrSerialization, err)
	}
	return nil
}

type dailyPriceResponse struct {
	RtCd   string `json:"rt_cd"`
	Output []struct {
		Date   string `json:"stck_bsop_date"`
		Open   string `json:"stck_oprc"`
		High   string `json:"stck_hgpr"`
		Low    string `json:"stck_lwpr"`
		Close  string `json:"stck_clpr"`
		Volume string `json:"acml_vol"`
	} `json:"output"`
}

// DailyCandles returns up to days recent daily bars, oldest first.
func (c *Client) DailyCandles(ctx context.Context, stockCode string, days int) ([]domain.Candle, error) {
	var parsed dailyPriceResponse
	err := c.get(ctx, "/uapi/domestic-stock/v1/quotations/inquire-daily-price", "FHKST01010400", map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         stockCode,
		"FID_PERIOD_DIV_CODE":    "D",
		"FID_ORG_ADJ_PRC":        "0",
	}, &parsed)
	if err != nil {
		return nil, err
	}
	if parsed.RtCd != "0" {
		return nil, domain.ProviderError("kis", fmt.Errorf("rt_cd %s for %s", parsed.RtCd, stockCode))
	}

	var out []domain.Candle
	for _, row := range parsed.Output {
		if row.Date == "" {
			continue
		}
		out = append(out, domain.Candle{
			Date:   formatDate(row.Date),
			Open:   parseFloat(row.Open),
			High:   parseFloat(row.High),
			Low:    parseFloat(row.Low),
			Close:  parseFloat(row.Close),
			Volume: parseInt(row.Volume),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	if len(out) > days {
		out = out[len(out)-days:]
	}
	return out, nil
}

type investorResponse struct {
	RtCd   string `json:"rt_cd"`
	Output []struct {
		Date          string `json:"stck_bsop_date"`
		InstNet       string `json:"orgn_ntby_qty"`
		ForeignNet    string `json:"frgn_ntby_qty"`
		IndividualNet string `json:"prsn_ntby_qty"`
		Close         string `json:"stck_clpr"`
		Volume        string `json:"acml_vol"`
		Value         string `json:"acml_tr_pbmn"`
	} `json:"output"`
}

// EODFlows returns recent end-of-day investor flow rows, oldest first.
func (c *Client) EODFlows(ctx context.Context, ticker string, days int) ([]domain.EODFlow, error) {
	var parsed investorResponse
	err := c.get(ctx, "/uapi/domestic-stock/v1/quotations/inquire-investor", "FHKST01010900", map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         ticker,
	}, &parsed)
	if err != nil {
		return nil, err
	}
	if parsed.RtCd != "0" {
		return nil, domain.ProviderError("kis", fmt.Errorf("rt_cd %s for %s", parsed.RtCd, ticker))
	}

	var out []domain.EODFlow
	for _, row := range parsed.Output {
		if row.Date == "" {
			continue
		}
		out = append(out, domain.EODFlow{
			TradeDate:     formatDate(row.Date),
			Ticker:        ticker,
			InstNet:       parseFloat(row.InstNet),
			ForeignNet:    parseFloat(row.ForeignNet),
			IndividualNet: parseFloat(row.IndividualNet),
			TotalValue:    parseFloat(row.Value),
			Close:         parseFloat(row.Close),
			Volume:        parseInt(row.Volume),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeDate < out[j].TradeDate })
	if len(out) > days {
		out = out[len(out)-days:]
	}
	return out, nil
}

type programResponse struct {
	RtCd   string `json:"rt_cd"`
	Output []struct {
		Time        string `json:"bsop_hour"`
		NetVolume   string `json:"whol_ntby_qty"`
		NetValue    string `json:"whol_ntby_tr_pbmn"`
		Price       string `json:"stck_prpr"`
		TotalVolume string `json:"acml_vol"`
	} `json:"output"`
}

// ProgramFlows returns today's 5-minute program-trade rows.
func (c *Client) ProgramFlows(ctx context.Context, ticker string) ([]domain.ProgramFlow, error) {
	var parsed programResponse
	err := c.get(ctx, "/uapi/domestic-stock/v1/quotations/program-trade-by-stock", "FHPPG04650100", map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         ticker,
	}, &parsed)
	if err != nil {
		return nil, err
	}
	if parsed.RtCd != "0" {
		return nil, domain.ProviderError("kis", fmt.Errorf("rt_cd %s for %s", parsed.RtCd, ticker))
	}

	today := time.Now()
	var out []domain.ProgramFlow
	for _, row := range parsed.Output {
		ts, err := parseIntraday(today, row.Time)
		if err != nil {
			continue
		}
		netVolume := parseInt(row.NetVolume)
		side := "BUY"
		if netVolume < 0 {
			side = "SELL"
		}
		out = append(out, domain.ProgramFlow{
			Timestamp:   ts,
			Ticker:      ticker,
			NetVolume:   netVolume,
			NetValue:    parseFloat(row.NetValue),
			Side:        side,
			Price:       parseFloat(row.Price),
			TotalVolume: parseInt(row.TotalVolume),
		})
	}
	return out, nil
}

// formatDate converts KIS YYYYMMDD to YYYY-MM-DD.
func formatDate(s string) string {
	if len(s) != 8 {
		return s
	}
	return s[:4] + "-" + s[4:6] + "-" + s[6:]
}

// parseIntraday combines today's date with a HHMMSS field.
func parseIntraday(day time.Time, hhmmss string) (time.Time, error) {
	if len(hhmmss) != 6 {
		return time.Time{}, fmt.Errorf("bad time %q", hhmmss)
	}
	h, _ := strconv.Atoi(hhmmss[:2])
	m, _ := strconv.Atoi(hhmmss[2:4])
	s, _ := strconv.Atoi(hhmmss[4:])
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, s, 0, day.Location()), nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
