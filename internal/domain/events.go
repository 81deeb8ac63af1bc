package domain

import "time"

// EventKind classifies alert events routed through the dispatcher.
type EventKind string

// Alert kinds. news/disclosure/chart/flow/report map to the worker services;
// system and error are operational notifications.
const (
	KindNews       EventKind = "news"
	KindDisclosure EventKind = "disclosure"
	KindChart      EventKind = "chart"
	KindFlow       EventKind = "flow"
	KindReport     EventKind = "report"
	KindSystem     EventKind = "system"
	KindError      EventKind = "error"
)

// Event is a typed alert candidate handed to the dispatcher. Payload keys are
// template fields; missing fields render as "N/A".
type Event struct {
	Kind      EventKind      `json:"kind"`
	StockCode string         `json:"stock_code"`
	StockName string         `json:"stock_name"`
	Payload   map[string]any `json:"payload"`
	At        time.Time      `json:"at"`
}

// NewsItem is a normalized news article tied to a stock.
type NewsItem struct {
	ID          int64     `json:"id"`
	StockCode   string    `json:"stock_code"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	ImpactScore float64   `json:"impact_score"`
	Reasoning   string    `json:"reasoning"`
}

// Disclosure is a normalized corporate filing enriched with LLM analysis.
type Disclosure struct {
	RceptNo        string    `json:"rcept_no"`
	CorpCode       string    `json:"corp_code"`
	StockCode      string    `json:"stock_code"`
	ReportName     string    `json:"report_nm"`
	FlrName        string    `json:"flr_nm"`
	RceptDate      string    `json:"rcept_dt"`
	Remark         string    `json:"rm"`
	ImpactScore    float64   `json:"impact_score"`
	Sentiment      string    `json:"sentiment"`
	SentimentWhy   string    `json:"sentiment_reason"`
	ExpectedImpact string    `json:"expected_impact"`
	Horizon        string    `json:"horizon"`
	Keywords       []string  `json:"keywords"`
	Summary        string    `json:"summary"`
	CreatedAt      time.Time `json:"created_at"`
}

// EODFlow is the end-of-day investor flow aggregate for one ticker.
// Immutable after insert; same-day re-ingest may update.
type EODFlow struct {
	TradeDate     string  `json:"trade_date"` // YYYY-MM-DD
	Ticker        string  `json:"ticker"`
	InstNet       float64 `json:"inst_net"`
	ForeignNet    float64 `json:"foreign_net"`
	IndividualNet float64 `json:"individual_net"`
	TotalValue    float64 `json:"total_value"`
	Close         float64 `json:"close"`
	Volume        int64   `json:"volume"`
}

// ProgramFlow is one 5-minute program-trade aggregate row.
type ProgramFlow struct {
	Timestamp   time.Time `json:"timestamp"`
	Ticker      string    `json:"ticker"`
	NetVolume   int64     `json:"net_volume"` // signed
	NetValue    float64   `json:"net_value"`
	Side        string    `json:"side"` // BUY or SELL
	Price       float64   `json:"price"`
	TotalVolume int64     `json:"total_volume"`
}

// PatternSignal is one fired flow/pattern trigger. At most one row per
// (RefTime, Ticker); duplicates resolve by upsert.
type PatternSignal struct {
	RefTime         time.Time      `json:"ref_time"`
	Ticker          string         `json:"ticker"`
	DailyInstStrong bool           `json:"daily_inst_strong"`
	RtProgStrong    bool           `json:"rt_prog_strong"`
	InstBuyDays     int            `json:"inst_buy_days"` // over the 5-day lookback
	ProgVolume      int64          `json:"prog_volume"`
	ProgRatio       float64        `json:"prog_ratio"`
	Triggers        map[string]any `json:"triggers"`
}

// CompositeStrong reports whether both the daily and realtime rules fired.
func (p *PatternSignal) CompositeStrong() bool {
	return p.DailyInstStrong && p.RtProgStrong
}

// ChartHit is one chart-condition firing. At most one row per
// (StockCode, Date, Time).
type ChartHit struct {
	StockCode  string          `json:"stock_code"`
	Date       string          `json:"date"` // YYYY-MM-DD
	Time       string          `json:"time"` // HH:MM:SS
	Close      float64         `json:"close"`
	Volume     int64           `json:"volume"`
	Conditions map[string]bool `json:"conditions"`
	Details    map[string]any  `json:"details"`
}

// Tick is one realtime price observation consumed by the chart engine.
type Tick struct {
	StockCode string    `json:"stock_code"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Volume    int64     `json:"volume"`
}

// Candle is one daily OHLCV bar used for indicator warmup and past-case
// forward returns.
type Candle struct {
	Date   string  `json:"date"` // YYYY-MM-DD
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}
