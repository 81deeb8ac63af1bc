package domain

import "time"

// ModelTag identifies which LLM serves a user's analysis requests.
type ModelTag string

// Supported model tags. DefaultModel applies when a user has made no
// explicit selection.
const (
	ModelHyperclova ModelTag = "hyperclova"
	ModelChatGPT    ModelTag = "chatgpt"
	ModelClaude     ModelTag = "claude"
	ModelGrok       ModelTag = "grok"
	ModelGemini     ModelTag = "gemini"

	DefaultModel = ModelHyperclova
)

// ValidModelTag reports whether tag is one of the supported models.
func ValidModelTag(tag ModelTag) bool {
	switch tag {
	case ModelHyperclova, ModelChatGPT, ModelClaude, ModelGrok, ModelGemini:
		return true
	}
	return false
}

// ServiceName identifies one of the fixed analysis workers.
type ServiceName string

// The fixed worker set. Every user subscription carries one boolean per
// service; the supervisor starts exactly the enabled subset.
const (
	ServiceNews       ServiceName = "news"
	ServiceDisclosure ServiceName = "disclosure"
	ServiceChart      ServiceName = "chart"
	ServiceReport     ServiceName = "report"
	ServiceFlow       ServiceName = "flow"
)

// AllServices lists every worker service in a stable order.
var AllServices = []ServiceName{ServiceNews, ServiceDisclosure, ServiceChart, ServiceReport, ServiceFlow}

// ValidService reports whether name is a known worker service.
func ValidService(name ServiceName) bool {
	for _, s := range AllServices {
		if s == name {
			return true
		}
	}
	return false
}

// UserProfile is the authoritative identity row for a user.
// Thresholds are in [0,1]; phone numbers are unique.
type UserProfile struct {
	UserID                  string    `json:"user_id"`
	Username                string    `json:"username"`
	PhoneNumber             string    `json:"phone_number"`
	NewsSimilarityThreshold float64   `json:"news_similarity_threshold"`
	NewsImpactThreshold     float64   `json:"news_impact_threshold"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// WatchlistEntry is one (user, stock) subscription row.
type WatchlistEntry struct {
	UserID    string `json:"user_id"`
	StockCode string `json:"stock_code"`
	StockName string `json:"stock_name"`
	Enabled   bool   `json:"enabled"`
}

// ServiceFlags carries one boolean per worker type for a user.
type ServiceFlags struct {
	News       bool `json:"news"`
	Disclosure bool `json:"disclosure"`
	Chart      bool `json:"chart"`
	Report     bool `json:"report"`
	Flow       bool `json:"flow"`
}

// Enabled returns the names of the enabled services, in stable order.
func (f ServiceFlags) Enabled() []ServiceName {
	var out []ServiceName
	if f.News {
		out = append(out, ServiceNews)
	}
	if f.Disclosure {
		out = append(out, ServiceDisclosure)
	}
	if f.Chart {
		out = append(out, ServiceChart)
	}
	if f.Report {
		out = append(out, ServiceReport)
	}
	if f.Flow {
		out = append(out, ServiceFlow)
	}
	return out
}

// IsEnabled reports whether the named service is enabled.
func (f ServiceFlags) IsEnabled(name ServiceName) bool {
	switch name {
	case ServiceNews:
		return f.News
	case ServiceDisclosure:
		return f.Disclosure
	case ServiceChart:
		return f.Chart
	case ServiceReport:
		return f.Report
	case ServiceFlow:
		return f.Flow
	}
	return false
}

// UserConfig is the composed per-user view served by the configuration
// manager: profile + active watchlist + model choice + service flags.
type UserConfig struct {
	Profile  UserProfile      `json:"profile"`
	Stocks   []WatchlistEntry `json:"stocks"`
	Model    ModelTag         `json:"model_type"`
	Services ServiceFlags     `json:"services"`
}

// InterestedIn reports whether the user has stockCode enabled.
func (c *UserConfig) InterestedIn(stockCode string) bool {
	for _, s := range c.Stocks {
		if s.StockCode == stockCode && s.Enabled {
			return true
		}
	}
	return false
}
