package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// templateDef is one alert kind's message layout. Fields list payload keys in
// render order; a key missing from the payload renders as "N/A", so every
// template is total over its declared fields.
type templateDef struct {
	Emoji  string
	Title  string
	Fields []templateField
}

type templateField struct {
	Key   string
	Label string
}

var templates = map[domain.EventKind]templateDef{
	domain.KindNews: {
		Emoji: "📰", Title: "뉴스 알림",
		Fields: []templateField{
			{"title", "제목"},
			{"impact_score", "영향도"},
			{"reasoning", "분석"},
			{"url", "링크"},
		},
	},
	domain.KindDisclosure: {
		Emoji: "📋", Title: "공시 알림",
		Fields: []templateField{
			{"report_nm", "보고서"},
			{"sentiment", "감성"},
			{"expected_impact", "예상 영향"},
			{"summary", "요약"},
		},
	},
	domain.KindChart: {
		Emoji: "📈", Title: "차트 신호",
		Fields: []templateField{
			{"condition", "조건"},
			{"close", "현재가"},
			{"volume", "거래량"},
			{"past_case_date", "과거 사례"},
			{"past_case_return", "과거 5일 수익률"},
		},
	},
	domain.KindFlow: {
		Emoji: "💰", Title: "수급 신호",
		Fields: []templateField{
			{"inst_buy_days", "기관 순매수 일수"},
			{"prog_ratio", "프로그램 배수"},
			{"prog_volume", "프로그램 순매수량"},
		},
	},
	domain.KindReport: {
		Emoji: "📊", Title: "주간 리포트",
		Fields: []templateField{
			{"period", "기간"},
			{"summary", "요약"},
		},
	},
	domain.KindSystem: {
		Emoji: "🔔", Title: "시스템 알림",
		Fields: []templateField{
			{"message", "내용"},
		},
	},
	domain.KindError: {
		Emoji: "🚨", Title: "오류 알림",
		Fields: []templateField{
			{"service", "서비스"},
			{"message", "내용"},
		},
	},
}

// Render formats an event into the kind's message. Unknown kinds fall back to
// the system template.
func Render(ev domain.Event) string {
	def, ok := templates[ev.Kind]
	if !ok {
		def = templates[domain.KindSystem]
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	var sb strings.Builder
	sb.WriteString(def.Emoji)
	sb.WriteString(" ")
	sb.WriteString(def.Title)
	if ev.StockName != "" || ev.StockCode != "" {
		sb.WriteString(fmt.Sprintf(" — %s (%s)", fieldOr(ev.StockName), fieldOr(ev.StockCode)))
	}
	sb.WriteString("\n")

	for _, f := range def.Fields {
		sb.WriteString(fmt.Sprintf("%s: %s\n", f.Label, payloadField(ev.Payload, f.Key)))
	}

	sb.WriteString(at.Format(time.RFC3339))
	return sb.String()
}

func fieldOr(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func payloadField(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return "N/A"
	}
	switch t := v.(type) {
	case string:
		return fieldOr(t)
	case float64:
		return fmt.Sprintf("%.4g", t)
	case float32:
		return fmt.Sprintf("%.4g", t)
	case int, int32, int64:
		return fmt.Sprintf("%d", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
