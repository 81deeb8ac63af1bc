package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hyperasset/hyperasset/internal/domain"
)

func TestRender_NewsEvent(t *testing.T) {
	msg := Render(domain.Event{
		Kind:      domain.KindNews,
		StockCode: "005930",
		StockName: "삼성전자",
		Payload: map[string]any{
			"title":        "파운드리 대형 수주",
			"impact_score": 0.82,
			"reasoning":    "실적 개선 기대",
			"url":          "https://example.com/n",
		},
		At: time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC),
	})

	assert.Contains(t, msg, "📰 뉴스 알림")
	assert.Contains(t, msg, "삼성전자 (005930)")
	assert.Contains(t, msg, "제목: 파운드리 대형 수주")
	assert.Contains(t, msg, "영향도: 0.82")
	assert.Contains(t, msg, "2026-08-24T09:30:00Z")
}

func TestRender_MissingFieldsRenderAsNA(t *testing.T) {
	msg := Render(domain.Event{
		Kind:      domain.KindChart,
		StockCode: "005930",
		Payload: map[string]any{
			"condition": "golden_cross",
			"close":     71000.0,
		},
		At: time.Now(),
	})

	assert.Contains(t, msg, "조건: golden_cross")
	assert.Contains(t, msg, "과거 사례: N/A")
	assert.Contains(t, msg, "과거 5일 수익률: N/A")
}

func TestRender_NilPayloadIsTotal(t *testing.T) {
	for kind := range templates {
		msg := Render(domain.Event{Kind: kind, At: time.Now()})
		assert.NotEmpty(t, msg)
		// Every declared field renders, each as N/A.
		assert.Equal(t, len(templates[kind].Fields), strings.Count(msg, "N/A"), "kind %s", kind)
	}
}

func TestRender_UnknownKindFallsBackToSystem(t *testing.T) {
	msg := Render(domain.Event{
		Kind:    domain.EventKind("mystery"),
		Payload: map[string]any{"message": "hello"},
		At:      time.Now(),
	})
	assert.Contains(t, msg, "🔔 시스템 알림")
	assert.Contains(t, msg, "내용: hello")
}

func TestRender_FieldFormatting(t *testing.T) {
	msg := Render(domain.Event{
		Kind: domain.KindFlow,
		Payload: map[string]any{
			"inst_buy_days": 4,
			"prog_ratio":    2.75,
			"prog_volume":   int64(120000),
		},
		At: time.Now(),
	})
	assert.Contains(t, msg, "기관 순매수 일수: 4")
	assert.Contains(t, msg, "프로그램 배수: 2.75")
	assert.Contains(t, msg, "프로그램 순매수량: 120000")
}

func TestEventDigest_Deterministic(t *testing.T) {
	ev := domain.Event{
		Kind:      domain.KindNews,
		StockCode: "005930",
		Payload:   map[string]any{"title": "a", "impact_score": 0.5},
	}
	assert.Equal(t, EventDigest(ev), EventDigest(ev))
	assert.Len(t, EventDigest(ev), 20)
}

func TestEventDigest_SensitiveToKindStockAndPayload(t *testing.T) {
	base := domain.Event{
		Kind:      domain.KindNews,
		StockCode: "005930",
		Payload:   map[string]any{"title": "a"},
	}

	otherKind := base
	otherKind.Kind = domain.KindChart
	assert.NotEqual(t, EventDigest(base), EventDigest(otherKind))

	otherStock := base
	otherStock.StockCode = "000660"
	assert.NotEqual(t, EventDigest(base), EventDigest(otherStock))

	otherPayload := base
	otherPayload.Payload = map[string]any{"title": "b"}
	assert.NotEqual(t, EventDigest(base), EventDigest(otherPayload))
}
