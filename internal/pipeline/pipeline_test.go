package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hyperasset/hyperasset/internal/domain"
)

func TestExtractJSON_StripsFencesAndProse(t *testing.T) {
	raw := "분석 결과입니다.\n```json\n{\"impact_score\": 0.8, \"reasoning\": \"호재\"}\n```\n이상입니다."
	assert.Equal(t, `{"impact_score": 0.8, "reasoning": "호재"}`, extractJSON(raw))
}

func TestExtractJSON_KeepsOutermostObject(t *testing.T) {
	raw := `{"a": {"b": 1}, "c": 2}`
	assert.Equal(t, raw, extractJSON(raw))
}

func TestExtractJSON_PassthroughWithoutBraces(t *testing.T) {
	assert.Equal(t, "no json here", extractJSON("  no json here  "))
}

func TestIsCorrection(t *testing.T) {
	assert.True(t, isCorrection(domain.Disclosure{ReportName: "[기재정정] 주요사항보고서"}))
	assert.True(t, isCorrection(domain.Disclosure{ReportName: "[첨부정정] 사업보고서"}))
	assert.False(t, isCorrection(domain.Disclosure{ReportName: "주요사항보고서", Remark: "정"}))
	assert.True(t, isCorrection(domain.Disclosure{ReportName: "주요사항보고서", Remark: "정정"}))
	assert.False(t, isCorrection(domain.Disclosure{ReportName: "단일판매ㆍ공급계약체결"}))
}
