package llm

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
)

func TestClaudeText_CollectsOnlyTextBlocks(t *testing.T) {
	blocks := []anthropic.ContentBlockUnion{
		{Type: "text", Text: "분석 "},
		{Type: "tool_use"},
		{Type: "text", Text: "결과"},
	}
	assert.Equal(t, "분석 결과", claudeText(blocks))
}

func TestClaudeText_EmptyWithoutTextBlocks(t *testing.T) {
	assert.Empty(t, claudeText(nil))
	assert.Empty(t, claudeText([]anthropic.ContentBlockUnion{{Type: "tool_use"}}))
}
