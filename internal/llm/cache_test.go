package llm

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/hyperasset/internal/domain"
)

func TestCacheKey_DeterministicAndScoped(t *testing.T) {
	a := CacheKey(domain.ModelHyperclova, "시장 요약", 512)
	b := CacheKey(domain.ModelHyperclova, "시장 요약", 512)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "llm:"))
	assert.Len(t, a, len("llm:")+32)

	assert.NotEqual(t, a, CacheKey(domain.ModelClaude, "시장 요약", 512))
	assert.NotEqual(t, a, CacheKey(domain.ModelHyperclova, "시장 요약", 1024))
	assert.NotEqual(t, a, CacheKey(domain.ModelHyperclova, "다른 프롬프트", 512))
}

func TestTTLFor_KnownTypesAndFallback(t *testing.T) {
	def := 5 * time.Minute
	assert.Equal(t, 1800*time.Second, TTLFor(AnalysisNews, def))
	assert.Equal(t, 86400*time.Second, TTLFor(AnalysisReport, def))
	assert.Equal(t, def, TTLFor(AnalysisType("unknown"), def))
}

func TestEncodeDecodeResult_RoundTrip(t *testing.T) {
	in := cachedResult{Text: "분석 결과", Provider: "hyperclova"}

	raw, err := encodeResult(in)
	require.NoError(t, err)
	assert.Equal(t, formatMsgpack, raw[0])
	assert.Equal(t, flagPlain, raw[1])

	out, err := decodeResult(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeDecodeResult_CompressesLargeEntries(t *testing.T) {
	in := cachedResult{Text: strings.Repeat("장문의 분석 결과입니다. ", 200), Provider: "claude"}

	raw, err := encodeResult(in)
	require.NoError(t, err)
	assert.Equal(t, flagGzip, raw[1])
	assert.Less(t, len(raw), len(in.Text))

	out, err := decodeResult(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeResult_JSONFormat(t *testing.T) {
	payload, err := json.Marshal(cachedResult{Text: "t", Provider: "p"})
	require.NoError(t, err)
	raw := append([]byte{formatJSON, flagPlain}, payload...)

	out, err := decodeResult(raw)
	require.NoError(t, err)
	assert.Equal(t, "t", out.Text)
	assert.Equal(t, "p", out.Provider)
}

func TestDecodeResult_RejectsMalformedEntries(t *testing.T) {
	_, err := decodeResult([]byte{formatMsgpack})
	assert.ErrorIs(t, err, domain.ErrSerialization)

	_, err = decodeResult([]byte{'X', flagPlain, 1, 2, 3})
	assert.ErrorIs(t, err, domain.ErrSerialization)
}

func TestResultCache_LocalTierWithoutRedis(t *testing.T) {
	c, err := newResultCache(nil, 10, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	key := CacheKey(domain.ModelHyperclova, "p", 128)

	_, ok := c.get(ctx, key)
	assert.False(t, ok)

	c.set(ctx, key, cachedResult{Text: "cached", Provider: "hyperclova"}, time.Minute)

	got, ok := c.get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "cached", got.Text)
}
