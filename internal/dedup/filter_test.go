package dedup

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/hyperasset/internal/database"
)

func newTestFilter(t *testing.T) *Filter {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "simhash.db"),
		Profile: database.ProfileCache,
		Name:    "simhash-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f, err := NewFilter(db, Config{HammingThreshold: 3, TTLHours: 48}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f
}

func TestFilter_Check_FirstSightIsNotDuplicate(t *testing.T) {
	f := newTestFilter(t)

	match, err := f.Check(context.Background(), "005930",
		"삼성전자 신규 파운드리 수주", "대형 고객사와 공급 계약을 체결했다", "https://example.com/a")
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestFilter_Check_ExactRepublishIsDuplicate(t *testing.T) {
	f := newTestFilter(t)
	ctx := context.Background()

	title := "삼성전자 신규 파운드리 수주"
	content := "대형 고객사와 공급 계약을 체결했다"

	match, err := f.Check(ctx, "005930", title, content, "https://example.com/a")
	require.NoError(t, err)
	require.Nil(t, match)

	match, err = f.Check(ctx, "005930", title, content, "https://example.com/b")
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, 0, match.Distance)
	assert.Equal(t, "https://example.com/a", match.URL)
}

func TestFilter_Check_ScopedByStockCode(t *testing.T) {
	f := newTestFilter(t)
	ctx := context.Background()

	title := "반도체 업황 회복 조짐"
	content := "메모리 현물 가격이 반등했다"

	match, err := f.Check(ctx, "005930", title, content, "https://example.com/a")
	require.NoError(t, err)
	require.Nil(t, match)

	// Same article under a different stock is a fresh sighting.
	match, err = f.Check(ctx, "000660", title, content, "https://example.com/a")
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestFilter_Check_EmptyInputIsNotDuplicate(t *testing.T) {
	f := newTestFilter(t)

	match, err := f.Check(context.Background(), "005930", "", "", "https://example.com/a")
	require.NoError(t, err)
	assert.Nil(t, match)

	// Empty input must not have been inserted either.
	match, err = f.Check(context.Background(), "005930", "", "", "https://example.com/b")
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestTruncateRunes_KoreanTitleKeepsValidUTF8(t *testing.T) {
	long := strings.Repeat("삼성전자 실적 ", 30)
	got := truncateRunes(long, titleSnippetLen)
	assert.Equal(t, titleSnippetLen, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))

	short := "짧은 제목"
	assert.Equal(t, short, truncateRunes(short, titleSnippetLen))
}

func TestFilter_Sweep_RemovesNothingWhenFresh(t *testing.T) {
	f := newTestFilter(t)
	ctx := context.Background()

	_, err := f.Check(ctx, "005930", "제목", "본문", "https://example.com/a")
	require.NoError(t, err)

	removed, err := f.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}
