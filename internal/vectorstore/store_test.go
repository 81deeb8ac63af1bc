package vectorstore

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/hyperasset/internal/database"
	"github.com/hyperasset/hyperasset/internal/domain"
)

// fakeEmbed maps known texts to fixed vectors so ranking is deterministic.
func fakeEmbed(vectors map[string][]float64) EmbedFunc {
	return func(ctx context.Context, text string) ([]float64, error) {
		if v, ok := vectors[text]; ok {
			return v, nil
		}
		return []float64{1, 0, 0}, nil
	}
}

func newTestStore(t *testing.T, embed EmbedFunc) *Store {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "vectors.db"),
		Profile: database.ProfileStandard,
		Name:    "vectors-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db, embed, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestStore_SearchSimilar_RanksByCosineDistance(t *testing.T) {
	embed := fakeEmbed(map[string][]float64{
		"반도체 수주":  {1, 0, 0},
		"메모리 업황":  {0.9, 0.1, 0},
		"유가 급등":   {0, 1, 0},
		"query":   {1, 0, 0},
	})
	s := newTestStore(t, embed)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, CollectionDailyNews, "a", "반도체 수주", nil))
	require.NoError(t, s.Add(ctx, CollectionDailyNews, "b", "메모리 업황", nil))
	require.NoError(t, s.Add(ctx, CollectionDailyNews, "c", "유가 급등", nil))

	results, err := s.SearchSimilar(ctx, "query", CollectionDailyNews, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
	assert.Equal(t, "b", results[1].ID)
	assert.Greater(t, results[1].Distance, results[0].Distance)
}

func TestStore_SearchSimilar_ScopedToCollection(t *testing.T) {
	s := newTestStore(t, fakeEmbed(nil))
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, CollectionDailyNews, "a", "text", nil))

	results, err := s.SearchSimilar(ctx, "text", CollectionPastEvents, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_Add_RejectsUnknownCollectionAndEmptyID(t *testing.T) {
	s := newTestStore(t, fakeEmbed(nil))
	ctx := context.Background()

	assert.ErrorIs(t, s.Add(ctx, "nope", "a", "text", nil), domain.ErrValidation)
	assert.ErrorIs(t, s.Add(ctx, CollectionDailyNews, "", "text", nil), domain.ErrValidation)
}

func TestStore_AddSalted_RetriesOnCollision(t *testing.T) {
	s := newTestStore(t, fakeEmbed(nil))
	ctx := context.Background()

	id, err := s.AddSalted(ctx, CollectionHighImpactNews, "doc", "first", nil)
	require.NoError(t, err)
	assert.Equal(t, "doc", id)

	salted, err := s.AddSalted(ctx, CollectionHighImpactNews, "doc", "second", nil)
	require.NoError(t, err)
	assert.NotEqual(t, "doc", salted)
	assert.Contains(t, salted, "doc_")

	n, err := s.Count(ctx, CollectionHighImpactNews)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_GetAllDocuments_InsertionOrderAndMetadata(t *testing.T) {
	s := newTestStore(t, fakeEmbed(nil))
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, CollectionKeywords, "k1", "금리", map[string]any{"week": "2026-34"}))
	require.NoError(t, s.Add(ctx, CollectionKeywords, "k2", "환율", nil))

	docs, err := s.GetAllDocuments(ctx, CollectionKeywords, 10)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "k1", docs[0].ID)
	assert.Equal(t, "k2", docs[1].ID)
	assert.Equal(t, "2026-34", docs[0].Metadata["week"])
}

func TestStore_PurgeCollection_OnlyTouchesTarget(t *testing.T) {
	s := newTestStore(t, fakeEmbed(nil))
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, CollectionDailyNews, "a", "text", nil))
	require.NoError(t, s.Add(ctx, CollectionDailyNews, "b", "text", nil))
	require.NoError(t, s.Add(ctx, CollectionPastEvents, "c", "text", nil))

	removed, err := s.PurgeCollection(ctx, CollectionDailyNews)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	n, err := s.Count(ctx, CollectionDailyNews)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.Count(ctx, CollectionPastEvents)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_Add_ConcurrentInsertsKeepSequenceUnique(t *testing.T) {
	s := newTestStore(t, fakeEmbed(nil))
	ctx := context.Background()

	const goroutines, perGoroutine = 8, 20

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				id := fmt.Sprintf("doc-%d-%d", g, i)
				assert.NoError(t, s.Add(ctx, CollectionDailyNews, id, "text", nil))
			}
		}(g)
	}
	wg.Wait()

	n, err := s.Count(ctx, CollectionDailyNews)
	require.NoError(t, err)
	assert.Equal(t, goroutines*perGoroutine, n)

	var distinct int
	require.NoError(t, s.db.Conn().QueryRow(
		"SELECT COUNT(DISTINCT seq) FROM vector_docs").Scan(&distinct))
	assert.Equal(t, goroutines*perGoroutine, distinct)
}

func TestCosineDistance_EdgeCases(t *testing.T) {
	assert.InDelta(t, 0, cosineDistance([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.InDelta(t, 1, cosineDistance([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, 2, cosineDistance([]float64{1, 0}, []float64{-1, 0}), 1e-9)

	assert.True(t, math.IsNaN(cosineDistance([]float64{1, 0}, []float64{1})))
	assert.True(t, math.IsNaN(cosineDistance([]float64{0, 0}, []float64{1, 0})))
	assert.True(t, math.IsNaN(cosineDistance(nil, nil)))
}
