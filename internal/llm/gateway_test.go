package llm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/hyperasset/internal/domain"
)

type fakeProvider struct {
	tag       domain.ModelTag
	text      string
	err       error
	available bool
	calls     atomic.Int32
}

func (p *fakeProvider) Name() domain.ModelTag { return p.tag }
func (p *fakeProvider) Available() bool       { return p.available }

func (p *fakeProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	p.calls.Add(1)
	if p.err != nil {
		return "", p.err
	}
	return p.text, nil
}

type fixedModel struct{ tag domain.ModelTag }

func (f fixedModel) GetModel(ctx context.Context, userID string) (domain.ModelTag, error) {
	return f.tag, nil
}

func newTestGateway(t *testing.T, users UserModels, providers ...Provider) *Gateway {
	t.Helper()
	g, err := NewGateway(NewRegistry(providers...), users, nil, Config{
		FallbackOrder: []domain.ModelTag{domain.ModelHyperclova, domain.ModelChatGPT},
		MaxRetries:    1,
	}, zerolog.Nop())
	require.NoError(t, err)
	return g
}

func TestGateway_Generate_ServesUserModel(t *testing.T) {
	claude := &fakeProvider{tag: domain.ModelClaude, text: "클로드 답변", available: true}
	g := newTestGateway(t, fixedModel{domain.ModelClaude}, claude)

	res, err := g.Generate(context.Background(), "user-1", "질문", 128, AnalysisNews)
	require.NoError(t, err)
	assert.Equal(t, "클로드 답변", res.Text)
	assert.Equal(t, domain.ModelClaude, res.Provider)
	assert.False(t, res.Cached)
}

func TestGateway_Generate_SecondCallHitsCache(t *testing.T) {
	clova := &fakeProvider{tag: domain.ModelHyperclova, text: "답변", available: true}
	g := newTestGateway(t, fixedModel{domain.ModelHyperclova}, clova)
	ctx := context.Background()

	_, err := g.Generate(ctx, "user-1", "질문", 128, AnalysisNews)
	require.NoError(t, err)

	res, err := g.Generate(ctx, "user-1", "질문", 128, AnalysisNews)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, int32(1), clova.calls.Load())
}

func TestGateway_Generate_FallsBackInOrder(t *testing.T) {
	broken := &fakeProvider{
		tag:       domain.ModelClaude,
		err:       domain.ProviderError("claude", errors.New("503")),
		available: true,
	}
	clova := &fakeProvider{tag: domain.ModelHyperclova, text: "대체 답변", available: true}
	g := newTestGateway(t, fixedModel{domain.ModelClaude}, broken, clova)

	res, err := g.Generate(context.Background(), "user-1", "질문", 128, AnalysisChart)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelHyperclova, res.Provider)
	assert.Equal(t, "대체 답변", res.Text)
}

func TestGateway_Generate_AllProvidersDown(t *testing.T) {
	down := &fakeProvider{tag: domain.ModelHyperclova, available: false}
	g := newTestGateway(t, fixedModel{domain.ModelHyperclova}, down)

	_, err := g.Generate(context.Background(), "user-1", "질문", 128, AnalysisNews)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProvider)
	assert.Equal(t, int32(0), down.calls.Load())
}

func TestGateway_Generate_RejectsEmptyPrompt(t *testing.T) {
	g := newTestGateway(t, nil)
	_, err := g.Generate(context.Background(), "user-1", "", 128, AnalysisNews)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGateway_Generate_NonRetryableFailsFast(t *testing.T) {
	bad := &fakeProvider{
		tag:       domain.ModelHyperclova,
		err:       domain.ValidationError("prompt rejected"),
		available: true,
	}
	g, err := NewGateway(NewRegistry(bad), fixedModel{domain.ModelHyperclova}, nil, Config{
		MaxRetries: 3,
	}, zerolog.Nop())
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), "user-1", "질문", 128, AnalysisNews)
	require.Error(t, err)
	assert.Equal(t, int32(1), bad.calls.Load())
}

func TestGateway_Generate_ReleasesKeyLocks(t *testing.T) {
	clova := &fakeProvider{tag: domain.ModelHyperclova, text: "답변", available: true}
	g := newTestGateway(t, fixedModel{domain.ModelHyperclova}, clova)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := g.Generate(ctx, "user-1", fmt.Sprintf("질문 %d", i), 128, AnalysisNews)
		require.NoError(t, err)
	}

	g.locksMu.Lock()
	defer g.locksMu.Unlock()
	assert.Empty(t, g.locks)
}

func TestGateway_AvailableModels(t *testing.T) {
	up := &fakeProvider{tag: domain.ModelHyperclova, available: true}
	down := &fakeProvider{tag: domain.ModelGrok, available: false}
	g := newTestGateway(t, nil, up, down)

	assert.Equal(t, []domain.ModelTag{domain.ModelHyperclova}, g.AvailableModels())
}
