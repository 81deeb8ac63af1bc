package vectorstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"google.golang.org/genai"
)

// LocalEmbedDim is the dimension of the local hashing embedder.
const LocalEmbedDim = 256

// LocalEmbedder is a deterministic bag-of-words hashing embedder used when
// no embedding API key is configured, and in tests. Each token hashes to a
// bucket; the vector is L2-normalized term frequency.
func LocalEmbedder() EmbedFunc {
	return func(_ context.Context, text string) ([]float64, error) {
		vec := make([]float64, LocalEmbedDim)
		for _, token := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(token))
			vec[h.Sum32()%LocalEmbedDim]++
		}

		var norm float64
		for _, v := range vec {
			norm += v * v
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for i := range vec {
				vec[i] /= norm
			}
		}
		return vec, nil
	}
}

// GeminiEmbedder embeds through the Gemini embedding model.
func GeminiEmbedder(ctx context.Context, apiKey, model string) (EmbedFunc, error) {
	if model == "" {
		model = "text-embedding-004"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding client: %w", err)
	}

	return func(ctx context.Context, text string) ([]float64, error) {
		resp, err := client.Models.EmbedContent(ctx, model, genai.Text(text), nil)
		if err != nil {
			return nil, fmt.Errorf("embedding request failed: %w", err)
		}
		if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
			return nil, fmt.Errorf("empty embedding response")
		}
		vec := make([]float64, len(resp.Embeddings[0].Values))
		for i, v := range resp.Embeddings[0].Values {
			vec[i] = float64(v)
		}
		return vec, nil
	}, nil
}
