package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"google.golang.org/genai"

	"github.com/hyperasset/hyperasset/internal/domain"
)

const defaultMaxTokens = 1024

// availability tracks whether a provider's last call succeeded. A provider
// with an API key is considered available unless its most recent call
// hard-failed within the cooldown.
type availability struct {
	mu          sync.Mutex
	lastFailure time.Time
	cooldown    time.Duration
}

func newAvailability() *availability {
	return &availability{cooldown: 2 * time.Minute}
}

func (a *availability) ok() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastFailure.IsZero() || time.Since(a.lastFailure) > a.cooldown
}

func (a *availability) record(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.lastFailure = time.Now()
	} else {
		a.lastFailure = time.Time{}
	}
}

// ---------------------------------------------------------------------------
// OpenAI-compatible chat providers (hyperclova, chatgpt, grok)
// ---------------------------------------------------------------------------

// chatProvider speaks the OpenAI-compatible chat completions protocol.
// HyperCLOVA X, ChatGPT and Grok all expose this surface.
type chatProvider struct {
	tag      domain.ModelTag
	apiKey   string
	endpoint string
	model    string
	client   *http.Client
	avail    *availability
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewHyperclova creates the HyperCLOVA X provider (the platform default).
func NewHyperclova(apiKey string) Provider {
	return &chatProvider{
		tag:      domain.ModelHyperclova,
		apiKey:   apiKey,
		endpoint: "https://clovastudio.stream.ntruss.com/v1/openai/chat/completions",
		model:    "HCX-005",
		client:   &http.Client{},
		avail:    newAvailability(),
	}
}

// NewChatGPT creates the OpenAI provider.
func NewChatGPT(apiKey string) Provider {
	return &chatProvider{
		tag:      domain.ModelChatGPT,
		apiKey:   apiKey,
		endpoint: "https://api.openai.com/v1/chat/completions",
		model:    "gpt-4o-mini",
		client:   &http.Client{},
		avail:    newAvailability(),
	}
}

// NewGrok creates the xAI provider.
func NewGrok(apiKey string) Provider {
	return &chatProvider{
		tag:      domain.ModelGrok,
		apiKey:   apiKey,
		endpoint: "https://api.x.ai/v1/chat/completions",
		model:    "grok-2-latest",
		client:   &http.Client{},
		avail:    newAvailability(),
	}
}

func (p *chatProvider) Name() domain.ModelTag { return p.tag }

func (p *chatProvider) Available() bool {
	return p.apiKey != "" && p.avail.ok()
}

func (p *chatProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if p.apiKey == "" {
		return "", domain.ProviderError(string(p.tag), fmt.Errorf("no API key configured"))
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body, err := json.Marshal(chatRequest{
		Model:     p.model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", domain.ProviderError(string(p.tag), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		p.avail.record(err)
		return "", domain.ProviderError(string(p.tag), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		p.avail.record(err)
		return "", domain.ProviderError(string(p.tag), err)
	}

	if resp.StatusCode >= 500 {
		err := fmt.Errorf("status %d", resp.StatusCode)
		p.avail.record(err)
		return "", domain.ProviderError(string(p.tag), err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", domain.ProviderError(string(p.tag), fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	if parsed.Error != nil {
		return "", domain.ProviderError(string(p.tag), fmt.Errorf("%s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return "", domain.ProviderError(string(p.tag), fmt.Errorf("empty response"))
	}

	p.avail.record(nil)
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// ---------------------------------------------------------------------------
// Claude
// ---------------------------------------------------------------------------

type claudeProvider struct {
	apiKey string
	model  string
	client anthropic.Client
	avail  *availability
}

// NewClaude creates the Anthropic provider.
func NewClaude(apiKey string) Provider {
	return &claudeProvider{
		apiKey: apiKey,
		model:  "claude-3-5-haiku-latest",
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		avail:  newAvailability(),
	}
}

func (p *claudeProvider) Name() domain.ModelTag { return domain.ModelClaude }

func (p *claudeProvider) Available() bool {
	return p.apiKey != "" && p.avail.ok()
}

func (p *claudeProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if p.apiKey == "" {
		return "", domain.ProviderError("claude", fmt.Errorf("no API key configured"))
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		p.avail.record(err)
		return "", domain.ProviderError("claude", err)
	}

	text := claudeText(resp.Content)
	if text == "" {
		return "", domain.ProviderError("claude", fmt.Errorf("no text in response"))
	}

	p.avail.record(nil)
	return text, nil
}

// claudeText concatenates the text blocks of a response. Tool-use and
// thinking blocks are skipped.
func claudeText(blocks []anthropic.ContentBlockUnion) string {
	var sb strings.Builder
	for _, block := range blocks {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// ---------------------------------------------------------------------------
// Gemini
// ---------------------------------------------------------------------------

type geminiProvider struct {
	apiKey string
	model  string
	client *genai.Client
	avail  *availability
}

// NewGemini creates the Google Gemini provider. A bad key surfaces on the
// first Generate call, not here.
func NewGemini(ctx context.Context, apiKey string) Provider {
	p := &geminiProvider{
		apiKey: apiKey,
		model:  "gemini-2.0-flash",
		avail:  newAvailability(),
	}
	if apiKey != "" {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err == nil {
			p.client = client
		}
	}
	return p
}

func (p *geminiProvider) Name() domain.ModelTag { return domain.ModelGemini }

func (p *geminiProvider) Available() bool {
	return p.apiKey != "" && p.client != nil && p.avail.ok()
}

func (p *geminiProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if p.client == nil {
		return "", domain.ProviderError("gemini", fmt.Errorf("client not initialized"))
	}

	var cfg *genai.GenerateContentConfig
	if maxTokens > 0 {
		cfg = &genai.GenerateContentConfig{MaxOutputTokens: int32(maxTokens)}
	}

	result, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), cfg)
	if err != nil {
		p.avail.record(err)
		return "", domain.ProviderError("gemini", err)
	}

	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", domain.ProviderError("gemini", fmt.Errorf("no content generated"))
	}

	var sb strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", domain.ProviderError("gemini", fmt.Errorf("no text in response"))
	}

	p.avail.record(nil)
	return strings.TrimSpace(sb.String()), nil
}
