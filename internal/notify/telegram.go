// Package notify routes typed events to users: candidate enumeration by
// stock, per-kind flags and thresholds, total message templates, telegram
// delivery with retry, and an at-most-once digest guard.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// Transport delivers one rendered message to a user's channel.
type Transport interface {
	Send(ctx context.Context, userID, text string) error
}

// retryBackoffs are the waits between delivery attempts.
var retryBackoffs = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// TelegramConfig configures the bot transport. ChatID is the shared channel
// fallback when a user has no dedicated chat mapping.
type TelegramConfig struct {
	BotToken  string
	ChatID    string
	ParseMode string // "HTML" or "MarkdownV2"; empty for plain text
}

// Telegram sends messages through the Bot API sendMessage endpoint.
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client
	log    zerolog.Logger
}

// NewTelegram creates the telegram transport.
func NewTelegram(cfg TelegramConfig, log zerolog.Logger) *Telegram {
	return &Telegram{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log.With().Str("component", "telegram").Logger(),
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts the message once. Retry policy lives in the dispatcher.
func (t *Telegram) Send(ctx context.Context, userID, text string) error {
	if t.cfg.BotToken == "" {
		return domain.ConfigError("telegram bot token not configured")
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:    t.cfg.ChatID,
		Text:      text,
		ParseMode: t.cfg.ParseMode,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}

	url := "https://api.telegram.org/bot" + t.cfg.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: telegram: %v", domain.ErrConnection, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: telegram status %d", domain.ErrConnection, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram rejected message: status %d: %s", resp.StatusCode, raw)
	}

	var parsed sendMessageResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && !parsed.OK {
		return fmt.Errorf("telegram rejected message: %s", parsed.Description)
	}

	t.log.Debug().Str("user_id", userID).Int("bytes", len(text)).Msg("message delivered")
	return nil
}
