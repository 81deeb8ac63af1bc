package notify

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// digestWindow is the at-most-once horizon: the same event digest is not
// redelivered to a user within it.
const digestWindow = 24 * time.Hour

// Users is the slice of the configuration manager the dispatcher needs.
type Users interface {
	UsersWatching(ctx context.Context, stockCode string) ([]string, error)
	AllUserIDs(ctx context.Context) ([]string, error)
	GetUserConfig(ctx context.Context, userID string) (*domain.UserConfig, error)
}

// Dispatcher fans one event out to eligible users. Safe for concurrent use.
type Dispatcher struct {
	db        *sql.DB
	users     Users
	transport Transport
	log       zerolog.Logger
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(db *sql.DB, users Users, transport Transport, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		db:        db,
		users:     users,
		transport: transport,
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch resolves candidates for the event and delivers to each eligible
// user. Per-user failures are logged and do not abort the fan-out; the
// returned count is successful deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.Event) (int, error) {
	candidates, err := d.candidates(ctx, ev)
	if err != nil {
		return 0, err
	}

	digest := EventDigest(ev)
	sent := 0
	for _, userID := range candidates {
		ok, err := d.dispatchOne(ctx, ev, userID, digest)
		if err != nil {
			d.log.Error().Err(err).
				Str("kind", string(ev.Kind)).
				Str("user_id", userID).
				Msg("delivery failed")
			continue
		}
		if ok {
			sent++
		}
	}

	d.log.Info().
		Str("kind", string(ev.Kind)).
		Str("stock_code", ev.StockCode).
		Int("candidates", len(candidates)).
		Int("sent", sent).
		Msg("event dispatched")
	return sent, nil
}

// candidates enumerates users for the event. Stock-scoped kinds go to
// watchers; system and error kinds go to everyone.
func (d *Dispatcher) candidates(ctx context.Context, ev domain.Event) ([]string, error) {
	if ev.Kind == domain.KindSystem || ev.Kind == domain.KindError || ev.StockCode == "" {
		ids, err := d.users.AllUserIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate users: %w", err)
		}
		return ids, nil
	}
	ids, err := d.users.UsersWatching(ctx, ev.StockCode)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate watchers: %w", err)
	}
	return ids, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, ev domain.Event, userID, digest string) (bool, error) {
	cfg, err := d.users.GetUserConfig(ctx, userID)
	if err != nil {
		return false, err
	}

	if !d.kindEnabled(cfg, ev.Kind) {
		return false, nil
	}
	if !d.passesThreshold(cfg, ev) {
		return false, nil
	}

	dup, err := d.recentlyDelivered(ctx, userID, digest)
	if err != nil {
		// The digest check fails open: a missed lookup must not silence
		// an alert.
		d.log.Warn().Err(err).Msg("digest lookup failed")
	} else if dup {
		return false, nil
	}

	text := Render(ev)
	status := "sent"
	if err := d.deliver(ctx, userID, text); err != nil {
		status = "failed"
		d.recordDelivery(ctx, ev.Kind, userID, status, text, digest)
		return false, err
	}
	d.recordDelivery(ctx, ev.Kind, userID, status, text, digest)
	return true, nil
}

func (d *Dispatcher) kindEnabled(cfg *domain.UserConfig, kind domain.EventKind) bool {
	switch kind {
	case domain.KindNews:
		return cfg.Services.News
	case domain.KindDisclosure:
		return cfg.Services.Disclosure
	case domain.KindChart:
		return cfg.Services.Chart
	case domain.KindFlow:
		return cfg.Services.Flow
	case domain.KindReport:
		return cfg.Services.Report
	default:
		// Operational kinds are always on.
		return true
	}
}

// passesThreshold applies the kind-specific score gates.
func (d *Dispatcher) passesThreshold(cfg *domain.UserConfig, ev domain.Event) bool {
	switch ev.Kind {
	case domain.KindNews, domain.KindDisclosure:
		score, ok := floatField(ev.Payload, "impact_score")
		if !ok {
			return true
		}
		return score >= cfg.Profile.NewsImpactThreshold
	default:
		return true
	}
}

// deliver attempts the transport with the fixed backoff ladder.
func (d *Dispatcher) deliver(ctx context.Context, userID, text string) error {
	var lastErr error
	for attempt := 0; attempt <= len(retryBackoffs); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
			case <-time.After(retryBackoffs[attempt-1]):
			}
		}
		if err := d.transport.Send(ctx, userID, text); err != nil {
			lastErr = err
			if !domain.IsRetryable(err) {
				return err
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (d *Dispatcher) recentlyDelivered(ctx context.Context, userID, digest string) (bool, error) {
	cutoff := time.Now().Add(-digestWindow).Unix()
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deliveries
		WHERE user_id = ? AND digest = ? AND sent_at >= ? AND status = 'sent'
	`, userID, digest, cutoff).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check digest: %w", err)
	}
	return n > 0, nil
}

func (d *Dispatcher) recordDelivery(ctx context.Context, kind domain.EventKind, userID, status, text, digest string) {
	hash := sha1.Sum([]byte(text))
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO deliveries (kind, user_id, status, sent_at, message_hash, digest)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(kind), userID, status, time.Now().Unix(), hex.EncodeToString(hash[:]), digest)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to record delivery")
	}
}

// EventDigest identifies an event for the at-most-once window. The payload is
// canonicalized via JSON (map keys sort on encode) so logically equal events
// collapse to one digest.
func EventDigest(ev domain.Event) string {
	canonical, err := json.Marshal(ev.Payload)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", ev.Payload))
	}
	h := sha1.New()
	h.Write([]byte(ev.Kind))
	h.Write([]byte(ev.StockCode))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))[:20]
}

func floatField(payload map[string]any, key string) (float64, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
