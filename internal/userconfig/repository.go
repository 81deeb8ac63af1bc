// Package userconfig is the authoritative in-process view of users: profile,
// watchlist, model choice and enabled-service flags, with a short TTL cache
// in front of the relational store.
package userconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// Documented defaults applied when a user row is missing optional fields.
const (
	DefaultSimilarityThreshold = 0.7
	DefaultImpactThreshold     = 0.8
)

// Repository handles user database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new user repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "users").Logger(),
	}
}

// CreateProfile inserts a new user and returns the generated user_id.
// Phone numbers are unique; a collision returns ErrDuplicate.
func (r *Repository) CreateProfile(ctx context.Context, p domain.UserProfile) (string, error) {
	if p.Username == "" || p.PhoneNumber == "" {
		return "", domain.ValidationError("username and phone_number are required")
	}
	if p.NewsSimilarityThreshold == 0 {
		p.NewsSimilarityThreshold = DefaultSimilarityThreshold
	}
	if p.NewsImpactThreshold == 0 {
		p.NewsImpactThreshold = DefaultImpactThreshold
	}

	userID := uuid.NewString()
	now := time.Now().Unix()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (user_id, username, phone_number, news_similarity_threshold, news_impact_threshold, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, userID, p.Username, p.PhoneNumber, p.NewsSimilarityThreshold, p.NewsImpactThreshold, now, now)
	if err != nil {
		if isUnique(err) {
			return "", fmt.Errorf("%w: phone number %s", domain.ErrDuplicate, p.PhoneNumber)
		}
		return "", fmt.Errorf("failed to create user: %w", err)
	}

	// New users start with every service enabled.
	if _, err := r.db.ExecContext(ctx,
		"INSERT INTO user_services (user_id) VALUES (?)", userID); err != nil {
		return "", fmt.Errorf("failed to create service flags: %w", err)
	}

	return userID, nil
}

// GetProfile loads one user profile. Returns ErrNotFound when absent.
func (r *Repository) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	var p domain.UserProfile
	var created, updated int64
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, username, phone_number, news_similarity_threshold, news_impact_threshold, created_at, updated_at
		FROM users WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.Username, &p.PhoneNumber, &p.NewsSimilarityThreshold, &p.NewsImpactThreshold, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	p.CreatedAt = time.Unix(created, 0)
	p.UpdatedAt = time.Unix(updated, 0)
	return &p, nil
}

// UpdateThresholds upserts the two scoring thresholds.
func (r *Repository) UpdateThresholds(ctx context.Context, userID string, similarity, impact float64) error {
	if similarity < 0 || similarity > 1 || impact < 0 || impact > 1 {
		return domain.ValidationError("thresholds must be in [0,1]")
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET news_similarity_threshold = ?, news_impact_threshold = ?, updated_at = ?
		WHERE user_id = ?
	`, similarity, impact, time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("failed to update thresholds: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user %s", domain.ErrNotFound, userID)
	}
	return nil
}

// GetStocks returns the user's watchlist.
func (r *Repository) GetStocks(ctx context.Context, userID string) ([]domain.WatchlistEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, stock_code, stock_name, enabled
		FROM user_stocks WHERE user_id = ? ORDER BY stock_code
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get stocks: %w", err)
	}
	defer rows.Close()

	var out []domain.WatchlistEntry
	for rows.Next() {
		var e domain.WatchlistEntry
		var enabled int
		if err := rows.Scan(&e.UserID, &e.StockCode, &e.StockName, &enabled); err != nil {
			return nil, err
		}
		e.Enabled = enabled != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplaceStocks overwrites the user's watchlist atomically.
func (r *Repository) ReplaceStocks(ctx context.Context, userID string, stocks []domain.WatchlistEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM user_stocks WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to clear stocks: %w", err)
	}
	for _, s := range stocks {
		if s.StockCode == "" {
			return domain.ValidationError("empty stock_code")
		}
		enabled := 0
		if s.Enabled {
			enabled = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_stocks (user_id, stock_code, stock_name, enabled)
			VALUES (?, ?, ?, ?)
		`, userID, s.StockCode, s.StockName, enabled); err != nil {
			return fmt.Errorf("failed to insert stock %s: %w", s.StockCode, err)
		}
	}
	return tx.Commit()
}

// GetModel returns the user's model tag, defaulting when absent.
func (r *Repository) GetModel(ctx context.Context, userID string) (domain.ModelTag, error) {
	var tag string
	err := r.db.QueryRowContext(ctx,
		"SELECT model_tag FROM user_models WHERE user_id = ?", userID).Scan(&tag)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultModel, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get model: %w", err)
	}
	if !domain.ValidModelTag(domain.ModelTag(tag)) {
		return domain.DefaultModel, nil
	}
	return domain.ModelTag(tag), nil
}

// SetModel upserts the user's model tag.
func (r *Repository) SetModel(ctx context.Context, userID string, tag domain.ModelTag) error {
	if !domain.ValidModelTag(tag) {
		return domain.ValidationError("unknown model %q", tag)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_models (user_id, model_tag, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			model_tag = excluded.model_tag,
			updated_at = excluded.updated_at
	`, userID, string(tag), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set model: %w", err)
	}
	return nil
}

// GetServiceFlags returns the user's per-worker flags, defaulting to all
// enabled when no row exists.
func (r *Repository) GetServiceFlags(ctx context.Context, userID string) (domain.ServiceFlags, error) {
	var f domain.ServiceFlags
	var news, disclosure, chart, report, flow int
	err := r.db.QueryRowContext(ctx, `
		SELECT news, disclosure, chart, report, flow FROM user_services WHERE user_id = ?
	`, userID).Scan(&news, &disclosure, &chart, &report, &flow)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ServiceFlags{News: true, Disclosure: true, Chart: true, Report: true, Flow: true}, nil
	}
	if err != nil {
		return f, fmt.Errorf("failed to get service flags: %w", err)
	}
	f.News, f.Disclosure, f.Chart, f.Report, f.Flow =
		news != 0, disclosure != 0, chart != 0, report != 0, flow != 0
	return f, nil
}

// SetServiceFlags upserts the user's per-worker flags.
func (r *Repository) SetServiceFlags(ctx context.Context, userID string, f domain.ServiceFlags) error {
	b := func(v bool) int {
		if v {
			return 1
		}
		return 0
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_services (user_id, news, disclosure, chart, report, flow)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			news = excluded.news,
			disclosure = excluded.disclosure,
			chart = excluded.chart,
			report = excluded.report,
			flow = excluded.flow
	`, userID, b(f.News), b(f.Disclosure), b(f.Chart), b(f.Report), b(f.Flow))
	if err != nil {
		return fmt.Errorf("failed to set service flags: %w", err)
	}
	return nil
}

// UsersWatching returns the ids of users with stockCode enabled.
func (r *Repository) UsersWatching(ctx context.Context, stockCode string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT user_id FROM user_stocks WHERE stock_code = ? AND enabled = 1", stockCode)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate watchers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AllUserIDs returns every user id.
func (r *Repository) AllUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT user_id FROM users ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func isUnique(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint") ||
		strings.Contains(err.Error(), "constraint failed"))
}
