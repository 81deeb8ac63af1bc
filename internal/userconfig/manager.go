package userconfig

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// cacheTTL bounds staleness after an external write. Reads within the window
// may see the previous value; writes through the manager invalidate
// immediately.
const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	cfg      *domain.UserConfig
	loadedAt time.Time
}

// Manager serves assembled user configurations with a per-user TTL cache.
// Safe for concurrent use.
type Manager struct {
	repo *Repository
	log  zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewManager creates a configuration manager over the repository.
func NewManager(repo *Repository, log zerolog.Logger) *Manager {
	return &Manager{
		repo:  repo,
		log:   log.With().Str("component", "userconfig").Logger(),
		cache: map[string]cacheEntry{},
	}
}

// GetUserConfig returns the assembled configuration for one user, serving
// from cache when fresh.
func (m *Manager) GetUserConfig(ctx context.Context, userID string) (*domain.UserConfig, error) {
	m.mu.RLock()
	entry, ok := m.cache[userID]
	m.mu.RUnlock()
	if ok && time.Since(entry.loadedAt) < cacheTTL {
		return entry.cfg, nil
	}

	cfg, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[userID] = cacheEntry{cfg: cfg, loadedAt: time.Now()}
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) load(ctx context.Context, userID string) (*domain.UserConfig, error) {
	profile, err := m.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	stocks, err := m.repo.GetStocks(ctx, userID)
	if err != nil {
		return nil, err
	}
	model, err := m.repo.GetModel(ctx, userID)
	if err != nil {
		return nil, err
	}
	services, err := m.repo.GetServiceFlags(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &domain.UserConfig{
		Profile:  *profile,
		Stocks:   stocks,
		Model:    model,
		Services: services,
	}, nil
}

// CreateProfile registers a new user and returns the generated id.
func (m *Manager) CreateProfile(ctx context.Context, p domain.UserProfile) (string, error) {
	userID, err := m.repo.CreateProfile(ctx, p)
	if err != nil {
		return "", err
	}
	m.log.Info().Str("user_id", userID).Str("username", p.Username).Msg("user created")
	return userID, nil
}

// GetModel returns the user's model tag, falling back to the platform
// default on lookup failure so generation never blocks on configuration.
func (m *Manager) GetModel(ctx context.Context, userID string) (domain.ModelTag, error) {
	cfg, err := m.GetUserConfig(ctx, userID)
	if err != nil {
		return domain.DefaultModel, err
	}
	return cfg.Model, nil
}

// SetModel updates the user's model choice and invalidates the cache entry.
func (m *Manager) SetModel(ctx context.Context, userID string, tag domain.ModelTag) error {
	if err := m.repo.SetModel(ctx, userID, tag); err != nil {
		return err
	}
	m.invalidate(userID)
	return nil
}

// UpdateStocks replaces the user's watchlist.
func (m *Manager) UpdateStocks(ctx context.Context, userID string, stocks []domain.WatchlistEntry) error {
	if err := m.repo.ReplaceStocks(ctx, userID, stocks); err != nil {
		return err
	}
	m.invalidate(userID)
	return nil
}

// UpdateThresholds sets the similarity and impact thresholds.
func (m *Manager) UpdateThresholds(ctx context.Context, userID string, similarity, impact float64) error {
	if err := m.repo.UpdateThresholds(ctx, userID, similarity, impact); err != nil {
		return err
	}
	m.invalidate(userID)
	return nil
}

// UpdateServices sets the per-worker enable flags.
func (m *Manager) UpdateServices(ctx context.Context, userID string, flags domain.ServiceFlags) error {
	if err := m.repo.SetServiceFlags(ctx, userID, flags); err != nil {
		return err
	}
	m.invalidate(userID)
	return nil
}

// IsUserInterestedInStock reports whether the stock is on the user's
// watchlist and enabled.
func (m *Manager) IsUserInterestedInStock(ctx context.Context, userID, stockCode string) (bool, error) {
	cfg, err := m.GetUserConfig(ctx, userID)
	if err != nil {
		return false, err
	}
	return cfg.InterestedIn(stockCode), nil
}

// UsersWatching returns users with stockCode enabled on their watchlist.
// Uncached: fan-out decisions must see current subscriptions.
func (m *Manager) UsersWatching(ctx context.Context, stockCode string) ([]string, error) {
	return m.repo.UsersWatching(ctx, stockCode)
}

// AllUserIDs returns every registered user id.
func (m *Manager) AllUserIDs(ctx context.Context) ([]string, error) {
	return m.repo.AllUserIDs(ctx)
}

func (m *Manager) invalidate(userID string) {
	m.mu.Lock()
	delete(m.cache, userID)
	m.mu.Unlock()
}
