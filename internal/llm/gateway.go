package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// UserModels is the narrow capability the gateway needs from the user
// configuration manager: which model serves a given user.
type UserModels interface {
	GetModel(ctx context.Context, userID string) (domain.ModelTag, error)
}

// Config holds gateway tunables.
type Config struct {
	FallbackOrder  []domain.ModelTag
	Timeout        time.Duration // per provider call, default 30s
	MaxRetries     int           // per provider, default 3
	DefaultTTL     time.Duration // cache TTL when analysis type is unknown
	LocalCacheSize int
}

// Gateway resolves a user's model, serves cached results, and calls the
// chosen provider with retry and ordered fallback. One process-wide
// instance; initialize eagerly, tear down via Close.
type Gateway struct {
	registry *Registry
	users    UserModels
	cache    *resultCache
	cfg      Config
	log      zerolog.Logger

	// Per-cache-key locks: at most one generation runs for a given key;
	// concurrent callers wait and then read the cache. Entries are
	// refcounted and removed once the last holder releases.
	locks   map[string]*keyLock
	locksMu sync.Mutex
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Result is a generation outcome with the provider that served it.
type Result struct {
	Text     string          `json:"text"`
	Provider domain.ModelTag `json:"provider"`
	Cached   bool            `json:"cached"`
}

// NewGateway wires the gateway. redisClient may be nil (local cache only).
func NewGateway(registry *Registry, users UserModels, redisClient *redis.Client, cfg Config, log zerolog.Logger) (*Gateway, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}

	cache, err := newResultCache(redisClient, cfg.LocalCacheSize, log)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		registry: registry,
		users:    users,
		cache:    cache,
		cfg:      cfg,
		log:      log.With().Str("component", "llm_gateway").Logger(),
		locks:    map[string]*keyLock{},
	}, nil
}

// Generate produces text for the user's selected model, consulting the
// shared cache first. analysis selects the cache TTL.
func (g *Gateway) Generate(ctx context.Context, userID, prompt string, maxTokens int, analysis AnalysisType) (*Result, error) {
	if prompt == "" {
		return nil, domain.ValidationError("empty prompt")
	}

	tag := domain.DefaultModel
	if g.users != nil && userID != "" {
		resolved, err := g.users.GetModel(ctx, userID)
		if err != nil {
			g.log.Warn().Err(err).Str("user_id", userID).Msg("model lookup failed, using default")
		} else if domain.ValidModelTag(resolved) {
			tag = resolved
		}
	}

	key := CacheKey(tag, prompt, maxTokens)

	if result, ok := g.cache.get(ctx, key); ok {
		return &Result{Text: result.Text, Provider: domain.ModelTag(result.Provider), Cached: true}, nil
	}

	// The key lock is the only lock held across a network call, by design
	// of the concurrency guard: concurrent identical requests must not
	// duplicate provider spend.
	release := g.lockKey(key)
	defer release()

	// Another caller may have filled the cache while we waited.
	if result, ok := g.cache.get(ctx, key); ok {
		return &Result{Text: result.Text, Provider: domain.ModelTag(result.Provider), Cached: true}, nil
	}

	text, served, err := g.generateWithFallback(ctx, tag, prompt, maxTokens)
	if err != nil {
		return nil, err
	}

	g.cache.set(ctx, key, cachedResult{Text: text, Provider: string(served)}, TTLFor(analysis, g.cfg.DefaultTTL))

	return &Result{Text: text, Provider: served}, nil
}

// generateWithFallback tries the chosen provider with retries, then walks
// the configured fallback order once each.
func (g *Gateway) generateWithFallback(ctx context.Context, tag domain.ModelTag, prompt string, maxTokens int) (string, domain.ModelTag, error) {
	text, err := g.callProvider(ctx, tag, prompt, maxTokens, g.cfg.MaxRetries)
	if err == nil {
		return text, tag, nil
	}
	lastErr := err

	for _, fallback := range g.cfg.FallbackOrder {
		if fallback == tag {
			continue
		}
		text, err := g.callProvider(ctx, fallback, prompt, maxTokens, 1)
		if err == nil {
			g.log.Info().
				Str("requested", string(tag)).
				Str("served_by", string(fallback)).
				Msg("provider fallback served request")
			return text, fallback, nil
		}
		lastErr = err
	}

	return "", "", fmt.Errorf("all providers failed: %w", lastErr)
}

func (g *Gateway) callProvider(ctx context.Context, tag domain.ModelTag, prompt string, maxTokens, attempts int) (string, error) {
	provider := g.registry.Get(tag)
	if provider == nil {
		return "", domain.ProviderError(string(tag), fmt.Errorf("not registered"))
	}
	if !provider.Available() {
		return "", domain.ProviderError(string(tag), fmt.Errorf("unavailable"))
	}

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		text, err := provider.Generate(callCtx, prompt, maxTokens)
		cancel()

		if err == nil {
			return text, nil
		}
		lastErr = err

		// Retry only transient failures (5xx, timeouts); bad requests
		// will not get better.
		if !errors.Is(err, domain.ErrProvider) && !errors.Is(err, domain.ErrTimeout) &&
			!errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return "", lastErr
}

// lockKey acquires the per-key lock and returns its release func. The map
// entry is dropped when the last waiter releases, so the map stays bounded
// by in-flight generations.
func (g *Gateway) lockKey(key string) func() {
	g.locksMu.Lock()
	lock, ok := g.locks[key]
	if !ok {
		lock = &keyLock{}
		g.locks[key] = lock
	}
	lock.refs++
	g.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		g.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(g.locks, key)
		}
		g.locksMu.Unlock()
	}
}

// AvailableModels lists the providers currently able to serve requests.
func (g *Gateway) AvailableModels() []domain.ModelTag {
	return g.registry.Available()
}
