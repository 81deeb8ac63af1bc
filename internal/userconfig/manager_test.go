package userconfig

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/hyperasset/internal/database"
	"github.com/hyperasset/hyperasset/internal/domain"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "core.db"),
		Profile: database.ProfileEvents,
		Name:    "core-test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return NewManager(NewRepository(db.Conn(), zerolog.Nop()), zerolog.Nop())
}

func createUser(t *testing.T, m *Manager, phone string) string {
	t.Helper()
	userID, err := m.CreateProfile(context.Background(), domain.UserProfile{
		Username:    "tester",
		PhoneNumber: phone,
	})
	require.NoError(t, err)
	return userID
}

func TestManager_CreateProfile_AppliesDefaults(t *testing.T) {
	m := newTestManager(t)
	userID := createUser(t, m, "010-1234-5678")

	cfg, err := m.GetUserConfig(context.Background(), userID)
	require.NoError(t, err)

	assert.Equal(t, DefaultSimilarityThreshold, cfg.Profile.NewsSimilarityThreshold)
	assert.Equal(t, DefaultImpactThreshold, cfg.Profile.NewsImpactThreshold)
	assert.Equal(t, domain.DefaultModel, cfg.Model)
	// New users start with every service enabled.
	assert.Len(t, cfg.Services.Enabled(), len(domain.AllServices))
}

func TestManager_CreateProfile_DuplicatePhone(t *testing.T) {
	m := newTestManager(t)
	createUser(t, m, "010-1234-5678")

	_, err := m.CreateProfile(context.Background(), domain.UserProfile{
		Username:    "other",
		PhoneNumber: "010-1234-5678",
	})
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestManager_CreateProfile_RequiresIdentity(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateProfile(context.Background(), domain.UserProfile{Username: "x"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestManager_GetUserConfig_UnknownUser(t *testing.T) {
	m := newTestManager(t)
	_, err := m.GetUserConfig(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestManager_UpdateStocks_ReplacesAndInvalidates(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	userID := createUser(t, m, "010-1111-2222")

	require.NoError(t, m.UpdateStocks(ctx, userID, []domain.WatchlistEntry{
		{StockCode: "005930", StockName: "삼성전자", Enabled: true},
		{StockCode: "000660", StockName: "SK하이닉스", Enabled: false},
	}))

	cfg, err := m.GetUserConfig(ctx, userID)
	require.NoError(t, err)
	require.Len(t, cfg.Stocks, 2)
	assert.True(t, cfg.InterestedIn("005930"))
	assert.False(t, cfg.InterestedIn("000660")) // disabled
	assert.False(t, cfg.InterestedIn("035720")) // unknown

	// A replace drops the old set entirely.
	require.NoError(t, m.UpdateStocks(ctx, userID, []domain.WatchlistEntry{
		{StockCode: "035720", StockName: "카카오", Enabled: true},
	}))
	cfg, err = m.GetUserConfig(ctx, userID)
	require.NoError(t, err)
	require.Len(t, cfg.Stocks, 1)
	assert.True(t, cfg.InterestedIn("035720"))
}

func TestManager_SetModel_RoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	userID := createUser(t, m, "010-1111-2222")

	require.NoError(t, m.SetModel(ctx, userID, domain.ModelClaude))
	tag, err := m.GetModel(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModelClaude, tag)

	assert.Error(t, m.SetModel(ctx, userID, domain.ModelTag("gpt-99")))
}

func TestManager_UpdateThresholds_Bounds(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	userID := createUser(t, m, "010-1111-2222")

	require.NoError(t, m.UpdateThresholds(ctx, userID, 0.6, 0.4))
	cfg, err := m.GetUserConfig(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 0.6, cfg.Profile.NewsSimilarityThreshold)
	assert.Equal(t, 0.4, cfg.Profile.NewsImpactThreshold)

	assert.ErrorIs(t, m.UpdateThresholds(ctx, userID, 1.5, 0.4), domain.ErrValidation)
	assert.ErrorIs(t, m.UpdateThresholds(ctx, userID, 0.5, -0.1), domain.ErrValidation)
}

func TestManager_UpdateServices_Persists(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	userID := createUser(t, m, "010-1111-2222")

	require.NoError(t, m.UpdateServices(ctx, userID, domain.ServiceFlags{
		News:  true,
		Chart: true,
	}))

	cfg, err := m.GetUserConfig(ctx, userID)
	require.NoError(t, err)
	assert.True(t, cfg.Services.IsEnabled(domain.ServiceNews))
	assert.True(t, cfg.Services.IsEnabled(domain.ServiceChart))
	assert.False(t, cfg.Services.IsEnabled(domain.ServiceDisclosure))
	assert.False(t, cfg.Services.IsEnabled(domain.ServiceReport))
	assert.False(t, cfg.Services.IsEnabled(domain.ServiceFlow))
}

func TestManager_UsersWatching_OnlyEnabledSubscriptions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	alice := createUser(t, m, "010-1111-2222")
	bob := createUser(t, m, "010-3333-4444")

	require.NoError(t, m.UpdateStocks(ctx, alice, []domain.WatchlistEntry{
		{StockCode: "005930", Enabled: true},
	}))
	require.NoError(t, m.UpdateStocks(ctx, bob, []domain.WatchlistEntry{
		{StockCode: "005930", Enabled: false},
	}))

	watching, err := m.UsersWatching(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, []string{alice}, watching)

	all, err := m.AllUserIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice, bob}, all)
}
