package cache

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab-verification-service/internal/domain"
	"github.com/lab-verification-service/internal/repository/memory"
)

type countingRepo struct {
	*memory.Store
	gets int
}

func (r *countingRepo) GetSettings(ctx context.Context, tenantID, testCode string) (*domain.AutoVerificationSettings, error) {
	r.gets++
	return r.Store.GetSettings(ctx, tenantID, testCode)
}

func setupCache(t *testing.T) (*SettingsCache, *countingRepo) {
	t.Helper()
	repo := &countingRepo{Store: memory.NewStore()}
	require.NoError(t, repo.CreateSettings(context.Background(), &domain.AutoVerificationSettings{
		TenantID:          "tenant-1",
		TestCode:          "NA",
		ReferenceLow:      domain.Float(135),
		ReferenceHigh:     domain.Float(145),
		DeltaLookbackDays: 30,
	}))

	logger, _ := test.NewNullLogger()
	c, err := NewSettingsCache(repo, nil, Config{MaxItems: 10, MemoryTTL: time.Minute}, logger)
	require.NoError(t, err)
	return c, repo
}

func TestSettingsCache_MemoryHit(t *testing.T) {
	c, repo := setupCache(t)
	ctx := context.Background()

	first, err := c.Settings(ctx, "tenant-1", "NA")
	require.NoError(t, err)
	second, err := c.Settings(ctx, "tenant-1", "NA")
	require.NoError(t, err)

	assert.Equal(t, 1, repo.gets)
	assert.Equal(t, *first.ReferenceLow, *second.ReferenceLow)

	stats := c.GetStats()
	assert.Equal(t, int64(1), stats.MemoryHits)
	assert.Equal(t, int64(1), stats.Loads)
}

func TestSettingsCache_ReturnsCopies(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	first, err := c.Settings(ctx, "tenant-1", "NA")
	require.NoError(t, err)
	*first.ReferenceLow = 0

	second, err := c.Settings(ctx, "tenant-1", "NA")
	require.NoError(t, err)
	assert.Equal(t, 135.0, *second.ReferenceLow)
}

func TestSettingsCache_Expiry(t *testing.T) {
	c, repo := setupCache(t)
	ctx := context.Background()

	now := time.Date(2026, 5, 2, 14, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.Settings(ctx, "tenant-1", "NA")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = c.Settings(ctx, "tenant-1", "NA")
	require.NoError(t, err)

	assert.Equal(t, 2, repo.gets)
}

func TestSettingsCache_Invalidate(t *testing.T) {
	c, repo := setupCache(t)
	ctx := context.Background()

	_, err := c.Settings(ctx, "tenant-1", "NA")
	require.NoError(t, err)

	updated, err := repo.Store.GetSettings(ctx, "tenant-1", "NA")
	require.NoError(t, err)
	updated.ReferenceHigh = domain.Float(150)
	require.NoError(t, repo.UpdateSettings(ctx, updated))
	require.NoError(t, c.Invalidate(ctx, "tenant-1", "NA"))

	got, err := c.Settings(ctx, "tenant-1", "NA")
	require.NoError(t, err)
	assert.Equal(t, 150.0, *got.ReferenceHigh)
	assert.Equal(t, 2, repo.gets)
}

func TestSettingsCache_MissNotCached(t *testing.T) {
	c, repo := setupCache(t)
	ctx := context.Background()

	_, err := c.Settings(ctx, "tenant-1", "K")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.CreateSettings(ctx, &domain.AutoVerificationSettings{
		TenantID: "tenant-1", TestCode: "K", DeltaLookbackDays: 30,
	}))

	got, err := c.Settings(ctx, "tenant-1", "K")
	require.NoError(t, err)
	assert.Equal(t, "K", got.TestCode)
	assert.Equal(t, int64(0), c.GetStats().Errors)
}

func TestSettingsCache_TenantIsolation(t *testing.T) {
	c, _ := setupCache(t)

	_, err := c.Settings(context.Background(), "tenant-2", "NA")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, c.Ping(context.Background()))
}
