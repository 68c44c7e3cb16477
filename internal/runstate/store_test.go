package runstate

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andywarduk/mirrorurl/pkg/types"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	older := Snapshot{RunID: uuid.NewString(), StartURL: "http://example.com/", Status: StatusCompleted, CreatedAt: now.Add(-time.Minute)}
	newer := Snapshot{
		RunID:     uuid.NewString(),
		StartURL:  "http://example.org/",
		Status:    StatusRunning,
		CreatedAt: now,
		Report: types.Report{
			State:   types.StateRunning,
			Fetched: 3,
			Skipped: map[string]types.SkipReason{"http://example.org/x": types.HTTPStatus(404)},
		},
	}
	require.NoError(t, store.Save(ctx, older))
	require.NoError(t, store.Save(ctx, newer))

	got, err := store.Get(ctx, newer.RunID)
	require.NoError(t, err)
	assert.Equal(t, newer.StartURL, got.StartURL)
	assert.Equal(t, int64(3), got.Report.Fetched)
	assert.Equal(t, types.HTTPStatus(404), got.Report.Skipped["http://example.org/x"])

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.RunID, list[0].RunID)
	assert.Equal(t, older.RunID, list[1].RunID)

	newer.Status = StatusCompleted
	require.NoError(t, store.Save(ctx, newer))
	got, err = store.Get(ctx, newer.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	require.NoError(t, store.Remove(ctx, older.RunID))
	_, err = store.Get(ctx, older.RunID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	store, err := NewRedisStore(context.Background(), RedisConfig{Addr: addr, Key: "mirrorurl:test:" + uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.client.Del(context.Background(), store.key).Err()
		_ = store.Close()
	})
	exerciseStore(t, store)
}

func TestNewStoreFromEnvDefaultsToMemory(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	store, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
}

func TestNewStoreFromEnvRejectsBadDB(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("REDIS_DB", "zero")
	_, err := NewStoreFromEnv(context.Background())
	assert.Error(t, err)
}

func TestStatusActive(t *testing.T) {
	assert.True(t, StatusRunning.Active())
	assert.True(t, StatusCancelling.Active())
	assert.False(t, StatusCompleted.Active())
	assert.False(t, StatusFailed.Active())
}
