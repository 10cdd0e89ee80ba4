package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test-recovery", 0)
}

func storeImplementations(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  newRedisStore(t),
	}
}

func sampleRecord(playerID string, ts time.Time) *Record {
	return &Record{
		SessionID: "sess-" + playerID,
		PlayerID:  playerID,
		LastKnownState: State{
			Zone:          "crystal_caves",
			Position:      Position{X: 12.5, Y: 3, Z: -7},
			ClientVersion: "1.4.2",
		},
		PendingChanges: []Action{
			{ID: "a1", Type: "trade:completed", Payload: json.RawMessage(`{"coins":10}`), EnqueuedAt: ts},
			{ID: "a2", Type: "mail:received", EnqueuedAt: ts},
		},
		Timestamp: ts,
	}
}

func TestStorePersistLoad(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			rec := sampleRecord("p1", now)
			require.NoError(t, store.Persist(ctx, rec))

			got, err := store.Load(ctx, "p1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, rec.LastKnownState, got.LastKnownState)
			assert.Len(t, got.PendingChanges, len(rec.PendingChanges))
			assert.Equal(t, "a1", got.PendingChanges[0].ID)
			assert.Equal(t, "a2", got.PendingChanges[1].ID)

			// Load is non-destructive.
			again, err := store.Load(ctx, "p1")
			require.NoError(t, err)
			assert.NotNil(t, again)
		})
	}
}

func TestStoreLoadMissing(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			got, err := store.Load(context.Background(), "nobody")
			assert.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStorePersistOverwrites(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			first := sampleRecord("p1", now)
			require.NoError(t, store.Persist(ctx, first))

			second := sampleRecord("p1", now.Add(time.Second))
			second.SessionID = "sess-2"
			second.LastKnownState.Zone = "sky_harbor"
			second.PendingChanges = nil
			require.NoError(t, store.Persist(ctx, second))

			got, err := store.Load(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, "sess-2", got.SessionID)
			assert.Equal(t, "sky_harbor", got.LastKnownState.Zone)
			assert.Empty(t, got.PendingChanges)
		})
	}
}

func TestStoreRejectsMissingPlayer(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, store.Persist(context.Background(), &Record{SessionID: "s"}))
		})
	}
}

func TestStoreDeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Persist(ctx, sampleRecord("old", now.Add(-2*time.Hour))))
			require.NoError(t, store.Persist(ctx, sampleRecord("fresh", now)))

			removed, err := store.DeleteOlderThan(ctx, now.Add(-time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			old, err := store.Load(ctx, "old")
			require.NoError(t, err)
			assert.Nil(t, old)

			fresh, err := store.Load(ctx, "fresh")
			require.NoError(t, err)
			assert.NotNil(t, fresh)

			removed, err = store.DeleteOlderThan(ctx, now.Add(-time.Hour))
			require.NoError(t, err)
			assert.Zero(t, removed)
		})
	}
}

func TestStoreConcurrentPersist(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					rec := sampleRecord("p1", now.Add(time.Duration(i)*time.Millisecond))
					rec.SessionID = fmt.Sprintf("sess-%d", i)
					assert.NoError(t, store.Persist(ctx, rec))
				}(i)
			}
			wg.Wait()

			got, err := store.Load(ctx, "p1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Contains(t, got.SessionID, "sess-")
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	rec := sampleRecord("p1", time.Now())
	require.NoError(t, store.Persist(context.Background(), rec))

	rec.PendingChanges[0].ID = "mutated"
	got, err := store.Load(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.PendingChanges[0].ID)

	got.PendingChanges[1].ID = "mutated"
	again, _ := store.Load(context.Background(), "p1")
	assert.Equal(t, "a2", again.PendingChanges[1].ID)
	assert.Equal(t, 1, store.Len())
}

func TestRedisStoreTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, "", time.Minute)
	require.NoError(t, store.Persist(context.Background(), sampleRecord("p1", time.Now())))

	assert.True(t, mr.Exists("recovery:p1"))
	assert.Equal(t, time.Minute, mr.TTL("recovery:p1"))

	mr.FastForward(2 * time.Minute)
	got, err := store.Load(context.Background(), "p1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
