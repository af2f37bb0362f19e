package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore requires a running Redis on localhost:6379 and skips
// otherwise.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, SessionPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewStore(client, "pair-test")
}

func TestStore_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := "test_lifecycle"

	require.NoError(t, s.Create(ctx, id))
	sess, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, StatusIdle, sess.Status)
	assert.Equal(t, "pair-test", sess.Server)

	require.NoError(t, s.SetMatching(ctx, id, "video|regular|dating|open"))
	sess, _ = s.Get(ctx, id)
	assert.Equal(t, StatusMatching, sess.Status)
	assert.Equal(t, "video|regular|dating|open", sess.PoolKey)

	require.NoError(t, s.SetRoom(ctx, id, "room-1"))
	sess, _ = s.Get(ctx, id)
	assert.Equal(t, StatusInRoom, sess.Status)
	assert.Equal(t, "room-1", sess.RoomID)
	assert.Empty(t, sess.PoolKey)

	require.NoError(t, s.SetIdle(ctx, id))
	sess, _ = s.Get(ctx, id)
	assert.Equal(t, StatusIdle, sess.Status)
	assert.Empty(t, sess.RoomID)

	require.NoError(t, s.Delete(ctx, id))
	sess, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestStore_TTLSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := "test_ttl"

	require.NoError(t, s.Create(ctx, id))
	ttl, err := s.client.TTL(ctx, SessionPrefix+id).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl.Seconds(), 0.0)
	assert.LessOrEqual(t, ttl, SessionTTL)

	require.NoError(t, s.client.Expire(ctx, SessionPrefix+id, time.Minute).Err())
	require.NoError(t, s.RefreshTTL(ctx, id))
	ttl, err = s.client.TTL(ctx, SessionPrefix+id).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute)
}
