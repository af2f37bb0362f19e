package likes

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func steppingClock() func() time.Time {
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestMemoryStore_MutualMarksBothSides(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, "a", "b", false))
	mutuals, err := s.Mutuals(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, mutuals)

	require.NoError(t, s.Record(ctx, "b", "a", true))

	mutuals, err = s.Mutuals(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, mutuals)
	mutuals, err = s.Mutuals(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, mutuals)
}

func TestMemoryStore_LikedNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	s.now = steppingClock()
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, "a", "b", false))
	require.NoError(t, s.Record(ctx, "a", "c", false))
	require.NoError(t, s.Record(ctx, "a", "d", false))

	liked, err := s.Liked(ctx, "a")
	require.NoError(t, err)
	require.Len(t, liked, 3)
	assert.Equal(t, "d", liked[0].To)
	assert.Equal(t, "b", liked[2].To)

	liked, err = s.Liked(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, liked)
}

func TestMemoryStore_RejectsSelf(t *testing.T) {
	assert.ErrorIs(t, NewMemoryStore().Record(context.Background(), "a", "a", false), ErrSelfLike)
}

// Postgres tests run only when TEST_DATABASE_URL points at a scratch
// database.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := Open(context.Background(), dsn, 1)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	// Migrating twice is a no-op.
	require.NoError(t, Migrate(db))
	return NewPostgresStore(db)
}

func TestPostgresStore_RecordAndMutuals(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	a, b := "test_"+uuid.NewString(), "test_"+uuid.NewString()

	require.NoError(t, s.Record(ctx, a, b, false))
	require.NoError(t, s.Record(ctx, b, a, true))
	// A repeated non-mutual like keeps the mutual flag.
	require.NoError(t, s.Record(ctx, a, b, false))

	mutuals, err := s.Mutuals(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, mutuals)

	liked, err := s.Liked(ctx, b)
	require.NoError(t, err)
	require.Len(t, liked, 1)
	assert.True(t, liked[0].Mutual)

	assert.ErrorIs(t, s.Record(ctx, a, a, false), ErrSelfLike)
}
