//go:build integration

package trustscore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockid/trustledger/internal/testutil"
)

func TestPostgresStore_Conformance(t *testing.T) {
	db := testutil.PGTest(t)
	testStoreConformance(t, func(t *testing.T) Store {
		_, err := db.Exec("TRUNCATE trust_score_accounts")
		if err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return NewPostgresStore(db)
	})
}

func TestRedisStore_Conformance(t *testing.T) {
	client := testutil.RedisTest(t)
	testStoreConformance(t, func(t *testing.T) Store {
		if err := client.FlushDB(t.Context()).Err(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		return NewRedisStore(client)
	})
}

func TestRedisReplayGuard(t *testing.T) {
	client := testutil.RedisTest(t)
	ctx := t.Context()
	g := NewRedisReplayGuard(client)
	sig := []byte("signature")
	expires := time.Now().Add(time.Minute)

	ok, err := g.Reserve(ctx, sig, expires)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Reserve(ctx, sig, expires)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := client.TTL(ctx, g.key(sig)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	require.NoError(t, g.Release(ctx, sig))
	ok, err = g.Reserve(ctx, sig, expires)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgresReplayGuard_Integration(t *testing.T) {
	db := testutil.PGTest(t)
	ctx := t.Context()
	g := NewPostgresReplayGuard(db)
	require.NoError(t, g.Migrate(ctx))
	sig := []byte("signature")

	ok, err := g.Reserve(ctx, sig, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Reserve(ctx, sig, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	// An expired row is taken over.
	_, err = db.ExecContext(ctx, `UPDATE update_signatures SET expires_at = NOW() - INTERVAL '1 second'`)
	require.NoError(t, err)
	ok, err = g.Reserve(ctx, sig, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}
