package trustscore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard remembers the signatures of committed updates so a captured
// request cannot be submitted a second time while it is still fresh.
//
// The ledger reserves a signature inside the store's atomic section and
// releases it again if the write does not commit, so a client may resend the
// same request after ErrConflict.
type ReplayGuard interface {
	// Reserve claims sig until expires. It reports false when sig is already
	// held by a committed or in-flight update.
	Reserve(ctx context.Context, sig []byte, expires time.Time) (bool, error)
	// Release drops a reservation whose write did not commit.
	Release(ctx context.Context, sig []byte) error
}

var (
	_ ReplayGuard = (*MemoryReplayGuard)(nil)
	_ ReplayGuard = (*RedisReplayGuard)(nil)
	_ ReplayGuard = (*PostgresReplayGuard)(nil)
)

// UnboundedReplayRetention is how long signatures are kept when the ledger
// runs without a signature age limit.
const UnboundedReplayRetention = 24 * time.Hour

const replaySweepInterval = time.Minute

// MemoryReplayGuard is a process-local ReplayGuard. It only protects a single
// server instance; shared deployments use the Redis or Postgres guard.
type MemoryReplayGuard struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	now       func() time.Time
	lastSweep time.Time
}

// NewMemoryReplayGuard creates an in-memory guard. A nil now uses time.Now.
func NewMemoryReplayGuard(now func() time.Time) *MemoryReplayGuard {
	if now == nil {
		now = time.Now
	}
	return &MemoryReplayGuard{seen: make(map[string]time.Time), now: now}
}

func (g *MemoryReplayGuard) Reserve(_ context.Context, sig []byte, expires time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.lastSweep) >= replaySweepInterval {
		for k, exp := range g.seen {
			if !now.Before(exp) {
				delete(g.seen, k)
			}
		}
		g.lastSweep = now
	}

	key := string(sig)
	if exp, ok := g.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	g.seen[key] = expires
	return true, nil
}

func (g *MemoryReplayGuard) Release(_ context.Context, sig []byte) error {
	g.mu.Lock()
	delete(g.seen, string(sig))
	g.mu.Unlock()
	return nil
}

// Len returns the number of remembered signatures, expired ones included
// until the next sweep.
func (g *MemoryReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// DefaultRedisReplayPrefix namespaces signature keys.
const DefaultRedisReplayPrefix = "trustscore:sig:"

// RedisReplayGuard reserves signatures with SET NX and lets Redis expire them.
type RedisReplayGuard struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisReplayGuard creates a guard shared by every instance using client.
func NewRedisReplayGuard(client redis.UniversalClient) *RedisReplayGuard {
	return &RedisReplayGuard{client: client, prefix: DefaultRedisReplayPrefix, now: time.Now}
}

func (g *RedisReplayGuard) key(sig []byte) string {
	return g.prefix + hex.EncodeToString(sig)
}

func (g *RedisReplayGuard) Reserve(ctx context.Context, sig []byte, expires time.Time) (bool, error) {
	ttl := expires.Sub(g.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := g.client.SetNX(ctx, g.key(sig), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve signature: %w", err)
	}
	return ok, nil
}

func (g *RedisReplayGuard) Release(ctx context.Context, sig []byte) error {
	if err := g.client.Del(ctx, g.key(sig)).Err(); err != nil {
		return fmt.Errorf("release signature: %w", err)
	}
	return nil
}

// PostgresReplayGuard keeps signatures in the update_signatures table. An
// expired row is taken over by the next reservation of the same signature;
// Prune deletes the rest.
type PostgresReplayGuard struct {
	db *sql.DB
}

// NewPostgresReplayGuard creates a guard backed by db.
func NewPostgresReplayGuard(db *sql.DB) *PostgresReplayGuard {
	return &PostgresReplayGuard{db: db}
}

// Migrate creates the update_signatures table if it doesn't exist.
func (g *PostgresReplayGuard) Migrate(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS update_signatures (
			signature  BYTEA PRIMARY KEY,
			expires_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

func (g *PostgresReplayGuard) Reserve(ctx context.Context, sig []byte, expires time.Time) (bool, error) {
	result, err := g.db.ExecContext(ctx, `
		INSERT INTO update_signatures (signature, expires_at) VALUES ($1, $2)
		ON CONFLICT (signature) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE update_signatures.expires_at <= NOW()`,
		sig, expires,
	)
	if err != nil {
		return false, fmt.Errorf("reserve signature: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve signature: %w", err)
	}
	return n == 1, nil
}

func (g *PostgresReplayGuard) Release(ctx context.Context, sig []byte) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM update_signatures WHERE signature = $1`, sig); err != nil {
		return fmt.Errorf("release signature: %w", err)
	}
	return nil
}

// Prune deletes expired signatures and returns how many were removed.
func (g *PostgresReplayGuard) Prune(ctx context.Context) (int64, error) {
	result, err := g.db.ExecContext(ctx, `DELETE FROM update_signatures WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("prune signatures: %w", err)
	}
	return result.RowsAffected()
}
