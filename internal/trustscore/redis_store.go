package trustscore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/blockid/trustledger/internal/pda"
)

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// DefaultRedisKeyPrefix namespaces account keys.
const DefaultRedisKeyPrefix = "trustscore:account:"

// RedisStore implements Store on Redis using WATCH/MULTI. A write that lands
// between the watched read and EXEC fails the transaction with ErrConflict.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed account store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: DefaultRedisKeyPrefix}
}

func (r *RedisStore) key(addr pda.PublicKey) string {
	return r.prefix + addr.String()
}

func (r *RedisStore) Get(ctx context.Context, addr pda.PublicKey) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(addr)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return data, nil
}

func (r *RedisStore) Upsert(ctx context.Context, addr pda.PublicKey, fn UpsertFunc) error {
	key := r.key(addr)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return fmt.Errorf("get account: %w", err)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}
