package trustscore

import (
	"context"
	"errors"

	"github.com/blockid/trustledger/internal/circuitbreaker"
	"github.com/blockid/trustledger/internal/pda"
)

var _ Store = (*GuardedStore)(nil)

// GuardedStore fails fast with circuitbreaker.ErrOpen while its backend keeps
// erroring. Ledger errors (not found, conflict, rejected updates) are normal
// outcomes and never trip the circuit.
type GuardedStore struct {
	inner   Store
	breaker *circuitbreaker.Breaker
	key     string
}

// NewGuardedStore wraps inner. key names the backend in breaker state and
// metrics, e.g. "postgres".
func NewGuardedStore(inner Store, breaker *circuitbreaker.Breaker, key string) *GuardedStore {
	return &GuardedStore{inner: inner, breaker: breaker, key: key}
}

func (s *GuardedStore) Get(ctx context.Context, addr pda.PublicKey) ([]byte, error) {
	var data []byte
	err := s.breaker.Do(s.key, backendFailure, func() error {
		var err error
		data, err = s.inner.Get(ctx, addr)
		return err
	})
	return data, err
}

func (s *GuardedStore) Upsert(ctx context.Context, addr pda.PublicKey, fn UpsertFunc) error {
	return s.breaker.Do(s.key, backendFailure, func() error {
		return s.inner.Upsert(ctx, addr, fn)
	})
}

// backendFailure reports whether err says something about backend health.
func backendFailure(err error) bool {
	if _, coded := AsError(err); coded {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
