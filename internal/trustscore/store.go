//go:generate go run go.uber.org/mock/mockgen -source store.go -destination mock_store.go -package trustscore

package trustscore

import (
	"context"

	"github.com/blockid/trustledger/internal/pda"
)

// UpsertFunc receives the current account bytes at an address (nil when the
// address is empty) and returns the bytes to store. Returning an error aborts
// the write and leaves the account untouched.
type UpsertFunc func(current []byte) ([]byte, error)

// Store persists encoded trust score accounts keyed by derived address.
//
// Upsert must run fn and the write as one unit per address: concurrent
// upserts of the same address either serialize (fn sees the winner's bytes)
// or the loser fails with ErrConflict. Stores never retry.
type Store interface {
	Get(ctx context.Context, addr pda.PublicKey) ([]byte, error)
	Upsert(ctx context.Context, addr pda.PublicKey, fn UpsertFunc) error
}
