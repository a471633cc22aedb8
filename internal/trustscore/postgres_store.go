package trustscore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/blockid/trustledger/internal/pda"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. Upserts lock the row
// with SELECT ... FOR UPDATE; a racing first insert loses with ErrConflict.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the trust_score_accounts table if it doesn't exist.
// Deployments that run cmd/migrate get the same table from migrations/.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trust_score_accounts (
			address    BYTEA PRIMARY KEY CHECK (octet_length(address) = 32),
			data       BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, addr pda.PublicKey) ([]byte, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT data FROM trust_score_accounts WHERE address = $1`, addr[:],
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return data, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, addr pda.PublicKey, fn UpsertFunc) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current []byte
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM trust_score_accounts WHERE address = $1 FOR UPDATE`, addr[:],
	).Scan(&current)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
		current = nil
	} else if err != nil {
		return fmt.Errorf("lock account: %w", err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	if exists {
		if _, err := tx.ExecContext(ctx,
			`UPDATE trust_score_accounts SET data = $2, updated_at = NOW() WHERE address = $1`,
			addr[:], next,
		); err != nil {
			return fmt.Errorf("update account: %w", err)
		}
	} else {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO trust_score_accounts (address, data) VALUES ($1, $2) ON CONFLICT (address) DO NOTHING`,
			addr[:], next,
		)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		if n == 0 {
			return ErrConflict
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
