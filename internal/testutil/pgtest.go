//go:build integration

// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/blockid/trustledger/migrations"
)

// PGTest opens a test database, applies the embedded migrations and returns
// the *sql.DB. When POSTGRES_URL is set that database is used; otherwise a
// throwaway postgres container is started. Tables are truncated and the
// container is terminated on test cleanup.
//
//	db := testutil.PGTest(t)
func PGTest(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("trustledger"),
			tcpostgres.WithUsername("trustledger"),
			tcpostgres.WithPassword("trustledger"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			t.Fatalf("pgtest: start postgres container: %v", err)
		}
		t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

		dbURL, err = ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("pgtest: connection string: %v", err)
		}
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), "TRUNCATE trust_score_accounts")
		_ = db.Close()
	})
	return db
}
