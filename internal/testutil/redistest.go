//go:build integration

package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisTest returns a client for a clean Redis database. REDIS_URL is used
// when set; otherwise a redis container is started for the test.
func RedisTest(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		ctr, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			t.Fatalf("redistest: start redis container: %v", err)
		}
		t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

		url, err = ctr.ConnectionString(ctx)
		if err != nil {
			t.Fatalf("redistest: connection string: %v", err)
		}
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("redistest: parse url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("redistest: ping: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("redistest: flush: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
