package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"pricesettle/pkg/storage"
	"pricesettle/pkg/storage/postgres"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient connects to ENGINE_TEST_POSTGRES_DSN or skips.
func testClient(t *testing.T) *postgres.PostgresClient {
	t.Helper()
	dsn := os.Getenv("ENGINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ENGINE_TEST_POSTGRES_DSN not set")
	}

	client, err := postgres.NewClient(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.AutoMigrateKVRecord())
	return client
}

// go test -v --run ^TestPostgresInvalidDSN$
func TestPostgresInvalidDSN(t *testing.T) {
	invalidDSN := "host=invalid.invalid port=5432 user=fail password=fail dbname=fail sslmode=disable connect_timeout=1"

	_, err := postgres.NewClient(invalidDSN)
	require.Error(t, err)
}

// go test -v --run ^TestPostgresHealthy$
func TestPostgresHealthy(t *testing.T) {
	client := testClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	assert.True(t, client.IsHealthy(ctx))
}

// go test -v --run TestKVRoundTrip
func TestKVRoundTrip(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	prefix := fmt.Sprintf("test_%d:", time.Now().UnixNano())

	_, err := client.Get(ctx, prefix+"missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, client.Set(ctx, prefix+"a", []byte("1")))
	require.NoError(t, client.Set(ctx, prefix+"b", []byte("2")))
	require.NoError(t, client.Set(ctx, prefix+"a", []byte("3"))) // upsert

	got, err := client.Get(ctx, prefix+"a")
	require.NoError(t, err)
	assert.Equal(t, "3", string(got))

	entries, err := client.GetByPrefix(ctx, prefix)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, prefix+"a", entries[0].Key)
	assert.Equal(t, prefix+"b", entries[1].Key)
}
