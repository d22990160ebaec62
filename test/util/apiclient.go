package util

import (
	"context"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/codeready-toolchain/pulse/pkg/config"
	"github.com/codeready-toolchain/pulse/pkg/database"
	"github.com/stretchr/testify/require"
)

// NewTestDatabaseClient opens a database.Client against the same shared
// test container SetupTestDatabase uses, for tests that need the full
// *database.Client (pool + health handle) rather than a bare pgxpool.Pool —
// e.g. constructing an api.Server. Migrations are idempotent
// (golang-migrate no-ops on an already-current schema), so running them
// again against the default "public" schema is safe across test files.
func NewTestDatabaseClient(t *testing.T) *database.Client {
	t.Helper()
	raw := GetBaseConnectionString(t)

	u, err := url.Parse(raw)
	require.NoError(t, err)

	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	password, _ := u.User.Password()

	cfg := config.DatabaseConfig{
		Host:            u.Hostname(),
		Port:            port,
		User:            u.User.Username(),
		Password:        password,
		Database:        "test",
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	}

	client, err := database.NewClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}
