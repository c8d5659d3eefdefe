package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthReportsUnreachableDatabase(t *testing.T) {
	// Port 1 refuses immediately; sql.Open defers connecting until the ping.
	db, err := sql.Open("pgx", "host=127.0.0.1 port=1 user=nobody dbname=none sslmode=disable")
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, healthErr := Health(ctx, db)
	require.Error(t, healthErr)
	require.NotNil(t, stats)
	assert.Equal(t, "unhealthy", stats.Status)
	assert.Zero(t, stats.Open)
}
