package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolStats is the snapshot returned by Health: one ping round-trip plus the
// database/sql pool counters, surfaced on the ops health endpoint so pool
// pressure is visible without attaching a debugger.
type PoolStats struct {
	Status    string `json:"status"`
	PingMS    int64  `json:"ping_ms"`
	Open      int    `json:"open_connections"`
	InUse     int    `json:"in_use"`
	Idle      int    `json:"idle"`
	WaitCount int64  `json:"wait_count"`
	WaitMS    int64  `json:"wait_ms"`
	MaxOpen   int    `json:"max_open_conns"`
}

// Health pings the database and snapshots the connection pool. On ping
// failure the returned snapshot is non-nil and carries the latency of the
// failed attempt.
func Health(ctx context.Context, db *sql.DB) (*PoolStats, error) {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &PoolStats{
			Status: "unhealthy",
			PingMS: time.Since(start).Milliseconds(),
		}, err
	}

	stats := db.Stats()
	return &PoolStats{
		Status:    "healthy",
		PingMS:    time.Since(start).Milliseconds(),
		Open:      stats.OpenConnections,
		InUse:     stats.InUse,
		Idle:      stats.Idle,
		WaitCount: stats.WaitCount,
		WaitMS:    stats.WaitDuration.Milliseconds(),
		MaxOpen:   stats.MaxOpenConnections,
	}, nil
}
