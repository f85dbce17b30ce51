package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/jjudge-oj/authgate/config"
	_ "github.com/lib/pq"
)

const (
	defaultDBDriver    = "postgres"
	defaultPingTimeout = 5 * time.Second
	defaultConnMaxIdle = 2 * time.Minute
	defaultConnMaxLife = 30 * time.Minute
)

// Open connects to postgres and returns a bounded Pool over the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	db, err := sql.Open(defaultDBDriver, cfg.DSN())
	if err != nil {
		return nil, err
	}

	maxIdle := cfg.MaxIdleConns
	if maxIdle > cfg.MaxOpenConns {
		maxIdle = cfg.MaxOpenConns
	}

	db.SetConnMaxIdleTime(defaultConnMaxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLife)
	db.SetMaxIdleConns(maxIdle)
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewPool(db, cfg.AcquireTimeout), nil
}
