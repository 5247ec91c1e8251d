package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultConnectTimeout bounds the initial ping when Options leaves it unset.
const DefaultConnectTimeout = 5 * time.Second

// Options tunes the pool on top of what the DSN carries. Zero fields keep
// the DSN or pgxpool defaults.
type Options struct {
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	StatementTimeout time.Duration
	ConnectTimeout   time.Duration
	ApplicationName  string
}

// ParseConfig builds a pool config from dsn with opts applied.
func ParseConfig(dsn string, opts Options) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("platform/db: parse config: %w", err)
	}
	if opts.MinConns < 0 || opts.MaxConns < 0 {
		return nil, fmt.Errorf("platform/db: negative pool size %d/%d", opts.MinConns, opts.MaxConns)
	}
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	if config.MinConns > config.MaxConns {
		return nil, fmt.Errorf("platform/db: min conns %d exceeds max conns %d", config.MinConns, config.MaxConns)
	}
	if opts.MaxConnLifetime > 0 {
		config.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	params := config.ConnConfig.RuntimeParams
	if opts.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(opts.StatementTimeout.Milliseconds(), 10)
	}
	if opts.ApplicationName != "" {
		params["application_name"] = opts.ApplicationName
	}
	return config, nil
}

// New creates a PostgreSQL connection pool and pings it within the connect timeout.
func New(ctx context.Context, dsn string, opts Options) (*pgxpool.Pool, error) {
	config, err := ParseConfig(dsn, opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("platform/db: new pool: %w", err)
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform/db: ping: %w", err)
	}

	return pool, nil
}
