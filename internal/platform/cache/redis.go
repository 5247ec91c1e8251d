package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPingTimeout = 5 * time.Second

// Options describes the Redis endpoint. Addr may be host:port or a
// redis:// URL; explicit Password and DB override what the URL carries.
type Options struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	PingTimeout time.Duration
}

// ClientOptions resolves opts into go-redis options.
func ClientOptions(opts Options) (*redis.Options, error) {
	var ro *redis.Options
	if strings.Contains(opts.Addr, "://") {
		parsed, err := redis.ParseURL(opts.Addr)
		if err != nil {
			return nil, fmt.Errorf("platform/cache: parse url: %w", err)
		}
		ro = parsed
	} else {
		if opts.Addr == "" {
			return nil, fmt.Errorf("platform/cache: empty address")
		}
		ro = &redis.Options{Addr: opts.Addr}
	}
	if opts.Password != "" {
		ro.Password = opts.Password
	}
	if opts.DB > 0 {
		ro.DB = opts.DB
	}
	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}
	return ro, nil
}

// New creates a Redis client and pings it.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	ro, err := ClientOptions(opts)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(ro)

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping %s: %w", ro.Addr, err)
	}

	return client, nil
}
