package slotring

import (
	"context"
	"net"
	"time"

	"github.com/slotring/slotring/internal/pool"
)

// Options configures a single-node Client.
type Options struct {
	// The network type, either tcp or unix. Default is tcp.
	Network string
	// host:port address.
	Addr string

	// Dialer creates new network connections and has priority over
	// Network and Addr.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// ClientName executes `CLIENT SETNAME ClientName` on each new
	// connection.
	ClientName string

	// An optional password.
	Password string
	// A database to be selected after connecting.
	DB int

	// ReadOnly puts new connections in read-only mode (the READONLY
	// command), enabling reads from a cluster replica.
	ReadOnly bool

	// MaxRetries is the number of retries for commands that failed with a
	// retriable error. Default is 3; -1 disables retries.
	MaxRetries int
	// Backoff between retries. Defaults: 8ms min, 512ms max. -1 disables
	// the backoff.
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// PoolSize is the maximum number of socket connections. Default is 5.
	PoolSize int
	// PoolTimeout is how long a caller waits for a free connection when
	// the pool is exhausted. Default is ReadTimeout + 1 second.
	PoolTimeout time.Duration
	// ConnMaxIdleTime closes connections that sat idle longer than this.
	// Default is 30 minutes; -1 disables the check.
	ConnMaxIdleTime time.Duration
}

func (opt *Options) init() {
	if opt.Network == "" {
		opt.Network = "tcp"
	}
	if opt.Dialer == nil {
		opt.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
			netDialer := &net.Dialer{
				Timeout: opt.DialTimeout,
			}
			return netDialer.DialContext(ctx, network, addr)
		}
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = 5 * time.Second
	}
	if opt.ReadTimeout == 0 {
		opt.ReadTimeout = 3 * time.Second
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = opt.ReadTimeout
	}
	if opt.PoolSize == 0 {
		opt.PoolSize = 5
	}
	if opt.PoolTimeout == 0 {
		opt.PoolTimeout = opt.ReadTimeout + time.Second
	}
	if opt.ConnMaxIdleTime == 0 {
		opt.ConnMaxIdleTime = 30 * time.Minute
	} else if opt.ConnMaxIdleTime == -1 {
		opt.ConnMaxIdleTime = 0
	}

	switch opt.MaxRetries {
	case -1:
		opt.MaxRetries = 0
	case 0:
		opt.MaxRetries = 3
	}
	switch opt.MinRetryBackoff {
	case -1:
		opt.MinRetryBackoff = 0
	case 0:
		opt.MinRetryBackoff = 8 * time.Millisecond
	}
	switch opt.MaxRetryBackoff {
	case -1:
		opt.MaxRetryBackoff = 0
	case 0:
		opt.MaxRetryBackoff = 512 * time.Millisecond
	}
}

func newConnPool(opt *Options) *pool.ConnPool {
	return pool.NewConnPool(&pool.Options{
		Dialer: func(ctx context.Context) (net.Conn, error) {
			return opt.Dialer(ctx, opt.Network, opt.Addr)
		},
		PoolSize:        opt.PoolSize,
		PoolTimeout:     opt.PoolTimeout,
		ConnMaxIdleTime: opt.ConnMaxIdleTime,
	})
}
