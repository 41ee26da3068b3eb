package pool

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

var (
	// ErrClosed is returned when the pool (or its owning client) is closed.
	ErrClosed = errors.New("slotring: client is closed")

	// ErrPoolTimeout is returned when there is no free connection within
	// the pool timeout.
	ErrPoolTimeout = errors.New("slotring: connection pool timeout")
)

type Options struct {
	Dialer func(ctx context.Context) (net.Conn, error)

	PoolSize        int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
}

type Stats struct {
	Hits     uint32
	Misses   uint32
	Timeouts uint32

	TotalConns uint32
	IdleConns  uint32
}

// ConnPool is a bounded pool of connections to a single node. A checkout
// waits on the queue semaphore, so at most PoolSize connections exist and
// concurrent callers for a fresh connection each dial at most once.
type ConnPool struct {
	opt *Options

	queue chan struct{}

	mu        sync.Mutex
	idle      []*Conn
	poolSize  int
	closed    bool
	stats     Stats
}

func NewConnPool(opt *Options) *ConnPool {
	return &ConnPool{
		opt:   opt,
		queue: make(chan struct{}, opt.PoolSize),
		idle:  make([]*Conn, 0, opt.PoolSize),
	}
}

// Get returns an idle connection or dials a new one.
func (p *ConnPool) Get(ctx context.Context) (*Conn, error) {
	if err := p.waitTurn(ctx); err != nil {
		return nil, err
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.freeTurn()
			return nil, ErrClosed
		}
		cn := p.popIdle()
		p.mu.Unlock()

		if cn == nil {
			break
		}
		if p.expired(cn) {
			_ = cn.Close()
			p.mu.Lock()
			p.poolSize--
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		p.stats.Hits++
		p.mu.Unlock()
		return cn, nil
	}

	netConn, err := p.opt.Dialer(ctx)
	if err != nil {
		p.freeTurn()
		return nil, err
	}

	cn := NewConn(netConn)
	p.mu.Lock()
	p.poolSize++
	p.stats.Misses++
	p.mu.Unlock()
	return cn, nil
}

// Put returns a healthy connection to the pool.
func (p *ConnPool) Put(ctx context.Context, cn *Conn) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = cn.Close()
		p.freeTurn()
		return
	}
	p.idle = append(p.idle, cn)
	p.mu.Unlock()
	p.freeTurn()
}

// Remove discards a broken connection.
func (p *ConnPool) Remove(ctx context.Context, cn *Conn, reason error) {
	_ = cn.Close()
	p.mu.Lock()
	p.poolSize--
	p.mu.Unlock()
	p.freeTurn()
}

func (p *ConnPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.poolSize
}

func (p *ConnPool) IdleLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *ConnPool) Stats() *Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.TotalConns = uint32(p.poolSize)
	stats.IdleConns = uint32(len(p.idle))
	return &stats
}

func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true

	var firstErr error
	for _, cn := range p.idle {
		if err := cn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.idle = nil
	p.poolSize = 0
	return firstErr
}

func (p *ConnPool) waitTurn(ctx context.Context) error {
	select {
	case p.queue <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(p.opt.PoolTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.queue <- struct{}{}:
		return nil
	case <-timer.C:
		p.mu.Lock()
		p.stats.Timeouts++
		p.mu.Unlock()
		return ErrPoolTimeout
	}
}

func (p *ConnPool) freeTurn() {
	<-p.queue
}

func (p *ConnPool) popIdle() *Conn {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	cn := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return cn
}

func (p *ConnPool) expired(cn *Conn) bool {
	if p.opt.ConnMaxIdleTime == 0 {
		return false
	}
	return time.Since(cn.UsedAt()) >= p.opt.ConnMaxIdleTime
}
