package slotring

import (
	"context"
	"fmt"
	"log"

	"github.com/slotring/slotring/internal"
	"github.com/slotring/slotring/internal/pool"
	"github.com/slotring/slotring/internal/proto"
)

// SetLogger replaces the package logger.
func SetLogger(logger *log.Logger) {
	internal.Logger = logger
}

type baseClient struct {
	opt      *Options
	connPool *pool.ConnPool

	onClose func() error // hook called when client is closed
}

func (c *baseClient) String() string {
	return fmt.Sprintf("Redis<%s db:%d>", c.opt.Addr, c.opt.DB)
}

func (c *baseClient) getConn(ctx context.Context) (*pool.Conn, error) {
	cn, err := c.connPool.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !cn.Inited {
		if err := c.initConn(ctx, cn); err != nil {
			c.connPool.Remove(ctx, cn, err)
			return nil, err
		}
	}
	return cn, nil
}

func (c *baseClient) releaseConn(ctx context.Context, cn *pool.Conn, err error) {
	if isBadConn(err, false) {
		c.connPool.Remove(ctx, cn, err)
	} else {
		c.connPool.Put(ctx, cn)
	}
}

// initConn performs the connection handshake: AUTH, SELECT, CLIENT SETNAME
// and READONLY as configured.
func (c *baseClient) initConn(ctx context.Context, cn *pool.Conn) error {
	cn.Inited = true

	if c.opt.Password == "" && c.opt.DB == 0 && c.opt.ClientName == "" && !c.opt.ReadOnly {
		return nil
	}

	var cmds []Cmder
	if c.opt.Password != "" {
		cmds = append(cmds, NewStatusCmd(ctx, "auth", c.opt.Password))
	}
	if c.opt.DB > 0 {
		cmds = append(cmds, NewStatusCmd(ctx, "select", c.opt.DB))
	}
	if c.opt.ClientName != "" {
		cmds = append(cmds, NewStatusCmd(ctx, "client", "setname", c.opt.ClientName))
	}
	if c.opt.ReadOnly {
		cmds = append(cmds, NewStatusCmd(ctx, "readonly"))
	}

	return c.runCmdsOnConn(ctx, cn, cmds)
}

// runCmdsOnConn pipelines cmds on a single connection and reads their
// replies in order.
func (c *baseClient) runCmdsOnConn(ctx context.Context, cn *pool.Conn, cmds []Cmder) error {
	// Commands may carry errors from an earlier attempt, e.g. the ASK
	// reply that redirected them here.
	for _, cmd := range cmds {
		cmd.SetErr(nil)
	}

	err := cn.WithWriter(c.opt.WriteTimeout, func(wr *proto.Writer) error {
		for _, cmd := range cmds {
			if err := writeCmd(wr, cmd); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		setCmdsErr(cmds, err)
		return err
	}

	return cn.WithReader(c.opt.ReadTimeout, func(rd *proto.Reader) error {
		var firstErr error
		for _, cmd := range cmds {
			if err := cmd.readReply(rd); err != nil {
				cmd.SetErr(err)
				if firstErr == nil && !isRedisError(err) {
					firstErr = err
				}
			}
		}
		return firstErr
	})
}

func (c *baseClient) process(ctx context.Context, cmd Cmder) error {
	var lastErr error
	for attempt := 0; attempt <= c.opt.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := internal.Sleep(ctx, internal.RetryBackoff(
				attempt-1, c.opt.MinRetryBackoff, c.opt.MaxRetryBackoff)); err != nil {
				cmd.SetErr(err)
				return err
			}
		}

		retry, err := c.processOnce(ctx, cmd)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return lastErr
}

func (c *baseClient) processOnce(ctx context.Context, cmd Cmder) (retry bool, _ error) {
	if err := ctx.Err(); err != nil {
		cmd.SetErr(err)
		return false, err
	}

	// The command may carry the error of an earlier attempt, e.g. the
	// MOVED reply that redirected it here.
	cmd.SetErr(nil)

	cn, err := c.getConn(ctx)
	if err != nil {
		cmd.SetErr(err)
		return shouldRetry(err, true), err
	}

	if err := cn.WithWriter(c.opt.WriteTimeout, func(wr *proto.Writer) error {
		return writeCmd(wr, cmd)
	}); err != nil {
		c.releaseConn(ctx, cn, err)
		cmd.SetErr(err)
		return shouldRetry(err, true), err
	}

	readTimeout := c.opt.ReadTimeout
	if t := cmd.readTimeout(); t != nil {
		readTimeout = *t
	}
	err = cn.WithReader(readTimeout, func(rd *proto.Reader) error {
		return cmd.readReply(rd)
	})
	c.releaseConn(ctx, cn, err)
	if err != nil {
		cmd.SetErr(err)
		return shouldRetry(err, cmd.readTimeout() == nil), err
	}
	return false, nil
}

// Close closes the client, releasing any open resources.
//
// It is rare to Close a Client, as the Client is meant to be long-lived and
// shared between many goroutines.
func (c *baseClient) Close() error {
	var firstErr error
	if c.onClose != nil {
		if err := c.onClose(); err != nil {
			firstErr = err
		}
	}
	if err := c.connPool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

//------------------------------------------------------------------------------

// Client is a Redis client backed by a pool of connections to a single
// node. It is safe for concurrent use by multiple goroutines.
type Client struct {
	baseClient
	cmdable
}

var _ Cmdable = (*Client)(nil)

// NewClient returns a client to the Redis server specified by Options.
func NewClient(opt *Options) *Client {
	opt.init()

	c := &Client{
		baseClient: baseClient{
			opt:      opt,
			connPool: newConnPool(opt),
		},
	}
	c.cmdable = c.Process
	return c
}

func (c *Client) Process(ctx context.Context, cmd Cmder) error {
	return c.baseClient.process(ctx, cmd)
}

// Options returns a copy of the client options.
func (c *Client) Options() *Options {
	opt := *c.opt
	return &opt
}

// PoolStats returns connection pool stats.
func (c *Client) PoolStats() *pool.Stats {
	return c.connPool.Stats()
}

// Scan runs one native SCAN page against this node.
func (c *Client) Scan(ctx context.Context, cursor uint64, match string, count int64) *ScanCmd {
	return c.cmdable.scan(ctx, cursor, match, count)
}

// ReadOnly enables read queries on a cluster replica. The command is sent
// on one pooled connection; connections dialed afterwards enter read-only
// mode during the handshake.
func (c *Client) ReadOnly(ctx context.Context) *StatusCmd {
	c.opt.ReadOnly = true
	cmd := NewStatusCmd(ctx, "readonly")
	_ = c.Process(ctx, cmd)
	return cmd
}

// ReadWrite disables read queries on a cluster replica.
func (c *Client) ReadWrite(ctx context.Context) *StatusCmd {
	c.opt.ReadOnly = false
	cmd := NewStatusCmd(ctx, "readwrite")
	_ = c.Process(ctx, cmd)
	return cmd
}

// processAsking pipelines ASKING with cmd on one connection, for ASK
// redirects.
func (c *Client) processAsking(ctx context.Context, cmd Cmder) error {
	cn, err := c.getConn(ctx)
	if err != nil {
		cmd.SetErr(err)
		return err
	}

	asking := NewStatusCmd(ctx, "asking")
	err = c.runCmdsOnConn(ctx, cn, []Cmder{asking, cmd})
	c.releaseConn(ctx, cn, err)
	if err != nil {
		return err
	}
	return cmd.Err()
}
