package pool

import (
	"bufio"
	"net"
	"time"

	"github.com/slotring/slotring/internal/proto"
)

var noDeadline = time.Time{}

// Conn is a single network connection with RESP reader/writer state.
type Conn struct {
	netConn net.Conn

	rd *proto.Reader
	bw *bufio.Writer
	wr *proto.Writer

	Inited    bool
	createdAt time.Time
	usedAt    int64 // unix nano
}

func NewConn(netConn net.Conn) *Conn {
	cn := &Conn{
		netConn:   netConn,
		createdAt: time.Now(),
	}
	cn.rd = proto.NewReader(netConn)
	cn.bw = bufio.NewWriter(netConn)
	cn.wr = proto.NewWriter(cn.bw)
	cn.SetUsedAt(time.Now())
	return cn
}

func (cn *Conn) UsedAt() time.Time {
	return time.Unix(0, cn.usedAt)
}

func (cn *Conn) SetUsedAt(tm time.Time) {
	cn.usedAt = tm.UnixNano()
}

func (cn *Conn) RemoteAddr() net.Addr {
	return cn.netConn.RemoteAddr()
}

// WithReader runs fn with the read deadline applied.
func (cn *Conn) WithReader(timeout time.Duration, fn func(rd *proto.Reader) error) error {
	if err := cn.netConn.SetReadDeadline(cn.deadline(timeout)); err != nil {
		return err
	}
	return fn(cn.rd)
}

// WithWriter runs fn with the write deadline applied and flushes the
// buffered writer.
func (cn *Conn) WithWriter(timeout time.Duration, fn func(wr *proto.Writer) error) error {
	if err := cn.netConn.SetWriteDeadline(cn.deadline(timeout)); err != nil {
		return err
	}
	if err := fn(cn.wr); err != nil {
		return err
	}
	return cn.bw.Flush()
}

func (cn *Conn) deadline(timeout time.Duration) time.Time {
	now := time.Now()
	cn.SetUsedAt(now)
	if timeout > 0 {
		return now.Add(timeout)
	}
	return noDeadline
}

func (cn *Conn) Close() error {
	return cn.netConn.Close()
}
