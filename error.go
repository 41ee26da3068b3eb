package slotring

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	"github.com/slotring/slotring/internal/pool"
	"github.com/slotring/slotring/internal/proto"
)

// Nil reply returned by Redis when key does not exist.
const Nil = proto.Nil

// ErrClosed is returned when the client is closed.
var ErrClosed = pool.ErrClosed

// TopologyError is returned when no reachable node produced a usable view
// of the cluster topology. The next operation retries the refresh.
type TopologyError struct {
	Tried []string // addresses queried, in order
	Err   error    // last failure
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("slotring: cannot load cluster topology (tried %s): %s",
		strings.Join(e.Tried, ", "), e.Err)
}

func (e *TopologyError) Unwrap() error { return e.Err }

// UnknownNodeError is returned when a caller asks for a node that is not
// part of the current topology.
type UnknownNodeError struct {
	ID   string
	Addr string
}

func (e *UnknownNodeError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("slotring: unknown node id %q", e.ID)
	}
	return fmt.Sprintf("slotring: unknown node address %q", e.Addr)
}

// PartialError reports a cross-slot operation for which some per-node
// sub-requests failed. Keys routed to the failed nodes are in an
// indeterminate state: the sub-request may or may not have been applied.
type PartialError struct {
	Succeeded []string         // addresses whose sub-requests completed
	Failed    map[string]error // address -> cause

	// IndeterminateKeys are the keys targeted at failed nodes.
	IndeterminateKeys []string
}

func (e *PartialError) Error() string {
	addrs := make([]string, 0, len(e.Failed))
	for addr := range e.Failed {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	parts := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		parts = append(parts, fmt.Sprintf("%s: %s", addr, e.Failed[addr]))
	}
	return fmt.Sprintf("slotring: %d of %d node sub-requests failed (%s)",
		len(e.Failed), len(e.Failed)+len(e.Succeeded), strings.Join(parts, "; "))
}

func (e *PartialError) Unwrap() error {
	for _, err := range e.Failed {
		return err
	}
	return nil
}

//------------------------------------------------------------------------------

func isRedisError(err error) bool {
	_, ok := err.(proto.RedisError)
	return ok
}

func isNetworkError(err error) bool {
	if err == io.EOF {
		return true
	}
	_, ok := err.(net.Error)
	return ok
}

func isBadConn(err error, allowTimeout bool) bool {
	if err == nil {
		return false
	}
	if isRedisError(err) {
		return false
	}
	if allowTimeout {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return false
		}
	}
	return true
}

// isMovedError parses MOVED and ASK redirection replies and returns the
// address of the node that owns the slot now.
func isMovedError(err error) (moved bool, ask bool, addr string) {
	if !isRedisError(err) {
		return
	}

	s := err.Error()
	if strings.HasPrefix(s, "MOVED ") {
		moved = true
	} else if strings.HasPrefix(s, "ASK ") {
		ask = true
	} else {
		return
	}

	ind := strings.LastIndexByte(s, ' ')
	if ind == -1 {
		return false, false, ""
	}
	return moved, ask, s[ind+1:]
}

// shouldRetry reports whether a failed command may be retried on another
// connection.
func shouldRetry(err error, retryTimeout bool) bool {
	switch err {
	case nil, context.Canceled, context.DeadlineExceeded:
		return false
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return retryTimeout
	}
	return isNetworkError(err)
}

// HasErrorPrefix reports whether a Redis error reply starts with prefix,
// e.g. NOSCRIPT or CLUSTERDOWN.
func HasErrorPrefix(err error, prefix string) bool {
	if err == nil {
		return false
	}
	return strings.HasPrefix(err.Error(), prefix)
}
