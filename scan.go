package slotring

import (
	"context"
	"fmt"
)

// ScanCursor tracks a cluster-wide scan: which master (by position in the
// address-sorted master list) is being scanned and that node's own SCAN
// cursor. The zero value starts a new scan.
//
// A cursor is only meaningful against the topology it was created under.
// After a topology change, restart the scan; keys may then be seen twice,
// matching the at-least-once guarantee of single-node SCAN.
type ScanCursor struct {
	node     int
	cursor   uint64
	finished bool
}

// IsFinished reports whether the scan walked every master to completion.
func (c *ScanCursor) IsFinished() bool {
	return c != nil && c.finished
}

func (c *ScanCursor) String() string {
	if c == nil {
		return "cursor(start)"
	}
	if c.finished {
		return "cursor(finished)"
	}
	return fmt.Sprintf("cursor(node=%d pos=%d)", c.node, c.cursor)
}

// Scan iterates the whole cluster keyspace one SCAN page at a time. Pass
// nil to start; feed the returned cursor back in until IsFinished reports
// true. Masters are walked in address order, each one to exhaustion before
// the next, so the page stream never interleaves nodes.
//
// Scan only ever talks to one master per call and never blocks on the
// other nodes.
func (c *ClusterClient) Scan(ctx context.Context, cursor *ScanCursor, match string, count int64) ([]string, *ScanCursor, error) {
	if cursor == nil {
		cursor = &ScanCursor{}
	}
	if cursor.finished {
		return nil, cursor, nil
	}

	state, err := c.state.Get(ctx)
	if err != nil {
		return nil, cursor, err
	}
	masters := state.sortedMasters()
	if cursor.node >= len(masters) {
		return nil, &ScanCursor{node: cursor.node, finished: true}, nil
	}

	cmd := masters[cursor.node].Client.Scan(ctx, cursor.cursor, match, count)
	page, next, err := cmd.Result()
	if err != nil {
		return nil, cursor, err
	}

	nextCursor := &ScanCursor{node: cursor.node, cursor: next}
	if next == 0 {
		nextCursor.node++
		nextCursor.cursor = 0
		if nextCursor.node >= len(masters) {
			nextCursor.finished = true
		}
	}
	return page, nextCursor, nil
}

// ScanEach streams every key matching the pattern to fn, driving the
// cluster-wide cursor internally. Returning an error from fn stops the
// scan.
func (c *ClusterClient) ScanEach(ctx context.Context, match string, count int64, fn func(key string) error) error {
	var cursor *ScanCursor
	for {
		page, next, err := c.Scan(ctx, cursor, match, count)
		if err != nil {
			return err
		}
		for _, key := range page {
			if err := fn(key); err != nil {
				return err
			}
		}
		if next.IsFinished() {
			return nil
		}
		cursor = next
	}
}

// ScanIterator walks the cluster keyspace key by key, fetching pages
// lazily. It is not safe for concurrent use.
type ScanIterator struct {
	client *ClusterClient
	cursor *ScanCursor
	match  string
	count  int64

	page []string
	pos  int
	err  error
}

// NewScanIterator returns an iterator over all keys matching the pattern.
func (c *ClusterClient) NewScanIterator(match string, count int64) *ScanIterator {
	return &ScanIterator{
		client: c,
		match:  match,
		count:  count,
	}
}

// Err returns the last iterator error, if any.
func (it *ScanIterator) Err() error {
	return it.err
}

// Next advances the iterator, fetching more pages as needed. It returns
// false when there are no more keys or an error occurred.
func (it *ScanIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for {
		if it.pos < len(it.page) {
			it.pos++
			return true
		}
		if it.cursor.IsFinished() {
			return false
		}
		it.page, it.cursor, it.err = it.client.Scan(ctx, it.cursor, it.match, it.count)
		if it.err != nil {
			return false
		}
		it.pos = 0
		if len(it.page) == 0 && it.cursor.IsFinished() {
			return false
		}
	}
}

// Val returns the current key.
func (it *ScanIterator) Val() string {
	if it.pos > 0 && it.pos <= len(it.page) {
		return it.page[it.pos-1]
	}
	return ""
}
