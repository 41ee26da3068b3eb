/*
Package slotring is a slot-aware client for Redis cluster.

The cluster client keeps an immutable snapshot of the slot-to-node map,
refreshed lazily when the server signals a topology change:

	rdb := slotring.NewClusterClient(&slotring.ClusterOptions{
		Addrs: []string{":7000", ":7001", ":7002"},
	})
	defer rdb.Close()

	err := rdb.Set(ctx, "key", "value", 0).Err()

Single-key commands go to the master owning the key's slot. Multi-key
commands (MGET, MSET, DEL, ...) are split by owning node, executed
concurrently and merged back in key order. Keyspace-wide commands
(DBSIZE, KEYS, SCAN) fan out to every master.
*/
package slotring
