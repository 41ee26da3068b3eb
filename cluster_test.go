package slotring_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"

	"github.com/slotring/slotring"
	"github.com/slotring/slotring/internal/redistest"
)

// tripleKeys returns the keys "aaa", "bbb", ... "yyy", which spread over
// every master of a three-node cluster.
func tripleKeys() []string {
	keys := make([]string, 25)
	for i := range keys {
		keys[i] = strings.Repeat(string(rune('a'+i)), 3)
	}
	return keys
}

var _ = Describe("ClusterClient", func() {
	var client *slotring.ClusterClient

	BeforeEach(func() {
		client = slotring.NewClusterClient(clusterOptions())
		Expect(client.FlushAll(ctx).Err()).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(client.Close()).NotTo(HaveOccurred())
	})

	It("pings the cluster", func() {
		Expect(client.Ping(ctx).Val()).To(Equal("PONG"))
	})

	It("routes single-key commands to the slot owner", func() {
		key := keyOwnedBy(1, "routed")
		owner := cluster.Master(1)
		before := owner.Calls("set")

		Expect(client.Set(ctx, key, "v", 0).Err()).NotTo(HaveOccurred())
		Expect(client.Get(ctx, key).Val()).To(Equal("v"))
		Expect(owner.Calls("set")).To(Equal(before + 1))
	})

	It("returns Nil for a missing key", func() {
		Expect(client.Get(ctx, "does-not-exist").Err()).To(Equal(slotring.Nil))
	})

	It("keeps keys with a common hash tag on one node", func() {
		Expect(client.MSet(ctx, "{user}:a", "1", "{user}:b", "2").Err()).NotTo(HaveOccurred())
		owner := cluster.MasterFor("{user}:a")
		Expect(cluster.MasterFor("{user}:b")).To(Equal(owner))
	})

	Describe("multi-key commands", func() {
		var keys []string

		BeforeEach(func() {
			keys = tripleKeys()
			pairs := make([]interface{}, 0, len(keys)*2)
			for _, key := range keys {
				pairs = append(pairs, key, "value-"+key)
			}
			Expect(client.MSet(ctx, pairs...).Val()).To(Equal("OK"))
		})

		It("MGET preserves key order across nodes", func() {
			vals, err := client.MGet(ctx, keys...).Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(vals).To(HaveLen(len(keys)))
			for i, key := range keys {
				Expect(vals[i]).To(Equal("value-" + key))
			}
		})

		It("MGET leaves nil holes for missing keys", func() {
			vals, err := client.MGet(ctx, "aaa", "no-such-key", "ccc").Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(vals).To(Equal([]interface{}{"value-aaa", nil, "value-ccc"}))
		})

		It("DEL sums deletions across nodes", func() {
			n, err := client.Del(ctx, keys...).Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(len(keys))))
			Expect(client.Exists(ctx, keys...).Val()).To(Equal(int64(0)))
		})

		It("UNLINK behaves like DEL", func() {
			Expect(client.Unlink(ctx, keys[0], keys[1]).Val()).To(Equal(int64(2)))
		})

		It("EXISTS counts keys across nodes", func() {
			n, err := client.Exists(ctx, keys[0], keys[10], "no-such-key").Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(2)))
		})

		It("MSETNX is true when no key exists", func() {
			ok, err := client.MSetNX(ctx, "nx-{a}", "1", "nx-{b}", "2").Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(client.Get(ctx, "nx-{a}").Val()).To(Equal("1"))
		})

		It("MSETNX is false when any key exists", func() {
			ok, err := client.MSetNX(ctx, keys[0], "clobbered", "fresh-key", "1").Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(client.Get(ctx, keys[0]).Val()).To(Equal("value-" + keys[0]))
		})

		It("MSETNX is not atomic across nodes", func() {
			existing := keyOwnedBy(0, "nxa")
			fresh := keyOwnedBy(1, "nxb")
			Expect(client.Set(ctx, existing, "old", 0).Err()).NotTo(HaveOccurred())

			ok, err := client.MSetNX(ctx, existing, "new", fresh, "1").Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			// The sub-command on the other node already ran and is not
			// rolled back.
			Expect(client.Exists(ctx, fresh).Val()).To(Equal(int64(1)))
		})
	})

	Describe("zero-key fan-outs", func() {
		It("MGET of nothing is an empty reply", func() {
			vals, err := client.MGet(ctx).Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(vals).To(BeEmpty())
		})

		It("DEL of nothing is zero", func() {
			Expect(client.Del(ctx).Val()).To(Equal(int64(0)))
		})

		It("MSETNX of nothing is true", func() {
			Expect(client.MSetNX(ctx).Val()).To(BeTrue())
		})
	})

	Describe("keyspace-wide commands", func() {
		BeforeEach(func() {
			for _, key := range tripleKeys() {
				Expect(client.Set(ctx, key, "v", 0).Err()).NotTo(HaveOccurred())
			}
		})

		It("DBSIZE sums over all masters", func() {
			Expect(client.DBSize(ctx).Val()).To(Equal(int64(25)))
		})

		It("KEYS aggregates all masters", func() {
			keys, err := client.Keys(ctx, "*").Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(keys).To(ConsistOf(toInterfaces(tripleKeys())...))
		})

		It("RANDOMKEY returns some stored key", func() {
			key, err := client.RandomKey(ctx).Result()
			Expect(err).NotTo(HaveOccurred())
			Expect(tripleKeys()).To(ContainElement(key))
		})

		It("FLUSHALL clears every master", func() {
			Expect(client.FlushAll(ctx).Val()).To(Equal("OK"))
			Expect(client.DBSize(ctx).Val()).To(Equal(int64(0)))
		})

		It("CLIENT SETNAME reaches every node", func() {
			Expect(client.ClientSetName(ctx, "tester").Val()).To(Equal("OK"))
		})
	})

	Describe("node access", func() {
		It("returns the client for a known node id", func() {
			node, err := client.NodeByID(ctx, cluster.Master(0).ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(node.Ping(ctx).Val()).To(Equal("PONG"))
		})

		It("fails for an unknown node id", func() {
			_, err := client.NodeByID(ctx, "no-such-node")
			var unknownErr *slotring.UnknownNodeError
			Expect(errors.As(err, &unknownErr)).To(BeTrue())
			Expect(unknownErr.ID).To(Equal("no-such-node"))
		})

		It("returns the client for a known address", func() {
			host, port := splitAddr(cluster.Master(1).Addr())
			node, err := client.NodeByAddr(ctx, host, port)
			Expect(err).NotTo(HaveOccurred())
			Expect(node.Ping(ctx).Val()).To(Equal("PONG"))
		})

		It("fails for an address outside the topology", func() {
			_, err := client.NodeByAddr(ctx, "invalid-host", -1)
			var unknownErr *slotring.UnknownNodeError
			Expect(errors.As(err, &unknownErr)).To(BeTrue())
		})

		It("visits every master", func() {
			var visited int32
			err := client.ForEachMaster(ctx, func(ctx context.Context, node *slotring.Client) error {
				atomic.AddInt32(&visited, 1)
				return node.Ping(ctx).Err()
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(atomic.LoadInt32(&visited)).To(Equal(int32(3)))
		})

		It("visits masters and replicas", func() {
			var visited int32
			err := client.ForEachNode(ctx, func(ctx context.Context, node *slotring.Client) error {
				atomic.AddInt32(&visited, 1)
				return node.Ping(ctx).Err()
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(atomic.LoadInt32(&visited)).To(Equal(int32(4)))
		})

		It("reloads topology on demand", func() {
			Expect(client.ReloadState(ctx)).NotTo(HaveOccurred())
			Expect(client.Ping(ctx).Err()).NotTo(HaveOccurred())
		})
	})

	Describe("cluster-wide scan", func() {
		var want []string

		BeforeEach(func() {
			want = nil
			for i := 0; i < 60; i++ {
				key := fmt.Sprintf("scan-key-%03d", i)
				want = append(want, key)
				Expect(client.Set(ctx, key, "v", 0).Err()).NotTo(HaveOccurred())
			}
		})

		It("walks every master to completion", func() {
			var got []string
			var cursor *slotring.ScanCursor
			for {
				page, next, err := client.Scan(ctx, cursor, "*", 7)
				Expect(err).NotTo(HaveOccurred())
				got = append(got, page...)
				if next.IsFinished() {
					break
				}
				cursor = next
			}
			Expect(got).To(ConsistOf(toInterfaces(want)...))
		})

		It("filters by pattern", func() {
			var got []string
			err := client.ScanEach(ctx, "scan-key-00*", 10, func(key string) error {
				got = append(got, key)
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(ConsistOf(toInterfaces(want[:10])...))
		})

		It("streams every key through ScanEach", func() {
			var got []string
			err := client.ScanEach(ctx, "*", 5, func(key string) error {
				got = append(got, key)
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(len(want)))
		})

		It("stops when the callback errors", func() {
			boom := errors.New("stop")
			var seen int
			err := client.ScanEach(ctx, "*", 5, func(string) error {
				seen++
				if seen == 3 {
					return boom
				}
				return nil
			})
			Expect(err).To(Equal(boom))
			Expect(seen).To(Equal(3))
		})

		It("iterates key by key", func() {
			it := client.NewScanIterator("*", 9)
			var got []string
			for it.Next(ctx) {
				got = append(got, it.Val())
			}
			Expect(it.Err()).NotTo(HaveOccurred())
			Expect(got).To(ConsistOf(toInterfaces(want)...))
		})

		It("a finished cursor stays finished", func() {
			cursor := &slotring.ScanCursor{}
			var last *slotring.ScanCursor
			for {
				_, next, err := client.Scan(ctx, cursor, "*", 100)
				Expect(err).NotTo(HaveOccurred())
				if next.IsFinished() {
					last = next
					break
				}
				cursor = next
			}
			page, again, err := client.Scan(ctx, last, "*", 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(page).To(BeEmpty())
			Expect(again.IsFinished()).To(BeTrue())
		})
	})

	Describe("replica reads", func() {
		It("serves reads for replicated slots from the replica", func() {
			opt := clusterOptions()
			opt.ReadOnly = true
			roClient := slotring.NewClusterClient(opt)
			defer roClient.Close()

			key := keyOwnedBy(0, "replica-read")
			Expect(roClient.Set(ctx, key, "v", 0).Err()).NotTo(HaveOccurred())

			before := cluster.Master(0).Calls("get")
			for i := 0; i < 3; i++ {
				Expect(roClient.Get(ctx, key).Val()).To(Equal("v"))
			}
			// The replica shares the master's keyspace; the master itself
			// saw none of the reads.
			Expect(cluster.Master(0).Calls("get")).To(Equal(before))
		})
	})
})

var _ = Describe("MOVED redirects", func() {
	var client *slotring.ClusterClient

	BeforeEach(func() {
		// Flush through a client with the real topology first.
		full := slotring.NewClusterClient(clusterOptions())
		Expect(full.FlushAll(ctx).Err()).NotTo(HaveOccurred())
		Expect(full.Close()).NotTo(HaveOccurred())

		// A topology claiming the first master owns every slot, so the
		// servers answer MOVED for keys they do not serve and every
		// command has to follow the redirect.
		stale := []slotring.ClusterSlot{{
			Start: 0,
			End:   16383,
			Nodes: []slotring.ClusterNode{{Addr: cluster.Master(0).Addr()}},
		}}
		client = slotring.NewClusterClient(&slotring.ClusterOptions{
			Addrs: cluster.Addrs(),
			ClusterSlots: func(ctx context.Context) ([]slotring.ClusterSlot, error) {
				return stale, nil
			},
		})
	})

	AfterEach(func() {
		Expect(client.Close()).NotTo(HaveOccurred())
	})

	It("single-key commands succeed after following the redirect", func() {
		key := keyOwnedBy(1, "redirected")

		set := client.Set(ctx, key, "v", 0)
		Expect(set.Err()).NotTo(HaveOccurred())
		Expect(set.Val()).To(Equal("OK"))

		get := client.Get(ctx, key)
		Expect(get.Err()).NotTo(HaveOccurred())
		Expect(get.Val()).To(Equal("v"))
	})

	It("multi-key fan-outs succeed after a sub-request redirect", func() {
		// All keys share one true owner, so the whole sub-request lands
		// on the wrong node and is salvaged by a single redirect.
		keys := keysOwnedBy(2, 5, "redir-mget-")
		pairs := make([]interface{}, 0, len(keys)*2)
		for _, key := range keys {
			pairs = append(pairs, key, "value-"+key)
		}
		Expect(client.MSet(ctx, pairs...).Err()).NotTo(HaveOccurred())

		vals, err := client.MGet(ctx, keys...).Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(vals).To(HaveLen(len(keys)))
		for i, key := range keys {
			Expect(vals[i]).To(Equal("value-" + key))
		}
	})

	It("sums DEL correctly across a redirected sub-request", func() {
		keys := keysOwnedBy(1, 5, "redir-del-")
		pairs := make([]interface{}, 0, len(keys)*2)
		for _, key := range keys {
			pairs = append(pairs, key, "v")
		}
		Expect(client.MSet(ctx, pairs...).Err()).NotTo(HaveOccurred())

		n, err := client.Del(ctx, keys...).Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(len(keys))))
	})
})

var _ = Describe("ClusterClient with a failing node", func() {
	var failing *redistest.Cluster
	var client *slotring.ClusterClient

	BeforeEach(func() {
		var err error
		failing, err = redistest.StartCluster(3)
		Expect(err).NotTo(HaveOccurred())

		client = slotring.NewClusterClient(&slotring.ClusterOptions{
			Addrs:       failing.Addrs(),
			MaxRetries:  -1,
			DialTimeout: 500 * time.Millisecond,
		})
	})

	AfterEach(func() {
		Expect(client.Close()).NotTo(HaveOccurred())
		failing.Stop()
	})

	It("reports a partial failure with the affected keys", func() {
		keys := tripleKeys()
		pairs := make([]interface{}, 0, len(keys)*2)
		for _, key := range keys {
			pairs = append(pairs, key, "v")
		}
		Expect(client.MSet(ctx, pairs...).Err()).NotTo(HaveOccurred())

		var deadKeys []string
		for _, key := range keys {
			if failing.MasterFor(key) == failing.Master(2) {
				deadKeys = append(deadKeys, key)
			}
		}
		Expect(deadKeys).NotTo(BeEmpty())
		failing.Master(2).Stop()

		err := client.MGet(ctx, keys...).Err()
		var partial *slotring.PartialError
		Expect(errors.As(err, &partial)).To(BeTrue())
		Expect(partial.Failed).To(HaveLen(1))
		Expect(partial.Succeeded).To(HaveLen(2))
		Expect(partial.IndeterminateKeys).To(ConsistOf(toInterfaces(deadKeys)...))
	})

	It("fails topology discovery when no seed answers", func() {
		failing.Stop()

		fresh := slotring.NewClusterClient(&slotring.ClusterOptions{
			Addrs:              failing.Addrs(),
			MaxRetries:         -1,
			MaxTopologyRetries: 1,
			DialTimeout:        200 * time.Millisecond,
		})
		defer fresh.Close()

		err := fresh.Ping(ctx).Err()
		var topoErr *slotring.TopologyError
		Expect(errors.As(err, &topoErr)).To(BeTrue())
		Expect(topoErr.Tried).To(HaveLen(3))
	})
})

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	Expect(err).NotTo(HaveOccurred())
	port, err := strconv.Atoi(portStr)
	Expect(err).NotTo(HaveOccurred())
	return host, port
}
