package slotring_test

import (
	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"

	"github.com/slotring/slotring"
)

var _ = Describe("Client", func() {
	var client *slotring.Client
	var key string

	BeforeEach(func() {
		client = slotring.NewClient(&slotring.Options{
			Addr:       cluster.Master(0).Addr(),
			ClientName: "client-spec",
		})
		key = keyOwnedBy(0, "single")
		Expect(client.FlushAll(ctx).Err()).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(client.Close()).NotTo(HaveOccurred())
	})

	It("pings", func() {
		Expect(client.Ping(ctx).Val()).To(Equal("PONG"))
	})

	It("echoes", func() {
		Expect(client.Echo(ctx, "hello").Val()).To(Equal("hello"))
	})

	It("sets and gets a key", func() {
		Expect(client.Set(ctx, key, "value", 0).Err()).NotTo(HaveOccurred())
		Expect(client.Get(ctx, key).Val()).To(Equal("value"))
	})

	It("reports Nil for a missing key", func() {
		Expect(client.Get(ctx, key).Err()).To(Equal(slotring.Nil))
	})

	It("rejects keys the node does not own", func() {
		foreign := keyOwnedBy(1, "foreign")
		err := client.Set(ctx, foreign, "v", 0).Err()
		Expect(err).To(HaveOccurred())
		Expect(slotring.HasErrorPrefix(err, "MOVED")).To(BeTrue())
	})

	It("scans the node's keyspace", func() {
		Expect(client.Set(ctx, key, "v", 0).Err()).NotTo(HaveOccurred())

		var keys []string
		var cursor uint64
		for {
			var page []string
			var err error
			page, cursor, err = client.Scan(ctx, cursor, "*", 10).Result()
			Expect(err).NotTo(HaveOccurred())
			keys = append(keys, page...)
			if cursor == 0 {
				break
			}
		}
		Expect(keys).To(ContainElement(key))
	})

	It("reuses pooled connections", func() {
		for i := 0; i < 10; i++ {
			Expect(client.Ping(ctx).Err()).NotTo(HaveOccurred())
		}
		stats := client.PoolStats()
		Expect(stats.TotalConns).To(Equal(uint32(1)))
	})
})
