package slotring_test

import (
	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"

	"github.com/slotring/slotring"
)

var _ = Describe("scripting", func() {
	var client *slotring.ClusterClient

	BeforeEach(func() {
		client = slotring.NewClusterClient(clusterOptions())
		Expect(client.FlushAll(ctx).Err()).NotTo(HaveOccurred())
		Expect(client.ScriptFlush(ctx).Err()).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(client.Close()).NotTo(HaveOccurred())
	})

	It("loads a script on every master", func() {
		script := slotring.NewScript("return 1")

		sha, err := client.ScriptLoad(ctx, "return 1").Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(sha).To(Equal(script.Hash()))

		exists, err := client.ScriptExists(ctx, sha).Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(Equal([]bool{true}))
	})

	It("SCRIPT EXISTS is false unless every master caches the script", func() {
		// Load directly on one node only.
		node, err := client.NodeByID(ctx, cluster.Master(0).ID())
		Expect(err).NotTo(HaveOccurred())
		sha, err := node.ScriptLoad(ctx, "return 1").Result()
		Expect(err).NotTo(HaveOccurred())

		exists, err := client.ScriptExists(ctx, sha).Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(Equal([]bool{false}))
	})

	It("evaluates scripts against the key's node", func() {
		Expect(client.Set(ctx, "script-key", "stored", 0).Err()).NotTo(HaveOccurred())

		val, err := client.Eval(ctx,
			"return redis.call('get', KEYS[1])", []string{"script-key"}).Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(val).To(Equal("stored"))
	})

	It("returns keys and arguments to the script", func() {
		val, err := client.Eval(ctx, "return KEYS[1]", []string{"some-key"}).Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(val).To(Equal("some-key"))

		val, err = client.Eval(ctx, "return ARGV[1]", nil, "hello").Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(val).To(Equal("hello"))
	})

	It("EVALSHA fails with NOSCRIPT until loaded", func() {
		script := slotring.NewScript("return 1")

		err := client.EvalSha(ctx, script.Hash(), []string{"k"}).Err()
		Expect(slotring.HasErrorPrefix(err, "NOSCRIPT")).To(BeTrue())

		Expect(client.ScriptLoad(ctx, "return 1").Err()).NotTo(HaveOccurred())
		n, err := client.EvalSha(ctx, script.Hash(), []string{"k"}).Int64()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))
	})

	It("Run falls back from EVALSHA to EVAL", func() {
		script := slotring.NewScript("return 1")

		n, err := script.Run(ctx, client, []string{"k"}).Int64()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))
	})

	It("flushes the script cache on every master", func() {
		sha, err := client.ScriptLoad(ctx, "return 1").Result()
		Expect(err).NotTo(HaveOccurred())

		Expect(client.ScriptFlush(ctx).Val()).To(Equal("OK"))

		exists, err := client.ScriptExists(ctx, sha).Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(Equal([]bool{false}))
	})
})
