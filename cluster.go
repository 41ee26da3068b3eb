package slotring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/slotring/slotring/internal"
	"github.com/slotring/slotring/internal/hashtag"
	"github.com/slotring/slotring/internal/routing"
)

var errClusterNoNodes = errors.New("slotring: cluster has no nodes")

// stateFreshness is how long a topology snapshot is trusted before a
// background refresh is scheduled.
const stateFreshness = 10 * time.Minute

// ClusterOptions are used to configure a cluster client and should be
// passed to NewClusterClient.
type ClusterOptions struct {
	// A seed list of host:port addresses of cluster nodes.
	Addrs []string

	// ClientName will execute the `CLIENT SETNAME ClientName` command for
	// each conn.
	ClientName string

	// NewClient creates a cluster node client with provided options.
	NewClient func(opt *Options) *Client

	// The maximum number of MOVED/ASK redirects to follow before giving
	// up. Default is 3 redirects; -1 disables redirect following.
	MaxRedirects int

	// ReadOnly routes read-only commands to a replica of the key's slot
	// when one exists. The replica for a key is chosen by rendezvous
	// hashing, so repeated reads of a key hit the same replica.
	ReadOnly bool

	// ShardPicker chooses the node for keyless commands.
	// Default is round-robin.
	ShardPicker routing.ShardPicker

	// Optional function that returns cluster slots information, useful
	// for building a cluster of standalone servers or for tests. When
	// set, the CLUSTER SLOTS query is skipped.
	ClusterSlots func(ctx context.Context) ([]ClusterSlot, error)

	// MaxTopologyRetries is how many times a topology refresh sweeps the
	// known nodes (with exponential backoff between sweeps) before
	// failing with a TopologyError. Default is 3.
	MaxTopologyRetries int

	// Following options are copied from Options struct.

	Password string

	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
}

func (opt *ClusterOptions) init() {
	switch opt.MaxRedirects {
	case -1:
		opt.MaxRedirects = 0
	case 0:
		opt.MaxRedirects = 3
	}
	if opt.MaxTopologyRetries == 0 {
		opt.MaxTopologyRetries = 3
	}
	if opt.ShardPicker == nil {
		opt.ShardPicker = &routing.RoundRobinPicker{}
	}
	if opt.NewClient == nil {
		opt.NewClient = NewClient
	}
}

func (opt *ClusterOptions) clientOptions() *Options {
	return &Options{
		ClientName: opt.ClientName,
		Password:   opt.Password,

		// Replica clients must enter read-only mode; READONLY is a no-op
		// on masters.
		ReadOnly: opt.ReadOnly,

		MaxRetries:      opt.MaxRetries,
		MinRetryBackoff: opt.MinRetryBackoff,
		MaxRetryBackoff: opt.MaxRetryBackoff,

		DialTimeout:  opt.DialTimeout,
		ReadTimeout:  opt.ReadTimeout,
		WriteTimeout: opt.WriteTimeout,

		PoolSize:        opt.PoolSize,
		PoolTimeout:     opt.PoolTimeout,
		ConnMaxIdleTime: opt.ConnMaxIdleTime,
	}
}

//------------------------------------------------------------------------------

type clusterNode struct {
	Client *Client

	addr string
}

func (n *clusterNode) String() string {
	return n.addr
}

func (n *clusterNode) Close() error {
	return n.Client.Close()
}

// clusterNodes creates and caches one Client per node address. Creation is
// idempotent under concurrent callers: the second caller finds the client
// the first one registered.
type clusterNodes struct {
	opt *ClusterOptions

	mu     sync.RWMutex
	addrs  []string // seed addresses plus every address seen in a topology
	nodes  map[string]*clusterNode
	closed bool
}

func newClusterNodes(opt *ClusterOptions) *clusterNodes {
	return &clusterNodes{
		opt:   opt,
		addrs: append([]string(nil), opt.Addrs...),
		nodes: make(map[string]*clusterNode),
	}
}

func (c *clusterNodes) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	for _, node := range c.nodes {
		if err := node.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.nodes = nil
	return firstErr
}

// Addrs returns all known node addresses: the seeds plus every node
// discovered through topology refreshes.
func (c *clusterNodes) Addrs() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	if len(c.addrs) == 0 {
		return nil, errClusterNoNodes
	}
	return append([]string(nil), c.addrs...), nil
}

func (c *clusterNodes) Get(addr string) (*clusterNode, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.nodes[addr], nil
}

func (c *clusterNodes) GetOrCreate(addr string) (*clusterNode, error) {
	node, err := c.Get(addr)
	if err != nil {
		return nil, err
	}
	if node != nil {
		return node, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if node, ok := c.nodes[addr]; ok {
		return node, nil
	}

	opt := c.opt.clientOptions()
	opt.Addr = addr
	node = &clusterNode{
		Client: c.opt.NewClient(opt),
		addr:   addr,
	}
	c.nodes[addr] = node

	for _, known := range c.addrs {
		if known == addr {
			return node, nil
		}
	}
	c.addrs = append(c.addrs, addr)
	return node, nil
}

//------------------------------------------------------------------------------

// slotOwners is the node set serving one contiguous slot range: the master
// plus its replicas, with a rendezvous ring over the replica addresses for
// read routing.
type slotOwners struct {
	master   *clusterNode
	replicas map[string]*clusterNode
	rdv      *rendezvous.Rendezvous
}

// clusterState is an immutable topology snapshot. It is never mutated
// after construction; refreshes publish a whole new snapshot, so routing
// operations keep reading the snapshot they captured.
type clusterState struct {
	Masters []*clusterNode
	Slaves  []*clusterNode

	byID  map[string]*clusterNode
	slots []*slotOwners

	createdAt time.Time
}

func newClusterState(nodes *clusterNodes, slots []ClusterSlot) (*clusterState, error) {
	state := &clusterState{
		byID:      make(map[string]*clusterNode),
		slots:     make([]*slotOwners, hashtag.SlotNumber),
		createdAt: time.Now(),
	}

	seenMaster := make(map[string]bool)
	seenSlave := make(map[string]bool)

	for _, slot := range slots {
		if slot.Start < 0 || slot.End >= hashtag.SlotNumber || slot.Start > slot.End || len(slot.Nodes) == 0 {
			internal.Logf("slotring: skipping malformed slot range %d-%d", slot.Start, slot.End)
			continue
		}

		master, err := nodes.GetOrCreate(slot.Nodes[0].Addr)
		if err != nil {
			return nil, err
		}
		if id := slot.Nodes[0].ID; id != "" {
			state.byID[id] = master
		}
		if !seenMaster[master.addr] {
			seenMaster[master.addr] = true
			state.Masters = append(state.Masters, master)
		}

		owners := &slotOwners{master: master}
		if len(slot.Nodes) > 1 {
			owners.replicas = make(map[string]*clusterNode, len(slot.Nodes)-1)
			replicaAddrs := make([]string, 0, len(slot.Nodes)-1)
			for _, n := range slot.Nodes[1:] {
				replica, err := nodes.GetOrCreate(n.Addr)
				if err != nil {
					return nil, err
				}
				if n.ID != "" {
					state.byID[n.ID] = replica
				}
				if !seenSlave[replica.addr] {
					seenSlave[replica.addr] = true
					state.Slaves = append(state.Slaves, replica)
				}
				owners.replicas[replica.addr] = replica
				replicaAddrs = append(replicaAddrs, replica.addr)
			}
			owners.rdv = rendezvous.New(replicaAddrs, xxhash.Sum64String)
		}

		for s := slot.Start; s <= slot.End; s++ {
			if prev := state.slots[s]; prev != nil && prev.master != master {
				// Conflicting claims can show up while slots migrate.
				// The most recently parsed assignment wins.
				internal.Logf("slotring: slot %d claimed by both %s and %s, using %s",
					s, prev.master.addr, master.addr, master.addr)
			}
			state.slots[s] = owners
		}
	}

	if len(state.Masters) == 0 {
		return nil, errClusterNoNodes
	}
	return state, nil
}

// slotMasterNode returns the master owning the slot, or an arbitrary
// master when the slot is unassigned.
func (s *clusterState) slotMasterNode(slot int, picker routing.ShardPicker) (*clusterNode, error) {
	if owners := s.slots[slot]; owners != nil {
		return owners.master, nil
	}
	return s.arbitraryMaster(picker)
}

// slotReadNode returns a replica for the slot chosen by rendezvous hashing
// of the key, falling back to the master when the slot has no replicas.
func (s *clusterState) slotReadNode(slot int, key string) (*clusterNode, error) {
	owners := s.slots[slot]
	if owners == nil {
		return nil, errClusterNoNodes
	}
	if owners.rdv == nil {
		return owners.master, nil
	}
	return owners.replicas[owners.rdv.Lookup(key)], nil
}

func (s *clusterState) arbitraryMaster(picker routing.ShardPicker) (*clusterNode, error) {
	if len(s.Masters) == 0 {
		return nil, errClusterNoNodes
	}
	return s.Masters[picker.Next(len(s.Masters))], nil
}

func (s *clusterState) nodeByID(id string) *clusterNode {
	return s.byID[id]
}

func (s *clusterState) nodeByAddr(addr string) *clusterNode {
	for _, node := range s.Masters {
		if node.addr == addr {
			return node
		}
	}
	for _, node := range s.Slaves {
		if node.addr == addr {
			return node
		}
	}
	return nil
}

// sortedMasters returns the masters in a stable order for cluster-wide
// scanning.
func (s *clusterState) sortedMasters() []*clusterNode {
	masters := append([]*clusterNode(nil), s.Masters...)
	for i := 1; i < len(masters); i++ {
		for j := i; j > 0 && masters[j].addr < masters[j-1].addr; j-- {
			masters[j], masters[j-1] = masters[j-1], masters[j]
		}
	}
	return masters
}

//------------------------------------------------------------------------------

// clusterStateHolder publishes topology snapshots through an atomically
// swapped reference. Concurrent reloads are collapsed into one flight.
type clusterStateHolder struct {
	load func(ctx context.Context) (*clusterState, error)

	state     atomic.Value
	group     singleflight.Group
	reloading uint32
}

func newClusterStateHolder(fn func(ctx context.Context) (*clusterState, error)) *clusterStateHolder {
	return &clusterStateHolder{
		load: fn,
	}
}

func (c *clusterStateHolder) Reload(ctx context.Context) (*clusterState, error) {
	v, err, _ := c.group.Do("reload", func() (interface{}, error) {
		state, err := c.load(ctx)
		if err != nil {
			return nil, err
		}
		c.state.Store(state)
		internal.Debugf("topology refreshed: %d masters, %d replicas",
			len(state.Masters), len(state.Slaves))
		return state, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*clusterState), nil
}

// LazyReload schedules a background refresh unless one is already running.
func (c *clusterStateHolder) LazyReload() {
	if !atomic.CompareAndSwapUint32(&c.reloading, 0, 1) {
		return
	}
	go func() {
		defer atomic.StoreUint32(&c.reloading, 0)

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := c.Reload(ctx); err != nil {
			internal.Logf("slotring: lazy topology reload failed: %s", err)
		}
	}()
}

// Get returns the cached snapshot without touching the network, loading
// one synchronously only on first use.
func (c *clusterStateHolder) Get(ctx context.Context) (*clusterState, error) {
	if v := c.state.Load(); v != nil {
		state := v.(*clusterState)
		if time.Since(state.createdAt) > stateFreshness {
			c.LazyReload()
		}
		return state, nil
	}
	return c.Reload(ctx)
}

//------------------------------------------------------------------------------

// ClusterClient is a client for a Redis cluster. It routes every command
// to the node owning the command's slot, fans multi-key commands out
// across nodes, and follows MOVED/ASK redirects.
type ClusterClient struct {
	cmdable

	opt   *ClusterOptions
	nodes *clusterNodes
	state *clusterStateHolder
}

var _ Cmdable = (*ClusterClient)(nil)

// NewClusterClient initializes a new cluster-aware client using given
// options. A list of seed addresses must be provided.
func NewClusterClient(opt *ClusterOptions) *ClusterClient {
	opt.init()

	c := &ClusterClient{
		opt:   opt,
		nodes: newClusterNodes(opt),
	}
	c.state = newClusterStateHolder(c.loadState)
	c.cmdable = c.Process
	return c
}

// Close closes the cluster client and every per-node client. Node clients
// are owned by the cluster client: callers never close them individually.
func (c *ClusterClient) Close() error {
	return c.nodes.Close()
}

// Options returns a copy of the cluster options.
func (c *ClusterClient) Options() *ClusterOptions {
	opt := *c.opt
	return &opt
}

// ReloadState refreshes the topology snapshot synchronously.
func (c *ClusterClient) ReloadState(ctx context.Context) error {
	_, err := c.state.Reload(ctx)
	return err
}

// loadState queries the known nodes for CLUSTER SLOTS and builds a fresh
// snapshot. Each sweep tries every known node once; sweeps are retried
// with exponential backoff before giving up with a TopologyError.
func (c *ClusterClient) loadState(ctx context.Context) (*clusterState, error) {
	if c.opt.ClusterSlots != nil {
		slots, err := c.opt.ClusterSlots(ctx)
		if err != nil {
			return nil, err
		}
		return newClusterState(c.nodes, slots)
	}

	sweep := func() (*clusterState, error) {
		addrs, err := c.nodes.Addrs()
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		var tried []string
		var lastErr error
		for _, addr := range addrs {
			node, err := c.nodes.GetOrCreate(addr)
			if err != nil {
				return nil, backoff.Permanent(err)
			}

			tried = append(tried, addr)
			slots, err := node.Client.ClusterSlots(ctx).Result()
			if err != nil {
				lastErr = err
				continue
			}
			return newClusterState(c.nodes, slots)
		}
		return nil, &TopologyError{Tried: tried, Err: lastErr}
	}

	state, err := backoff.Retry(ctx, sweep,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(c.opt.MaxTopologyRetries)),
	)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Process routes a single command. Multi-key and fan-out commands are
// dispatched per their routing policy; everything else goes to the node
// owning the command's slot.
func (c *ClusterClient) Process(ctx context.Context, cmd Cmder) error {
	if policy := routing.PolicyFor(cmd.FullName()); policy != nil {
		switch policy.Request {
		case routing.ReqMultiShard:
			return c.processMultiShard(ctx, cmd, policy)
		case routing.ReqAllShards:
			return c.processAllShards(ctx, cmd, policy)
		case routing.ReqAllNodes:
			return c.processAllNodes(ctx, cmd, policy)
		}
	}
	return c.processDefault(ctx, cmd)
}

func (c *ClusterClient) processDefault(ctx context.Context, cmd Cmder) error {
	node, err := c.cmdNode(ctx, cmd)
	if err != nil {
		cmd.SetErr(err)
		return err
	}

	var ask bool
	for attempt := 0; attempt <= c.opt.MaxRedirects; attempt++ {
		if attempt > 0 {
			if err := internal.Sleep(ctx, internal.RetryBackoff(
				attempt-1, c.opt.MinRetryBackoff, c.opt.MaxRetryBackoff)); err != nil {
				cmd.SetErr(err)
				return err
			}
		}

		if ask {
			err = node.Client.processAsking(ctx, cmd)
			ask = false
		} else {
			err = node.Client.Process(ctx, cmd)
		}
		if err == nil || err == Nil {
			return err
		}

		// On network errors try another node.
		if shouldRetry(err, true) {
			state, serr := c.state.Get(ctx)
			if serr != nil {
				return err
			}
			node, serr = state.arbitraryMaster(c.opt.ShardPicker)
			if serr != nil {
				return err
			}
			continue
		}

		moved, askRedir, addr := isMovedError(err)
		if !moved && !askRedir {
			return err
		}
		if moved {
			c.state.LazyReload()
		}
		ask = askRedir

		node, err = c.nodes.GetOrCreate(addr)
		if err != nil {
			cmd.SetErr(err)
			return err
		}
	}
	return cmd.Err()
}

// cmdNode picks the node for a single-slot command: the slot's master, a
// replica for read-only commands when ReadOnly is enabled, or an arbitrary
// master for keyless commands.
func (c *ClusterClient) cmdNode(ctx context.Context, cmd Cmder) (*clusterNode, error) {
	state, err := c.state.Get(ctx)
	if err != nil {
		return nil, err
	}

	pos := cmdFirstKeyPos(cmd)
	if pos == 0 {
		return state.arbitraryMaster(c.opt.ShardPicker)
	}

	key := cmd.stringArg(pos)
	slot := hashtag.Slot(key)
	if c.opt.ReadOnly && isReadOnlyCommand(cmd.Name()) {
		return state.slotReadNode(slot, key)
	}
	return state.slotMasterNode(slot, c.opt.ShardPicker)
}

var readOnlyCommands = map[string]bool{
	"get":        true,
	"mget":       true,
	"exists":     true,
	"scan":       true,
	"keys":       true,
	"randomkey":  true,
	"dbsize":     true,
	"echo":       true,
	"eval_ro":    true,
	"evalsha_ro": true,
}

func isReadOnlyCommand(name string) bool {
	return readOnlyCommands[name]
}

//------------------------------------------------------------------------------

// NodeByID returns the client connected to the node with the given cluster
// node id.
func (c *ClusterClient) NodeByID(ctx context.Context, id string) (*Client, error) {
	state, err := c.state.Get(ctx)
	if err != nil {
		return nil, err
	}
	node := state.nodeByID(id)
	if node == nil {
		return nil, &UnknownNodeError{ID: id}
	}
	return node.Client, nil
}

// NodeByAddr returns the client connected to the node listening on
// host:port. The address must belong to the current topology.
func (c *ClusterClient) NodeByAddr(ctx context.Context, host string, port int) (*Client, error) {
	state, err := c.state.Get(ctx)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	node := state.nodeByAddr(addr)
	if node == nil {
		return nil, &UnknownNodeError{Addr: addr}
	}
	return node.Client, nil
}

// ForEachMaster concurrently calls fn with a client for every master node.
// It returns the first error.
func (c *ClusterClient) ForEachMaster(ctx context.Context, fn func(ctx context.Context, client *Client) error) error {
	state, err := c.state.Get(ctx)
	if err != nil {
		return err
	}
	return eachNode(ctx, state.Masters, fn)
}

// ForEachNode concurrently calls fn with a client for every known node,
// masters and replicas.
func (c *ClusterClient) ForEachNode(ctx context.Context, fn func(ctx context.Context, client *Client) error) error {
	state, err := c.state.Get(ctx)
	if err != nil {
		return err
	}
	nodes := make([]*clusterNode, 0, len(state.Masters)+len(state.Slaves))
	nodes = append(nodes, state.Masters...)
	nodes = append(nodes, state.Slaves...)
	return eachNode(ctx, nodes, fn)
}

func eachNode(ctx context.Context, nodes []*clusterNode, fn func(ctx context.Context, client *Client) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			return fn(ctx, node.Client)
		})
	}
	return g.Wait()
}
