// Package redistest runs an in-process fake Redis cluster for tests. Each
// node owns a contiguous slot range, answers CLUSTER SLOTS with the full
// topology, and replies MOVED for keys it does not own. SCAN is
// deterministic: a sorted snapshot of the keyspace paged by index.
package redistest

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/slotring/slotring/internal/hashtag"
)

// store is the keyspace shared between a master and its replicas.
type store struct {
	mu      sync.Mutex
	data    map[string]string
	scripts map[string]string
}

func newStore() *store {
	return &store{
		data:    make(map[string]string),
		scripts: make(map[string]string),
	}
}

// Server is one fake cluster node.
type Server struct {
	id      string
	ln      net.Listener
	addr    string
	start   int // first owned slot
	end     int // last owned slot
	cluster *Cluster
	store   *store
	replica bool

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	calls   map[string]int
	stopped bool
}

// Cluster is a set of fake nodes covering all 16384 slots.
type Cluster struct {
	mu      sync.Mutex
	masters []*Server
	nodes   []*Server
}

// StartCluster starts n master nodes, splitting the slot space into n
// contiguous ranges.
func StartCluster(n int) (*Cluster, error) {
	c := &Cluster{}
	per := hashtag.SlotNumber / n
	for i := 0; i < n; i++ {
		start := i * per
		end := start + per - 1
		if i == n-1 {
			end = hashtag.SlotNumber - 1
		}
		s, err := c.startServer(fmt.Sprintf("master-%d", i), start, end, newStore(), false)
		if err != nil {
			c.Stop()
			return nil, err
		}
		c.masters = append(c.masters, s)
	}
	return c, nil
}

// AddReplica starts a replica of the i-th master, sharing its keyspace.
func (c *Cluster) AddReplica(i int) (*Server, error) {
	c.mu.Lock()
	master := c.masters[i]
	c.mu.Unlock()

	id := fmt.Sprintf("replica-of-%d-%d", i, len(c.nodes))
	return c.startServer(id, master.start, master.end, master.store, true)
}

func (c *Cluster) startServer(id string, start, end int, st *store, replica bool) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		id:      id,
		ln:      ln,
		addr:    ln.Addr().String(),
		start:   start,
		end:     end,
		cluster: c,
		store:   st,
		replica: replica,
		conns:   make(map[net.Conn]struct{}),
		calls:   make(map[string]int),
	}
	c.mu.Lock()
	c.nodes = append(c.nodes, s)
	c.mu.Unlock()

	go s.serve()
	return s, nil
}

// Addrs returns the master addresses, for seeding a client.
func (c *Cluster) Addrs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs := make([]string, len(c.masters))
	for i, s := range c.masters {
		addrs[i] = s.addr
	}
	return addrs
}

func (c *Cluster) Master(i int) *Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masters[i]
}

// MasterFor returns the master owning the key's slot.
func (c *Cluster) MasterFor(key string) *Server {
	slot := hashtag.Slot(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.masters {
		if slot >= s.start && slot <= s.end {
			return s
		}
	}
	return nil
}

func (c *Cluster) Stop() {
	c.mu.Lock()
	nodes := append([]*Server(nil), c.nodes...)
	c.mu.Unlock()
	for _, s := range nodes {
		s.Stop()
	}
}

func (s *Server) Addr() string { return s.addr }
func (s *Server) ID() string   { return s.id }

// Calls reports how many times the node served the named command.
func (s *Server) Calls(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[strings.ToLower(cmd)]
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	_ = s.ln.Close()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (s *Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	rd := bufio.NewReader(conn)
	wr := bufio.NewWriter(conn)
	for {
		args, err := readCommand(rd)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.calls[strings.ToLower(args[0])]++
		s.mu.Unlock()

		s.dispatch(wr, args)
		if err := wr.Flush(); err != nil {
			return
		}
	}
}

// owns reports whether the node serves the key; when it does not, a MOVED
// redirect naming the owning master has been written.
func (s *Server) owns(wr *bufio.Writer, key string) bool {
	slot := hashtag.Slot(key)
	if slot >= s.start && slot <= s.end {
		return true
	}
	owner := s.cluster.MasterFor(key)
	writeError(wr, fmt.Sprintf("MOVED %d %s", slot, owner.addr))
	return false
}

func (s *Server) dispatch(wr *bufio.Writer, args []string) {
	switch strings.ToLower(args[0]) {
	case "ping":
		writeStatus(wr, "PONG")
	case "echo":
		writeBulk(wr, args[1])
	case "auth", "select", "readonly", "readwrite", "asking":
		writeStatus(wr, "OK")
	case "client":
		writeStatus(wr, "OK")
	case "cluster":
		if len(args) > 1 && strings.EqualFold(args[1], "slots") {
			s.clusterSlots(wr)
			return
		}
		writeError(wr, "ERR unknown CLUSTER subcommand")

	case "get":
		if !s.owns(wr, args[1]) {
			return
		}
		s.store.mu.Lock()
		val, ok := s.store.data[args[1]]
		s.store.mu.Unlock()
		if !ok {
			writeNil(wr)
			return
		}
		writeBulk(wr, val)

	case "set":
		if !s.owns(wr, args[1]) {
			return
		}
		s.store.mu.Lock()
		s.store.data[args[1]] = args[2]
		s.store.mu.Unlock()
		writeStatus(wr, "OK")

	case "mget":
		for _, key := range args[1:] {
			if !s.owns(wr, key) {
				return
			}
		}
		writeArrayLen(wr, len(args)-1)
		s.store.mu.Lock()
		for _, key := range args[1:] {
			if val, ok := s.store.data[key]; ok {
				writeBulk(wr, val)
			} else {
				writeNil(wr)
			}
		}
		s.store.mu.Unlock()

	case "mset":
		for i := 1; i < len(args); i += 2 {
			if !s.owns(wr, args[i]) {
				return
			}
		}
		s.store.mu.Lock()
		for i := 1; i+1 < len(args); i += 2 {
			s.store.data[args[i]] = args[i+1]
		}
		s.store.mu.Unlock()
		writeStatus(wr, "OK")

	case "msetnx":
		for i := 1; i < len(args); i += 2 {
			if !s.owns(wr, args[i]) {
				return
			}
		}
		s.store.mu.Lock()
		ok := true
		for i := 1; i+1 < len(args); i += 2 {
			if _, exists := s.store.data[args[i]]; exists {
				ok = false
				break
			}
		}
		if ok {
			for i := 1; i+1 < len(args); i += 2 {
				s.store.data[args[i]] = args[i+1]
			}
		}
		s.store.mu.Unlock()
		if ok {
			writeInt(wr, 1)
		} else {
			writeInt(wr, 0)
		}

	case "del", "unlink":
		for _, key := range args[1:] {
			if !s.owns(wr, key) {
				return
			}
		}
		var n int64
		s.store.mu.Lock()
		for _, key := range args[1:] {
			if _, ok := s.store.data[key]; ok {
				delete(s.store.data, key)
				n++
			}
		}
		s.store.mu.Unlock()
		writeInt(wr, n)

	case "exists":
		for _, key := range args[1:] {
			if !s.owns(wr, key) {
				return
			}
		}
		var n int64
		s.store.mu.Lock()
		for _, key := range args[1:] {
			if _, ok := s.store.data[key]; ok {
				n++
			}
		}
		s.store.mu.Unlock()
		writeInt(wr, n)

	case "keys":
		keys := s.sortedKeys()
		var matched []string
		for _, key := range keys {
			if globMatch(args[1], key) {
				matched = append(matched, key)
			}
		}
		writeArrayLen(wr, len(matched))
		for _, key := range matched {
			writeBulk(wr, key)
		}

	case "randomkey":
		keys := s.sortedKeys()
		if len(keys) == 0 {
			writeNil(wr)
			return
		}
		writeBulk(wr, keys[0])

	case "dbsize":
		s.store.mu.Lock()
		n := int64(len(s.store.data))
		s.store.mu.Unlock()
		writeInt(wr, n)

	case "flushall", "flushdb":
		s.store.mu.Lock()
		s.store.data = make(map[string]string)
		s.store.mu.Unlock()
		writeStatus(wr, "OK")

	case "scan":
		s.scan(wr, args)

	case "script":
		s.script(wr, args)

	case "eval", "eval_ro":
		s.eval(wr, args[1], args[2:])

	case "evalsha", "evalsha_ro":
		s.store.mu.Lock()
		src, ok := s.store.scripts[strings.ToLower(args[1])]
		s.store.mu.Unlock()
		if !ok {
			writeError(wr, "NOSCRIPT No matching script")
			return
		}
		s.eval(wr, src, args[2:])

	default:
		writeError(wr, "ERR unknown command '"+args[0]+"'")
	}
}

func (s *Server) sortedKeys() []string {
	s.store.mu.Lock()
	keys := make([]string, 0, len(s.store.data))
	for key := range s.store.data {
		if slot := hashtag.Slot(key); slot >= s.start && slot <= s.end {
			keys = append(keys, key)
		}
	}
	s.store.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (s *Server) scan(wr *bufio.Writer, args []string) {
	cursor, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		writeError(wr, "ERR invalid cursor")
		return
	}
	match := "*"
	count := 10
	for i := 2; i+1 < len(args); i += 2 {
		switch strings.ToLower(args[i]) {
		case "match":
			match = args[i+1]
		case "count":
			count, _ = strconv.Atoi(args[i+1])
		}
	}

	keys := s.sortedKeys()
	from := int(cursor)
	if from > len(keys) {
		from = len(keys)
	}
	to := from + count
	if to > len(keys) {
		to = len(keys)
	}

	var page []string
	for _, key := range keys[from:to] {
		if globMatch(match, key) {
			page = append(page, key)
		}
	}
	next := uint64(to)
	if to >= len(keys) {
		next = 0
	}

	writeArrayLen(wr, 2)
	writeBulk(wr, strconv.FormatUint(next, 10))
	writeArrayLen(wr, len(page))
	for _, key := range page {
		writeBulk(wr, key)
	}
}

func (s *Server) script(wr *bufio.Writer, args []string) {
	if len(args) < 2 {
		writeError(wr, "ERR wrong number of arguments")
		return
	}
	switch strings.ToLower(args[1]) {
	case "load":
		sum := sha1.Sum([]byte(args[2]))
		sha := hex.EncodeToString(sum[:])
		s.store.mu.Lock()
		s.store.scripts[sha] = args[2]
		s.store.mu.Unlock()
		writeBulk(wr, sha)
	case "exists":
		writeArrayLen(wr, len(args)-2)
		s.store.mu.Lock()
		for _, sha := range args[2:] {
			if _, ok := s.store.scripts[strings.ToLower(sha)]; ok {
				writeInt(wr, 1)
			} else {
				writeInt(wr, 0)
			}
		}
		s.store.mu.Unlock()
	case "flush":
		s.store.mu.Lock()
		s.store.scripts = make(map[string]string)
		s.store.mu.Unlock()
		writeStatus(wr, "OK")
	case "kill":
		writeStatus(wr, "OK")
	default:
		writeError(wr, "ERR unknown SCRIPT subcommand")
	}
}

// eval interprets just enough Lua for the test suite.
func (s *Server) eval(wr *bufio.Writer, src string, rest []string) {
	numKeys, _ := strconv.Atoi(rest[0])
	keys := rest[1 : 1+numKeys]
	argv := rest[1+numKeys:]

	switch strings.TrimSpace(src) {
	case "return 1":
		writeInt(wr, 1)
	case "return KEYS[1]":
		if len(keys) > 0 {
			writeBulk(wr, keys[0])
			return
		}
		writeNil(wr)
	case "return ARGV[1]":
		if len(argv) > 0 {
			writeBulk(wr, argv[0])
			return
		}
		writeNil(wr)
	case "return redis.call('get', KEYS[1])":
		if len(keys) == 0 {
			writeNil(wr)
			return
		}
		s.store.mu.Lock()
		val, ok := s.store.data[keys[0]]
		s.store.mu.Unlock()
		if !ok {
			writeNil(wr)
			return
		}
		writeBulk(wr, val)
	default:
		writeNil(wr)
	}
}

func (s *Server) clusterSlots(wr *bufio.Writer) {
	s.cluster.mu.Lock()
	masters := append([]*Server(nil), s.cluster.masters...)
	all := append([]*Server(nil), s.cluster.nodes...)
	s.cluster.mu.Unlock()

	writeArrayLen(wr, len(masters))
	for _, m := range masters {
		nodes := []*Server{m}
		for _, n := range all {
			if n.replica && n.start == m.start && n.end == m.end {
				nodes = append(nodes, n)
			}
		}
		writeArrayLen(wr, 2+len(nodes))
		writeInt(wr, int64(m.start))
		writeInt(wr, int64(m.end))
		for _, n := range nodes {
			host, port, _ := net.SplitHostPort(n.addr)
			p, _ := strconv.Atoi(port)
			writeArrayLen(wr, 3)
			writeBulk(wr, host)
			writeInt(wr, int64(p))
			writeBulk(wr, n.id)
		}
	}
}

func globMatch(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}

//------------------------------------------------------------------------------

func readCommand(rd *bufio.Reader) ([]string, error) {
	line, err := readLine(rd)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("redistest: expected array, got %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}

	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := readLine(rd)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 || line[0] != '$' {
			return nil, fmt.Errorf("redistest: expected bulk string, got %q", line)
		}
		size, err := strconv.Atoi(line[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(rd, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(rd *bufio.Reader) (string, error) {
	line, err := rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeStatus(wr *bufio.Writer, s string) { fmt.Fprintf(wr, "+%s\r\n", s) }
func writeError(wr *bufio.Writer, s string)  { fmt.Fprintf(wr, "-%s\r\n", s) }
func writeInt(wr *bufio.Writer, n int64)     { fmt.Fprintf(wr, ":%d\r\n", n) }
func writeNil(wr *bufio.Writer)              { fmt.Fprint(wr, "$-1\r\n") }
func writeArrayLen(wr *bufio.Writer, n int)  { fmt.Fprintf(wr, "*%d\r\n", n) }

func writeBulk(wr *bufio.Writer, s string) {
	fmt.Fprintf(wr, "$%d\r\n%s\r\n", len(s), s)
}
