package slotring

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/slotring/slotring/internal/proto"
)

type Cmder interface {
	Name() string
	FullName() string
	Args() []interface{}
	String() string

	stringArg(int) string
	readReply(rd *proto.Reader) error
	readTimeout() *time.Duration

	SetErr(error)
	Err() error
}

func setCmdsErr(cmds []Cmder, e error) {
	for _, cmd := range cmds {
		if cmd.Err() == nil {
			cmd.SetErr(e)
		}
	}
}

func writeCmd(wr *proto.Writer, cmd Cmder) error {
	return wr.WriteArgs(cmd.Args())
}

// cmdFirstKeyPos returns the argument index of the command's first key, or
// 0 when the command has no keys.
func cmdFirstKeyPos(cmd Cmder) int {
	switch cmd.Name() {
	case "eval", "evalsha", "eval_ro", "evalsha_ro":
		if cmd.stringArg(2) != "0" {
			return 3
		}
		return 0
	case "ping", "echo", "dbsize", "flushall", "flushdb", "keys", "randomkey",
		"scan", "script", "cluster", "client", "readonly", "readwrite", "info",
		"shutdown", "command":
		return 0
	}
	return 1
}

//------------------------------------------------------------------------------

type baseCmd struct {
	ctx  context.Context
	args []interface{}
	err  error
}

func (cmd *baseCmd) Name() string {
	if len(cmd.args) == 0 {
		return ""
	}
	return strings.ToLower(cmd.stringArg(0))
}

// FullName includes the subcommand for container commands, e.g.
// "script load".
func (cmd *baseCmd) FullName() string {
	switch name := cmd.Name(); name {
	case "cluster", "command", "script", "client":
		if len(cmd.args) == 1 {
			return name
		}
		return name + " " + strings.ToLower(cmd.stringArg(1))
	default:
		return name
	}
}

func (cmd *baseCmd) Args() []interface{} {
	return cmd.args
}

func (cmd *baseCmd) stringArg(pos int) string {
	if pos < 0 || pos >= len(cmd.args) {
		return ""
	}
	switch v := cmd.args[pos].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func (cmd *baseCmd) SetErr(e error) {
	cmd.err = e
}

func (cmd *baseCmd) Err() error {
	return cmd.err
}

func (cmd *baseCmd) readTimeout() *time.Duration {
	return nil
}

func cmdString(cmd Cmder, val interface{}) string {
	b := make([]byte, 0, 64)
	for i, arg := range cmd.Args() {
		if i > 0 {
			b = append(b, ' ')
		}
		b = append(b, fmt.Sprint(arg)...)
	}
	if err := cmd.Err(); err != nil {
		b = append(b, ": "...)
		b = append(b, err.Error()...)
	} else if val != nil {
		b = append(b, ": "...)
		b = append(b, fmt.Sprint(val)...)
	}
	return string(b)
}

//------------------------------------------------------------------------------

// Cmd carries an arbitrary reply, e.g. for EVAL.
type Cmd struct {
	baseCmd

	val interface{}
}

func NewCmd(ctx context.Context, args ...interface{}) *Cmd {
	return &Cmd{baseCmd: baseCmd{ctx: ctx, args: args}}
}

func (cmd *Cmd) String() string {
	return cmdString(cmd, cmd.val)
}

func (cmd *Cmd) SetVal(val interface{}) {
	cmd.val = val
}

func (cmd *Cmd) Val() interface{} {
	return cmd.val
}

func (cmd *Cmd) Result() (interface{}, error) {
	return cmd.val, cmd.err
}

func (cmd *Cmd) Text() (string, error) {
	if cmd.err != nil {
		return "", cmd.err
	}
	s, ok := cmd.val.(string)
	if !ok {
		return "", fmt.Errorf("slotring: unexpected type=%T for String", cmd.val)
	}
	return s, nil
}

func (cmd *Cmd) Int64() (int64, error) {
	if cmd.err != nil {
		return 0, cmd.err
	}
	switch v := cmd.val.(type) {
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("slotring: unexpected type=%T for Int64", cmd.val)
	}
}

func (cmd *Cmd) readReply(rd *proto.Reader) error {
	val, err := rd.ReadReply()
	if err != nil {
		return err
	}
	cmd.val = val
	return nil
}

//------------------------------------------------------------------------------

type StatusCmd struct {
	baseCmd

	val string
}

func NewStatusCmd(ctx context.Context, args ...interface{}) *StatusCmd {
	return &StatusCmd{baseCmd: baseCmd{ctx: ctx, args: args}}
}

func (cmd *StatusCmd) String() string {
	return cmdString(cmd, cmd.val)
}

func (cmd *StatusCmd) SetVal(val string) {
	cmd.val = val
}

func (cmd *StatusCmd) Val() string {
	return cmd.val
}

func (cmd *StatusCmd) Result() (string, error) {
	return cmd.val, cmd.err
}

func (cmd *StatusCmd) readReply(rd *proto.Reader) error {
	val, err := rd.ReadString()
	if err != nil {
		return err
	}
	cmd.val = val
	return nil
}

//------------------------------------------------------------------------------

type IntCmd struct {
	baseCmd

	val int64
}

func NewIntCmd(ctx context.Context, args ...interface{}) *IntCmd {
	return &IntCmd{baseCmd: baseCmd{ctx: ctx, args: args}}
}

func (cmd *IntCmd) String() string {
	return cmdString(cmd, cmd.val)
}

func (cmd *IntCmd) SetVal(val int64) {
	cmd.val = val
}

func (cmd *IntCmd) Val() int64 {
	return cmd.val
}

func (cmd *IntCmd) Result() (int64, error) {
	return cmd.val, cmd.err
}

func (cmd *IntCmd) readReply(rd *proto.Reader) error {
	val, err := rd.ReadInt()
	if err != nil {
		return err
	}
	cmd.val = val
	return nil
}

//------------------------------------------------------------------------------

type BoolCmd struct {
	baseCmd

	val bool
}

func NewBoolCmd(ctx context.Context, args ...interface{}) *BoolCmd {
	return &BoolCmd{baseCmd: baseCmd{ctx: ctx, args: args}}
}

func (cmd *BoolCmd) String() string {
	return cmdString(cmd, cmd.val)
}

func (cmd *BoolCmd) SetVal(val bool) {
	cmd.val = val
}

func (cmd *BoolCmd) Val() bool {
	return cmd.val
}

func (cmd *BoolCmd) Result() (bool, error) {
	return cmd.val, cmd.err
}

func (cmd *BoolCmd) readReply(rd *proto.Reader) error {
	val, err := rd.ReadReply()
	// `SET key value NX` returns nil when key already exists.
	if err == Nil {
		cmd.val = false
		return nil
	}
	if err != nil {
		return err
	}
	switch v := val.(type) {
	case int64:
		cmd.val = v == 1
	case string:
		cmd.val = v == "OK"
	default:
		return fmt.Errorf("slotring: got %T, wanted int64 or string", val)
	}
	return nil
}

//------------------------------------------------------------------------------

type StringCmd struct {
	baseCmd

	val string
}

func NewStringCmd(ctx context.Context, args ...interface{}) *StringCmd {
	return &StringCmd{baseCmd: baseCmd{ctx: ctx, args: args}}
}

func (cmd *StringCmd) String() string {
	return cmdString(cmd, cmd.val)
}

func (cmd *StringCmd) SetVal(val string) {
	cmd.val = val
}

func (cmd *StringCmd) Val() string {
	return cmd.val
}

func (cmd *StringCmd) Result() (string, error) {
	return cmd.val, cmd.err
}

func (cmd *StringCmd) readReply(rd *proto.Reader) error {
	val, err := rd.ReadString()
	if err != nil {
		return err
	}
	cmd.val = val
	return nil
}

//------------------------------------------------------------------------------

// SliceCmd carries an array reply with nil holes, e.g. for MGET.
type SliceCmd struct {
	baseCmd

	val []interface{}
}

func NewSliceCmd(ctx context.Context, args ...interface{}) *SliceCmd {
	return &SliceCmd{baseCmd: baseCmd{ctx: ctx, args: args}}
}

func (cmd *SliceCmd) String() string {
	return cmdString(cmd, cmd.val)
}

func (cmd *SliceCmd) SetVal(val []interface{}) {
	cmd.val = val
}

func (cmd *SliceCmd) Val() []interface{} {
	return cmd.val
}

func (cmd *SliceCmd) Result() ([]interface{}, error) {
	return cmd.val, cmd.err
}

func (cmd *SliceCmd) readReply(rd *proto.Reader) error {
	val, err := rd.ReadReply()
	if err != nil {
		return err
	}
	vals, ok := val.([]interface{})
	if !ok {
		return fmt.Errorf("slotring: got %T, wanted array", val)
	}
	cmd.val = vals
	return nil
}

//------------------------------------------------------------------------------

type StringSliceCmd struct {
	baseCmd

	val []string
}

func NewStringSliceCmd(ctx context.Context, args ...interface{}) *StringSliceCmd {
	return &StringSliceCmd{baseCmd: baseCmd{ctx: ctx, args: args}}
}

func (cmd *StringSliceCmd) String() string {
	return cmdString(cmd, cmd.val)
}

func (cmd *StringSliceCmd) SetVal(val []string) {
	cmd.val = val
}

func (cmd *StringSliceCmd) Val() []string {
	return cmd.val
}

func (cmd *StringSliceCmd) Result() ([]string, error) {
	return cmd.val, cmd.err
}

func (cmd *StringSliceCmd) readReply(rd *proto.Reader) error {
	n, err := rd.ReadArrayLen()
	if err != nil {
		return err
	}
	cmd.val = make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := rd.ReadString()
		if err == Nil {
			s = ""
		} else if err != nil {
			return err
		}
		cmd.val = append(cmd.val, s)
	}
	return nil
}

//------------------------------------------------------------------------------

type BoolSliceCmd struct {
	baseCmd

	val []bool
}

func NewBoolSliceCmd(ctx context.Context, args ...interface{}) *BoolSliceCmd {
	return &BoolSliceCmd{baseCmd: baseCmd{ctx: ctx, args: args}}
}

func (cmd *BoolSliceCmd) String() string {
	return cmdString(cmd, cmd.val)
}

func (cmd *BoolSliceCmd) SetVal(val []bool) {
	cmd.val = val
}

func (cmd *BoolSliceCmd) Val() []bool {
	return cmd.val
}

func (cmd *BoolSliceCmd) Result() ([]bool, error) {
	return cmd.val, cmd.err
}

func (cmd *BoolSliceCmd) readReply(rd *proto.Reader) error {
	n, err := rd.ReadArrayLen()
	if err != nil {
		return err
	}
	cmd.val = make([]bool, 0, n)
	for i := 0; i < n; i++ {
		v, err := rd.ReadInt()
		if err != nil {
			return err
		}
		cmd.val = append(cmd.val, v == 1)
	}
	return nil
}

//------------------------------------------------------------------------------

// ScanCmd carries one SCAN page: the next native cursor and a batch of
// keys.
type ScanCmd struct {
	baseCmd

	page   []string
	cursor uint64
}

func NewScanCmd(ctx context.Context, args ...interface{}) *ScanCmd {
	return &ScanCmd{baseCmd: baseCmd{ctx: ctx, args: args}}
}

func (cmd *ScanCmd) String() string {
	return cmdString(cmd, cmd.page)
}

func (cmd *ScanCmd) SetVal(page []string, cursor uint64) {
	cmd.page = page
	cmd.cursor = cursor
}

func (cmd *ScanCmd) Val() (keys []string, cursor uint64) {
	return cmd.page, cmd.cursor
}

func (cmd *ScanCmd) Result() (keys []string, cursor uint64, err error) {
	return cmd.page, cmd.cursor, cmd.err
}

func (cmd *ScanCmd) readReply(rd *proto.Reader) error {
	n, err := rd.ReadArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("slotring: got %d elements in scan reply, wanted 2", n)
	}

	s, err := rd.ReadString()
	if err != nil {
		return err
	}
	cursor, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	cmd.cursor = cursor

	n, err = rd.ReadArrayLen()
	if err != nil {
		return err
	}
	cmd.page = make([]string, 0, n)
	for i := 0; i < n; i++ {
		key, err := rd.ReadString()
		if err != nil {
			return err
		}
		cmd.page = append(cmd.page, key)
	}
	return nil
}

//------------------------------------------------------------------------------

// ClusterNode is one node of a slot range assignment as reported by
// CLUSTER SLOTS.
type ClusterNode struct {
	ID   string
	Addr string
}

// ClusterSlot is a slot range with the nodes serving it, master first.
type ClusterSlot struct {
	Start int
	End   int
	Nodes []ClusterNode
}

type ClusterSlotsCmd struct {
	baseCmd

	val []ClusterSlot
}

func NewClusterSlotsCmd(ctx context.Context, args ...interface{}) *ClusterSlotsCmd {
	return &ClusterSlotsCmd{baseCmd: baseCmd{ctx: ctx, args: args}}
}

func (cmd *ClusterSlotsCmd) String() string {
	return cmdString(cmd, cmd.val)
}

func (cmd *ClusterSlotsCmd) SetVal(val []ClusterSlot) {
	cmd.val = val
}

func (cmd *ClusterSlotsCmd) Val() []ClusterSlot {
	return cmd.val
}

func (cmd *ClusterSlotsCmd) Result() ([]ClusterSlot, error) {
	return cmd.val, cmd.err
}

func (cmd *ClusterSlotsCmd) readReply(rd *proto.Reader) error {
	n, err := rd.ReadArrayLen()
	if err != nil {
		return err
	}

	cmd.val = make([]ClusterSlot, n)
	for i := 0; i < n; i++ {
		m, err := rd.ReadArrayLen()
		if err != nil {
			return err
		}
		if m < 3 {
			return fmt.Errorf("slotring: got %d elements in cluster slot, expected at least 3", m)
		}

		start, err := rd.ReadInt()
		if err != nil {
			return err
		}
		end, err := rd.ReadInt()
		if err != nil {
			return err
		}

		nodes := make([]ClusterNode, m-2)
		for j := 0; j < len(nodes); j++ {
			nn, err := rd.ReadArrayLen()
			if err != nil {
				return err
			}
			if nn < 2 {
				return fmt.Errorf("slotring: got %d elements in cluster slot node, expected at least 2", nn)
			}

			ip, err := rd.ReadString()
			if err != nil {
				return err
			}
			port, err := rd.ReadInt()
			if err != nil {
				return err
			}
			nodes[j].Addr = net.JoinHostPort(ip, strconv.FormatInt(port, 10))

			if nn >= 3 {
				id, err := rd.ReadString()
				if err != nil {
					return err
				}
				nodes[j].ID = id
			}
			// Skip metadata added by newer servers.
			for k := 3; k < nn; k++ {
				if _, err := rd.ReadReply(); err != nil && err != Nil {
					return err
				}
			}
		}

		cmd.val[i] = ClusterSlot{
			Start: int(start),
			End:   int(end),
			Nodes: nodes,
		}
	}
	return nil
}
