package routing

import "strings"

// RequestPolicy says how a command is dispatched across the cluster.
type RequestPolicy uint8

const (
	// ReqDefault routes by the command's first key, or to an arbitrary
	// node when the command has no keys.
	ReqDefault RequestPolicy = iota

	// ReqAllNodes fans the command out to every node, masters and
	// replicas.
	ReqAllNodes

	// ReqAllShards fans the command out to every master.
	ReqAllShards

	// ReqMultiShard splits the command's keys by owning node and issues
	// one sub-command per node.
	ReqMultiShard

	// ReqSpecial is handled by command-specific code.
	ReqSpecial
)

func (p RequestPolicy) String() string {
	switch p {
	case ReqDefault:
		return "default"
	case ReqAllNodes:
		return "all_nodes"
	case ReqAllShards:
		return "all_shards"
	case ReqMultiShard:
		return "multi_shard"
	case ReqSpecial:
		return "special"
	default:
		return "unknown"
	}
}

// ResponsePolicy says how per-node replies are merged into one reply.
type ResponsePolicy uint8

const (
	// RespOrderedKeys places each key's value at the key's original
	// position, independent of node completion order.
	RespOrderedKeys ResponsePolicy = iota

	// RespAggSum sums integer replies.
	RespAggSum

	// RespAggLogicalAnd ANDs boolean (0/1) replies.
	RespAggLogicalAnd

	// RespAllSucceeded returns the common status reply if every node
	// succeeded.
	RespAllSucceeded

	// RespAppend concatenates array replies in node order.
	RespAppend

	// RespSpecial is merged by command-specific code.
	RespSpecial
)

func (p ResponsePolicy) String() string {
	switch p {
	case RespOrderedKeys:
		return "ordered_keys"
	case RespAggSum:
		return "agg_sum"
	case RespAggLogicalAnd:
		return "agg_logical_and"
	case RespAllSucceeded:
		return "all_succeeded"
	case RespAppend:
		return "append"
	case RespSpecial:
		return "special"
	default:
		return "unknown"
	}
}

// CommandPolicy pairs a dispatch policy with a merge policy. KeyStep is the
// distance between consecutive keys in the argument list (2 for MSET-shaped
// commands).
type CommandPolicy struct {
	Request  RequestPolicy
	Response ResponsePolicy
	KeyStep  int
}

var commandPolicies = map[string]*CommandPolicy{
	"mget":   {Request: ReqMultiShard, Response: RespOrderedKeys, KeyStep: 1},
	"mset":   {Request: ReqMultiShard, Response: RespAllSucceeded, KeyStep: 2},
	"msetnx": {Request: ReqMultiShard, Response: RespAggLogicalAnd, KeyStep: 2},
	"del":    {Request: ReqMultiShard, Response: RespAggSum, KeyStep: 1},
	"unlink": {Request: ReqMultiShard, Response: RespAggSum, KeyStep: 1},
	"exists": {Request: ReqMultiShard, Response: RespAggSum, KeyStep: 1},

	"dbsize":   {Request: ReqAllShards, Response: RespAggSum},
	"keys":     {Request: ReqAllShards, Response: RespAppend},
	"flushall": {Request: ReqAllShards, Response: RespAllSucceeded},
	"flushdb":  {Request: ReqAllShards, Response: RespAllSucceeded},

	"script load":   {Request: ReqAllShards, Response: RespSpecial},
	"script exists": {Request: ReqAllShards, Response: RespSpecial},
	"script flush":  {Request: ReqAllShards, Response: RespAllSucceeded},
	"script kill":   {Request: ReqAllShards, Response: RespAllSucceeded},

	"client setname": {Request: ReqAllNodes, Response: RespAllSucceeded},
}

// PolicyFor returns the routing policy for a command, or nil for default
// key-based routing. fullName includes the subcommand, e.g. "script load".
func PolicyFor(fullName string) *CommandPolicy {
	return commandPolicies[strings.ToLower(fullName)]
}
