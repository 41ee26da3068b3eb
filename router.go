package slotring

import (
	"context"
	"fmt"
	"sync"

	"github.com/slotring/slotring/internal/hashtag"
	"github.com/slotring/slotring/internal/routing"
)

// subRequest is the portion of a multi-key command owned by one node. It
// records the original positions of its key groups so the merged reply can
// be assembled in input order.
type subRequest struct {
	node      *clusterNode
	args      []interface{}
	positions []int
}

// processMultiShard splits a multi-key command by slot owner, runs the
// per-node sub-commands concurrently and merges the replies per the
// command's response policy. Keys are grouped by node, not by slot, so two
// keys from different slots served by the same master travel in one
// sub-command.
//
// The fan-out is not atomic: sub-commands that already ran are not rolled
// back when a later one fails. Failures surface as a PartialError naming
// the keys whose outcome is unknown.
func (c *ClusterClient) processMultiShard(ctx context.Context, cmd Cmder, policy *routing.CommandPolicy) error {
	state, err := c.state.Get(ctx)
	if err != nil {
		cmd.SetErr(err)
		return err
	}

	args := cmd.Args()
	firstKey := cmdFirstKeyPos(cmd)
	step := policy.KeyStep
	numGroups := (len(args) - firstKey) / step

	if numGroups == 0 {
		return c.setMergedValue(cmd, identityValue(policy.Response))
	}

	subs := make(map[*clusterNode]*subRequest)
	order := make([]*subRequest, 0, 1)
	for i := 0; i < numGroups; i++ {
		base := firstKey + i*step
		key := cmd.stringArg(base)

		node, err := state.slotMasterNode(hashtag.Slot(key), c.opt.ShardPicker)
		if err != nil {
			cmd.SetErr(err)
			return err
		}

		sub := subs[node]
		if sub == nil {
			sub = &subRequest{
				node: node,
				args: append([]interface{}(nil), args[:firstKey]...),
			}
			subs[node] = sub
			order = append(order, sub)
		}
		sub.args = append(sub.args, args[base:base+step]...)
		sub.positions = append(sub.positions, i)
	}

	subCmds := make([]*Cmd, len(order))
	var wg sync.WaitGroup
	for i, sub := range order {
		subCmd := NewCmd(ctx, sub.args...)
		subCmds[i] = subCmd

		wg.Add(1)
		go func(node *clusterNode, subCmd *Cmd) {
			defer wg.Done()
			_ = c.execOnNode(ctx, node, subCmd)
		}(sub.node, subCmd)
	}
	wg.Wait()

	partial := &PartialError{Failed: make(map[string]error)}
	for i, sub := range order {
		if err := subCmds[i].Err(); err != nil && err != Nil {
			partial.Failed[sub.node.addr] = err
			for _, pos := range sub.positions {
				partial.IndeterminateKeys = append(partial.IndeterminateKeys,
					cmd.stringArg(firstKey+pos*step))
			}
			continue
		}
		partial.Succeeded = append(partial.Succeeded, sub.node.addr)
	}
	if len(partial.Failed) > 0 {
		cmd.SetErr(partial)
		return partial
	}

	merged, err := mergeSubReplies(cmd, policy, order, subCmds, numGroups)
	if err != nil {
		cmd.SetErr(err)
		return err
	}
	return c.setMergedValue(cmd, merged)
}

func mergeSubReplies(
	cmd Cmder, policy *routing.CommandPolicy,
	order []*subRequest, subCmds []*Cmd, numGroups int,
) (interface{}, error) {
	if policy.Response == routing.RespOrderedKeys {
		agg := routing.NewKeyedAggregator(numGroups)
		for i, sub := range order {
			vals, ok := subCmds[i].Val().([]interface{})
			if !ok {
				return nil, fmt.Errorf("slotring: %s: expected array reply from %s", cmd.Name(), sub.node.addr)
			}
			for j, pos := range sub.positions {
				if j < len(vals) {
					if err := agg.AddAt(pos, vals[j]); err != nil {
						return nil, err
					}
				}
			}
		}
		return agg.Result()
	}

	agg, err := routing.NewAggregator(policy.Response)
	if err != nil {
		return nil, err
	}
	for i := range order {
		if err := agg.Add(subCmds[i].Val()); err != nil {
			return nil, err
		}
	}
	return agg.Result()
}

// identityValue is the merged reply for a fan-out with zero sub-requests.
func identityValue(policy routing.ResponsePolicy) interface{} {
	switch policy {
	case routing.RespOrderedKeys:
		return []interface{}{}
	case routing.RespAggSum:
		return int64(0)
	case routing.RespAggLogicalAnd:
		return true
	case routing.RespAllSucceeded:
		return "OK"
	case routing.RespAppend:
		return []interface{}{}
	default:
		return nil
	}
}

// setMergedValue stores an aggregated reply into the caller's typed
// command.
func (c *ClusterClient) setMergedValue(cmd Cmder, val interface{}) error {
	switch cmd := cmd.(type) {
	case *Cmd:
		cmd.SetVal(val)
	case *SliceCmd:
		cmd.SetVal(val.([]interface{}))
	case *IntCmd:
		cmd.SetVal(val.(int64))
	case *BoolCmd:
		cmd.SetVal(val.(bool))
	case *StatusCmd:
		cmd.SetVal(val.(string))
	case *StringCmd:
		cmd.SetVal(val.(string))
	case *StringSliceCmd:
		vals := val.([]interface{})
		ss := make([]string, 0, len(vals))
		for _, v := range vals {
			if s, ok := v.(string); ok {
				ss = append(ss, s)
			}
		}
		cmd.SetVal(ss)
	case *BoolSliceCmd:
		vals := val.([]interface{})
		bs := make([]bool, 0, len(vals))
		for _, v := range vals {
			n, _ := v.(int64)
			bs = append(bs, n == 1)
		}
		cmd.SetVal(bs)
	default:
		return fmt.Errorf("slotring: cannot merge reply into %T", cmd)
	}
	return nil
}

// execOnNode runs a command on a node, following a single MOVED/ASK
// redirect. A MOVED reply also schedules a topology refresh.
func (c *ClusterClient) execOnNode(ctx context.Context, node *clusterNode, cmd Cmder) error {
	err := node.Client.Process(ctx, cmd)
	if err == nil || err == Nil {
		return nil
	}

	moved, ask, addr := isMovedError(err)
	if !moved && !ask {
		return err
	}
	if moved {
		c.state.LazyReload()
	}

	redirected, gerr := c.nodes.GetOrCreate(addr)
	if gerr != nil {
		cmd.SetErr(gerr)
		return gerr
	}
	if ask {
		return redirected.Client.processAsking(ctx, cmd)
	}
	return redirected.Client.Process(ctx, cmd)
}

//------------------------------------------------------------------------------

// processAllShards runs the command on every master and merges the
// replies. Used for keyless commands that cover the whole keyspace, like
// DBSIZE and FLUSHALL.
func (c *ClusterClient) processAllShards(ctx context.Context, cmd Cmder, policy *routing.CommandPolicy) error {
	state, err := c.state.Get(ctx)
	if err != nil {
		cmd.SetErr(err)
		return err
	}
	return c.fanOut(ctx, cmd, policy, state.Masters)
}

// processAllNodes runs the command on every node, masters and replicas.
func (c *ClusterClient) processAllNodes(ctx context.Context, cmd Cmder, policy *routing.CommandPolicy) error {
	state, err := c.state.Get(ctx)
	if err != nil {
		cmd.SetErr(err)
		return err
	}
	nodes := make([]*clusterNode, 0, len(state.Masters)+len(state.Slaves))
	nodes = append(nodes, state.Masters...)
	nodes = append(nodes, state.Slaves...)
	return c.fanOut(ctx, cmd, policy, nodes)
}

func (c *ClusterClient) fanOut(ctx context.Context, cmd Cmder, policy *routing.CommandPolicy, nodes []*clusterNode) error {
	if policy.Response == routing.RespSpecial {
		return c.fanOutSpecial(ctx, cmd, nodes)
	}

	subCmds := make([]*Cmd, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		subCmd := NewCmd(ctx, cmd.Args()...)
		subCmds[i] = subCmd

		wg.Add(1)
		go func(node *clusterNode, subCmd *Cmd) {
			defer wg.Done()
			_ = c.execOnNode(ctx, node, subCmd)
		}(node, subCmd)
	}
	wg.Wait()

	partial := &PartialError{Failed: make(map[string]error)}
	for i, node := range nodes {
		if err := subCmds[i].Err(); err != nil && err != Nil {
			partial.Failed[node.addr] = err
			continue
		}
		partial.Succeeded = append(partial.Succeeded, node.addr)
	}
	if len(partial.Failed) > 0 {
		cmd.SetErr(partial)
		return partial
	}

	agg, err := routing.NewAggregator(policy.Response)
	if err != nil {
		cmd.SetErr(err)
		return err
	}
	for _, subCmd := range subCmds {
		if err := agg.Add(subCmd.Val()); err != nil {
			cmd.SetErr(err)
			return err
		}
	}
	merged, err := agg.Result()
	if err != nil {
		cmd.SetErr(err)
		return err
	}
	return c.setMergedValue(cmd, merged)
}
