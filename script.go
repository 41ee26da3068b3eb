package slotring

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
)

// Scripter is the scripting subset of Cmdable, implemented by both Client
// and ClusterClient.
type Scripter interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *Cmd
	EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *Cmd
	EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *Cmd
	ScriptExists(ctx context.Context, hashes ...string) *BoolSliceCmd
	ScriptLoad(ctx context.Context, script string) *StringCmd
}

var (
	_ Scripter = (*Client)(nil)
	_ Scripter = (*ClusterClient)(nil)
)

// Script wraps a Lua script together with its SHA1 digest, computed
// client-side so EVALSHA can be attempted without a prior SCRIPT LOAD.
type Script struct {
	src, hash string
}

func NewScript(src string) *Script {
	h := sha1.New()
	_, _ = h.Write([]byte(src))
	return &Script{
		src:  src,
		hash: hex.EncodeToString(h.Sum(nil)),
	}
}

func (s *Script) Hash() string {
	return s.hash
}

func (s *Script) Load(ctx context.Context, c Scripter) *StringCmd {
	return c.ScriptLoad(ctx, s.src)
}

func (s *Script) Exists(ctx context.Context, c Scripter) *BoolSliceCmd {
	return c.ScriptExists(ctx, s.hash)
}

func (s *Script) Eval(ctx context.Context, c Scripter, keys []string, args ...interface{}) *Cmd {
	return c.Eval(ctx, s.src, keys, args...)
}

func (s *Script) EvalSha(ctx context.Context, c Scripter, keys []string, args ...interface{}) *Cmd {
	return c.EvalSha(ctx, s.hash, keys, args...)
}

// Run optimistically uses EVALSHA and falls back to EVAL when the script
// is not cached on the node serving the keys.
func (s *Script) Run(ctx context.Context, c Scripter, keys []string, args ...interface{}) *Cmd {
	r := s.EvalSha(ctx, c, keys, args...)
	if HasErrorPrefix(r.Err(), "NOSCRIPT") {
		return s.Eval(ctx, c, keys, args...)
	}
	return r
}

// RunRO is like Run but uses the read-only EVAL variants, so the call may
// be served by a replica.
func (s *Script) RunRO(ctx context.Context, c Scripter, keys []string, args ...interface{}) *Cmd {
	r := c.EvalShaRO(ctx, s.hash, keys, args...)
	if HasErrorPrefix(r.Err(), "NOSCRIPT") {
		return c.EvalRO(ctx, s.src, keys, args...)
	}
	return r
}

//------------------------------------------------------------------------------

// fanOutSpecial merges fan-out replies for commands whose responses cannot
// be folded by a generic aggregator: SCRIPT LOAD returns the one digest
// every node computed, SCRIPT EXISTS is true per digest only when every
// node caches it.
func (c *ClusterClient) fanOutSpecial(ctx context.Context, cmd Cmder, nodes []*clusterNode) error {
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

	switch cmd.FullName() {
	case "script load":
		parent, ok := cmd.(*StringCmd)
		if !ok {
			break
		}
		sha, ok := subCmds[0].Val().(string)
		if !ok {
			err := fmt.Errorf("slotring: script load: expected string reply, got %T", subCmds[0].Val())
			cmd.SetErr(err)
			return err
		}
		parent.SetVal(sha)
		return nil

	case "script exists":
		parent, ok := cmd.(*BoolSliceCmd)
		if !ok {
			break
		}
		numHashes := len(cmd.Args()) - 2
		exists := make([]bool, numHashes)
		for i := range exists {
			exists[i] = true
		}
		for _, subCmd := range subCmds {
			vals, ok := subCmd.Val().([]interface{})
			if !ok {
				err := fmt.Errorf("slotring: script exists: expected array reply, got %T", subCmd.Val())
				cmd.SetErr(err)
				return err
			}
			for i, v := range vals {
				if i >= numHashes {
					break
				}
				n, _ := v.(int64)
				exists[i] = exists[i] && n == 1
			}
		}
		parent.SetVal(exists)
		return nil
	}

	err := fmt.Errorf("slotring: no special merge for %q", cmd.FullName())
	cmd.SetErr(err)
	return err
}
