package routing

import (
	"math/rand"
	"sync/atomic"
)

// ShardPicker chooses an arbitrary shard for keyless commands routed with
// ReqDefault.
type ShardPicker interface {
	Next(total int) int // returns an index in [0,total)
}

// RoundRobinPicker cycles through the shards. It is the default.
type RoundRobinPicker struct {
	cnt atomic.Uint32
}

func (p *RoundRobinPicker) Next(total int) int {
	if total == 0 {
		return 0
	}
	i := p.cnt.Add(1)
	return int(i-1) % total
}

// RandomPicker picks a shard at random.
type RandomPicker struct{}

func (RandomPicker) Next(total int) int {
	if total == 0 {
		return 0
	}
	return rand.Intn(total)
}
