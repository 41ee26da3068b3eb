package routing

import "fmt"

// ResponseAggregator merges per-node replies into a single logical reply.
// Aggregators are used once per routed call and are not safe for concurrent
// use; the router feeds them after all sub-requests completed.
type ResponseAggregator interface {
	Add(val interface{}) error
	Result() (interface{}, error)
}

// NewAggregator returns the aggregator for a response policy. Ordered-keys
// merging needs per-key positions and uses KeyedAggregator directly.
func NewAggregator(policy ResponsePolicy) (ResponseAggregator, error) {
	switch policy {
	case RespAggSum:
		return &SumAggregator{}, nil
	case RespAggLogicalAnd:
		return &AndAggregator{result: true}, nil
	case RespAllSucceeded:
		return &StatusAggregator{}, nil
	case RespAppend:
		return &AppendAggregator{}, nil
	default:
		return nil, fmt.Errorf("routing: no aggregator for policy %s", policy)
	}
}

// SumAggregator sums integer replies (DEL, UNLINK, EXISTS, DBSIZE).
type SumAggregator struct {
	sum int64
}

func (a *SumAggregator) Add(val interface{}) error {
	n, ok := val.(int64)
	if !ok {
		return fmt.Errorf("routing: expected int64 reply, got %T", val)
	}
	a.sum += n
	return nil
}

func (a *SumAggregator) Result() (interface{}, error) {
	return a.sum, nil
}

// AndAggregator ANDs boolean replies (MSETNX). Redis encodes booleans as
// 0/1 integers.
type AndAggregator struct {
	result bool
}

func (a *AndAggregator) Add(val interface{}) error {
	switch v := val.(type) {
	case int64:
		a.result = a.result && v == 1
	case bool:
		a.result = a.result && v
	default:
		return fmt.Errorf("routing: expected boolean reply, got %T", val)
	}
	return nil
}

func (a *AndAggregator) Result() (interface{}, error) {
	return a.result, nil
}

// StatusAggregator returns the shared status reply (MSET, FLUSHALL). All
// nodes reply with the same status, so the first one wins.
type StatusAggregator struct {
	status string
	seen   bool
}

func (a *StatusAggregator) Add(val interface{}) error {
	s, ok := val.(string)
	if !ok {
		return fmt.Errorf("routing: expected status reply, got %T", val)
	}
	if !a.seen {
		a.status = s
		a.seen = true
	}
	return nil
}

func (a *StatusAggregator) Result() (interface{}, error) {
	return a.status, nil
}

// AppendAggregator concatenates array replies (KEYS).
type AppendAggregator struct {
	vals []interface{}
}

func (a *AppendAggregator) Add(val interface{}) error {
	vs, ok := val.([]interface{})
	if !ok {
		return fmt.Errorf("routing: expected array reply, got %T", val)
	}
	a.vals = append(a.vals, vs...)
	return nil
}

func (a *AppendAggregator) Result() (interface{}, error) {
	return a.vals, nil
}

// KeyedAggregator writes each key's value into a pre-sized result slice at
// the key's original input position, so the merged reply is independent of
// node completion order.
type KeyedAggregator struct {
	vals []interface{}
}

func NewKeyedAggregator(size int) *KeyedAggregator {
	return &KeyedAggregator{
		vals: make([]interface{}, size),
	}
}

// AddAt records the value for the key at original position pos.
func (a *KeyedAggregator) AddAt(pos int, val interface{}) error {
	if pos < 0 || pos >= len(a.vals) {
		return fmt.Errorf("routing: key position %d out of range [0,%d)", pos, len(a.vals))
	}
	a.vals[pos] = val
	return nil
}

func (a *KeyedAggregator) Result() (interface{}, error) {
	return a.vals, nil
}
