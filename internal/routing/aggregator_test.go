package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumAggregator(t *testing.T) {
	agg, err := NewAggregator(RespAggSum)
	require.NoError(t, err)

	require.NoError(t, agg.Add(int64(3)))
	require.NoError(t, agg.Add(int64(0)))
	require.NoError(t, agg.Add(int64(23)))

	res, err := agg.Result()
	require.NoError(t, err)
	assert.Equal(t, int64(26), res)

	require.Error(t, agg.Add("not a number"))
}

func TestSumAggregatorIdentity(t *testing.T) {
	agg, err := NewAggregator(RespAggSum)
	require.NoError(t, err)

	res, err := agg.Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), res)
}

func TestAndAggregator(t *testing.T) {
	agg, err := NewAggregator(RespAggLogicalAnd)
	require.NoError(t, err)

	// Identity is true.
	res, err := agg.Result()
	require.NoError(t, err)
	assert.Equal(t, true, res)

	require.NoError(t, agg.Add(int64(1)))
	require.NoError(t, agg.Add(int64(0)))
	require.NoError(t, agg.Add(int64(1)))

	res, err = agg.Result()
	require.NoError(t, err)
	assert.Equal(t, false, res)
}

func TestStatusAggregator(t *testing.T) {
	agg, err := NewAggregator(RespAllSucceeded)
	require.NoError(t, err)

	require.NoError(t, agg.Add("OK"))
	require.NoError(t, agg.Add("OK"))

	res, err := agg.Result()
	require.NoError(t, err)
	assert.Equal(t, "OK", res)
}

func TestAppendAggregator(t *testing.T) {
	agg, err := NewAggregator(RespAppend)
	require.NoError(t, err)

	require.NoError(t, agg.Add([]interface{}{"a", "b"}))
	require.NoError(t, agg.Add([]interface{}{"c"}))

	res, err := agg.Result()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, res)
}

func TestKeyedAggregatorOrder(t *testing.T) {
	agg := NewKeyedAggregator(4)

	// Values arrive out of input order, as they do when a slow node
	// finishes last.
	require.NoError(t, agg.AddAt(2, "c"))
	require.NoError(t, agg.AddAt(0, "a"))
	require.NoError(t, agg.AddAt(3, nil))
	require.NoError(t, agg.AddAt(1, "b"))

	res, err := agg.Result()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c", nil}, res)

	require.Error(t, agg.AddAt(4, "x"))
	require.Error(t, agg.AddAt(-1, "x"))
}

func TestPolicyFor(t *testing.T) {
	p := PolicyFor("MGET")
	require.NotNil(t, p)
	assert.Equal(t, ReqMultiShard, p.Request)
	assert.Equal(t, RespOrderedKeys, p.Response)
	assert.Equal(t, 1, p.KeyStep)

	p = PolicyFor("mset")
	require.NotNil(t, p)
	assert.Equal(t, 2, p.KeyStep)

	assert.Nil(t, PolicyFor("get"))
	assert.NotNil(t, PolicyFor("script load"))
}

func TestRoundRobinPicker(t *testing.T) {
	var p RoundRobinPicker
	assert.Equal(t, 0, p.Next(3))
	assert.Equal(t, 1, p.Next(3))
	assert.Equal(t, 2, p.Next(3))
	assert.Equal(t, 0, p.Next(3))
	assert.Equal(t, 0, p.Next(0))
}
