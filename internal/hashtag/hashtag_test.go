package hashtag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reference value from the cluster spec:
// http://redis.io/topics/cluster-spec#keys-distribution-model
func TestCRC16(t *testing.T) {
	tests := []struct {
		s string
		n uint16
	}{
		{"123456789", 0x31C3},
		{string([]byte{83, 153, 134, 118, 229, 214, 244, 75, 140, 37, 215, 215}), 21847},
	}

	for _, test := range tests {
		require.Equal(t, test.n, crc16(test.s), "for %q", test.s)
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"foo", "foo"},
		{"{user1000}.following", "user1000"},
		{"foo{bar}{zap}", "bar"},
		{"foo{}bar", "foo{}bar"},
		{"foo{bar", "foo{bar"},
		{"}foo{bar}", "bar"},
		{"", ""},
	}

	for _, test := range tests {
		assert.Equal(t, test.want, Key(test.key), "for %q", test.key)
	}
}

func TestSlot(t *testing.T) {
	assert.Equal(t, int(0x31C3), Slot("123456789"))

	// Keys sharing a tag always land on the same slot.
	assert.Equal(t, Slot("{tag}a"), Slot("{tag}b"))
	assert.Equal(t, Slot("tag"), Slot("{tag}a"))

	// Deterministic across calls.
	assert.Equal(t, Slot("aaa"), Slot("aaa"))

	// The empty key hashes the zero-length string.
	assert.Equal(t, 0, Slot(""))
}
