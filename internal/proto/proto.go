package proto

const (
	ErrorReply  = '-'
	StatusReply = '+'
	IntReply    = ':'
	StringReply = '$'
	ArrayReply  = '*'
)

// RedisError is an error reply sent by the server, e.g. MOVED or NOSCRIPT.
type RedisError string

func (e RedisError) Error() string { return string(e) }

// RedisError marks server replies so they are not mistaken for transport
// failures when deciding whether a connection is still usable.
func (RedisError) RedisError() {}

// Nil is the nil reply, e.g. when a key does not exist.
const Nil = RedisError("slotring: nil")
