package proto

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// Reader decodes RESP2 replies from a stream.
type Reader struct {
	rd *bufio.Reader
}

func NewReader(rd io.Reader) *Reader {
	return &Reader{
		rd: bufio.NewReader(rd),
	}
}

// ReadLine reads a single reply line without the trailing CRLF. It rejects
// replies that exceed the buffer, which does not happen with the commands
// this client issues.
func (r *Reader) ReadLine() ([]byte, error) {
	line, isPrefix, err := r.rd.ReadLine()
	if err != nil {
		return nil, err
	}
	if isPrefix {
		return nil, bufio.ErrBufferFull
	}
	if len(line) == 0 {
		return nil, fmt.Errorf("slotring: reply is empty")
	}
	return line, nil
}

// ReadReply reads any reply, mapping status and bulk strings to string,
// integers to int64 and arrays to []interface{}. Nil bulk or array replies
// return Nil; nil elements inside an array become untyped nils.
func (r *Reader) ReadReply() (interface{}, error) {
	line, err := r.ReadLine()
	if err != nil {
		return nil, err
	}

	switch line[0] {
	case ErrorReply:
		return nil, RedisError(line[1:])
	case StatusReply:
		return string(line[1:]), nil
	case IntReply:
		return parseInt(line[1:])
	case StringReply:
		return r.readBulkString(line)
	case ArrayReply:
		n, err := parseArrayLen(line)
		if err != nil {
			return nil, err
		}
		vals := make([]interface{}, 0, n)
		for i := 0; i < n; i++ {
			v, err := r.ReadReply()
			if err == Nil {
				v = nil
			} else if err != nil {
				return nil, err
			}
			vals = append(vals, v)
		}
		return vals, nil
	}
	return nil, fmt.Errorf("slotring: can't parse %.100q", line)
}

func (r *Reader) ReadInt() (int64, error) {
	line, err := r.ReadLine()
	if err != nil {
		return 0, err
	}
	switch line[0] {
	case ErrorReply:
		return 0, RedisError(line[1:])
	case IntReply:
		return parseInt(line[1:])
	case StringReply:
		s, err := r.readBulkString(line)
		if err != nil {
			return 0, err
		}
		return strconv.ParseInt(s, 10, 64)
	}
	return 0, fmt.Errorf("slotring: can't parse int reply: %.100q", line)
}

func (r *Reader) ReadString() (string, error) {
	line, err := r.ReadLine()
	if err != nil {
		return "", err
	}
	switch line[0] {
	case ErrorReply:
		return "", RedisError(line[1:])
	case StatusReply:
		return string(line[1:]), nil
	case IntReply:
		return string(line[1:]), nil
	case StringReply:
		return r.readBulkString(line)
	}
	return "", fmt.Errorf("slotring: can't parse string reply: %.100q", line)
}

// ReadArrayLen reads an array header. Nil arrays return Nil.
func (r *Reader) ReadArrayLen() (int, error) {
	line, err := r.ReadLine()
	if err != nil {
		return 0, err
	}
	switch line[0] {
	case ErrorReply:
		return 0, RedisError(line[1:])
	case ArrayReply:
		return parseArrayLen(line)
	}
	return 0, fmt.Errorf("slotring: can't parse array reply: %.100q", line)
}

func (r *Reader) readBulkString(line []byte) (string, error) {
	n, err := parseInt(line[1:])
	if err != nil {
		return "", err
	}
	if n == -1 {
		return "", Nil
	}

	b := make([]byte, n+2)
	if _, err := io.ReadFull(r.rd, b); err != nil {
		return "", err
	}
	return string(b[:n]), nil
}

func parseInt(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}

func parseArrayLen(line []byte) (int, error) {
	n, err := parseInt(line[1:])
	if err != nil {
		return 0, err
	}
	if n == -1 {
		return 0, Nil
	}
	return int(n), nil
}
