package hashtag

import (
	"strings"
)

// SlotNumber is the number of hash slots a cluster divides the keyspace
// into.
const SlotNumber = 16384

// crc16 implements CRC-16/XMODEM (polynomial 0x1021, initial value 0x0000),
// the checksum mandated by the Redis cluster specification for key
// distribution.
func crc16(key string) uint16 {
	var crc uint16
	for i := 0; i < len(key); i++ {
		crc ^= uint16(key[i]) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Key extracts the hash tag from the key if one is present. The tag is the
// substring between the first '{' and the next '}', and is only used when it
// is non-empty, so "foo{}" hashes as a whole.
func Key(key string) string {
	if s := strings.IndexByte(key, '{'); s > -1 {
		if e := strings.IndexByte(key[s+1:], '}'); e > 0 {
			return key[s+1 : s+e+1]
		}
	}
	return key
}

// Slot returns the hash slot for the key. The empty key hashes the
// zero-length byte string, which lands on slot 0.
func Slot(key string) int {
	return int(crc16(Key(key))) % SlotNumber
}
