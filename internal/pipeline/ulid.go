package pipeline

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// Dependency-free ULID generator for message output directories: 26
// Crockford Base32 characters, 48-bit millisecond timestamp prefix, so
// directory listings sort by arrival time.

var (
	ulidMu  sync.Mutex
	lastTS  uint64
	lastSeq uint16
)

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

func generateULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()

	ts := uint64(time.Now().UnixMilli())
	if ts == lastTS {
		lastSeq++
	} else {
		lastTS = ts
		lastSeq = 0
	}

	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], ts<<16)
	rand.Read(b[6:])
	// Sequence keeps ids unique within the same millisecond.
	binary.BigEndian.PutUint16(b[6:8], lastSeq)

	return encodeCrockford(b)
}

// encodeCrockford writes 128 bits as 26 base32 characters by pulling
// 5-bit groups off a 130-bit big-endian value (top two bits zero).
func encodeCrockford(b [16]byte) string {
	hi := binary.BigEndian.Uint64(b[:8])
	lo := binary.BigEndian.Uint64(b[8:])

	var out [26]byte
	for i := 0; i < 26; i++ {
		shift := uint(5 * (25 - i))
		out[i] = crockford[group5(hi, lo, shift)]
	}
	return string(out[:])
}

// group5 returns bits [shift, shift+5) of the 128-bit value hi:lo.
func group5(hi, lo uint64, shift uint) byte {
	var v uint64
	switch {
	case shift >= 64:
		v = hi >> (shift - 64)
	case shift == 0:
		v = lo
	default:
		v = (lo >> shift) | (hi << (64 - shift))
	}
	return byte(v & 31)
}
