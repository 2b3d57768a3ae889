package dpi

import (
	"encoding/binary"
	"hash/fnv"
)

// fingerprintPrefix is how many leading payload bytes feed the cache key.
const fingerprintPrefix = 32

// Fingerprint is the cache key of a packet: FNV-1a over the payload prefix,
// the exact payload length and both ports.
func Fingerprint(payload []byte, srcPort, dstPort uint16) uint64 {
	h := fnv.New64a()
	h.Write(payload[:min(len(payload), fingerprintPrefix)])

	var tail [8]byte
	binary.BigEndian.PutUint32(tail[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint16(tail[4:6], srcPort)
	binary.BigEndian.PutUint16(tail[6:8], dstPort)
	h.Write(tail[:])
	return h.Sum64()
}
