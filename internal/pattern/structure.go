package pattern

import (
	"encoding/binary"

	"github.com/InfraSecConsult/dpi-core-go/internal/classifier"
	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

const (
	// headerWindow is how many leading bytes of each payload are kept per flow.
	headerWindow    = 16
	lengthFieldScan = 8
	maxMessageTypes = 4
)

// inferStructure derives structural flags from payload and the leading bytes
// of earlier payloads in the same direction, oldest first.
func inferStructure(payload []byte, history [][]byte) *model.PacketStructure {
	s := &model.PacketStructure{
		IsBinary:       classifier.PrintableRatio(payload) < classifier.PrintableThreshold,
		PayloadEntropy: classifier.ShannonEntropy(payload),
	}

	head := leading(payload)
	all := append(append([][]byte{}, history...), head)

	if len(history) >= 2 {
		if n := commonPrefix(all); n >= 2 {
			s.HasFixedHeader = true
			s.HeaderLength = n
		}
	}
	s.HasLengthField = hasLengthField(payload)
	s.HasMessageType = hasMessageType(all, s.HeaderLength)
	if len(history) > 0 {
		s.HasSequenceNumber = hasSequenceNumber(history[len(history)-1], head)
	}
	return s
}

func leading(payload []byte) []byte {
	n := min(len(payload), headerWindow)
	out := make([]byte, n)
	copy(out, payload[:n])
	return out
}

func commonPrefix(samples [][]byte) int {
	if len(samples) == 0 {
		return 0
	}
	n := len(samples[0])
	for _, s := range samples[1:] {
		n = min(n, len(s))
		for i := 0; i < n; i++ {
			if s[i] != samples[0][i] {
				n = i
				break
			}
		}
	}
	return n
}

// hasLengthField looks for a big-endian uint16 near the start that equals
// either the whole payload length or the number of bytes following it.
func hasLengthField(payload []byte) bool {
	if len(payload) < 4 {
		return false
	}
	for off := 0; off <= lengthFieldScan && off+2 <= len(payload); off++ {
		v := int(binary.BigEndian.Uint16(payload[off:]))
		if v == 0 {
			continue
		}
		if v == len(payload) || v == len(payload)-off-2 {
			return true
		}
	}
	return false
}

// hasMessageType reports whether the byte right after the fixed header takes
// a small set of values across samples.
func hasMessageType(samples [][]byte, pos int) bool {
	if len(samples) < 4 {
		return false
	}
	seen := make(map[byte]struct{}, maxMessageTypes+1)
	for _, s := range samples {
		if pos >= len(s) {
			return false
		}
		seen[s[pos]] = struct{}{}
		if len(seen) > maxMessageTypes {
			return false
		}
	}
	return len(seen) >= 2 && len(seen) < len(samples)
}

// hasSequenceNumber reports whether some big-endian uint16 in cur is exactly
// one more than the value at the same offset in prev.
func hasSequenceNumber(prev, cur []byte) bool {
	n := min(len(prev), len(cur))
	for off := 0; off+2 <= n; off++ {
		if binary.BigEndian.Uint16(cur[off:]) == binary.BigEndian.Uint16(prev[off:])+1 {
			return true
		}
	}
	return false
}
