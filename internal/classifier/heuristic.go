package classifier

import (
	"bytes"
	"math"

	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

// Heuristic thresholds.
const (
	EncryptedEntropyThreshold = 7.0
	TextEntropyThreshold      = 4.5
	PrintableThreshold        = 0.8
	MinPeriod                 = 2
	MaxPeriod                 = 32
	PeriodMatchRatio          = 0.8
)

// Heuristic protocol buckets.
const (
	ProtocolEncrypted        = "Encrypted/Compressed"
	ProtocolTextBased        = "Text-Based"
	ProtocolStructuredBinary = "Structured-Binary"
	ProtocolUnknownBinary    = "Unknown-Binary"
)

// Heuristic bucket confidences.
const (
	EncryptedConfidence        = 0.7
	TextConfidence             = 0.6
	StructuredBinaryConfidence = 0.5
	UnknownBinaryConfidence    = 0.3
)

// HeuristicClassifier buckets payloads by their byte statistics.
type HeuristicClassifier struct{}

// NewHeuristicClassifier returns a stateless heuristic classifier.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{}
}

// Analyze always returns a verdict. An empty payload yields ProtocolEmpty
// with zero confidence.
func (h *HeuristicClassifier) Analyze(payload []byte) model.ProtocolMatch {
	if len(payload) == 0 {
		return model.ProtocolMatch{
			Protocol:   model.ProtocolEmpty,
			Confidence: 0.0,
			Method:     model.MethodHeuristic,
			Category:   model.CategoryUnknown,
			Evidence:   model.HeuristicEvidence{},
		}
	}

	ev := Features(payload)
	m := model.ProtocolMatch{Method: model.MethodHeuristic, Evidence: ev}

	switch {
	case ev.Entropy > EncryptedEntropyThreshold:
		m.Protocol = ProtocolEncrypted
		m.Confidence = EncryptedConfidence
		m.Category = CategoryEncrypted
		m.IsEncrypted = true
	case ev.PrintableText && ev.Entropy < TextEntropyThreshold:
		m.Protocol = ProtocolTextBased
		m.Confidence = TextConfidence
		m.Category = "text"
	case ev.Period > 0 && !ev.PrintableText:
		m.Protocol = ProtocolStructuredBinary
		m.Confidence = StructuredBinaryConfidence
		m.Category = "binary"
	default:
		m.Protocol = ProtocolUnknownBinary
		m.Confidence = UnknownBinaryConfidence
		m.Category = model.CategoryUnknown
	}
	return m
}

// Features computes the statistical evidence for payload.
func Features(payload []byte) model.HeuristicEvidence {
	return model.HeuristicEvidence{
		Entropy:       ShannonEntropy(payload),
		Length:        len(payload),
		PrintableText: PrintableRatio(payload) >= PrintableThreshold,
		HasNullBytes:  bytes.IndexByte(payload, 0) >= 0,
		Period:        DetectPeriod(payload),
	}
}

// ShannonEntropy returns the entropy of the byte distribution in bits, in [0, 8].
func ShannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}

	n := float64(len(data))
	entropy := 0.0
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	if entropy < 0 {
		return 0
	}
	return entropy
}

// PrintableRatio returns the share of bytes that are tab, LF, CR or in 32..126.
func PrintableRatio(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	printable := 0
	for _, b := range data {
		if isPrintable(b) {
			printable++
		}
	}
	return float64(printable) / float64(len(data))
}

func isPrintable(b byte) bool {
	return b == 9 || b == 10 || b == 13 || (b >= 32 && b <= 126)
}

// DetectPeriod returns the smallest period p in [MinPeriod, min(MaxPeriod, len/3)]
// for which more than PeriodMatchRatio of the bytes equal the byte p positions
// later, or 0 when there is none.
func DetectPeriod(data []byte) int {
	upper := min(MaxPeriod, len(data)/3)
	for p := MinPeriod; p <= upper; p++ {
		span := len(data) - p
		matches := 0
		for i := 0; i < span; i++ {
			if data[i] == data[i+p] {
				matches++
			}
		}
		if float64(matches)/float64(span) > PeriodMatchRatio {
			return p
		}
	}
	return 0
}
