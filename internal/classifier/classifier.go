package classifier

import (
	"encoding/hex"

	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

// UnknownConfidence is the confidence of the final fallback verdict.
const UnknownConfidence = 0.1

// DefaultSuggestMinLength is the shortest prefix SuggestSignature proposes.
const DefaultSuggestMinLength = 4

// Classifier is the cascading payload classifier used by the inspection service.
type Classifier interface {
	Classify(payload []byte, srcPort, dstPort uint16, transport string) model.ProtocolMatch
	AddSignature(pattern []byte, protocol, category string) error
	AddPrioritySignature(pattern []byte, protocol, category string) error
	Signatures() []Signature
}

// Options toggles classifier tiers. The port tier is always on.
type Options struct {
	EnableSignatures bool
	EnableHeuristics bool
}

// DefaultOptions enables every tier.
func DefaultOptions() Options {
	return Options{EnableSignatures: true, EnableHeuristics: true}
}

// ProtocolClassifier runs signature, port and heuristic tiers in order.
type ProtocolClassifier struct {
	opts       Options
	signatures *SignatureDetector
	heuristics *HeuristicClassifier
	ports      *PortBasedClassifier
}

// NewProtocolClassifier creates a classifier with the built-in tables.
func NewProtocolClassifier(opts Options) *ProtocolClassifier {
	return &ProtocolClassifier{
		opts:       opts,
		signatures: NewSignatureDetector(DefaultSignatures()),
		heuristics: NewHeuristicClassifier(),
		ports:      NewPortBasedClassifier(),
	}
}

// Classify never fails; the worst case is an Unknown verdict with
// UnknownConfidence.
func (c *ProtocolClassifier) Classify(payload []byte, srcPort, dstPort uint16, transport string) model.ProtocolMatch {
	portMatch, hasPort := c.ports.Classify(srcPort, dstPort, transport)

	if c.opts.EnableSignatures {
		if m, ok := c.signatures.Match(payload); ok {
			if m.ServiceLabel == "" && hasPort {
				m.ServiceLabel = portMatch.ServiceLabel
			}
			return m
		}
	}

	if len(payload) > 0 && c.opts.EnableHeuristics {
		h := c.heuristics.Analyze(payload)
		if hasPort {
			if h.IsEncrypted {
				return upgradeEncrypted(portMatch, h)
			}
			return portMatch
		}
		h.ServiceLabel = model.ServiceLabelFor(model.ProtocolUnknown, dstPort)
		return h
	}

	if hasPort {
		return portMatch
	}
	return Unknown()
}

// upgradeEncrypted merges an encrypted heuristic verdict into a port verdict.
// Plain HTTP becomes HTTPS on the same port.
func upgradeEncrypted(port, heuristic model.ProtocolMatch) model.ProtocolMatch {
	ev, _ := port.Evidence.(model.PortEvidence)
	if hev, ok := heuristic.Evidence.(model.HeuristicEvidence); ok {
		ev.Heuristic = &hev
	}
	port.Evidence = ev

	if port.Protocol == "HTTP" {
		port.Protocol = "HTTPS"
		port.ServiceLabel = model.ServiceLabelFor(port.Protocol, ev.Port)
	}
	port.IsEncrypted = true
	return port
}

// Unknown returns the fallback verdict.
func Unknown() model.ProtocolMatch {
	return model.ProtocolMatch{
		Protocol:   model.ProtocolUnknown,
		Confidence: UnknownConfidence,
		Method:     model.MethodUnknown,
		Category:   model.CategoryUnknown,
	}
}

func (c *ProtocolClassifier) AddSignature(pattern []byte, protocol, category string) error {
	return c.signatures.AddSignature(pattern, protocol, category)
}

func (c *ProtocolClassifier) AddPrioritySignature(pattern []byte, protocol, category string) error {
	return c.signatures.AddPrioritySignature(pattern, protocol, category)
}

func (c *ProtocolClassifier) Signatures() []Signature {
	return c.signatures.Signatures()
}

// Ports exposes the port table, e.g. for flow direction decisions.
func (c *ProtocolClassifier) Ports() *PortBasedClassifier {
	return c.ports
}

// SuggestSignature returns the hex-encoded longest common prefix of samples
// when at least two samples share minLength or more leading bytes. A
// minLength below one uses DefaultSuggestMinLength.
func SuggestSignature(samples [][]byte, minLength int) (string, bool) {
	if len(samples) < 2 {
		return "", false
	}
	if minLength < 1 {
		minLength = DefaultSuggestMinLength
	}

	prefix := samples[0]
	for _, s := range samples[1:] {
		n := 0
		for n < len(prefix) && n < len(s) && prefix[n] == s[n] {
			n++
		}
		prefix = prefix[:n]
		if len(prefix) < minLength {
			return "", false
		}
	}
	return hex.EncodeToString(prefix), true
}
