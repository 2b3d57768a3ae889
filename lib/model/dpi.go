package model

import (
	"fmt"
	"time"
)

// DetectionMethod identifies which classifier tier produced a verdict.
type DetectionMethod string

const (
	MethodSignature DetectionMethod = "signature"
	MethodHeuristic DetectionMethod = "heuristic"
	MethodPort      DetectionMethod = "port"
	MethodPattern   DetectionMethod = "pattern"
	MethodUnknown   DetectionMethod = "unknown"
)

// Protocol names shared between classifier tiers.
const (
	ProtocolUnknown = "Unknown"
	ProtocolEmpty   = "Empty"
	CategoryUnknown = "unknown"
)

// Evidence explains why a verdict was reached. Exactly one concrete type
// exists per DetectionMethod that carries evidence.
type Evidence interface {
	Method() DetectionMethod
}

// SignatureEvidence records the byte pattern that matched.
type SignatureEvidence struct {
	PatternHex string `json:"pattern_hex"`
	Offset     int    `json:"offset"`
}

func (SignatureEvidence) Method() DetectionMethod { return MethodSignature }

// HeuristicEvidence records the statistical features of a payload.
type HeuristicEvidence struct {
	Entropy       float64 `json:"entropy"`
	Length        int     `json:"length"`
	PrintableText bool    `json:"printable"`
	HasNullBytes  bool    `json:"has_null_bytes"`
	Period        int     `json:"period,omitempty"` // 0 when no period was found
}

func (HeuristicEvidence) Method() DetectionMethod { return MethodHeuristic }

// PortEvidence records the port table hit. Heuristic is set when the
// payload statistics changed the port verdict (e.g. HTTP upgraded to HTTPS).
type PortEvidence struct {
	Port        uint16             `json:"port"`
	Description string             `json:"description"`
	Transport   string             `json:"transport,omitempty"`
	Heuristic   *HeuristicEvidence `json:"heuristic,omitempty"`
}

func (PortEvidence) Method() DetectionMethod { return MethodPort }

// ProtocolMatch is a classification verdict. Values are treated as
// immutable once returned by a classifier.
type ProtocolMatch struct {
	Protocol     string          `json:"protocol"`
	Confidence   float64         `json:"confidence"`
	Method       DetectionMethod `json:"method"`
	Category     string          `json:"category"`
	IsEncrypted  bool            `json:"is_encrypted"`
	ServiceLabel string          `json:"service_label,omitempty"`
	Evidence     Evidence        `json:"evidence,omitempty"`
}

// ServiceLabelFor formats the "{protocol}:{port}" display tag.
func ServiceLabelFor(protocol string, port uint16) string {
	return fmt.Sprintf("%s:%d", protocol, port)
}

// PatternInfo is attached to a DPIResult when escalation to the pattern
// detector took place.
type PatternInfo struct {
	Fingerprint          string                `json:"fingerprint,omitempty"`
	Structure            *PacketStructure      `json:"structure,omitempty"`
	CommunicationPattern *CommunicationPattern `json:"communication_pattern,omitempty"`
	Encapsulation        *Encapsulation        `json:"encapsulation,omitempty"`
}

// DPIResult is the enriched outcome of one ProcessPacket call.
type DPIResult struct {
	ProtocolMatch
	PatternInfo *PatternInfo `json:"pattern_info,omitempty"`
}

// PacketSample is one packet (or flow sample) handed to the inspection core
// by a packet source.
type PacketSample struct {
	Payload      []byte
	SrcPort      uint16
	DstPort      uint16
	Transport    string // "TCP" or "UDP"
	PacketLength uint32
	SrcIP        string
	DstIP        string
	Timestamp    time.Time
}

// ByteCount returns the wire length used for byte accounting, falling back
// to the payload length when the source did not provide one.
func (p PacketSample) ByteCount() uint64 {
	if p.PacketLength > 0 {
		return uint64(p.PacketLength)
	}
	return uint64(len(p.Payload))
}
