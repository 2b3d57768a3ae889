package model

import "time"

// PatternSample is the input handed to a pattern detector.
type PatternSample struct {
	Payload   []byte
	SrcIP     string
	DstIP     string
	SrcPort   uint16
	DstPort   uint16
	Transport string
	Timestamp time.Time
}

// PacketStructure describes structural properties inferred from a payload
// and, where available, earlier payloads of the same flow.
type PacketStructure struct {
	HasFixedHeader    bool    `json:"has_fixed_header"`
	HeaderLength      int     `json:"header_length"`
	HasLengthField    bool    `json:"has_length_field"`
	HasMessageType    bool    `json:"has_message_type"`
	HasSequenceNumber bool    `json:"has_sequence_number"`
	IsBinary          bool    `json:"is_binary"`
	PayloadEntropy    float64 `json:"payload_entropy"`
}

// CommunicationPattern describes the timing behaviour of a flow.
type CommunicationPattern struct {
	PatternType string   `json:"pattern_type"` // "strict_periodic", "loose_periodic", "burst_periodic", "irregular"
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence,omitempty"`
}

// Encapsulation describes a tunnel header found at the start of a payload.
type Encapsulation struct {
	OuterProtocol     string `json:"outer_protocol"`
	InnerType         string `json:"inner_type"`
	InnerHeaderOffset int    `json:"inner_header_offset"`
}

// PatternAnalysis is the result of a pattern detector run. Classification
// is ProtocolUnknown when the detector has no opinion.
type PatternAnalysis struct {
	Classification       string
	Confidence           float64
	ProtocolFingerprint  string
	Structure            *PacketStructure
	CommunicationPattern *CommunicationPattern
	Encapsulation        *Encapsulation
}
