package model

// Stats is a point-in-time copy of the inspection counters.
type Stats struct {
	TotalInspected     uint64 `json:"total_inspected"`
	CacheHits          uint64 `json:"cache_hits"`
	CacheMisses        uint64 `json:"cache_misses"`
	SignatureMatches   uint64 `json:"signature_matches"`
	HeuristicMatches   uint64 `json:"heuristic_matches"`
	PortMatches        uint64 `json:"port_matches"`
	PatternMatches     uint64 `json:"pattern_matches"`
	UnknownProtocols   uint64 `json:"unknown_protocols"`
	RateLimited        uint64 `json:"rate_limited"`
	EscalationAttempts uint64 `json:"escalation_attempts"`
	EscalationFailures uint64 `json:"escalation_failures"`
	CacheSize          int    `json:"cache_size"`

	CacheHitRate  float64 `json:"cache_hit_rate"`
	DetectionRate float64 `json:"detection_rate"`
}

// ProtocolShare is one row of the per-protocol traffic breakdown.
type ProtocolShare struct {
	Protocol      string  `json:"protocol"`
	Packets       uint64  `json:"packets"`
	Bytes         uint64  `json:"bytes"`
	PacketPercent float64 `json:"packet_percent"`
	BytePercent   float64 `json:"byte_percent"`
}
