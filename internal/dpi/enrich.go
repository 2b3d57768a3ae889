package dpi

import (
	"maps"
	"slices"

	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

// Keys written by EnrichTopologyMetadata.
const (
	KeyServiceLabel         = "service_label"
	KeyDetectedProtocol     = "detected_protocol"
	KeyProtocolConfidence   = "protocol_confidence"
	KeyDetectionMethod      = "detection_method"
	KeyIsEncrypted          = "is_encrypted"
	KeyCategory             = "category"
	KeyPatternInfo          = "pattern_info"
	KeyCommunicationPattern = "communication_pattern"
)

// VerdictKeys lists every key EnrichTopologyMetadata may write.
var VerdictKeys = []string{
	KeyServiceLabel,
	KeyDetectedProtocol,
	KeyProtocolConfidence,
	KeyDetectionMethod,
	KeyIsEncrypted,
	KeyCategory,
	KeyPatternInfo,
	KeyCommunicationPattern,
}

// EnrichTopologyMetadata returns a copy of record with the inspection
// verdict merged in. Neither record nor result is modified, and the returned
// map shares no mutable state with result.
func EnrichTopologyMetadata(record map[string]any, result *model.DPIResult) map[string]any {
	out := make(map[string]any, len(record)+8)
	maps.Copy(out, record)
	if result == nil {
		return out
	}

	if result.ServiceLabel != "" {
		out[KeyServiceLabel] = result.ServiceLabel
	}
	out[KeyDetectedProtocol] = result.Protocol
	out[KeyProtocolConfidence] = result.Confidence
	out[KeyDetectionMethod] = string(result.Method)
	out[KeyIsEncrypted] = result.IsEncrypted
	out[KeyCategory] = result.Category

	if pi := result.PatternInfo; pi != nil {
		out[KeyPatternInfo] = patternInfoMap(pi)
		if pi.CommunicationPattern != nil {
			out[KeyCommunicationPattern] = pi.CommunicationPattern.PatternType
		}
	}
	return out
}

func patternInfoMap(pi *model.PatternInfo) map[string]any {
	m := make(map[string]any, 4)
	if pi.Fingerprint != "" {
		m["fingerprint"] = pi.Fingerprint
	}
	if st := pi.Structure; st != nil {
		m["structure"] = map[string]any{
			"has_fixed_header":    st.HasFixedHeader,
			"header_length":       st.HeaderLength,
			"has_length_field":    st.HasLengthField,
			"has_message_type":    st.HasMessageType,
			"has_sequence_number": st.HasSequenceNumber,
			"is_binary":           st.IsBinary,
			"payload_entropy":     st.PayloadEntropy,
		}
	}
	if cp := pi.CommunicationPattern; cp != nil {
		m["communication_pattern"] = map[string]any{
			"pattern_type": cp.PatternType,
			"confidence":   cp.Confidence,
			"evidence":     slices.Clone(cp.Evidence),
		}
	}
	if enc := pi.Encapsulation; enc != nil {
		m["encapsulation"] = map[string]any{
			"outer_protocol":      enc.OuterProtocol,
			"inner_type":          enc.InnerType,
			"inner_header_offset": enc.InnerHeaderOffset,
		}
	}
	return m
}
