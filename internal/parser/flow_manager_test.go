package parser

import (
	"testing"
	"time"

	"github.com/InfraSecConsult/dpi-core-go/internal/dpi"
	"github.com/InfraSecConsult/dpi-core-go/lib/helper"
	"github.com/InfraSecConsult/dpi-core-go/lib/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flowSample(src, dst string, sport, dport uint16, size uint32, ts time.Time) model.PacketSample {
	return model.PacketSample{
		SrcIP:        src,
		DstIP:        dst,
		SrcPort:      sport,
		DstPort:      dport,
		Transport:    "TCP",
		PacketLength: size,
		Timestamp:    ts,
	}
}

func verdict(protocol string, confidence float64, method model.DetectionMethod) *model.DPIResult {
	return &model.DPIResult{ProtocolMatch: model.ProtocolMatch{
		Protocol:     protocol,
		Confidence:   confidence,
		Method:       method,
		Category:     "web",
		ServiceLabel: model.ServiceLabelFor(protocol, 80),
	}}
}

func TestFlowManager_BidirectionalCounting(t *testing.T) {
	fm := NewDefaultFlowManager(nil)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Client -> Server
	flow1, reversed := fm.UpdateFlow(flowSample("192.168.1.10", "192.168.1.100", 54321, 80, 100, ts), nil)
	require.NotNil(t, flow1)
	assert.False(t, reversed)
	assert.Equal(t, 1, flow1.PacketsClientToServer)
	assert.Equal(t, int64(100), flow1.BytesClientToServer)
	assert.Zero(t, flow1.PacketsServerToClient)

	// Server -> Client
	flow2, reversed := fm.UpdateFlow(flowSample("192.168.1.100", "192.168.1.10", 80, 54321, 200, ts.Add(10*time.Millisecond)), nil)
	assert.True(t, reversed)
	assert.Same(t, flow1, flow2, "should be same flow")
	assert.Equal(t, 1, flow2.PacketsServerToClient)
	assert.Equal(t, int64(200), flow2.BytesServerToClient)
	assert.Equal(t, 2, flow2.PacketCount())
	assert.Equal(t, int64(300), flow2.ByteCount())
	assert.True(t, ts.Add(10*time.Millisecond).Equal(flow2.LastSeen))
}

func TestFlowManager_FirstPacketFromServer(t *testing.T) {
	fm := NewDefaultFlowManager(nil)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	flow, reversed := fm.UpdateFlow(flowSample("10.0.0.9", "10.0.0.5", 502, 40000, 64, ts), nil)
	assert.True(t, reversed)
	assert.Equal(t, "10.0.0.5", flow.SrcIP)
	assert.Equal(t, uint16(40000), flow.SrcPort)
	assert.Equal(t, "10.0.0.9", flow.DstIP)
	assert.Equal(t, uint16(502), flow.DstPort)
	assert.Equal(t, 1, flow.PacketsServerToClient)
	require.NoError(t, flow.Validate())
}

func TestFlowManager_Enrichment(t *testing.T) {
	fm := NewDefaultFlowManager(nil)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := flowSample("10.0.0.5", "10.0.0.9", 51000, 80, 90, ts)

	flow, _ := fm.UpdateFlow(s, verdict("HTTP", 0.6, model.MethodPort))
	assert.Equal(t, "HTTP", flow.MetadataString(dpi.KeyDetectedProtocol))
	assert.Equal(t, "port", flow.MetadataString(dpi.KeyDetectionMethod))

	flow, _ = fm.UpdateFlow(s, verdict("HTTP", 0.95, model.MethodSignature))
	assert.Equal(t, "signature", flow.MetadataString(dpi.KeyDetectionMethod))
	assert.Equal(t, 0.95, flow.Metadata[dpi.KeyProtocolConfidence])

	flow, _ = fm.UpdateFlow(s, verdict("Text-Based", 0.6, model.MethodHeuristic))
	assert.Equal(t, "HTTP", flow.MetadataString(dpi.KeyDetectedProtocol), "weaker verdicts do not replace stronger ones")

	flow, _ = fm.UpdateFlow(s, nil)
	assert.Equal(t, "HTTP", flow.MetadataString(dpi.KeyDetectedProtocol))
	assert.Equal(t, 4, flow.PacketCount())
}

func TestFlowManager_ReplacedVerdictDropsStaleKeys(t *testing.T) {
	fm := NewDefaultFlowManager(nil)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := flowSample("10.0.0.5", "10.0.0.9", 51000, 9000, 120, ts)

	framed := &model.DPIResult{
		ProtocolMatch: model.ProtocolMatch{
			Protocol:     "Framed-Binary",
			Confidence:   0.65,
			Method:       model.MethodPattern,
			ServiceLabel: "Framed-Binary:9000",
		},
		PatternInfo: &model.PatternInfo{
			Fingerprint:          "abc",
			CommunicationPattern: &model.CommunicationPattern{PatternType: "strict_periodic", Confidence: 0.9},
		},
	}
	flow, _ := fm.UpdateFlow(s, framed)
	flow.Metadata["capture_note"] = "kept"
	assert.Equal(t, "Framed-Binary:9000", flow.MetadataString(dpi.KeyServiceLabel))
	assert.Equal(t, "strict_periodic", flow.MetadataString(dpi.KeyCommunicationPattern))

	tls := &model.DPIResult{ProtocolMatch: model.ProtocolMatch{
		Protocol:    "TLS",
		Confidence:  0.95,
		Method:      model.MethodSignature,
		IsEncrypted: true,
	}}
	flow, _ = fm.UpdateFlow(s, tls)

	assert.Equal(t, "TLS", flow.MetadataString(dpi.KeyDetectedProtocol))
	assert.Equal(t, 0.95, flow.Metadata[dpi.KeyProtocolConfidence])
	assert.NotContains(t, flow.Metadata, dpi.KeyServiceLabel)
	assert.NotContains(t, flow.Metadata, dpi.KeyPatternInfo)
	assert.NotContains(t, flow.Metadata, dpi.KeyCommunicationPattern)
	assert.Equal(t, "kept", flow.Metadata["capture_note"], "keys outside the verdict survive")
}

func TestFlowManager_GetFlow(t *testing.T) {
	fm := NewDefaultFlowManager(helper.NewFlowCanonicalizer(nil))
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fm.UpdateFlow(flowSample("10.0.0.5", "10.0.0.9", 51000, 22, 60, ts), nil)

	client := helper.Endpoint{IP: "10.0.0.5", Port: 51000}
	server := helper.Endpoint{IP: "10.0.0.9", Port: 22}

	assert.NotNil(t, fm.GetFlow(client, server, "TCP"))
	assert.Same(t, fm.GetFlow(client, server, "TCP"), fm.GetFlow(server, client, "TCP"))
	assert.Nil(t, fm.GetFlow(client, server, "UDP"))
}

func TestFlowManager_GetAllFlowsOrdered(t *testing.T) {
	fm := NewDefaultFlowManager(nil)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	fm.UpdateFlow(flowSample("10.0.0.7", "10.0.0.9", 51000, 80, 60, ts.Add(2*time.Second)), nil)
	fm.UpdateFlow(flowSample("10.0.0.5", "10.0.0.9", 51000, 80, 60, ts), nil)
	fm.UpdateFlow(flowSample("10.0.0.6", "10.0.0.9", 51000, 80, 60, ts.Add(time.Second)), nil)

	flows := fm.GetAllFlows()
	require.Len(t, flows, 3)
	assert.Equal(t, "10.0.0.5", flows[0].SrcIP)
	assert.Equal(t, "10.0.0.6", flows[1].SrcIP)
	assert.Equal(t, "10.0.0.7", flows[2].SrcIP)

	fm.Clear()
	assert.Empty(t, fm.GetAllFlows())
}
