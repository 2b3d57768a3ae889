package parser

import (
	"cmp"
	"maps"
	"slices"
	"sync"

	"github.com/InfraSecConsult/dpi-core-go/internal/dpi"
	"github.com/InfraSecConsult/dpi-core-go/lib/helper"
	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

// FlowManager aggregates packet samples into direction-canonical flows and
// attaches inspection verdicts to them.
type FlowManager interface {
	// UpdateFlow accounts sample to its flow and merges result, if any, into
	// the flow metadata. It returns the flow and whether the sample travelled
	// server -> client.
	UpdateFlow(sample model.PacketSample, result *model.DPIResult) (*model.FlowRecord, bool)

	// GetFlow looks up a flow from either direction.
	GetFlow(src, dst helper.Endpoint, transport string) *model.FlowRecord

	// GetAllFlows returns all flows ordered by first packet.
	GetAllFlows() []*model.FlowRecord

	Clear()
}

type flowKey struct {
	transport      string
	client, server helper.Endpoint
}

// DefaultFlowManager implements FlowManager with flow canonicalization support
type DefaultFlowManager struct {
	mu                sync.Mutex
	flows             map[flowKey]*model.FlowRecord
	flowCanonicalizer helper.FlowCanonicalizer
	nextID            int64
}

// NewDefaultFlowManager creates a flow manager. A nil canonicalizer treats
// ports below 1024 as service ports.
func NewDefaultFlowManager(flowCanonicalizer helper.FlowCanonicalizer) *DefaultFlowManager {
	if flowCanonicalizer == nil {
		flowCanonicalizer = helper.NewFlowCanonicalizer(nil)
	}
	return &DefaultFlowManager{
		flows:             make(map[flowKey]*model.FlowRecord),
		flowCanonicalizer: flowCanonicalizer,
		nextID:            1,
	}
}

func (fm *DefaultFlowManager) UpdateFlow(sample model.PacketSample, result *model.DPIResult) (*model.FlowRecord, bool) {
	client, server, reversed := fm.flowCanonicalizer.Canonicalize(
		helper.Endpoint{IP: sample.SrcIP, Port: sample.SrcPort},
		helper.Endpoint{IP: sample.DstIP, Port: sample.DstPort},
		sample.Transport,
	)
	key := flowKey{transport: sample.Transport, client: client, server: server}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	flow, exists := fm.flows[key]
	if !exists {
		flow = &model.FlowRecord{
			ID:        fm.nextID,
			SrcIP:     client.IP,
			DstIP:     server.IP,
			SrcPort:   client.Port,
			DstPort:   server.Port,
			Transport: sample.Transport,
			FirstSeen: sample.Timestamp,
			LastSeen:  sample.Timestamp,
		}
		fm.nextID++
		fm.flows[key] = flow
	} else {
		if sample.Timestamp.Before(flow.FirstSeen) {
			flow.FirstSeen = sample.Timestamp
		}
		if sample.Timestamp.After(flow.LastSeen) {
			flow.LastSeen = sample.Timestamp
		}
	}

	size := int64(sample.ByteCount())
	if reversed {
		flow.PacketsServerToClient++
		flow.BytesServerToClient += size
	} else {
		flow.PacketsClientToServer++
		flow.BytesClientToServer += size
	}

	if result != nil && betterVerdict(flow, result) {
		flow.Metadata = dpi.EnrichTopologyMetadata(withoutVerdict(flow.Metadata), result)
	}
	return flow, reversed
}

// withoutVerdict copies metadata minus the keys of a previous verdict, so a
// replacing verdict never inherits its label or pattern details.
func withoutVerdict(metadata map[string]any) map[string]any {
	out := maps.Clone(metadata)
	for _, k := range dpi.VerdictKeys {
		delete(out, k)
	}
	return out
}

// betterVerdict reports whether result should replace the verdict already
// recorded on flow. Ties go to the newer result.
func betterVerdict(flow *model.FlowRecord, result *model.DPIResult) bool {
	current, ok := flow.Metadata[dpi.KeyProtocolConfidence].(float64)
	return !ok || result.Confidence >= current
}

func (fm *DefaultFlowManager) GetFlow(src, dst helper.Endpoint, transport string) *model.FlowRecord {
	client, server, _ := fm.flowCanonicalizer.Canonicalize(src, dst, transport)

	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.flows[flowKey{transport: transport, client: client, server: server}]
}

func (fm *DefaultFlowManager) GetAllFlows() []*model.FlowRecord {
	fm.mu.Lock()
	flows := make([]*model.FlowRecord, 0, len(fm.flows))
	for _, flow := range fm.flows {
		flows = append(flows, flow)
	}
	fm.mu.Unlock()

	slices.SortFunc(flows, func(a, b *model.FlowRecord) int {
		if c := a.FirstSeen.Compare(b.FirstSeen); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return flows
}

func (fm *DefaultFlowManager) Clear() {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.flows = make(map[flowKey]*model.FlowRecord)
	fm.nextID = 1
}
