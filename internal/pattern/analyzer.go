// Package pattern infers protocol structure, timing and tunnelling from
// payloads that the rule-based classifier could not identify.
package pattern

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/InfraSecConsult/dpi-core-go/internal/cache"
	"github.com/InfraSecConsult/dpi-core-go/internal/classifier"
	"github.com/InfraSecConsult/dpi-core-go/lib/helper"
	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

const (
	ClassificationFramedBinary = "Framed-Binary"

	EncapsulationConfidence = 0.85
	FramedConfidence        = 0.65

	DefaultMaxFlows   = 4096
	DefaultMinSamples = 5

	timestampHistory = 64
	headerHistory    = 8
)

var fingerprintNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("dpi-core/pattern"))

type flowKey struct {
	transport      string
	client, server helper.Endpoint
}

type flowState struct {
	mu         sync.Mutex
	timestamps *helper.RingBuffer[time.Time]
	// headers[0] holds client -> server payloads, headers[1] the reverse.
	headers [2]*helper.RingBuffer[[]byte]
}

func newFlowState() *flowState {
	return &flowState{
		timestamps: helper.NewRingBuffer[time.Time](timestampHistory),
		headers: [2]*helper.RingBuffer[[]byte]{
			helper.NewRingBuffer[[]byte](headerHistory),
			helper.NewRingBuffer[[]byte](headerHistory),
		},
	}
}

// Analyzer is a stateful pattern detector. It keeps a bounded amount of
// history per flow and is safe for concurrent use.
type Analyzer struct {
	mu         sync.Mutex
	flows      *cache.LRU[flowKey, *flowState]
	canon      helper.FlowCanonicalizer
	minSamples int
}

// Option configures an Analyzer.
type Option func(*analyzerOptions)

type analyzerOptions struct {
	maxFlows   int
	minSamples int
	isService  func(uint16) bool
}

// WithMaxFlows bounds the number of flows with retained history.
func WithMaxFlows(n int) Option {
	return func(o *analyzerOptions) { o.maxFlows = n }
}

// WithMinSamples sets how many timestamps are needed before a timing pattern
// is reported.
func WithMinSamples(n int) Option {
	return func(o *analyzerOptions) { o.minSamples = n }
}

// WithServicePorts overrides which ports count as the server side of a flow.
func WithServicePorts(isService func(uint16) bool) Option {
	return func(o *analyzerOptions) { o.isService = isService }
}

// NewAnalyzer builds an Analyzer. It fails when the options describe an
// empty flow table or fewer than two timing samples.
func NewAnalyzer(opts ...Option) (*Analyzer, error) {
	ports := classifier.NewPortBasedClassifier()
	o := analyzerOptions{
		maxFlows:   DefaultMaxFlows,
		minSamples: DefaultMinSamples,
		isService: func(p uint16) bool {
			_, tunnel := tunnelPorts[p]
			return tunnel || ports.IsServicePort(p)
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.minSamples < 2 {
		return nil, fmt.Errorf("min samples must be at least 2, got %d", o.minSamples)
	}
	flows, err := cache.New[flowKey, *flowState](o.maxFlows)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow table: %w", err)
	}
	return &Analyzer{
		flows:      flows,
		canon:      helper.NewFlowCanonicalizer(o.isService),
		minSamples: o.minSamples,
	}, nil
}

// Analyze records sample in its flow's history and returns what can be
// inferred so far. Classification stays ProtocolUnknown unless a tunnel
// header or a framed binary layout is found.
func (a *Analyzer) Analyze(ctx context.Context, sample model.PatternSample) (*model.PatternAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, server, reversed := a.canon.Canonicalize(
		helper.Endpoint{IP: sample.SrcIP, Port: sample.SrcPort},
		helper.Endpoint{IP: sample.DstIP, Port: sample.DstPort},
		sample.Transport,
	)
	state := a.flowState(flowKey{transport: sample.Transport, client: client, server: server})

	state.mu.Lock()
	if !sample.Timestamp.IsZero() {
		state.timestamps.Add(sample.Timestamp)
	}
	dir := 0
	if reversed {
		dir = 1
	}
	history := state.headers[dir].GetAllFIFO()
	if len(sample.Payload) > 0 {
		state.headers[dir].Add(leading(sample.Payload))
	}
	timestamps := state.timestamps.GetAllFIFO()
	state.mu.Unlock()

	result := &model.PatternAnalysis{
		Classification:       model.ProtocolUnknown,
		CommunicationPattern: communicationPattern(timestamps, a.minSamples),
	}
	if len(sample.Payload) == 0 {
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Structure = inferStructure(sample.Payload, history)
	result.Encapsulation = detectEncapsulation(sample.Payload, sample.SrcPort, sample.DstPort, sample.Transport)
	result.ProtocolFingerprint = fingerprint(sample.Transport, server.Port, sample.Payload, result.Structure)

	switch {
	case result.Encapsulation != nil:
		result.Classification = result.Encapsulation.OuterProtocol
		result.Confidence = EncapsulationConfidence
	case isFramed(result.Structure):
		result.Classification = ClassificationFramedBinary
		result.Confidence = FramedConfidence
	}

	if result.Classification != model.ProtocolUnknown {
		log.Debug().Msgf("pattern analyzer classified %s %s:%d -> %s:%d as %s",
			sample.Transport, sample.SrcIP, sample.SrcPort, sample.DstIP, sample.DstPort, result.Classification)
	}
	return result, nil
}

// Flows returns the number of flows with retained history.
func (a *Analyzer) Flows() int {
	return a.flows.Len()
}

// Reset drops all flow history.
func (a *Analyzer) Reset() {
	a.flows.Clear()
}

func (a *Analyzer) flowState(key flowKey) *flowState {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.flows.Get(key); ok {
		return s
	}
	s := newFlowState()
	if evicted := a.flows.Put(key, s); evicted {
		log.Debug().Msg("pattern analyzer flow table full, evicted least recently used flow")
	}
	return s
}

func isFramed(s *model.PacketStructure) bool {
	return s.IsBinary && s.HasFixedHeader && (s.HasLengthField || s.HasSequenceNumber)
}

// fingerprint is a name-based UUID over the stable parts of a payload: the
// transport, the server port, the fixed header (or first bytes) and the
// structural flags.
func fingerprint(transport string, serverPort uint16, payload []byte, s *model.PacketStructure) string {
	headerLen := s.HeaderLength
	if !s.HasFixedHeader {
		headerLen = min(len(payload), 4)
	}

	data := make([]byte, 0, len(transport)+2+headerLen+1)
	data = append(data, transport...)
	data = binary.BigEndian.AppendUint16(data, serverPort)
	data = append(data, payload[:headerLen]...)

	var flags byte
	for i, set := range []bool{s.IsBinary, s.HasFixedHeader, s.HasLengthField, s.HasMessageType, s.HasSequenceNumber} {
		if set {
			flags |= 1 << i
		}
	}
	data = append(data, flags)

	return uuid.NewSHA1(fingerprintNamespace, data).String()
}
