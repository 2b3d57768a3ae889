package dpi

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/InfraSecConsult/dpi-core-go/internal/classifier"
	"github.com/InfraSecConsult/dpi-core-go/internal/config"
	"github.com/InfraSecConsult/dpi-core-go/internal/testutil"
	"github.com/InfraSecConsult/dpi-core-go/lib/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// encryptedPayload has entropy 8 and starts with a byte no signature uses.
func encryptedPayload() []byte {
	p := make([]byte, 512)
	for i := range p {
		p[i] = byte(i * 167)
	}
	return p
}

func httpSample(path string) model.PacketSample {
	return model.PacketSample{
		Payload:   []byte("GET " + path + " HTTP/1.1\r\nHost: plant.local\r\n\r\n"),
		SrcPort:   51234,
		DstPort:   80,
		Transport: "TCP",
		SrcIP:     "10.0.0.5",
		DstIP:     "10.0.0.80",
	}
}

func opaqueSample() model.PacketSample {
	return model.PacketSample{
		Payload:   encryptedPayload(),
		SrcPort:   51234,
		DstPort:   59999,
		Transport: "TCP",
		SrcIP:     "10.0.0.5",
		DstIP:     "10.0.0.99",
	}
}

func newTestService(t *testing.T, mutate func(*config.DPIConfig), opts ...Option) *Service {
	t.Helper()
	cfg := config.DefaultDPIConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	svc, err := New(cfg, opts...)
	require.NoError(t, err)
	return svc
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultDPIConfig()
	cfg.CacheSize = 0

	svc, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Nil(t, svc)
}

func TestService_RateLimiting(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, func(c *config.DPIConfig) { c.MaxDeepInspectPerSecond = 2 }, WithClock(clock.Now))

	r1, ok1 := svc.ProcessPacket(httpSample("/a"))
	r2, ok2 := svc.ProcessPacket(httpSample("/b"))
	r3, ok3 := svc.ProcessPacket(httpSample("/c"))

	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.NotNil(t, r1)
	assert.NotNil(t, r2)
	assert.False(t, ok3)
	assert.Nil(t, r3)
	assert.Equal(t, uint64(1), svc.Stats().RateLimited)

	clock.Advance(999 * time.Millisecond)
	_, ok := svc.ProcessPacket(httpSample("/d"))
	assert.False(t, ok, "still inside the first window")

	clock.Advance(time.Millisecond)
	_, ok = svc.ProcessPacket(httpSample("/e"))
	assert.True(t, ok, "window rolled over")

	st := svc.Stats()
	assert.Equal(t, uint64(2), st.RateLimited)
	assert.Equal(t, uint64(3), st.TotalInspected)
}

func TestService_Idempotence(t *testing.T) {
	svc := newTestService(t, nil)
	sample := httpSample("/index.html")

	first, ok := svc.ProcessPacket(sample)
	require.True(t, ok)
	second, ok := svc.ProcessPacket(sample)
	require.True(t, ok)

	assert.Same(t, first, second)
	assert.Equal(t, "HTTP", first.Protocol)
	assert.Equal(t, classifier.SignatureConfidence, first.Confidence)
	assert.Equal(t, model.MethodSignature, first.Method)
	assert.Equal(t, "HTTP:80", first.ServiceLabel)

	st := svc.Stats()
	assert.Equal(t, uint64(1), st.CacheHits)
	assert.Equal(t, uint64(1), st.CacheMisses)
	assert.Equal(t, uint64(1), st.TotalInspected)
	assert.Equal(t, uint64(1), st.SignatureMatches)
	assert.Equal(t, 1, st.CacheSize)
	assert.Equal(t, 0.5, st.CacheHitRate)
}

func TestService_MethodCounters(t *testing.T) {
	svc := newTestService(t, nil)

	samples := []model.PacketSample{
		httpSample("/"),
		{SrcPort: 1234, DstPort: 443, Transport: "TCP"},
		opaqueSample(),
		{SrcPort: 51234, DstPort: 59999, Transport: "UDP"},
	}
	for _, s := range samples {
		_, ok := svc.ProcessPacket(s)
		require.True(t, ok)
	}

	st := svc.Stats()
	assert.Equal(t, uint64(4), st.TotalInspected)
	assert.Equal(t, uint64(1), st.SignatureMatches)
	assert.Equal(t, uint64(1), st.PortMatches)
	assert.Equal(t, uint64(1), st.HeuristicMatches)
	assert.Equal(t, uint64(1), st.UnknownProtocols)
	assert.InDelta(t, 0.75, st.DetectionRate, 1e-9)
	assert.Equal(t, 0.0, st.CacheHitRate)
}

func TestService_EmptyStats(t *testing.T) {
	st := newTestService(t, nil).Stats()
	assert.Equal(t, model.Stats{}, st)
}

func TestService_EscalationOverridesVerdict(t *testing.T) {
	detector := new(testutil.MockPatternDetector)
	sample := opaqueSample()
	detector.ExpectAnalyze(sample.SrcIP, sample.DstIP, &model.PatternAnalysis{
		Classification:      "VXLAN",
		Confidence:          0.9,
		ProtocolFingerprint: "vxlan:vni=42",
		Encapsulation:       &model.Encapsulation{OuterProtocol: "VXLAN", InnerType: "Ethernet", InnerHeaderOffset: 8},
		CommunicationPattern: &model.CommunicationPattern{
			PatternType: "strict_periodic",
			Confidence:  0.85,
		},
	}, nil)

	svc := newTestService(t, nil, WithPatternDetector(detector))
	res, ok := svc.ProcessPacket(sample)
	require.True(t, ok)

	assert.Equal(t, "VXLAN", res.Protocol)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, model.MethodPattern, res.Method)
	assert.Equal(t, "VXLAN:59999", res.ServiceLabel)
	require.NotNil(t, res.PatternInfo)
	assert.Equal(t, "vxlan:vni=42", res.PatternInfo.Fingerprint)
	assert.Equal(t, "strict_periodic", res.PatternInfo.CommunicationPattern.PatternType)
	assert.Equal(t, 8, res.PatternInfo.Encapsulation.InnerHeaderOffset)

	st := svc.Stats()
	assert.Equal(t, uint64(1), st.EscalationAttempts)
	assert.Equal(t, uint64(1), st.PatternMatches)
	assert.Equal(t, uint64(0), st.HeuristicMatches)
	assert.Equal(t, uint64(0), st.EscalationFailures)
	detector.AssertExpectations(t)
}

func TestService_EscalationKeepsHigherBaseConfidence(t *testing.T) {
	detector := new(testutil.MockPatternDetector)
	sample := opaqueSample()
	detector.ExpectAnalyze(sample.SrcIP, sample.DstIP, &model.PatternAnalysis{
		Classification: "Proprietary",
		Confidence:     0.4,
	}, nil)

	svc := newTestService(t, nil, WithPatternDetector(detector))
	res, ok := svc.ProcessPacket(sample)
	require.True(t, ok)

	assert.Equal(t, "Proprietary", res.Protocol)
	assert.Equal(t, classifier.EncryptedConfidence, res.Confidence)
	assert.Nil(t, res.PatternInfo)
}

func TestService_EscalationWithoutOpinionAttachesPatternInfo(t *testing.T) {
	detector := new(testutil.MockPatternDetector)
	sample := opaqueSample()
	detector.ExpectAnalyze(sample.SrcIP, sample.DstIP, &model.PatternAnalysis{
		Classification: model.ProtocolUnknown,
		Confidence:     0.2,
		Structure:      &model.PacketStructure{IsBinary: true, PayloadEntropy: 8},
	}, nil)

	svc := newTestService(t, nil, WithPatternDetector(detector))
	res, ok := svc.ProcessPacket(sample)
	require.True(t, ok)

	assert.Equal(t, classifier.ProtocolEncrypted, res.Protocol)
	assert.Equal(t, model.MethodHeuristic, res.Method)
	require.NotNil(t, res.PatternInfo)
	assert.True(t, res.PatternInfo.Structure.IsBinary)
	assert.Equal(t, uint64(0), svc.Stats().PatternMatches)
}

func TestService_EscalationFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(d *testutil.MockPatternDetector)
		wantInLog string
	}{
		{
			name: "error",
			setup: func(d *testutil.MockPatternDetector) {
				d.On("Analyze", mock.Anything, mock.Anything).Return(nil, errors.New("model not loaded"))
			},
			wantInLog: "model not loaded",
		},
		{
			name: "timeout",
			setup: func(d *testutil.MockPatternDetector) {
				d.ExpectBlockingAnalyze()
			},
			wantInLog: "timed out",
		},
		{
			name: "panic",
			setup: func(d *testutil.MockPatternDetector) {
				d.ExpectPanickingAnalyze("index out of range")
			},
			wantInLog: "panicked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector := new(testutil.MockPatternDetector)
			tt.setup(detector)

			var logs bytes.Buffer
			svc := newTestService(t,
				func(c *config.DPIConfig) { c.EscalationTimeout = 10 * time.Millisecond },
				WithPatternDetector(detector),
				WithLogger(zerolog.New(&logs)),
			)

			var res *model.DPIResult
			var ok bool
			require.NotPanics(t, func() { res, ok = svc.ProcessPacket(opaqueSample()) })
			require.True(t, ok)

			assert.Equal(t, classifier.ProtocolEncrypted, res.Protocol)
			assert.Equal(t, model.MethodHeuristic, res.Method)
			assert.Nil(t, res.PatternInfo)

			st := svc.Stats()
			assert.Equal(t, uint64(1), st.EscalationAttempts)
			assert.Equal(t, uint64(1), st.EscalationFailures)
			assert.Equal(t, uint64(1), st.HeuristicMatches)

			assert.Contains(t, logs.String(), "pattern detection failed")
			assert.Contains(t, logs.String(), tt.wantInLog)
			assert.Contains(t, logs.String(), `"dst_ip":"10.0.0.99"`)
		})
	}
}

func TestService_EscalationEligibility(t *testing.T) {
	tests := []struct {
		name      string
		sample    model.PacketSample
		threshold float64
		wantCall  bool
	}{
		{"signature verdict", httpSample("/"), 0.5, false},
		{"heuristic verdict", opaqueSample(), 0.5, true},
		{"unknown verdict", model.PacketSample{SrcPort: 40000, DstPort: 59999, Transport: "UDP", SrcIP: "10.0.0.1", DstIP: "10.0.0.2"}, 0.5, true},
		{"port verdict above threshold", model.PacketSample{SrcPort: 40000, DstPort: 502, Transport: "TCP", SrcIP: "10.0.0.1", DstIP: "10.0.0.2"}, 0.5, false},
		{"port verdict below threshold", model.PacketSample{SrcPort: 40000, DstPort: 502, Transport: "TCP", SrcIP: "10.0.0.1", DstIP: "10.0.0.2"}, 0.7, true},
		{"missing addresses", model.PacketSample{Payload: encryptedPayload(), SrcPort: 40000, DstPort: 59999, Transport: "TCP"}, 0.5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector := new(testutil.MockPatternDetector)
			detector.On("Analyze", mock.Anything, mock.Anything).Return(nil, nil)

			svc := newTestService(t,
				func(c *config.DPIConfig) { c.EscalationConfidenceThreshold = tt.threshold },
				WithPatternDetector(detector),
			)
			_, ok := svc.ProcessPacket(tt.sample)
			require.True(t, ok)

			if tt.wantCall {
				detector.AssertNumberOfCalls(t, "Analyze", 1)
			} else {
				detector.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestService_ShouldDeepInspect(t *testing.T) {
	svc := newTestService(t, nil)

	tests := []struct {
		transport string
		length    int
		want      bool
	}{
		{"TCP", 0, true},
		{"tcp", 100000, true},
		{"UDP", 10, false},
		{"UDP", 16, true},
		{"UDP", 1200, true},
		{"UDP", 65535, true},
		{"UDP", 65536, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.transport, tt.length), func(t *testing.T) {
			assert.Equal(t, tt.want, svc.ShouldDeepInspect(tt.transport, tt.length))
		})
	}
}

func TestService_ProtocolBreakdown(t *testing.T) {
	svc := newTestService(t, nil)

	web := httpSample("/")
	web.PacketLength = 1000
	tls := model.PacketSample{Payload: []byte{0x16, 0x03, 0x01, 0x00, 0x10}, SrcPort: 50000, DstPort: 443, Transport: "TCP", PacketLength: 3000}

	for _, s := range []model.PacketSample{web, web, tls} {
		_, ok := svc.ProcessPacket(s)
		require.True(t, ok)
	}

	shares := svc.ProtocolBreakdown()
	require.Len(t, shares, 2)

	assert.Equal(t, "TLS", shares[0].Protocol)
	assert.Equal(t, uint64(1), shares[0].Packets)
	assert.Equal(t, uint64(3000), shares[0].Bytes)
	assert.InDelta(t, 60.0, shares[0].BytePercent, 1e-9)
	assert.InDelta(t, 100.0/3, shares[0].PacketPercent, 1e-9)

	assert.Equal(t, "HTTP", shares[1].Protocol)
	assert.Equal(t, uint64(2), shares[1].Packets)
	assert.Equal(t, uint64(2000), shares[1].Bytes)
	assert.InDelta(t, 40.0, shares[1].BytePercent, 1e-9)
}

func TestService_ResetStats(t *testing.T) {
	svc := newTestService(t, nil)
	sample := httpSample("/")

	variant := opaqueSample()
	variant.Payload[10] ^= 0xFF

	_, _ = svc.ProcessPacket(sample)
	_, _ = svc.ProcessPacket(sample)
	_, _ = svc.ProcessPacket(opaqueSample())
	_, _ = svc.ProcessPacket(variant)
	require.NotZero(t, svc.Stats().TotalInspected)
	require.NotEmpty(t, svc.SuggestSignatures(1))

	svc.ResetStats()
	assert.Equal(t, model.Stats{}, svc.Stats())
	assert.Empty(t, svc.ProtocolBreakdown())
	assert.Empty(t, svc.SuggestSignatures(1))

	_, _ = svc.ProcessPacket(sample)
	st := svc.Stats()
	assert.Equal(t, uint64(0), st.CacheHits, "cache was cleared")
	assert.Equal(t, uint64(1), st.CacheMisses)
}

func TestService_AddCustomSignature(t *testing.T) {
	svc := newTestService(t, nil)
	sample := model.PacketSample{
		Payload:   append([]byte{0xAB, 0xCD, 0x01, 0x00}, bytes.Repeat([]byte{0x42}, 20)...),
		SrcPort:   40000,
		DstPort:   59999,
		Transport: "TCP",
	}

	before, ok := svc.ProcessPacket(sample)
	require.True(t, ok)
	assert.Equal(t, model.MethodHeuristic, before.Method)

	require.NoError(t, svc.AddCustomSignature([]byte{0xAB, 0xCD}, "PlantBus", classifier.CategoryIndustrial))

	after, ok := svc.ProcessPacket(sample)
	require.True(t, ok)
	assert.Equal(t, "PlantBus", after.Protocol)
	assert.Equal(t, model.MethodSignature, after.Method)
	assert.Equal(t, "PlantBus", svc.Signatures()[len(svc.Signatures())-1].Protocol)

	assert.ErrorIs(t, svc.AddCustomSignature(nil, "X", "y"), classifier.ErrEmptyPattern)
}

func TestService_AddPrioritySignature(t *testing.T) {
	svc := newTestService(t, nil)
	require.NoError(t, svc.AddPrioritySignature([]byte("GET /plc"), "PLC-Web", classifier.CategoryIndustrial))

	res, ok := svc.ProcessPacket(httpSample("/plc/status"))
	require.True(t, ok)
	assert.Equal(t, "PLC-Web", res.Protocol)
}

func TestService_SuggestSignatures(t *testing.T) {
	svc := newTestService(t, nil)
	for i := 0; i < 4; i++ {
		_, ok := svc.ProcessPacket(model.PacketSample{
			Payload:   []byte{0xCA, 0xFE, 0xBA, 0xBE, byte(i), 0x00, 0x11, byte(i * 3)},
			SrcPort:   40000,
			DstPort:   59999,
			Transport: "UDP",
		})
		require.True(t, ok)
	}
	_, _ = svc.ProcessPacket(httpSample("/not-unknown"))

	assert.Equal(t, []string{"cafebabe"}, svc.SuggestSignatures(4))
	assert.Empty(t, svc.SuggestSignatures(5))
}

func TestService_SuggestSignaturesDisabled(t *testing.T) {
	svc := newTestService(t, func(c *config.DPIConfig) { c.UnknownSampleBuffer = 0 })
	_, _ = svc.ProcessPacket(opaqueSample())
	assert.Nil(t, svc.SuggestSignatures(4))
}

func TestService_Concurrency(t *testing.T) {
	svc := newTestService(t, func(c *config.DPIConfig) {
		c.MaxDeepInspectPerSecond = 1 << 30
		c.CacheSize = 16
	})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				res, ok := svc.ProcessPacket(httpSample(fmt.Sprintf("/%d", (w*200+i)%40)))
				if assert.True(t, ok) {
					assert.Equal(t, "HTTP", res.Protocol)
				}
				if i%50 == 0 {
					_ = svc.Stats()
					_ = svc.ProtocolBreakdown()
				}
			}
		}(w)
	}
	wg.Wait()

	st := svc.Stats()
	assert.Equal(t, uint64(1600), st.CacheHits+st.CacheMisses)
	assert.Equal(t, st.CacheMisses, st.TotalInspected)
	assert.LessOrEqual(t, st.CacheSize, 16)
}

func TestFingerprint(t *testing.T) {
	base := bytes.Repeat([]byte("A"), 40)
	tail := append(bytes.Repeat([]byte("A"), 32), []byte("BBBBBBBB")...)

	assert.Equal(t, Fingerprint(base, 1, 2), Fingerprint(base, 1, 2))
	assert.Equal(t, Fingerprint(base, 1, 2), Fingerprint(tail, 1, 2), "bytes after the prefix do not contribute")
	assert.NotEqual(t, Fingerprint(base, 1, 2), Fingerprint(base[:39], 1, 2))
	assert.NotEqual(t, Fingerprint(base, 1, 2), Fingerprint(base, 2, 1))
	assert.NotEqual(t, Fingerprint(nil, 1, 2), Fingerprint(nil, 1, 3))
}

func TestEscalationError(t *testing.T) {
	base := errors.New("boom")
	err := error(&EscalationError{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1, DstPort: 2, Transport: "TCP", Timeout: true, Err: base})

	var escErr *EscalationError
	require.ErrorAs(t, err, &escErr)
	assert.True(t, escErr.Timeout)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "pattern detection timed out for TCP 10.0.0.1:1 -> 10.0.0.2:2: boom", err.Error())
}
