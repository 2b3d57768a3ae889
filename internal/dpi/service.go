// Package dpi is the deep packet inspection orchestrator: admission
// control, result caching, classification, best-effort pattern detection
// and statistics.
package dpi

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/InfraSecConsult/dpi-core-go/internal/cache"
	"github.com/InfraSecConsult/dpi-core-go/internal/classifier"
	"github.com/InfraSecConsult/dpi-core-go/internal/config"
	"github.com/InfraSecConsult/dpi-core-go/lib/helper"
	"github.com/InfraSecConsult/dpi-core-go/lib/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// unknownSamplePrefix bounds how many bytes of an unclassified payload are
// kept for signature suggestions.
const unknownSamplePrefix = 64

// PatternDetector is the optional pattern-detection capability. It may be
// slow or fail; the Service bounds it with a timeout and ignores failures.
type PatternDetector interface {
	Analyze(ctx context.Context, sample model.PatternSample) (*model.PatternAnalysis, error)
}

// Option configures a Service.
type Option func(*Service)

// WithPatternDetector enables escalation to d.
func WithPatternDetector(d PatternDetector) Option {
	return func(s *Service) { s.detector = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now for the rate limiter.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithClassifier replaces the built-in classifier.
func WithClassifier(c classifier.Classifier) Option {
	return func(s *Service) { s.classifier = c }
}

// Service is safe for concurrent use. Results returned by ProcessPacket are
// shared with the cache and must be treated as read-only.
type Service struct {
	cfg        config.DPIConfig
	classifier classifier.Classifier
	detector   PatternDetector
	logger     zerolog.Logger
	now        func() time.Time
	priority   map[string]struct{}
	limiter    *RateLimiter

	// mu guards stats, protocols and unknowns. When both are needed it is
	// taken before the cache lock.
	mu        sync.Mutex
	stats     model.Stats
	protocols map[string]*protocolCounter
	cache     *cache.LRU[uint64, *model.DPIResult]
	unknowns  *helper.RingBuffer[[]byte]
}

type protocolCounter struct {
	packets uint64
	bytes   uint64
}

// New builds a Service. Configuration errors are returned immediately.
func New(cfg config.DPIConfig, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lru, err := cache.New[uint64, *model.DPIResult](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	s := &Service{
		cfg:       cfg,
		logger:    log.Logger,
		now:       time.Now,
		priority:  make(map[string]struct{}, len(cfg.PriorityProtocols)),
		protocols: make(map[string]*protocolCounter),
		cache:     lru,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.classifier == nil {
		s.classifier = classifier.NewProtocolClassifier(classifier.Options{
			EnableSignatures: cfg.EnableSignatures,
			EnableHeuristics: cfg.EnableHeuristics,
		})
	}
	if cfg.UnknownSampleBuffer > 0 {
		s.unknowns = helper.NewRingBuffer[[]byte](cfg.UnknownSampleBuffer)
	}
	for _, p := range cfg.PriorityProtocols {
		s.priority[strings.ToUpper(strings.TrimSpace(p))] = struct{}{}
	}
	s.limiter = NewRateLimiter(cfg.MaxDeepInspectPerSecond, s.now)
	return s, nil
}

// ShouldDeepInspect is a cheap pre-filter for callers: priority transports
// always qualify, others only within the configured payload length range.
func (s *Service) ShouldDeepInspect(transport string, length int) bool {
	if _, ok := s.priority[strings.ToUpper(transport)]; ok {
		return true
	}
	return length >= s.cfg.MinPayloadLength && length <= s.cfg.MaxPayloadLength
}

// ProcessPacket classifies one packet. The boolean is false when the packet
// was rejected by admission control; that is not an error and the caller
// should simply skip enrichment.
func (s *Service) ProcessPacket(p model.PacketSample) (*model.DPIResult, bool) {
	if !s.limiter.Allow() {
		s.mu.Lock()
		s.stats.RateLimited++
		s.mu.Unlock()
		return nil, false
	}

	key := Fingerprint(p.Payload, p.SrcPort, p.DstPort)
	if cached, ok := s.cache.Get(key); ok {
		s.mu.Lock()
		s.stats.CacheHits++
		s.countProtocol(cached.Protocol, p.ByteCount())
		s.mu.Unlock()
		return cached, true
	}

	match := s.classifier.Classify(p.Payload, p.SrcPort, p.DstPort, p.Transport)
	result := &model.DPIResult{ProtocolMatch: match}

	var escalated, failed, overridden bool
	if s.shouldEscalate(match, p) {
		escalated = true
		overridden, failed = s.escalate(result, p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.CacheMisses++
	s.stats.TotalInspected++
	if escalated {
		s.stats.EscalationAttempts++
	}
	if failed {
		s.stats.EscalationFailures++
	}
	if overridden {
		s.stats.PatternMatches++
	}
	switch result.Method {
	case model.MethodSignature:
		s.stats.SignatureMatches++
	case model.MethodHeuristic:
		s.stats.HeuristicMatches++
	case model.MethodPort:
		s.stats.PortMatches++
	case model.MethodUnknown:
		s.stats.UnknownProtocols++
	}
	s.countProtocol(result.Protocol, p.ByteCount())
	s.rememberUnknown(result, p.Payload)
	s.cache.Put(key, result)
	return result, true
}

func (s *Service) countProtocol(protocol string, n uint64) {
	c, ok := s.protocols[protocol]
	if !ok {
		c = &protocolCounter{}
		s.protocols[protocol] = c
	}
	c.packets++
	c.bytes += n
}

func (s *Service) rememberUnknown(result *model.DPIResult, payload []byte) {
	if s.unknowns == nil || len(payload) == 0 {
		return
	}
	if result.Method != model.MethodHeuristic && result.Method != model.MethodUnknown {
		return
	}
	sample := bytes.Clone(payload[:min(len(payload), unknownSamplePrefix)])
	s.unknowns.AddNonDuplicate(sample, bytes.Equal)
}

func (s *Service) shouldEscalate(m model.ProtocolMatch, p model.PacketSample) bool {
	if s.detector == nil || p.SrcIP == "" || p.DstIP == "" {
		return false
	}
	return m.Method == model.MethodHeuristic ||
		m.Method == model.MethodUnknown ||
		m.Confidence < s.cfg.EscalationConfidenceThreshold
}

// escalate runs the pattern detector and merges its answer into result.
// Failures leave result untouched.
func (s *Service) escalate(result *model.DPIResult, p model.PacketSample) (overridden, failed bool) {
	analysis, err := s.analyze(p)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("src_ip", p.SrcIP).
			Str("dst_ip", p.DstIP).
			Uint16("sport", p.SrcPort).
			Uint16("dport", p.DstPort).
			Msg("pattern detection failed, keeping base classification")
		return false, true
	}
	if analysis == nil {
		return false, false
	}

	if analysis.Classification != "" && analysis.Classification != model.ProtocolUnknown {
		result.Protocol = analysis.Classification
		result.Confidence = max(result.Confidence, analysis.Confidence)
		result.Method = model.MethodPattern
		result.ServiceLabel = model.ServiceLabelFor(analysis.Classification, p.DstPort)
		overridden = true
		s.logger.Debug().Msgf("pattern detector classified %s:%d -> %s:%d as %s",
			p.SrcIP, p.SrcPort, p.DstIP, p.DstPort, analysis.Classification)
	}
	result.PatternInfo = patternInfoFrom(analysis)
	return overridden, false
}

func (s *Service) analyze(p model.PacketSample) (*model.PatternAnalysis, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EscalationTimeout)
	defer cancel()

	sample := model.PatternSample{
		Payload:   p.Payload,
		SrcIP:     p.SrcIP,
		DstIP:     p.DstIP,
		SrcPort:   p.SrcPort,
		DstPort:   p.DstPort,
		Transport: p.Transport,
		Timestamp: p.Timestamp,
	}
	newErr := func(err error) *EscalationError {
		return &EscalationError{
			SrcIP: p.SrcIP, DstIP: p.DstIP,
			SrcPort: p.SrcPort, DstPort: p.DstPort,
			Transport: p.Transport, Err: err,
		}
	}

	type outcome struct {
		analysis *model.PatternAnalysis
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e := newErr(fmt.Errorf("%v", r))
				e.Panic = true
				done <- outcome{err: e}
			}
		}()
		a, err := s.detector.Analyze(ctx, sample)
		if err != nil {
			err = newErr(err)
		}
		done <- outcome{analysis: a, err: err}
	}()

	select {
	case o := <-done:
		return o.analysis, o.err
	case <-ctx.Done():
		e := newErr(ctx.Err())
		e.Timeout = true
		return nil, e
	}
}

func patternInfoFrom(a *model.PatternAnalysis) *model.PatternInfo {
	if a.ProtocolFingerprint == "" && a.Structure == nil && a.CommunicationPattern == nil && a.Encapsulation == nil {
		return nil
	}
	return &model.PatternInfo{
		Fingerprint:          a.ProtocolFingerprint,
		Structure:            a.Structure,
		CommunicationPattern: a.CommunicationPattern,
		Encapsulation:        a.Encapsulation,
	}
}

// Stats returns a snapshot of all counters and the derived rates.
func (s *Service) Stats() model.Stats {
	s.mu.Lock()
	st := s.stats
	st.CacheSize = s.cache.Len()
	s.mu.Unlock()

	if lookups := st.CacheHits + st.CacheMisses; lookups > 0 {
		st.CacheHitRate = float64(st.CacheHits) / float64(lookups)
	}
	if st.TotalInspected > 0 {
		st.DetectionRate = float64(st.TotalInspected-st.UnknownProtocols) / float64(st.TotalInspected)
	}
	return st
}

// ProtocolBreakdown returns per-protocol traffic sorted by bytes, largest first.
func (s *Service) ProtocolBreakdown() []model.ProtocolShare {
	s.mu.Lock()
	shares := make([]model.ProtocolShare, 0, len(s.protocols))
	var totalPackets, totalBytes uint64
	for name, c := range s.protocols {
		shares = append(shares, model.ProtocolShare{Protocol: name, Packets: c.packets, Bytes: c.bytes})
		totalPackets += c.packets
		totalBytes += c.bytes
	}
	s.mu.Unlock()

	for i := range shares {
		if totalPackets > 0 {
			shares[i].PacketPercent = float64(shares[i].Packets) / float64(totalPackets) * 100
		}
		if totalBytes > 0 {
			shares[i].BytePercent = float64(shares[i].Bytes) / float64(totalBytes) * 100
		}
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].Bytes != shares[j].Bytes {
			return shares[i].Bytes > shares[j].Bytes
		}
		return shares[i].Protocol < shares[j].Protocol
	})
	return shares
}

// ResetStats clears every counter, the protocol table, the unknown sample
// buffer and the cache in one critical section.
func (s *Service) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats = model.Stats{}
	s.protocols = make(map[string]*protocolCounter)
	if s.unknowns != nil {
		s.unknowns.Clear()
	}
	s.cache.Clear()
}

// AddCustomSignature appends a signature after the built-ins. Cached
// verdicts are dropped so the new signature applies to repeated packets.
func (s *Service) AddCustomSignature(pattern []byte, protocol, category string) error {
	if err := s.classifier.AddSignature(pattern, protocol, category); err != nil {
		return err
	}
	s.invalidateCache()
	return nil
}

// AddPrioritySignature puts a signature ahead of the built-ins.
func (s *Service) AddPrioritySignature(pattern []byte, protocol, category string) error {
	if err := s.classifier.AddPrioritySignature(pattern, protocol, category); err != nil {
		return err
	}
	s.invalidateCache()
	return nil
}

func (s *Service) invalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Clear()
}

// Signatures returns the live signature table in match order.
func (s *Service) Signatures() []classifier.Signature {
	return s.classifier.Signatures()
}

// SuggestSignatures proposes hex signatures from recently seen unclassified
// payloads, grouped by their first byte. Nothing is added to the table.
func (s *Service) SuggestSignatures(minLength int) []string {
	if s.unknowns == nil {
		return nil
	}

	groups := make(map[byte][][]byte)
	for _, sample := range s.unknowns.GetAllFIFO() {
		groups[sample[0]] = append(groups[sample[0]], sample)
	}

	seen := make(map[string]struct{})
	var out []string
	for _, samples := range groups {
		hexSig, ok := classifier.SuggestSignature(samples, minLength)
		if !ok {
			continue
		}
		if _, dup := seen[hexSig]; dup {
			continue
		}
		seen[hexSig] = struct{}{}
		out = append(out, hexSig)
	}
	sort.Strings(out)
	return out
}
