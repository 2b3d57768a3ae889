package dpi

import (
	"github.com/InfraSecConsult/dpi-core-go/lib/model"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is what the Collector reads on every scrape.
type StatsSource interface {
	Stats() model.Stats
	ProtocolBreakdown() []model.ProtocolShare
}

// Collector exports a StatsSource as Prometheus metrics.
type Collector struct {
	src StatsSource

	inspected          *prometheus.Desc
	cacheHits          *prometheus.Desc
	cacheMisses        *prometheus.Desc
	matches            *prometheus.Desc
	rateLimited        *prometheus.Desc
	escalations        *prometheus.Desc
	escalationFailures *prometheus.Desc
	cacheEntries       *prometheus.Desc
	cacheHitRatio      *prometheus.Desc
	detectionRatio     *prometheus.Desc
	protocolPackets    *prometheus.Desc
	protocolBytes      *prometheus.Desc
}

// NewCollector creates a collector for src.
func NewCollector(src StatsSource) *Collector {
	return &Collector{
		src:                src,
		inspected:          prometheus.NewDesc("dpi_packets_inspected_total", "Packets classified on a cache miss", nil, nil),
		cacheHits:          prometheus.NewDesc("dpi_cache_hits_total", "Verdicts served from the cache", nil, nil),
		cacheMisses:        prometheus.NewDesc("dpi_cache_misses_total", "Cache lookups without a stored verdict", nil, nil),
		matches:            prometheus.NewDesc("dpi_matches_total", "Verdicts by detection method", []string{"method"}, nil),
		rateLimited:        prometheus.NewDesc("dpi_rate_limited_total", "Packets rejected by admission control", nil, nil),
		escalations:        prometheus.NewDesc("dpi_escalations_total", "Pattern detector invocations", nil, nil),
		escalationFailures: prometheus.NewDesc("dpi_escalation_failures_total", "Pattern detector errors, panics and timeouts", nil, nil),
		cacheEntries:       prometheus.NewDesc("dpi_cache_entries", "Verdicts currently cached", nil, nil),
		cacheHitRatio:      prometheus.NewDesc("dpi_cache_hit_ratio", "Cache hits over all lookups", nil, nil),
		detectionRatio:     prometheus.NewDesc("dpi_detection_ratio", "Inspected packets with a known protocol", nil, nil),
		protocolPackets:    prometheus.NewDesc("dpi_protocol_packets_total", "Packets by detected protocol", []string{"protocol"}, nil),
		protocolBytes:      prometheus.NewDesc("dpi_protocol_bytes_total", "Bytes by detected protocol", []string{"protocol"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.inspected
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.matches
	ch <- c.rateLimited
	ch <- c.escalations
	ch <- c.escalationFailures
	ch <- c.cacheEntries
	ch <- c.cacheHitRatio
	ch <- c.detectionRatio
	ch <- c.protocolPackets
	ch <- c.protocolBytes
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.inspected, st.TotalInspected)
	counter(c.cacheHits, st.CacheHits)
	counter(c.cacheMisses, st.CacheMisses)
	counter(c.matches, st.SignatureMatches, string(model.MethodSignature))
	counter(c.matches, st.HeuristicMatches, string(model.MethodHeuristic))
	counter(c.matches, st.PortMatches, string(model.MethodPort))
	counter(c.matches, st.PatternMatches, string(model.MethodPattern))
	counter(c.matches, st.UnknownProtocols, string(model.MethodUnknown))
	counter(c.rateLimited, st.RateLimited)
	counter(c.escalations, st.EscalationAttempts)
	counter(c.escalationFailures, st.EscalationFailures)
	gauge(c.cacheEntries, float64(st.CacheSize))
	gauge(c.cacheHitRatio, st.CacheHitRate)
	gauge(c.detectionRatio, st.DetectionRate)

	for _, share := range c.src.ProtocolBreakdown() {
		counter(c.protocolPackets, share.Packets, share.Protocol)
		counter(c.protocolBytes, share.Bytes, share.Protocol)
	}
}
