package model

import (
	"errors"
	"net"
	"strings"
	"time"
)

// IsValidIPAddress reports whether address is a bare IPv4 or IPv6 address.
func IsValidIPAddress(address string) bool {
	if address == "" || strings.Contains(address, "(") {
		return false
	}
	return net.ParseIP(address) != nil
}

// FlowRecord is an aggregated, direction-canonical view of one 5-tuple,
// carrying the topology metadata produced by the inspection core.
type FlowRecord struct {
	ID        int64
	SrcIP     string // client side after canonicalization
	DstIP     string // server side after canonicalization
	SrcPort   uint16
	DstPort   uint16
	Transport string
	FirstSeen time.Time
	LastSeen  time.Time

	PacketsClientToServer int
	PacketsServerToClient int
	BytesClientToServer   int64
	BytesServerToClient   int64

	// Metadata holds the enrichment fields (detected_protocol, service_label, ...).
	Metadata map[string]any
}

// PacketCount returns the packet total in both directions.
func (f *FlowRecord) PacketCount() int {
	return f.PacketsClientToServer + f.PacketsServerToClient
}

// ByteCount returns the byte total in both directions.
func (f *FlowRecord) ByteCount() int64 {
	return f.BytesClientToServer + f.BytesServerToClient
}

// MetadataString returns a string enrichment field or "".
func (f *FlowRecord) MetadataString(key string) string {
	if v, ok := f.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// ServiceRecord is a server endpoint discovered from classified traffic.
type ServiceRecord struct {
	ID           int64
	IP           string
	Port         uint16
	Transport    string
	Protocol     string
	ServiceLabel string
	IsEncrypted  bool
	FirstSeen    time.Time
	LastSeen     time.Time
}

func (f *FlowRecord) Validate() error {
	if !IsValidIPAddress(f.SrcIP) {
		return errors.New("invalid source address " + f.SrcIP)
	}
	if !IsValidIPAddress(f.DstIP) {
		return errors.New("invalid destination address " + f.DstIP)
	}
	if f.Transport == "" {
		return errors.New("transport must not be empty")
	}
	if f.FirstSeen.IsZero() {
		return errors.New("first seen time must not be zero")
	}
	if f.LastSeen.Before(f.FirstSeen) {
		return errors.New("last seen time must not be before first seen time")
	}
	if f.PacketsClientToServer < 0 || f.PacketsServerToClient < 0 {
		return errors.New("packet counters must not be negative")
	}
	if f.BytesClientToServer < 0 || f.BytesServerToClient < 0 {
		return errors.New("byte counters must not be negative")
	}
	return nil
}

func (s *ServiceRecord) Validate() error {
	if !IsValidIPAddress(s.IP) {
		return errors.New("invalid service address " + s.IP)
	}
	if s.Port == 0 {
		return errors.New("port must not be zero")
	}
	if s.Protocol == "" {
		return errors.New("protocol must not be empty")
	}
	if s.FirstSeen.IsZero() {
		return errors.New("first seen time must not be zero")
	}
	if s.LastSeen.Before(s.FirstSeen) {
		return errors.New("last seen time must not be before first seen time")
	}
	return nil
}
