package classifier

import (
	"bytes"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

// SignatureConfidence is the fixed confidence of a signature verdict.
const SignatureConfidence = 0.95

// Protocol categories used across the built-in tables.
const (
	CategoryWeb          = "web"
	CategoryEncrypted    = "encrypted"
	CategoryRemoteAccess = "remote_access"
	CategoryFileTransfer = "file_transfer"
	CategoryEmail        = "email"
	CategoryFileSharing  = "file_sharing"
	CategoryDatabase     = "database"
	CategoryDirectory    = "directory"
	CategoryNetwork      = "network_service"
	CategoryManagement   = "management"
	CategoryVoIP         = "voip"
	CategoryStreaming    = "streaming"
	CategoryP2P          = "p2p"
	CategoryIndustrial   = "industrial"
	CategoryMessaging    = "messaging"
)

// ErrEmptyPattern is returned when a signature without bytes is registered.
var ErrEmptyPattern = errors.New("signature pattern must not be empty")

// Signature maps a payload prefix to a protocol.
type Signature struct {
	Pattern  []byte
	Protocol string
	Category string
}

// encryptedProtocols lists protocols whose signature implies an encrypted session.
var encryptedProtocols = map[string]bool{
	"TLS": true,
	"SSH": true,
}

// DefaultSignatures returns the built-in signature table. Order matters:
// the first matching prefix wins, so "220 " always resolves to FTP and the
// generic Redis "*" is only reached after IMAP "* OK".
func DefaultSignatures() []Signature {
	return []Signature{
		{[]byte("GET "), "HTTP", CategoryWeb},
		{[]byte("POST "), "HTTP", CategoryWeb},
		{[]byte("PUT "), "HTTP", CategoryWeb},
		{[]byte("DELETE "), "HTTP", CategoryWeb},
		{[]byte("HEAD "), "HTTP", CategoryWeb},
		{[]byte("OPTIONS "), "HTTP", CategoryWeb},
		{[]byte("PATCH "), "HTTP", CategoryWeb},
		{[]byte("CONNECT "), "HTTP", CategoryWeb},
		{[]byte("HTTP/1."), "HTTP", CategoryWeb},

		{[]byte{0x16, 0x03}, "TLS", CategoryEncrypted},
		{[]byte("SSH-"), "SSH", CategoryRemoteAccess},

		{[]byte("220 "), "FTP", CategoryFileTransfer},
		{[]byte("USER "), "FTP", CategoryFileTransfer},
		{[]byte("220 "), "SMTP", CategoryEmail},
		{[]byte("EHLO "), "SMTP", CategoryEmail},
		{[]byte("HELO "), "SMTP", CategoryEmail},
		{[]byte("MAIL FROM:"), "SMTP", CategoryEmail},
		{[]byte("+OK"), "POP3", CategoryEmail},
		{[]byte("* OK"), "IMAP", CategoryEmail},

		{[]byte{0xFF, 'S', 'M', 'B'}, "SMB", CategoryFileSharing},
		{[]byte{0xFE, 'S', 'M', 'B'}, "SMB2", CategoryFileSharing},
		{[]byte{0x03, 0x00}, "RDP", CategoryRemoteAccess},

		{[]byte("INVITE "), "SIP", CategoryVoIP},
		{[]byte("REGISTER "), "SIP", CategoryVoIP},
		{[]byte("SIP/2.0"), "SIP", CategoryVoIP},
		{[]byte("RTSP/1.0"), "RTSP", CategoryStreaming},
		{append([]byte{0x13}, "BitTorrent protocol"...), "BitTorrent", CategoryP2P},

		{[]byte("*"), "Redis", CategoryDatabase},
	}
}

// SignatureDetector matches payload prefixes against an ordered table.
// Readers use an immutable snapshot; writers replace it under mu.
type SignatureDetector struct {
	mu    sync.Mutex
	table atomic.Pointer[[]Signature]
}

// NewSignatureDetector creates a detector over a copy of sigs.
func NewSignatureDetector(sigs []Signature) *SignatureDetector {
	d := &SignatureDetector{}
	table := make([]Signature, 0, len(sigs))
	for _, s := range sigs {
		if len(s.Pattern) == 0 {
			continue
		}
		table = append(table, cloneSignature(s))
	}
	d.table.Store(&table)
	return d
}

// Match returns the first signature whose pattern prefixes payload.
func (d *SignatureDetector) Match(payload []byte) (model.ProtocolMatch, bool) {
	if len(payload) < 2 {
		return model.ProtocolMatch{}, false
	}
	for _, sig := range *d.table.Load() {
		if !bytes.HasPrefix(payload, sig.Pattern) {
			continue
		}
		return model.ProtocolMatch{
			Protocol:    sig.Protocol,
			Confidence:  SignatureConfidence,
			Method:      model.MethodSignature,
			Category:    sig.Category,
			IsEncrypted: encryptedProtocols[sig.Protocol],
			Evidence: model.SignatureEvidence{
				PatternHex: hex.EncodeToString(sig.Pattern),
				Offset:     0,
			},
		}, true
	}
	return model.ProtocolMatch{}, false
}

// AddSignature appends a signature after all existing entries.
func (d *SignatureDetector) AddSignature(pattern []byte, protocol, category string) error {
	return d.insert(Signature{Pattern: pattern, Protocol: protocol, Category: category}, false)
}

// AddPrioritySignature puts a signature ahead of all existing entries.
func (d *SignatureDetector) AddPrioritySignature(pattern []byte, protocol, category string) error {
	return d.insert(Signature{Pattern: pattern, Protocol: protocol, Category: category}, true)
}

func (d *SignatureDetector) insert(sig Signature, first bool) error {
	if len(sig.Pattern) == 0 {
		return ErrEmptyPattern
	}
	if sig.Protocol == "" {
		return errors.New("signature protocol must not be empty")
	}
	if sig.Category == "" {
		sig.Category = model.CategoryUnknown
	}
	sig = cloneSignature(sig)

	d.mu.Lock()
	defer d.mu.Unlock()

	old := *d.table.Load()
	next := make([]Signature, 0, len(old)+1)
	if first {
		next = append(next, sig)
		next = append(next, old...)
	} else {
		next = append(next, old...)
		next = append(next, sig)
	}
	d.table.Store(&next)
	return nil
}

// Signatures returns a copy of the current table in match order.
func (d *SignatureDetector) Signatures() []Signature {
	cur := *d.table.Load()
	out := make([]Signature, len(cur))
	for i, s := range cur {
		out[i] = cloneSignature(s)
	}
	return out
}

// Len returns the number of signatures in the table.
func (d *SignatureDetector) Len() int {
	return len(*d.table.Load())
}

func cloneSignature(s Signature) Signature {
	s.Pattern = bytes.Clone(s.Pattern)
	return s
}
