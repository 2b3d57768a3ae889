package dpi

import (
	"fmt"
)

// EscalationError describes a failed or timed out pattern detector call.
// It is logged and counted by the Service, never returned to callers of
// ProcessPacket.
type EscalationError struct {
	SrcIP     string
	DstIP     string
	SrcPort   uint16
	DstPort   uint16
	Transport string
	Timeout   bool  // the detector did not answer within the escalation timeout
	Panic     bool  // the detector panicked
	Err       error // underlying error
}

func (e *EscalationError) Error() string {
	kind := "failed"
	switch {
	case e.Timeout:
		kind = "timed out"
	case e.Panic:
		kind = "panicked"
	}
	return fmt.Sprintf("pattern detection %s for %s %s:%d -> %s:%d: %v",
		kind, e.Transport, e.SrcIP, e.SrcPort, e.DstIP, e.DstPort, e.Err)
}

// Unwrap returns the underlying error for error unwrapping
func (e *EscalationError) Unwrap() error {
	return e.Err
}
