package parser

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultErrorThreshold is the number of decode errors after which the
// default handler asks the packet source to stop.
const DefaultErrorThreshold = 100

// ErrThresholdExceeded is returned once the error threshold has been reached.
var ErrThresholdExceeded = errors.New("decode error threshold exceeded")

// ErrorHandler receives packet decode problems from a packet source.
type ErrorHandler interface {
	// HandleDecodeError records err. A non-nil return stops the source.
	HandleDecodeError(err *DecodeError) error
	SetErrorThreshold(threshold int)
	GetErrorCount() int
	IsThresholdExceeded() bool
	Reset()
}

// DecodeError describes a packet that could not be decoded.
type DecodeError struct {
	Layer       string // layer that failed, e.g. "IPv4"
	Err         error
	Timestamp   time.Time
	Length      int
	PacketIndex int
	PacketData  []byte // optional, for debugging
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error [%s] in packet %d at %s: %v",
		e.Layer, e.PacketIndex, e.Timestamp.Format(time.RFC3339), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Preview returns up to the first 64 bytes of the packet as hex.
func (e *DecodeError) Preview() string {
	if len(e.PacketData) > 64 {
		return fmt.Sprintf("%x...", e.PacketData[:64])
	}
	return fmt.Sprintf("%x", e.PacketData)
}

// NoOpErrorHandler ignores all errors.
type NoOpErrorHandler struct{}

// NewNoOpErrorHandler returns a handler that ignores every decode error.
func NewNoOpErrorHandler() ErrorHandler {
	return &NoOpErrorHandler{}
}

func (h *NoOpErrorHandler) HandleDecodeError(err *DecodeError) error { return nil }
func (h *NoOpErrorHandler) SetErrorThreshold(threshold int) {}
func (h *NoOpErrorHandler) GetErrorCount() int { return 0 }
func (h *NoOpErrorHandler) IsThresholdExceeded() bool { return false }
func (h *NoOpErrorHandler) Reset() {}

// DefaultErrorHandler logs decode errors and stops processing once the
// threshold is reached.
type DefaultErrorHandler struct {
	mu                sync.RWMutex
	errorCount        int
	errorThreshold    int
	logger            zerolog.Logger
	thresholdExceeded bool
}

// NewDefaultErrorHandler creates a handler that logs to logger, or to the
// global logger when logger is nil.
func NewDefaultErrorHandler(logger *zerolog.Logger) *DefaultErrorHandler {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &DefaultErrorHandler{
		errorThreshold: DefaultErrorThreshold,
		logger:         l,
	}
}

func (h *DefaultErrorHandler) HandleDecodeError(err *DecodeError) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.errorCount++
	ev := h.logger.Warn().
		Str("layer", err.Layer).
		Int("packet", err.PacketIndex).
		Int("length", err.Length).
		Err(err.Err)
	if len(err.PacketData) > 0 {
		ev = ev.Str("preview", err.Preview())
	}
	ev.Msg("failed to decode packet")

	if h.errorThreshold > 0 && h.errorCount >= h.errorThreshold {
		h.thresholdExceeded = true
		return fmt.Errorf("%w: %d errors", ErrThresholdExceeded, h.errorCount)
	}
	return nil
}

// SetErrorThreshold sets the error count at which processing stops. Zero or
// less disables the limit.
func (h *DefaultErrorHandler) SetErrorThreshold(threshold int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorThreshold = threshold
}

func (h *DefaultErrorHandler) GetErrorCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.errorCount
}

func (h *DefaultErrorHandler) IsThresholdExceeded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.thresholdExceeded
}

func (h *DefaultErrorHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount = 0
	h.thresholdExceeded = false
}
