package parser

import (
	"context"
	"sync"
	"time"

	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

// CaptureClock reports the latest packet timestamp seen by a source. It lets
// time-based admission control follow capture time, so replaying a file gives
// the same result regardless of how fast it is read.
type CaptureClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the newest timestamp observed, or the zero time before the
// first timestamped packet.
func (c *CaptureClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward to ts. Older and zero timestamps are ignored.
func (c *CaptureClock) Advance(ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts.After(c.now) {
		c.now = ts
	}
}

type clockedSource struct {
	source PacketSource
	clock  *CaptureClock
}

// WithCaptureClock wraps source so clock is advanced to each sample's
// timestamp before the sample is handed on.
func WithCaptureClock(source PacketSource, clock *CaptureClock) PacketSource {
	return &clockedSource{source: source, clock: clock}
}

func (s *clockedSource) ReadSamples(ctx context.Context, handle func(model.PacketSample) error) error {
	return s.source.ReadSamples(ctx, func(sample model.PacketSample) error {
		s.clock.Advance(sample.Timestamp)
		return handle(sample)
	})
}
