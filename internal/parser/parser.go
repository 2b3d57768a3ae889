package parser

import (
	"context"

	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

// PacketSource delivers packet samples to handle, in capture order, until the
// source is exhausted, ctx is done or handle returns an error.
type PacketSource interface {
	ReadSamples(ctx context.Context, handle func(model.PacketSample) error) error
}
