package testutil

import (
	"context"

	"github.com/InfraSecConsult/dpi-core-go/lib/model"
	"github.com/stretchr/testify/mock"
)

// MockPacketSource is a mock implementation of parser.PacketSource. The
// first return value is the list of samples handed to the callback.
type MockPacketSource struct {
	mock.Mock
}

func (m *MockPacketSource) ReadSamples(ctx context.Context, handle func(model.PacketSample) error) error {
	args := m.Called(ctx)
	if samples, ok := args.Get(0).([]model.PacketSample); ok {
		for _, s := range samples {
			if err := handle(s); err != nil {
				return err
			}
		}
	}
	return args.Error(1)
}

// ExpectSamples delivers samples in order, then returns err.
func (m *MockPacketSource) ExpectSamples(err error, samples ...model.PacketSample) *mock.Call {
	return m.On("ReadSamples", mock.Anything).Return(samples, err)
}
