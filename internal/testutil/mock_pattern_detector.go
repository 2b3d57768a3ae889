package testutil

import (
	"context"

	"github.com/InfraSecConsult/dpi-core-go/lib/model"
	"github.com/stretchr/testify/mock"
)

// MockPatternDetector is a mock implementation of dpi.PatternDetector
type MockPatternDetector struct {
	mock.Mock
}

func (m *MockPatternDetector) Analyze(ctx context.Context, sample model.PatternSample) (*model.PatternAnalysis, error) {
	args := m.Called(ctx, sample)
	var analysis *model.PatternAnalysis
	if v := args.Get(0); v != nil {
		analysis = v.(*model.PatternAnalysis)
	}
	return analysis, args.Error(1)
}

// ExpectAnalyze matches any context and a sample for the given flow.
func (m *MockPatternDetector) ExpectAnalyze(srcIP, dstIP string, analysis *model.PatternAnalysis, err error) *mock.Call {
	return m.On("Analyze", mock.Anything, mock.MatchedBy(func(s model.PatternSample) bool {
		return s.SrcIP == srcIP && s.DstIP == dstIP
	})).Return(analysis, err)
}

// ExpectBlockingAnalyze makes Analyze wait until its context is done.
func (m *MockPatternDetector) ExpectBlockingAnalyze() *mock.Call {
	return m.On("Analyze", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)
}

// ExpectPanickingAnalyze makes Analyze panic with msg.
func (m *MockPatternDetector) ExpectPanickingAnalyze(msg string) *mock.Call {
	return m.On("Analyze", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			panic(msg)
		})
}
