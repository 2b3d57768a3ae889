package testutil

import (
	"github.com/InfraSecConsult/dpi-core-go/lib/model"
	"github.com/stretchr/testify/mock"
)

// MockRepository is a mock implementation of repository.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateRun(run *model.InspectionRun) error {
	args := m.Called(run)
	return args.Error(0)
}

func (m *MockRepository) FinishRun(run *model.InspectionRun) error {
	args := m.Called(run)
	return args.Error(0)
}

func (m *MockRepository) GetRun(id string) (*model.InspectionRun, error) {
	args := m.Called(id)
	if v := args.Get(0); v != nil {
		return v.(*model.InspectionRun), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) GetRuns() ([]*model.InspectionRun, error) {
	args := m.Called()
	if v := args.Get(0); v != nil {
		return v.([]*model.InspectionRun), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) AddFlows(runID string, flows []*model.FlowRecord) error {
	args := m.Called(runID, flows)
	return args.Error(0)
}

func (m *MockRepository) GetFlows(runID string, filters map[string]interface{}) ([]*model.FlowRecord, error) {
	args := m.Called(runID, filters)
	if v := args.Get(0); v != nil {
		return v.([]*model.FlowRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) AddServices(runID string, services []*model.ServiceRecord) error {
	args := m.Called(runID, services)
	return args.Error(0)
}

func (m *MockRepository) GetServices(runID string) ([]*model.ServiceRecord, error) {
	args := m.Called(runID)
	if v := args.Get(0); v != nil {
		return v.([]*model.ServiceRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) AddProtocolBreakdown(runID string, shares []model.ProtocolShare) error {
	args := m.Called(runID, shares)
	return args.Error(0)
}

func (m *MockRepository) GetProtocolBreakdown(runID string) ([]model.ProtocolShare, error) {
	args := m.Called(runID)
	if v := args.Get(0); v != nil {
		return v.([]model.ProtocolShare), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
