package repository

import (
	"errors"

	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

var (
	ErrRunNotFound  = errors.New("inspection run not found")
	ErrDuplicateRun = errors.New("inspection run already exists")
)

// Repository stores the outcome of inspection runs: enriched flows, the
// services seen on them and the per-protocol traffic breakdown.
type Repository interface {
	// Run operations. CreateRun assigns a new ID when run.ID is empty.
	CreateRun(run *model.InspectionRun) error
	FinishRun(run *model.InspectionRun) error
	GetRun(id string) (*model.InspectionRun, error)
	GetRuns() ([]*model.InspectionRun, error)

	// Flow operations
	AddFlows(runID string, flows []*model.FlowRecord) error
	GetFlows(runID string, filters map[string]interface{}) ([]*model.FlowRecord, error)

	// Service operations
	AddServices(runID string, services []*model.ServiceRecord) error
	GetServices(runID string) ([]*model.ServiceRecord, error)

	// Protocol breakdown operations
	AddProtocolBreakdown(runID string, shares []model.ProtocolShare) error
	GetProtocolBreakdown(runID string) ([]model.ProtocolShare, error)

	Close() error
}
