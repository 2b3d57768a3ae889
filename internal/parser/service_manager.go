package parser

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

// ServiceManager tracks server endpoints that carried classified traffic.
type ServiceManager interface {
	// UpdateService records the server side of flow as offering the protocol
	// in result. Unknown verdicts are ignored and return nil.
	UpdateService(flow *model.FlowRecord, result *model.DPIResult, timestamp time.Time) *model.ServiceRecord

	GetService(ip string, port uint16, transport string) *model.ServiceRecord

	// GetAllServices returns all services ordered by address and port.
	GetAllServices() []*model.ServiceRecord

	Clear()
}

type trackedService struct {
	record     *model.ServiceRecord
	confidence float64
}

// DefaultServiceManager implements ServiceManager
type DefaultServiceManager struct {
	mu       sync.Mutex
	services map[string]*trackedService
	nextID   int64
}

// NewDefaultServiceManager creates an empty service inventory.
func NewDefaultServiceManager() *DefaultServiceManager {
	return &DefaultServiceManager{
		services: make(map[string]*trackedService),
		nextID:   1,
	}
}

func serviceKey(ip string, port uint16, transport string) string {
	return fmt.Sprintf("%s:%d:%s", ip, port, transport)
}

func (sm *DefaultServiceManager) UpdateService(flow *model.FlowRecord, result *model.DPIResult, timestamp time.Time) *model.ServiceRecord {
	if flow == nil || result == nil || result.Method == model.MethodUnknown || result.Protocol == model.ProtocolUnknown {
		return nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	key := serviceKey(flow.DstIP, flow.DstPort, flow.Transport)
	svc, exists := sm.services[key]
	if !exists {
		svc = &trackedService{
			record: &model.ServiceRecord{
				ID:        sm.nextID,
				IP:        flow.DstIP,
				Port:      flow.DstPort,
				Transport: flow.Transport,
				FirstSeen: timestamp,
				LastSeen:  timestamp,
			},
			confidence: -1,
		}
		sm.nextID++
		sm.services[key] = svc
	} else {
		if timestamp.Before(svc.record.FirstSeen) {
			svc.record.FirstSeen = timestamp
		}
		if timestamp.After(svc.record.LastSeen) {
			svc.record.LastSeen = timestamp
		}
	}

	// Keep the most confident protocol seen on this endpoint.
	if result.Confidence > svc.confidence {
		svc.confidence = result.Confidence
		svc.record.Protocol = result.Protocol
		svc.record.ServiceLabel = model.ServiceLabelFor(result.Protocol, flow.DstPort)
	}
	svc.record.IsEncrypted = svc.record.IsEncrypted || result.IsEncrypted

	return svc.record
}

func (sm *DefaultServiceManager) GetService(ip string, port uint16, transport string) *model.ServiceRecord {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if svc, ok := sm.services[serviceKey(ip, port, transport)]; ok {
		return svc.record
	}
	return nil
}

func (sm *DefaultServiceManager) GetAllServices() []*model.ServiceRecord {
	sm.mu.Lock()
	services := make([]*model.ServiceRecord, 0, len(sm.services))
	for _, svc := range sm.services {
		services = append(services, svc.record)
	}
	sm.mu.Unlock()

	slices.SortFunc(services, func(a, b *model.ServiceRecord) int {
		return cmp.Or(
			cmp.Compare(a.IP, b.IP),
			cmp.Compare(a.Port, b.Port),
			cmp.Compare(a.Transport, b.Transport),
		)
	})
	return services
}

func (sm *DefaultServiceManager) Clear() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.services = make(map[string]*trackedService)
	sm.nextID = 1
}
