package parser

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

// Inspection is the part of the inspection core the Inspector drives.
// *dpi.Service satisfies it.
type Inspection interface {
	ShouldDeepInspect(transport string, length int) bool
	ProcessPacket(p model.PacketSample) (*model.DPIResult, bool)
}

// Summary counts what happened to the packets of one run.
type Summary struct {
	Packets     int
	Inspected   int
	Skipped     int
	RateLimited int
}

// Inspector feeds a packet source through the inspection core and
// aggregates the verdicts into flows and services.
type Inspector struct {
	source   PacketSource
	dpi      Inspection
	flows    FlowManager
	services ServiceManager
}

// NewInspector wires source into inspection. Nil managers get the defaults.
func NewInspector(source PacketSource, inspection Inspection, flows FlowManager, services ServiceManager) *Inspector {
	if flows == nil {
		flows = NewDefaultFlowManager(nil)
	}
	if services == nil {
		services = NewDefaultServiceManager()
	}
	return &Inspector{source: source, dpi: inspection, flows: flows, services: services}
}

// Run reads the whole source. Packets failing the deep-inspection pre-filter
// or the rate limit are still counted towards their flow, without a verdict.
func (i *Inspector) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	err := i.source.ReadSamples(ctx, func(sample model.PacketSample) error {
		sum.Packets++

		var result *model.DPIResult
		if i.dpi.ShouldDeepInspect(sample.Transport, len(sample.Payload)) {
			var ok bool
			result, ok = i.dpi.ProcessPacket(sample)
			if ok {
				sum.Inspected++
			} else {
				sum.RateLimited++
			}
		} else {
			sum.Skipped++
		}

		flow, _ := i.flows.UpdateFlow(sample, result)
		if result != nil {
			i.services.UpdateService(flow, result, sample.Timestamp)
		}
		return nil
	})
	if err != nil {
		return sum, fmt.Errorf("failed to read packets: %w", err)
	}

	log.Debug().Msgf("inspected %d of %d packets (%d skipped, %d rate limited)",
		sum.Inspected, sum.Packets, sum.Skipped, sum.RateLimited)
	return sum, nil
}

func (i *Inspector) Flows() []*model.FlowRecord {
	return i.flows.GetAllFlows()
}

func (i *Inspector) Services() []*model.ServiceRecord {
	return i.services.GetAllServices()
}
