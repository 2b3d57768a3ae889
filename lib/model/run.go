package model

import "time"

// InspectionRun is one pass of the inspection core over a packet source.
type InspectionRun struct {
	ID         string
	Source     string
	StartedAt  time.Time
	FinishedAt time.Time
	Packets    int
	Stats      Stats
}

// Duration returns how long the run took, or zero while it is in progress.
func (r *InspectionRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
