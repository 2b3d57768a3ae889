package pattern

import (
	"fmt"
	"math"
	"time"

	"github.com/InfraSecConsult/dpi-core-go/lib/model"
)

// Communication pattern types.
const (
	StrictPeriodic = "strict_periodic"
	LoosePeriodic  = "loose_periodic"
	BurstPeriodic  = "burst_periodic"
	Irregular      = "irregular"
)

// communicationPattern classifies packet arrival times. It returns nil when
// fewer than minSamples timestamps are available.
func communicationPattern(timestamps []time.Time, minSamples int) *model.CommunicationPattern {
	if len(timestamps) < minSamples {
		return nil
	}

	intervals := make([]time.Duration, 0, len(timestamps)-1)
	for i := 1; i < len(timestamps); i++ {
		if d := timestamps[i].Sub(timestamps[i-1]); d > 0 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) < minSamples-1 {
		return nil
	}

	avg := averageInterval(intervals)
	stdDev := stdDevInterval(intervals, avg)
	regularity := regularityScore(stdDev, avg)

	return &model.CommunicationPattern{
		PatternType: patternType(regularity, avg),
		Confidence:  periodicityConfidence(len(intervals), regularity),
		Evidence: []string{
			fmt.Sprintf("mean_interval=%s", avg),
			fmt.Sprintf("stddev=%s", stdDev),
			fmt.Sprintf("regularity=%.2f", regularity),
			fmt.Sprintf("intervals=%d", len(intervals)),
		},
	}
}

func averageInterval(intervals []time.Duration) time.Duration {
	if len(intervals) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range intervals {
		total += d
	}
	return total / time.Duration(len(intervals))
}

// stdDevInterval is the sample standard deviation.
func stdDevInterval(intervals []time.Duration, avg time.Duration) time.Duration {
	if len(intervals) <= 1 {
		return 0
	}
	sum := 0.0
	for _, d := range intervals {
		diff := float64(d - avg)
		sum += diff * diff
	}
	return time.Duration(math.Sqrt(sum / float64(len(intervals)-1)))
}

// regularityScore is 1 - coefficient of variation, clamped to [0, 1].
func regularityScore(stdDev, avg time.Duration) float64 {
	if avg <= 0 {
		return 0
	}
	cv := float64(stdDev) / float64(avg)
	return math.Min(1, math.Max(0, 1-cv))
}

func periodicityConfidence(samples int, regularity float64) float64 {
	sampleBonus := math.Min(1, float64(samples)/20)
	return math.Min(1, regularity*0.8+sampleBonus*0.2)
}

func patternType(regularity float64, avg time.Duration) string {
	switch {
	case regularity >= 0.8:
		return StrictPeriodic
	case regularity >= 0.5:
		return LoosePeriodic
	case avg < 5*time.Second && regularity >= 0.3:
		return BurstPeriodic
	}
	return Irregular
}
