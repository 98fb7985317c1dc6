// Package compliance classifies measured values against target and band
// thresholds and aggregates the findings into prioritized alerts. Both the
// evaluator and the aggregator are pure; persistence of raw inputs and
// delivery of alerts belong to the surrounding collaborators, and derived
// status is never stored; it is recomputed on every read that matters.
package compliance

import (
	"fmt"
	"time"
)

type Polarity string

const (
	// HigherIsBetter suits availability-style metrics (uptime %).
	HigherIsBetter Polarity = "higher_is_better"
	// LowerIsBetter suits resource-usage metrics (storage %, response time).
	LowerIsBetter Polarity = "lower_is_better"
)

type Status string

const (
	StatusMet        Status = "met"
	StatusAtRisk     Status = "at_risk"
	StatusBreached   Status = "breached"
	StatusNormal     Status = "normal"
	StatusWarning    Status = "warning"
	StatusCritical   Status = "critical"
	StatusUnmeasured Status = "unmeasured"
)

// ForecastPoint is one projected future value, e.g. {"3 months", 99.2}.
// Points must be supplied in chronological order.
type ForecastPoint struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Sample is one ephemeral measurement against a target. Band multipliers
// are policy inputs supplied by the caller, never constants here.
type Sample struct {
	Subject      string          `json:"subject"`
	Metric       string          `json:"metric"`
	Actual       *float64        `json:"actual,omitempty"`
	Target       float64         `json:"target"`
	WarningBand  float64         `json:"warning_band"`
	CriticalBand float64         `json:"critical_band"`
	Polarity     Polarity        `json:"polarity"`
	MeasuredAt   time.Time       `json:"measured_at"`
	Forecast     []ForecastPoint `json:"forecast,omitempty"`
}

// Evaluation is the evaluator's verdict. Variance is signed so that a
// positive value is always favorable, whatever the polarity.
type Evaluation struct {
	Status          Status  `json:"status"`
	Variance        float64 `json:"variance"`
	ProjectedBreach string  `json:"projected_breach,omitempty"`
}

// InvalidSampleError marks malformed compliance input. It is surfaced
// as-is; the evaluator never defaults a status for bad input.
type InvalidSampleError struct {
	Subject string
	Field   string
	Reason  string
}

func (e *InvalidSampleError) Error() string {
	return fmt.Sprintf("invalid sample %q: %s %s", e.Subject, e.Field, e.Reason)
}

// Evaluate classifies a sample. A sample without a measured value yields
// Unmeasured rather than a guessed status. For HigherIsBetter metrics the
// breach check precedes the at-risk band; for LowerIsBetter metrics the
// critical band takes precedence over the warning band.
func Evaluate(s Sample) (Evaluation, error) {
	if s.Target <= 0 {
		return Evaluation{}, &InvalidSampleError{Subject: s.Subject, Field: "target", Reason: "must be > 0"}
	}
	switch s.Polarity {
	case HigherIsBetter, LowerIsBetter:
	default:
		return Evaluation{}, &InvalidSampleError{Subject: s.Subject, Field: "polarity", Reason: "missing or unknown"}
	}
	if s.Actual == nil {
		return Evaluation{Status: StatusUnmeasured, ProjectedBreach: projectedBreach(s)}, nil
	}
	actual := *s.Actual
	ev := Evaluation{ProjectedBreach: projectedBreach(s)}
	if s.Polarity == HigherIsBetter {
		ev.Variance = actual - s.Target
		switch {
		case actual < s.Target:
			ev.Status = StatusBreached
		case s.WarningBand > 0 && actual < s.WarningBand:
			ev.Status = StatusAtRisk
		default:
			ev.Status = StatusMet
		}
		return ev, nil
	}
	ev.Variance = s.Target - actual
	switch {
	case s.CriticalBand > 0 && actual >= s.CriticalBand:
		ev.Status = StatusCritical
	case s.WarningBand > 0 && actual >= s.WarningBand:
		ev.Status = StatusWarning
	default:
		ev.Status = StatusNormal
	}
	return ev, nil
}

// projectedBreach returns the label of the earliest forecast point that
// crosses the unfavorable side of the target. Points are scanned in the
// given chronological order and the first breach wins, even when a later
// point is more severe. The comparison follows what the target means per
// polarity: a HigherIsBetter target is a floor, so a point exactly on it
// still complies; a LowerIsBetter target is a cap, so a point reaching it
// counts as a breach.
func projectedBreach(s Sample) string {
	for _, p := range s.Forecast {
		if s.Polarity == HigherIsBetter && p.Value < s.Target {
			return p.Label
		}
		if s.Polarity == LowerIsBetter && p.Value >= s.Target {
			return p.Label
		}
	}
	return ""
}
