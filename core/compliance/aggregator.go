package compliance

import (
	"fmt"
	"sort"
	"time"
)

type AlertType string

const (
	AlertBreach          AlertType = "breach"
	AlertProjectedBreach AlertType = "projected_breach"
	AlertAtRisk          AlertType = "at_risk"
	AlertStaleData       AlertType = "stale_data"
)

type AlertPriority string

const (
	PriorityCritical AlertPriority = "critical"
	PriorityHigh     AlertPriority = "high"
	PriorityMedium   AlertPriority = "medium"
	PriorityLow      AlertPriority = "low"
)

type Alert struct {
	Type     AlertType     `json:"type"`
	Priority AlertPriority `json:"priority"`
	Subject  string        `json:"subject"`
	Metric   string        `json:"metric,omitempty"`
	Message  string        `json:"message"`

	variance float64
}

// group order is fixed: breaches first, then projected breaches, then
// at-risk findings, stale data last.
var alertGroupOrder = map[AlertType]int{
	AlertBreach:          0,
	AlertProjectedBreach: 1,
	AlertAtRisk:          2,
	AlertStaleData:       3,
}

// Aggregate evaluates every sample and returns the combined alert list in
// deterministic order: grouped by type, worst variance first within a
// group, ties broken by subject ascending. A malformed sample aborts the
// whole aggregation; no best-effort result is produced. The aggregator
// performs no I/O.
func Aggregate(samples []Sample, staleAfter time.Duration, now time.Time) ([]Alert, error) {
	var alerts []Alert
	for _, s := range samples {
		ev, err := Evaluate(s)
		if err != nil {
			return nil, err
		}
		switch ev.Status {
		case StatusBreached, StatusCritical:
			alerts = append(alerts, Alert{
				Type:     AlertBreach,
				Priority: PriorityCritical,
				Subject:  s.Subject,
				Metric:   s.Metric,
				Message:  renderBreach(s, ev),
				variance: ev.Variance,
			})
		case StatusAtRisk, StatusWarning:
			alerts = append(alerts, Alert{
				Type:     AlertAtRisk,
				Priority: PriorityMedium,
				Subject:  s.Subject,
				Metric:   s.Metric,
				Message:  renderAtRisk(s, ev),
				variance: ev.Variance,
			})
		}
		if ev.ProjectedBreach != "" {
			alerts = append(alerts, Alert{
				Type:     AlertProjectedBreach,
				Priority: PriorityHigh,
				Subject:  s.Subject,
				Metric:   s.Metric,
				Message:  fmt.Sprintf("%s: projected to breach target %.2f in %s", s.Subject, s.Target, ev.ProjectedBreach),
				variance: ev.Variance,
			})
		}
		// Stale-data finding is independent of the compliance status.
		if isStale(s, staleAfter, now) {
			alerts = append(alerts, Alert{
				Type:     AlertStaleData,
				Priority: PriorityLow,
				Subject:  s.Subject,
				Metric:   s.Metric,
				Message:  renderStale(s, now),
				variance: ev.Variance,
			})
		}
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		gi, gj := alertGroupOrder[alerts[i].Type], alertGroupOrder[alerts[j].Type]
		if gi != gj {
			return gi < gj
		}
		if alerts[i].variance != alerts[j].variance {
			return alerts[i].variance < alerts[j].variance
		}
		return alerts[i].Subject < alerts[j].Subject
	})
	return alerts, nil
}

func isStale(s Sample, staleAfter time.Duration, now time.Time) bool {
	if staleAfter <= 0 {
		return false
	}
	if s.MeasuredAt.IsZero() {
		// Never measured counts as stale so the finding is not lost.
		return true
	}
	return now.Sub(s.MeasuredAt) > staleAfter
}

func renderBreach(s Sample, ev Evaluation) string {
	if s.Polarity == LowerIsBetter {
		return fmt.Sprintf("%s: %s at %.2f exceeds critical threshold %.2f (max %.2f)",
			s.Subject, s.Metric, deref(s.Actual), s.CriticalBand, s.Target)
	}
	return fmt.Sprintf("%s: %s at %.2f is below target %.2f (variance %.2f)",
		s.Subject, s.Metric, deref(s.Actual), s.Target, ev.Variance)
}

func renderAtRisk(s Sample, ev Evaluation) string {
	if s.Polarity == LowerIsBetter {
		return fmt.Sprintf("%s: %s at %.2f exceeds warning threshold %.2f (max %.2f)",
			s.Subject, s.Metric, deref(s.Actual), s.WarningBand, s.Target)
	}
	return fmt.Sprintf("%s: %s at %.2f is inside the warning band (target %.2f, band %.2f)",
		s.Subject, s.Metric, deref(s.Actual), s.Target, s.WarningBand)
}

func renderStale(s Sample, now time.Time) string {
	if s.MeasuredAt.IsZero() {
		return fmt.Sprintf("%s: no %s measurement recorded", s.Subject, s.Metric)
	}
	days := int(now.Sub(s.MeasuredAt).Hours() / 24)
	return fmt.Sprintf("%s: last %s measurement is %d day(s) old", s.Subject, s.Metric, days)
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
