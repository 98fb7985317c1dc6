package compliance

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestAvailabilityBreached(t *testing.T) {
	// Breached takes precedence over the at-risk band.
	ev, err := Evaluate(Sample{
		Subject:     "web-frontend",
		Metric:      "availability",
		Actual:      f(99.81),
		Target:      99.9,
		WarningBand: 99.855,
		Polarity:    HigherIsBetter,
	})
	require.NoError(t, err)
	require.Equal(t, StatusBreached, ev.Status)
	require.InDelta(t, -0.09, ev.Variance, 1e-9)
}

func TestAvailabilityAtRiskAndMet(t *testing.T) {
	base := Sample{
		Subject:     "api",
		Metric:      "availability",
		Target:      99.9,
		WarningBand: 99.95,
		Polarity:    HigherIsBetter,
	}

	s := base
	s.Actual = f(99.92)
	ev, err := Evaluate(s)
	require.NoError(t, err)
	require.Equal(t, StatusAtRisk, ev.Status)

	s.Actual = f(99.99)
	ev, err = Evaluate(s)
	require.NoError(t, err)
	require.Equal(t, StatusMet, ev.Status)
	require.InDelta(t, 0.09, ev.Variance, 1e-9)
}

func TestCapacityWarning(t *testing.T) {
	ev, err := Evaluate(Sample{
		Subject:      "storage-array",
		Metric:       "usage_pct",
		Actual:       f(82),
		Target:       100,
		WarningBand:  80,
		CriticalBand: 90,
		Polarity:     LowerIsBetter,
	})
	require.NoError(t, err)
	require.Equal(t, StatusWarning, ev.Status)
	require.Equal(t, 18.0, ev.Variance)
}

func TestCapacityCriticalPrecedence(t *testing.T) {
	// 95 is past both bands; critical wins.
	ev, err := Evaluate(Sample{
		Subject:      "storage-array",
		Metric:       "usage_pct",
		Actual:       f(95),
		Target:       100,
		WarningBand:  80,
		CriticalBand: 90,
		Polarity:     LowerIsBetter,
	})
	require.NoError(t, err)
	require.Equal(t, StatusCritical, ev.Status)
}

func TestInvalidTarget(t *testing.T) {
	_, err := Evaluate(Sample{Subject: "x", Actual: f(1), Target: 0, Polarity: HigherIsBetter})
	require.Error(t, err)
	var ie *InvalidSampleError
	require.True(t, errors.As(err, &ie))
	require.Equal(t, "target", ie.Field)
}

func TestMissingPolarity(t *testing.T) {
	_, err := Evaluate(Sample{Subject: "x", Actual: f(1), Target: 10})
	var ie *InvalidSampleError
	require.True(t, errors.As(err, &ie))
	require.Equal(t, "polarity", ie.Field)
}

func TestUnmeasuredNeverGuessed(t *testing.T) {
	ev, err := Evaluate(Sample{Subject: "x", Target: 99.9, Polarity: HigherIsBetter})
	require.NoError(t, err)
	require.Equal(t, StatusUnmeasured, ev.Status)
}

func TestForecastFirstBreachWins(t *testing.T) {
	ev, err := Evaluate(Sample{
		Subject:  "db",
		Metric:   "availability",
		Actual:   f(99.95),
		Target:   99.9,
		Polarity: HigherIsBetter,
		Forecast: []ForecastPoint{
			{Label: "1 month", Value: 99.92},
			{Label: "3 months", Value: 99.85}, // first crossing
			{Label: "6 months", Value: 99.10}, // more severe but later
		},
	})
	require.NoError(t, err)
	require.Equal(t, "3 months", ev.ProjectedBreach)
}

func TestForecastUsageCrossesMax(t *testing.T) {
	ev, err := Evaluate(Sample{
		Subject:      "storage-array",
		Metric:       "usage_pct",
		Actual:       f(70),
		Target:       100,
		WarningBand:  80,
		CriticalBand: 90,
		Polarity:     LowerIsBetter,
		Forecast: []ForecastPoint{
			{Label: "3 months", Value: 88},
			{Label: "6 months", Value: 101},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "6 months", ev.ProjectedBreach)
}

func TestForecastOnTargetFollowsPolarity(t *testing.T) {
	// A point exactly on a floor target still complies; on a cap it breaches.
	ev, err := Evaluate(Sample{
		Subject: "svc", Actual: f(99.95), Target: 99.9, Polarity: HigherIsBetter,
		Forecast: []ForecastPoint{{Label: "1 month", Value: 99.9}},
	})
	require.NoError(t, err)
	require.Empty(t, ev.ProjectedBreach)

	ev, err = Evaluate(Sample{
		Subject: "store", Actual: f(70), Target: 100, Polarity: LowerIsBetter,
		Forecast: []ForecastPoint{{Label: "1 month", Value: 100}},
	})
	require.NoError(t, err)
	require.Equal(t, "1 month", ev.ProjectedBreach)
}

func TestEvaluatorMonotonic(t *testing.T) {
	// For HigherIsBetter, a lower actual below target can never rank better.
	rank := map[Status]int{StatusBreached: 0, StatusAtRisk: 1, StatusMet: 2}
	prev := -1
	for _, actual := range []float64{98.0, 99.0, 99.5, 99.89} {
		ev, err := Evaluate(Sample{
			Subject:     "svc",
			Actual:      f(actual),
			Target:      99.9,
			WarningBand: 99.95,
			Polarity:    HigherIsBetter,
		})
		require.NoError(t, err)
		require.GreaterOrEqual(t, rank[ev.Status], prev)
		prev = rank[ev.Status]
	}
}

func TestAggregateScenarioOrdering(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	samples := []Sample{
		{
			Subject: "capacity-store", Metric: "usage_pct",
			Actual: f(82), Target: 100, WarningBand: 80, CriticalBand: 90,
			Polarity: LowerIsBetter, MeasuredAt: now.Add(-time.Hour),
		},
		{
			Subject: "availability-web", Metric: "availability",
			Actual: f(99.5), Target: 99.9,
			Polarity: HigherIsBetter, MeasuredAt: now.Add(-time.Hour),
		},
		{
			Subject: "sla-email", Metric: "availability",
			Actual: f(99.95), Target: 99.9,
			Polarity: HigherIsBetter, MeasuredAt: now.Add(-40 * 24 * time.Hour),
		},
	}
	alerts, err := Aggregate(samples, 30*24*time.Hour, now)
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	require.Equal(t, AlertBreach, alerts[0].Type)
	require.Equal(t, PriorityCritical, alerts[0].Priority)
	require.Equal(t, AlertAtRisk, alerts[1].Type)
	require.Equal(t, PriorityMedium, alerts[1].Priority)
	require.Equal(t, AlertStaleData, alerts[2].Type)
	require.Equal(t, PriorityLow, alerts[2].Priority)
	require.Equal(t, "sla-email", alerts[2].Subject)
}

func TestAggregateProjectedBreachGroup(t *testing.T) {
	now := time.Now().UTC()
	samples := []Sample{
		{
			Subject: "trend-db", Metric: "availability",
			Actual: f(99.95), Target: 99.9,
			Polarity: HigherIsBetter, MeasuredAt: now,
			Forecast: []ForecastPoint{{Label: "2 months", Value: 99.8}},
		},
		{
			Subject: "down-web", Metric: "availability",
			Actual: f(99.5), Target: 99.9,
			Polarity: HigherIsBetter, MeasuredAt: now,
		},
		{
			Subject: "warm-api", Metric: "availability",
			Actual: f(99.92), Target: 99.9, WarningBand: 99.95,
			Polarity: HigherIsBetter, MeasuredAt: now,
		},
	}
	alerts, err := Aggregate(samples, 0, now)
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	// Projected breaches sit between breaches and at-risk findings.
	require.Equal(t, AlertBreach, alerts[0].Type)
	require.Equal(t, AlertProjectedBreach, alerts[1].Type)
	require.Equal(t, PriorityHigh, alerts[1].Priority)
	require.Equal(t, "trend-db", alerts[1].Subject)
	require.Contains(t, alerts[1].Message, "projected to breach target 99.90 in 2 months")
	require.Equal(t, AlertAtRisk, alerts[2].Type)
}

func TestAggregateWorstFirstWithinGroup(t *testing.T) {
	now := time.Now().UTC()
	mk := func(subject string, actual float64) Sample {
		return Sample{
			Subject: subject, Metric: "availability",
			Actual: f(actual), Target: 99.9,
			Polarity: HigherIsBetter, MeasuredAt: now,
		}
	}
	alerts, err := Aggregate([]Sample{mk("b", 99.5), mk("a", 98.0), mk("c", 99.5)}, 0, now)
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	require.Equal(t, "a", alerts[0].Subject) // worst variance first
	require.Equal(t, "b", alerts[1].Subject) // tie broken by subject
	require.Equal(t, "c", alerts[2].Subject)
}

func TestAggregateStableAcrossCalls(t *testing.T) {
	now := time.Now().UTC()
	samples := []Sample{
		{Subject: "s1", Metric: "availability", Actual: f(99.0), Target: 99.9, Polarity: HigherIsBetter, MeasuredAt: now},
		{Subject: "s2", Metric: "usage_pct", Actual: f(95), Target: 100, WarningBand: 80, CriticalBand: 90, Polarity: LowerIsBetter, MeasuredAt: now},
		{Subject: "s3", Metric: "availability", Actual: f(99.91), Target: 99.9, WarningBand: 99.95, Polarity: HigherIsBetter, MeasuredAt: now.Add(-90 * 24 * time.Hour)},
	}
	first, err := Aggregate(samples, 30*24*time.Hour, now)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Aggregate(samples, 30*24*time.Hour, now)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestAggregateRejectsInvalidSample(t *testing.T) {
	now := time.Now().UTC()
	_, err := Aggregate([]Sample{
		{Subject: "ok", Metric: "availability", Actual: f(99.99), Target: 99.9, Polarity: HigherIsBetter, MeasuredAt: now},
		{Subject: "bad", Metric: "availability", Actual: f(99.99), Target: -1, Polarity: HigherIsBetter, MeasuredAt: now},
	}, 0, now)
	require.Error(t, err)
	var ie *InvalidSampleError
	require.True(t, errors.As(err, &ie))
	require.Equal(t, "bad", ie.Subject)
}
