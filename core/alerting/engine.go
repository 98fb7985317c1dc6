// Package alerting runs the periodic compliance scan: it pulls the
// latest sample per service target, grades them, and fans resulting
// alerts out to the configured sink with a durable delivery record.
package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"merlin-itsm/core/compliance"
	"merlin-itsm/core/store"
	"merlin-itsm/core/utils"
)

const maxConcurrentEvaluations = 8

type Engine struct {
	store      store.ComplianceStore
	sink       Sink
	logger     *utils.Logger
	schedule   string
	staleAfter time.Duration

	mu         sync.Mutex
	cron       *cron.Cron
	lastScanAt time.Time
	lastAlerts int
}

func NewEngine(st store.ComplianceStore, sink Sink, schedule string, staleAfter time.Duration, logger *utils.Logger) *Engine {
	return &Engine{
		store:      st,
		sink:       sink,
		logger:     logger,
		schedule:   schedule,
		staleAfter: staleAfter,
	}
}

// Start schedules the recurring scan. The schedule string accepts cron
// expressions and @every descriptors.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(e.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := e.Scan(ctx); err != nil {
			e.logger.Errorf("compliance scan failed: %v", err)
		}
	}); err != nil {
		return err
	}
	c.Start()
	e.cron = c
	e.logger.Printf("compliance scan scheduled (%s)", e.schedule)
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scan grades every active target once and dispatches the alerts. Samples
// that fail validation are logged and skipped so one bad target does not
// silence the rest of the estate.
func (e *Engine) Scan(ctx context.Context) ([]compliance.Alert, error) {
	samples, err := e.store.LatestSamples(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	valid := e.evaluateConcurrently(samples)
	alerts, err := compliance.Aggregate(valid, e.staleAfter, now)
	if err != nil {
		return nil, err
	}
	for _, alert := range alerts {
		e.dispatch(ctx, alert)
	}
	e.mu.Lock()
	e.lastScanAt = now
	e.lastAlerts = len(alerts)
	e.mu.Unlock()
	e.logger.Printf("compliance scan: %d targets, %d alerts", len(valid), len(alerts))
	return alerts, nil
}

// evaluateConcurrently pre-grades samples in a bounded worker pool and
// drops the invalid ones. All workers join before the aggregate step.
func (e *Engine) evaluateConcurrently(samples []compliance.Sample) []compliance.Sample {
	ok := make([]bool, len(samples))
	sem := make(chan struct{}, maxConcurrentEvaluations)
	var wg sync.WaitGroup
	for i := range samples {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := compliance.Evaluate(samples[i]); err != nil {
				e.logger.Errorf("skipping invalid sample %s/%s: %v", samples[i].Subject, samples[i].Metric, err)
				return
			}
			ok[i] = true
		}(i)
	}
	wg.Wait()
	valid := make([]compliance.Sample, 0, len(samples))
	for i, s := range samples {
		if ok[i] {
			valid = append(valid, s)
		}
	}
	return valid
}

func (e *Engine) dispatch(ctx context.Context, alert compliance.Alert) {
	rec := &store.AlertDelivery{
		AlertType: string(alert.Type),
		Priority:  string(alert.Priority),
		Subject:   alert.Subject,
		Metric:    alert.Metric,
		Message:   alert.Message,
	}
	id, err := e.store.RecordAlert(ctx, rec)
	if err != nil {
		e.logger.Errorf("alert record failed for %s: %v", alert.Subject, err)
		return
	}
	if e.sink == nil {
		_ = e.store.MarkAlertDelivered(ctx, id, "no sink configured")
		return
	}
	errText := ""
	if err := e.sink.Send(ctx, alert); err != nil {
		errText = err.Error()
		e.logger.Errorf("alert delivery failed for %s: %v", alert.Subject, err)
	}
	if err := e.store.MarkAlertDelivered(ctx, id, errText); err != nil {
		e.logger.Errorf("alert status update failed for %d: %v", id, err)
	}
}

// Status reports the last scan time and alert count for the ops endpoint.
func (e *Engine) Status() (time.Time, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastScanAt, e.lastAlerts
}
