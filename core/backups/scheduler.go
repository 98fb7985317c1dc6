package backups

import (
	"context"
	"sync"
	"time"
)

type Scheduler struct {
	svc      *Service
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func NewScheduler(svc *Service, interval time.Duration) *Scheduler {
	return &Scheduler{svc: svc, interval: interval}
}

func (s *Scheduler) StartWithContext(ctx context.Context) {
	if s == nil || s.svc == nil || !s.svc.Enabled() {
		return
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	interval := s.interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.svc.CreateSnapshot(runCtx); err != nil {
					s.svc.logger.Errorf("scheduled snapshot failed: %v", err)
				}
			case <-runCtx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) StopWithContext(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	if !wasRunning || cancel == nil {
		return nil
	}
	cancel()
	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
