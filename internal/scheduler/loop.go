package scheduler

import (
	"context"
	"time"
)

// Start launches the background loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)

	s.logger.Info("scheduler: started",
		"jobs", s.Len(),
		"min_check_interval", s.cfg.MinCheckInterval,
		"max_check_interval", s.cfg.MaxCheckInterval,
	)
}

// Stop halts the background loop and waits for an in-progress check to
// finish or ctx to expire. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.loopMu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.loopMu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	select {
	case <-done:
		s.logger.Info("scheduler: stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the background loop is active.
func (s *Scheduler) Running() bool {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	return s.stop != nil
}

// run is the single loop goroutine. Checks never overlap because they all
// happen here.
func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(s.nextWait())
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.wake:
		case <-timer.C:
			s.CheckScheduledJobs()
		}
		timer.Reset(s.nextWait())
	}
}

// nextWait clamps the time until the next firing between the configured
// minimum and maximum check intervals.
func (s *Scheduler) nextWait() time.Duration {
	d, ok := s.TimeUntilNextJob()
	if !ok {
		return s.cfg.MaxCheckInterval
	}
	return min(max(d, s.cfg.MinCheckInterval), s.cfg.MaxCheckInterval)
}

// signal wakes the loop so it recomputes its sleep.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
