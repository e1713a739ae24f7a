package supervisor

import (
	"context"
	"time"

	"voiced/internal/proc"
	"voiced/pkg/types"
)

// watch polls liveness for every running service at a fixed interval.
// Probes run on their own goroutines so a slow service never starves the
// ticker; results funnel back through the supervisor's mutex.
func (s *Supervisor) watch() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Restart.HealthInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

type probeTarget struct {
	name    string
	adapter proc.Adapter
	seq     uint64
}

func (s *Supervisor) pollOnce() {
	s.mu.RLock()
	targets := make([]probeTarget, 0, len(s.services))
	for name, e := range s.services {
		if e.state == types.ServiceReady && e.adapter != nil {
			targets = append(targets, probeTarget{name: name, adapter: e.adapter, seq: e.seq})
		}
	}
	s.mu.RUnlock()

	for _, t := range targets {
		go func(t probeTarget) {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Restart.HealthInterval())
			defer cancel()
			s.recordProbe(t.name, t.seq, t.adapter.IsHealthy(ctx))
		}(t)
	}
}

// recordProbe applies one liveness result. N consecutive failures trigger
// a controlled restart.
func (s *Supervisor) recordProbe(name string, seq uint64, healthy bool) {
	s.mu.Lock()
	e, ok := s.services[name]
	if !ok || e.seq != seq || e.state != types.ServiceReady {
		s.mu.Unlock()
		return
	}
	if healthy {
		if e.consecutiveFailures > 0 {
			s.log.Info().Str("service", name).Msg("health recovered")
		}
		e.consecutiveFailures = 0
		s.mu.Unlock()
		return
	}
	e.consecutiveFailures++
	failures := e.consecutiveFailures
	threshold := s.cfg.Restart.FailureThreshold
	s.mu.Unlock()

	s.log.Warn().Str("service", name).Int("failures", failures).Msg("health check failed")
	s.pub.Publish(Event{Name: "health_fail", Service: name, Fields: map[string]any{"failures": failures}})
	if failures >= threshold {
		s.initiateRestart(name)
	}
}

// initiateRestart charges the restart budget and schedules a backoff
// restart, or degrades the service when the budget is spent. The entry's
// sequence number makes a concurrent duplicate a no-op.
func (s *Supervisor) initiateRestart(name string) {
	s.mu.Lock()
	e, ok := s.services[name]
	if !ok || (e.state != types.ServiceReady && e.state != types.ServiceCrashed) {
		s.mu.Unlock()
		return
	}
	e.setState(types.ServiceCrashed)
	e.seq++
	seq := e.seq
	adapter := e.adapter
	now := time.Now()
	if e.windowStart.IsZero() || now.Sub(e.windowStart) > s.cfg.Restart.Window() {
		// window elapsed without further failures: budget resets
		e.windowStart = now
		e.restartCount = 0
	}
	e.restartCount++
	count := e.restartCount
	s.mu.Unlock()

	if count > s.cfg.Restart.MaxRestarts {
		s.degrade(name, count)
		return
	}

	delay := s.cfg.Restart.Backoff(count - 1)
	s.log.Warn().Str("service", name).Int("attempt", count).Dur("backoff", delay).Msg("restart scheduled")
	s.pub.Publish(Event{Name: "restart_scheduled", Service: name, Fields: map[string]any{"attempt": count, "backoff_ms": delay.Milliseconds()}})

	go func() {
		if adapter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Restart.Grace()+time.Second)
			defer cancel()
			_ = adapter.Stop(ctx, s.cfg.Restart.Grace())
		}
		s.timers.Schedule("svc-"+name, "backoff", delay, func() {
			s.doRestart(name, seq)
		})
	}()
}

// doRestart replaces the instance and brings it back up. A stale sequence
// means a stop or newer restart superseded this one.
func (s *Supervisor) doRestart(name string, seq uint64) {
	select {
	case <-s.stopCh:
		return
	default:
	}
	s.mu.Lock()
	e, ok := s.services[name]
	if !ok || e.seq != seq {
		s.mu.Unlock()
		return
	}
	adapter := s.newAdapter(e.desc)
	e.adapter = adapter
	e.setState(types.ServiceStarting)
	desc := e.desc
	s.mu.Unlock()

	ctx := context.Background()
	restartsTotal.WithLabelValues(name).Inc()
	s.pub.Publish(Event{Name: "restart", Service: name})
	if err := adapter.Start(ctx); err != nil {
		s.log.Error().Err(err).Str("service", name).Msg("restart spawn failed")
		s.transition(name, types.ServiceCrashed)
		s.initiateRestart(name)
		return
	}
	if !s.awaitReady(ctx, adapter, desc.ReadyTimeout) {
		s.log.Error().Str("service", name).Msg("restart readiness timeout")
		s.transition(name, types.ServiceCrashed)
		s.initiateRestart(name)
		return
	}
	s.mu.Lock()
	if e.seq != seq {
		// stopped or superseded while coming up; the newer owner wins
		s.mu.Unlock()
		_ = adapter.Stop(ctx, s.cfg.Restart.Grace())
		return
	}
	e.setState(types.ServiceReady)
	e.consecutiveFailures = 0
	s.mu.Unlock()
	s.log.Info().Str("service", name).Msg("service recovered")
	s.pub.Publish(Event{Name: "recovered", Service: name})
}

// degrade leaves the service down; the rest of the system keeps running
// unless configured to fail as a whole.
func (s *Supervisor) degrade(name string, count int) {
	s.transition(name, types.ServiceDegraded)
	degradedTotal.WithLabelValues(name).Inc()
	err := budgetExceededError{service: name, restarts: count}
	s.log.Error().Err(err).Str("service", name).Msg("service degraded")
	s.pub.Publish(Event{Name: "degraded", Service: name, Fields: map[string]any{"restarts": count}})

	if s.State() == types.LoaderSystemReady {
		s.setState(types.LoaderDegraded)
	}
	if s.cfg.Restart.FailSystemOnDegrade {
		s.failOnce.Do(func() { close(s.failCh) })
	}
}
