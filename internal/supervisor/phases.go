package supervisor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"voiced/internal/vram"
	"voiced/pkg/types"
)

// runPhaseWithRetry executes one phase, rolling the whole phase back and
// retrying on readiness timeout or guard violation. A phase has no
// partial-success state: one failed member fails the attempt.
func (s *Supervisor) runPhaseWithRetry(ctx context.Context, ph phase) error {
	attempts := s.cfg.Restart.PhaseRetries + 1
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			s.log.Warn().Int("phase", ph.index).Int("attempt", attempt+1).Msg("retrying phase")
		}
		err = s.runPhase(ctx, ph)
		if err == nil {
			return nil
		}
		s.rollbackPhase(ctx, ph, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func (s *Supervisor) runPhase(ctx context.Context, ph phase) error {
	s.log.Info().Int("phase", ph.index).Strs("services", ph.names).Msg("phase start")
	s.pub.Publish(Event{Name: "phase_start", Fields: map[string]any{"phase": ph.index, "services": ph.names}})
	start := time.Now()

	// Spawn all members concurrently.
	spawnErrs := make(map[string]error, len(ph.names))
	var sem sync.Mutex
	var wg sync.WaitGroup
	for _, name := range ph.names {
		s.mu.Lock()
		e := s.services[name]
		adapter := s.newAdapter(e.desc)
		e.adapter = adapter
		e.seq++
		e.setState(types.ServiceStarting)
		s.mu.Unlock()

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := adapter.Prepare(ctx); err != nil {
				s.log.Warn().Err(err).Str("service", name).Msg("prepare failed")
			}
			if err := adapter.Start(ctx); err != nil {
				sem.Lock()
				spawnErrs[name] = err
				sem.Unlock()
			}
		}(name)
	}
	wg.Wait()
	for _, name := range ph.names {
		if err, ok := spawnErrs[name]; ok {
			s.log.Error().Err(err).Str("service", name).Msg("spawn failed")
			return readinessTimeoutError{phase: ph.index, service: name}
		}
	}

	// Poll joint readiness until the phase timeout.
	deadline := time.Now().Add(ph.timeout)
	for {
		notReady := ""
		for _, name := range ph.names {
			s.mu.RLock()
			adapter := s.services[name].adapter
			s.mu.RUnlock()
			if !adapter.IsReady(ctx) {
				notReady = name
				break
			}
		}
		if notReady == "" {
			break
		}
		if time.Now().After(deadline) {
			return readinessTimeoutError{phase: ph.index, service: notReady}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.readyPoll):
		}
	}

	// Joint readiness passed; the guard gates the phase boundary. A
	// violation here fails the whole phase even though probes passed.
	if err := s.guard.Check(ctx); err != nil {
		return err
	}
	vramFreeMB.Set(float64(s.guard.Last().FreeMB))

	for _, name := range ph.names {
		s.transition(name, types.ServiceReady)
	}
	phaseDuration.WithLabelValues(strconv.Itoa(ph.index)).Observe(time.Since(start).Seconds())
	s.pub.Publish(Event{Name: "phase_ready", Fields: map[string]any{"phase": ph.index}})
	s.log.Info().Int("phase", ph.index).Dur("took", time.Since(start)).Msg("phase ready")
	return nil
}

// rollbackPhase stops every member of a failed phase.
func (s *Supervisor) rollbackPhase(ctx context.Context, ph phase, cause error) {
	s.log.Warn().Int("phase", ph.index).Err(cause).Msg("phase rollback")
	s.pub.Publish(Event{
		Name:   "phase_rollback",
		Fields: map[string]any{"phase": ph.index, "error": cause.Error(), "guard": vram.IsGuardViolation(cause)},
	})
	for _, name := range ph.names {
		s.stopEntry(ctx, name, s.cfg.Restart.Grace())
	}
}
