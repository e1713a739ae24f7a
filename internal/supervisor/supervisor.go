// Package supervisor owns the service lifecycle: phased-parallel startup
// under the VRAM guardrail, post-boot health supervision with bounded
// backoff restarts, and the administrative start/stop/status surface.
// Every state mutation goes through the supervisor's mutex; probing and
// process I/O happen on worker goroutines.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voiced/internal/config"
	"voiced/internal/proc"
	"voiced/internal/sched"
	"voiced/internal/vram"
	"voiced/pkg/types"
)

const defaultReadyPoll = 500 * time.Millisecond

// Options encapsulates all tunables for Supervisor construction.
type Options struct {
	Config    config.Config
	Guard     *vram.Guard
	Timers    *sched.Registry
	Publisher EventPublisher
	Logger    zerolog.Logger
	// NewAdapter builds the adapter for a descriptor; tests inject fakes.
	NewAdapter func(proc.Descriptor) proc.Adapter
	// ReadyPollInterval overrides the readiness poll cadence.
	ReadyPollInterval time.Duration
	// RunDir is the resolved directory for pid files and service logs.
	RunDir string
}

type Supervisor struct {
	cfg        config.Config
	guard      *vram.Guard
	timers     *sched.Registry
	pub        EventPublisher
	log        zerolog.Logger
	newAdapter func(proc.Descriptor) proc.Adapter
	readyPoll  time.Duration
	runDir     string

	mu       sync.RWMutex
	state    types.LoaderState
	services map[string]*serviceEntry
	phases   []phase
	order    []string

	startTime time.Time
	stopCh    chan struct{}
	failCh    chan struct{}
	failOnce  sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// dialogStatus lets the dialog coordinator contribute to /status
	// without the supervisor depending on it.
	dialogStatus func() (types.DialogState, string)
}

func New(opts Options) *Supervisor {
	s := &Supervisor{
		cfg:        opts.Config,
		guard:      opts.Guard,
		timers:     opts.Timers,
		pub:        opts.Publisher,
		log:        opts.Logger,
		newAdapter: opts.NewAdapter,
		readyPoll:  opts.ReadyPollInterval,
		runDir:     opts.RunDir,
		state:      types.LoaderInit,
		services:   make(map[string]*serviceEntry),
		startTime:  time.Now(),
		stopCh:     make(chan struct{}),
		failCh:     make(chan struct{}),
	}
	if s.pub == nil {
		s.pub = noopPublisher{}
	}
	if s.timers == nil {
		s.timers = sched.NewRegistry()
	}
	if s.readyPoll <= 0 {
		s.readyPoll = defaultReadyPoll
	}
	if s.newAdapter == nil {
		s.newAdapter = func(d proc.Descriptor) proc.Adapter {
			return proc.NewProcessAdapter(d, opts.Logger)
		}
	}
	for _, sc := range s.cfg.Services {
		d := proc.FromConfig(sc, s.runDir)
		s.services[sc.Name] = &serviceEntry{
			desc:           d,
			state:          types.ServiceStopped,
			lastTransition: time.Now(),
		}
		s.order = append(s.order, sc.Name)
	}
	for i, pc := range s.cfg.Phases {
		s.phases = append(s.phases, phase{index: i, names: pc.Services, timeout: pc.Timeout()})
	}
	return s
}

// SetDialogStatus installs the hook used to fill dialog fields in Status.
func (s *Supervisor) SetDialogStatus(fn func() (types.DialogState, string)) {
	s.mu.Lock()
	s.dialogStatus = fn
	s.mu.Unlock()
}

// State returns the current loader state.
func (s *Supervisor) State() types.LoaderState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SystemFailed is closed when a degraded service escalates to full-system
// failure under restart.fail_system_on_degrade.
func (s *Supervisor) SystemFailed() <-chan struct{} { return s.failCh }

func (s *Supervisor) setState(st types.LoaderState) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Info().Str("from", string(prev)).Str("to", string(st)).Msg("loader state")
		s.pub.Publish(Event{Name: "loader_state", Fields: map[string]any{"from": string(prev), "to": string(st)}})
	}
}

// Boot runs PRECHECK and every startup phase, then arms health supervision.
// SYSTEM_READY is reached only if every phase passed joint readiness and
// the guard passed at each boundary; any other outcome tears down every
// spawned service and returns a fatal error.
func (s *Supervisor) Boot(ctx context.Context) error {
	s.setState(types.LoaderPrecheck)

	descs := make([]proc.Descriptor, 0, len(s.order))
	s.mu.RLock()
	for _, name := range s.order {
		descs = append(descs, s.services[name].desc)
	}
	s.mu.RUnlock()
	if n := proc.ReclaimOrphans(descs, s.log); n > 0 {
		s.pub.Publish(Event{Name: "orphans_reclaimed", Fields: map[string]any{"count": n}})
	}

	if err := s.guard.Precheck(ctx); err != nil {
		return s.abortBoot(err)
	}
	vramFreeMB.Set(float64(s.guard.Last().FreeMB))

	s.setState(types.LoaderStarting)
	for _, ph := range s.phases {
		if err := s.runPhaseWithRetry(ctx, ph); err != nil {
			return s.abortBoot(err)
		}
	}
	s.setState(types.LoaderRunningAll)
	s.setState(types.LoaderSystemReady)
	s.pub.Publish(Event{Name: "system_ready"})

	s.wg.Add(1)
	go s.watch()
	return nil
}

// abortBoot stops everything already spawned and leaves no partial system:
// wake detection is never armed unless every phase completed.
func (s *Supervisor) abortBoot(cause error) error {
	bootFailuresTotal.Inc()
	s.log.Error().Err(cause).Msg("boot aborted")
	s.pub.Publish(Event{Name: "boot_aborted", Fields: map[string]any{"error": cause.Error()}})
	s.stopAll(context.Background())
	s.setState(types.LoaderStopped)
	return bootAbortedError{cause: cause}
}

// Shutdown stops supervision and every running service in reverse phase
// order. Safe to call more than once.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.setState(types.LoaderStopping)
		close(s.stopCh)
		s.timers.Stop()
		s.wg.Wait()
		s.stopAll(ctx)
		s.setState(types.LoaderStopped)
	})
}

func (s *Supervisor) stopAll(ctx context.Context) {
	grace := s.cfg.Restart.Grace()
	for i := len(s.phases) - 1; i >= 0; i-- {
		for _, name := range s.phases[i].names {
			s.stopEntry(ctx, name, grace)
		}
	}
}

// stopEntry stops one service and bumps its restart sequence so any
// pending scheduled restart becomes a no-op.
func (s *Supervisor) stopEntry(ctx context.Context, name string, grace time.Duration) {
	s.mu.Lock()
	e, ok := s.services[name]
	if !ok || e.adapter == nil {
		s.mu.Unlock()
		return
	}
	adapter := e.adapter
	e.seq++
	e.setState(types.ServiceStopped)
	s.mu.Unlock()

	s.timers.CancelOwner("svc-" + name)
	if err := adapter.Stop(ctx, grace); err != nil {
		s.log.Warn().Err(err).Str("service", name).Msg("stop error")
	}
	s.pub.Publish(Event{Name: "service_stopped", Service: name})
}

// StartService starts one named service outside the phase machinery and
// waits for readiness within its own timeout (admin surface).
func (s *Supervisor) StartService(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return ErrServiceNotFound(name)
	}
	if e.state == types.ServiceReady {
		s.mu.Unlock()
		return nil
	}
	adapter := s.newAdapter(e.desc)
	e.adapter = adapter
	e.seq++
	e.setState(types.ServiceStarting)
	desc := e.desc
	s.mu.Unlock()

	if err := adapter.Prepare(ctx); err != nil {
		s.log.Warn().Err(err).Str("service", name).Msg("prepare failed")
	}
	if err := adapter.Start(ctx); err != nil {
		s.transition(name, types.ServiceCrashed)
		return readinessTimeoutError{phase: -1, service: name}
	}
	if !s.awaitReady(ctx, adapter, desc.ReadyTimeout) {
		_ = adapter.Stop(ctx, s.cfg.Restart.Grace())
		s.transition(name, types.ServiceCrashed)
		return readinessTimeoutError{phase: -1, service: name}
	}
	s.transition(name, types.ServiceReady)
	s.pub.Publish(Event{Name: "service_started", Service: name})
	return nil
}

// StopService stops one named service (admin surface).
func (s *Supervisor) StopService(ctx context.Context, name string) error {
	s.mu.RLock()
	_, ok := s.services[name]
	s.mu.RUnlock()
	if !ok {
		return ErrServiceNotFound(name)
	}
	s.stopEntry(ctx, name, s.cfg.Restart.Grace())
	return nil
}

// RestartService stops then starts one named service (admin surface).
func (s *Supervisor) RestartService(ctx context.Context, name string) error {
	if err := s.StopService(ctx, name); err != nil {
		return err
	}
	return s.StartService(ctx, name)
}

// Pids returns the process id of every running service.
func (s *Supervisor) Pids() types.PidsResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := types.PidsResponse{Pids: make(map[string]int)}
	for name, e := range s.services {
		if e.adapter != nil {
			if pid := e.adapter.PID(); pid > 0 {
				out.Pids[name] = pid
			}
		}
	}
	return out
}

func (s *Supervisor) transition(name string, st types.ServiceState) {
	s.mu.Lock()
	if e, ok := s.services[name]; ok {
		e.setState(st)
	}
	s.mu.Unlock()
}

// awaitReady polls the adapter's readiness probe until it passes or the
// timeout elapses.
func (s *Supervisor) awaitReady(ctx context.Context, a proc.Adapter, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if a.IsReady(ctx) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.readyPoll):
		}
	}
}
