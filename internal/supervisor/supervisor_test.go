package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"voiced/internal/config"
	"voiced/internal/proc"
	"voiced/internal/sched"
	"voiced/internal/vram"
	"voiced/pkg/types"
)

// fakeScript controls every adapter created for one service name.
type fakeScript struct {
	startErr   error
	neverReady bool
	healthy    atomic.Bool
	readyAfter int32 // IsReady calls before reporting ready
	readyCalls atomic.Int32
}

type fakeAdapter struct {
	name   string
	script *fakeScript
	fleet  *fakeFleet
	pid    int

	mu      sync.Mutex
	stopped bool
}

func (a *fakeAdapter) Name() string                      { return a.name }
func (a *fakeAdapter) Prepare(context.Context) error     { return nil }
func (a *fakeAdapter) PID() int                          { return a.pid }
func (a *fakeAdapter) Start(context.Context) error       { return a.script.startErr }
func (a *fakeAdapter) IsHealthy(ctx context.Context) bool { return a.script.healthy.Load() }

func (a *fakeAdapter) IsReady(context.Context) bool {
	if a.script.neverReady {
		return false
	}
	return a.script.readyCalls.Add(1) > a.script.readyAfter
}

func (a *fakeAdapter) Stop(context.Context, time.Duration) error {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) wasStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// fakeFleet records spawn order and hands out scripted adapters.
type fakeFleet struct {
	mu      sync.Mutex
	scripts map[string]*fakeScript
	spawned []string
	created map[string][]*fakeAdapter
	nextPID int
}

func newFleet(names ...string) *fakeFleet {
	f := &fakeFleet{
		scripts: make(map[string]*fakeScript),
		created: make(map[string][]*fakeAdapter),
		nextPID: 1000,
	}
	for _, n := range names {
		s := &fakeScript{}
		s.healthy.Store(true)
		f.scripts[n] = s
	}
	return f
}

func (f *fakeFleet) newAdapter(d proc.Descriptor) proc.Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	a := &fakeAdapter{name: d.Name, script: f.scripts[d.Name], fleet: f, pid: f.nextPID}
	f.spawned = append(f.spawned, d.Name)
	f.created[d.Name] = append(f.created[d.Name], a)
	return a
}

func (f *fakeFleet) spawnOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.spawned))
	copy(out, f.spawned)
	return out
}

func (f *fakeFleet) adapters(name string) []*fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeAdapter, len(f.created[name]))
	copy(out, f.created[name])
	return out
}

type seqSampler struct {
	mu      sync.Mutex
	samples []types.VramSample
	i       int
}

func (s *seqSampler) Sample(context.Context) (types.VramSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) == 0 {
		return types.VramSample{FreeMB: 16000, TotalMB: 24000}, nil
	}
	out := s.samples[s.i]
	if s.i < len(s.samples)-1 {
		s.i++
	}
	return out, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Services = []config.ServiceConfig{
		{Name: "tts", Command: "true", Port: 5006, ReadyTimeoutMS: 100},
		{Name: "llm", Command: "true", Port: 5005, ReadyTimeoutMS: 100},
		{Name: "stt", Command: "true", Port: 5004, ReadyTimeoutMS: 100},
		{Name: "kwd", Command: "true", Port: 5003, ReadyTimeoutMS: 100},
	}
	cfg.Phases = []config.PhaseConfig{
		{Services: []string{"tts", "llm"}, TimeoutMS: 300},
		{Services: []string{"stt"}, TimeoutMS: 300},
		{Services: []string{"kwd"}, TimeoutMS: 300},
	}
	cfg.Vram.MinFreeMB = 0
	cfg.Restart = config.RestartConfig{
		HealthIntervalMS: 10,
		FailureThreshold: 2,
		BackoffMS:        []int{10, 20},
		WindowS:          60,
		MaxRestarts:      2,
		GraceMS:          10,
		PhaseRetries:     1,
	}
	return cfg
}

func newTestSupervisor(t *testing.T, cfg config.Config, fleet *fakeFleet, sampler vram.Sampler) (*Supervisor, *MemoryPublisher) {
	t.Helper()
	if sampler == nil {
		sampler = &seqSampler{}
	}
	pub := NewMemoryPublisher()
	s := New(Options{
		Config:            cfg,
		Guard:             vram.NewGuard(sampler, cfg.Vram.MinFreeMB, zerolog.Nop()),
		Timers:            sched.NewRegistry(),
		Publisher:         pub,
		Logger:            zerolog.Nop(),
		NewAdapter:        fleet.newAdapter,
		ReadyPollInterval: 2 * time.Millisecond,
		RunDir:            t.TempDir(),
	})
	return s, pub
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBootHappyPath(t *testing.T) {
	fleet := newFleet("tts", "llm", "stt", "kwd")
	s, pub := newTestSupervisor(t, testConfig(), fleet, nil)
	defer s.Shutdown(context.Background())

	if err := s.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if s.State() != types.LoaderSystemReady {
		t.Fatalf("expected system_ready, got %s", s.State())
	}
	if got := len(pub.Named("phase_ready")); got != 3 {
		t.Fatalf("expected 3 ready phases, got %d", got)
	}
	if got := len(pub.Named("system_ready")); got != 1 {
		t.Fatalf("expected one system_ready event, got %d", got)
	}
	st := s.Status()
	for _, svc := range st.Services {
		if svc.State != string(types.ServiceReady) {
			t.Fatalf("service %s not ready: %s", svc.Name, svc.State)
		}
	}
}

func TestPhaseOrderingStrict(t *testing.T) {
	fleet := newFleet("tts", "llm", "stt", "kwd")
	// make phase 1 slow so any premature phase-2 spawn would be visible
	fleet.scripts["tts"].readyAfter = 5
	fleet.scripts["llm"].readyAfter = 3
	s, _ := newTestSupervisor(t, testConfig(), fleet, nil)
	defer s.Shutdown(context.Background())

	if err := s.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	order := fleet.spawnOrder()
	if len(order) != 4 {
		t.Fatalf("expected 4 spawns, got %v", order)
	}
	pos := make(map[string]int)
	for i, n := range order {
		pos[n] = i
	}
	if pos["stt"] < pos["tts"] || pos["stt"] < pos["llm"] {
		t.Fatalf("stt spawned before phase 1 complete: %v", order)
	}
	if pos["kwd"] < pos["stt"] {
		t.Fatalf("kwd spawned before stt ready: %v", order)
	}
}

func TestReadinessTimeoutRollsBackAndAborts(t *testing.T) {
	fleet := newFleet("tts", "llm", "stt", "kwd")
	fleet.scripts["llm"].neverReady = true
	cfg := testConfig()
	cfg.Phases[0].TimeoutMS = 30
	s, pub := newTestSupervisor(t, cfg, fleet, nil)

	err := s.Boot(context.Background())
	if err == nil || !IsBootAborted(err) {
		t.Fatalf("expected boot abort, got %v", err)
	}
	if !IsReadinessTimeout(errors.Unwrap(err)) {
		t.Fatalf("expected readiness timeout cause, got %v", errors.Unwrap(err))
	}
	// PhaseRetries=1 means two attempts, each spawning both members
	if got := len(fleet.adapters("llm")); got != 2 {
		t.Fatalf("expected 2 llm spawn attempts, got %d", got)
	}
	// joint gating: the ready member is rolled back along with the failed one
	for _, a := range fleet.adapters("tts") {
		if !a.wasStopped() {
			t.Fatalf("expected tts rolled back on each attempt")
		}
	}
	if len(pub.Named("phase_rollback")) != 2 {
		t.Fatalf("expected 2 rollbacks, got %d", len(pub.Named("phase_rollback")))
	}
	// nothing later ever spawned, no partial system
	if got := len(fleet.adapters("stt")) + len(fleet.adapters("kwd")); got != 0 {
		t.Fatalf("later phases spawned despite abort: %d", got)
	}
	if s.State() != types.LoaderStopped {
		t.Fatalf("expected stopped after abort, got %s", s.State())
	}
}

func TestGuardViolationFailsPhaseDespiteReadiness(t *testing.T) {
	fleet := newFleet("tts", "llm", "stt", "kwd")
	cfg := testConfig()
	cfg.Vram.MinFreeMB = 8000
	// precheck passes, then every boundary reports below-floor memory
	sampler := &seqSampler{samples: []types.VramSample{
		{FreeMB: 16000, TotalMB: 24000},
		{FreeMB: 4000, TotalMB: 24000},
	}}
	s, pub := newTestSupervisor(t, cfg, fleet, sampler)

	err := s.Boot(context.Background())
	if err == nil || !IsBootAborted(err) {
		t.Fatalf("expected boot abort, got %v", err)
	}
	if !vram.IsGuardViolation(errors.Unwrap(err)) {
		t.Fatalf("expected guard violation cause, got %v", errors.Unwrap(err))
	}
	rollbacks := pub.Named("phase_rollback")
	if len(rollbacks) != 2 {
		t.Fatalf("expected 2 rollbacks, got %d", len(rollbacks))
	}
	for _, e := range rollbacks {
		if e.Fields["guard"] != true {
			t.Fatalf("rollback not attributed to guard: %+v", e)
		}
	}
}

func TestPrecheckImpossibleFloorIsFatal(t *testing.T) {
	fleet := newFleet("tts", "llm", "stt", "kwd")
	cfg := testConfig()
	cfg.Vram.MinFreeMB = 24000
	sampler := &seqSampler{samples: []types.VramSample{{FreeMB: 20000, TotalMB: 24000}}}
	s, _ := newTestSupervisor(t, cfg, fleet, sampler)

	err := s.Boot(context.Background())
	if err == nil || !IsBootAborted(err) {
		t.Fatalf("expected boot abort, got %v", err)
	}
	if !vram.IsConfigImpossible(errors.Unwrap(err)) {
		t.Fatalf("expected config-impossible cause, got %v", errors.Unwrap(err))
	}
	if got := len(fleet.spawnOrder()); got != 0 {
		t.Fatalf("no phase may run after fatal precheck, spawned %d", got)
	}
}

func TestHealthFailureTriggersRestartAndRecovery(t *testing.T) {
	fleet := newFleet("tts", "llm", "stt", "kwd")
	s, pub := newTestSupervisor(t, testConfig(), fleet, nil)
	defer s.Shutdown(context.Background())

	if err := s.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	// fail stt liveness; threshold is 2 consecutive failures
	fleet.scripts["stt"].healthy.Store(false)
	waitFor(t, 2*time.Second, func() bool {
		return len(pub.Named("restart_scheduled")) >= 1
	}, "restart to be scheduled")
	// replacement comes up healthy
	fleet.scripts["stt"].healthy.Store(true)
	waitFor(t, 2*time.Second, func() bool {
		return len(pub.Named("recovered")) >= 1
	}, "service recovery")

	sched := pub.Named("restart_scheduled")[0]
	if sched.Service != "stt" {
		t.Fatalf("wrong service restarted: %+v", sched)
	}
	if sched.Fields["backoff_ms"] != int64(10) {
		t.Fatalf("first backoff should follow schedule: %+v", sched.Fields)
	}
	waitFor(t, 2*time.Second, func() bool {
		for _, svc := range s.Status().Services {
			if svc.Name == "stt" {
				return svc.State == string(types.ServiceReady)
			}
		}
		return false
	}, "stt ready again")
}

func TestRestartBudgetExhaustionDegrades(t *testing.T) {
	fleet := newFleet("tts", "llm", "stt", "kwd")
	cfg := testConfig()
	s, pub := newTestSupervisor(t, cfg, fleet, nil)
	defer s.Shutdown(context.Background())

	if err := s.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	// stt dies and every replacement fails readiness
	fleet.scripts["stt"].healthy.Store(false)
	fleet.scripts["stt"].neverReady = true

	waitFor(t, 5*time.Second, func() bool {
		return len(pub.Named("degraded")) >= 1
	}, "degrade after budget exhaustion")

	st := s.Status()
	var sttState, ttsState string
	for _, svc := range st.Services {
		switch svc.Name {
		case "stt":
			sttState = svc.State
		case "tts":
			ttsState = svc.State
		}
	}
	if sttState != string(types.ServiceDegraded) {
		t.Fatalf("expected stt degraded, got %s", sttState)
	}
	// other services unaffected
	if ttsState != string(types.ServiceReady) {
		t.Fatalf("expected tts still ready, got %s", ttsState)
	}
	if s.State() != types.LoaderDegraded {
		t.Fatalf("expected loader degraded, got %s", s.State())
	}
	select {
	case <-s.SystemFailed():
		t.Fatalf("system failure escalation not configured")
	default:
	}
}

func TestFailSystemOnDegrade(t *testing.T) {
	fleet := newFleet("tts", "llm", "stt", "kwd")
	cfg := testConfig()
	cfg.Restart.FailSystemOnDegrade = true
	s, _ := newTestSupervisor(t, cfg, fleet, nil)
	defer s.Shutdown(context.Background())

	if err := s.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	fleet.scripts["kwd"].healthy.Store(false)
	fleet.scripts["kwd"].neverReady = true

	select {
	case <-s.SystemFailed():
	case <-time.After(5 * time.Second):
		t.Fatalf("expected system failure signal")
	}
}

func TestAdminStartStopRestart(t *testing.T) {
	fleet := newFleet("tts", "llm", "stt", "kwd")
	s, _ := newTestSupervisor(t, testConfig(), fleet, nil)
	defer s.Shutdown(context.Background())

	if err := s.Boot(context.Background()); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if err := s.StopService(context.Background(), "kwd"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for _, svc := range s.Status().Services {
		if svc.Name == "kwd" && svc.State != string(types.ServiceStopped) {
			t.Fatalf("kwd not stopped: %s", svc.State)
		}
	}
	if err := s.StartService(context.Background(), "kwd"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RestartService(context.Background(), "stt"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := s.StartService(context.Background(), "vision"); err == nil || !IsServiceNotFound(err) {
		t.Fatalf("expected service not found, got %v", err)
	}
	pids := s.Pids()
	if len(pids.Pids) == 0 {
		t.Fatalf("expected pids for running services")
	}
}

func TestStatusIncludesDialogHook(t *testing.T) {
	fleet := newFleet("tts", "llm", "stt", "kwd")
	s, _ := newTestSupervisor(t, testConfig(), fleet, nil)
	defer s.Shutdown(context.Background())

	st := s.Status()
	if st.DialogState != string(types.DialogIdle) {
		t.Fatalf("default dialog state: %s", st.DialogState)
	}
	s.SetDialogStatus(func() (types.DialogState, string) {
		return types.DialogListening, "dlg-7"
	})
	st = s.Status()
	if st.DialogState != string(types.DialogListening) || st.DialogID != "dlg-7" {
		t.Fatalf("dialog hook not applied: %+v", st)
	}
}
