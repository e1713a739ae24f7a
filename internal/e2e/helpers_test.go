package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"voiced/internal/config"
	"voiced/internal/httpapi"
	"voiced/internal/proc"
	"voiced/internal/sched"
	"voiced/internal/supervisor"
	"voiced/internal/vram"
	"voiced/pkg/types"
)

// fakeAdapter is an in-memory stand-in for a service subprocess.
type fakeAdapter struct {
	name string
	pid  int

	mu      sync.Mutex
	started bool
	healthy bool
}

func (a *fakeAdapter) Name() string                      { return a.name }
func (a *fakeAdapter) Prepare(ctx context.Context) error { return nil }

func (a *fakeAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	a.healthy = true
	return nil
}

func (a *fakeAdapter) IsReady(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started && a.healthy
}

func (a *fakeAdapter) IsHealthy(ctx context.Context) bool { return a.IsReady(ctx) }

func (a *fakeAdapter) Stop(ctx context.Context, grace time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = false
	a.healthy = false
	return nil
}

func (a *fakeAdapter) PID() int { return a.pid }

// fakeFleet hands out fakeAdapters by service name.
type fakeFleet struct {
	mu       sync.Mutex
	adapters map[string]*fakeAdapter
	nextPID  int
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{adapters: make(map[string]*fakeAdapter), nextPID: 41000}
}

func (f *fakeFleet) get(name string) *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[name]
}

func (f *fakeFleet) newAdapter(d proc.Descriptor) proc.Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	a := &fakeAdapter{name: d.Name, pid: f.nextPID}
	f.adapters[d.Name] = a
	return a
}

type fakeSampler struct{ freeMB int }

func (s fakeSampler) Sample(ctx context.Context) (types.VramSample, error) {
	return types.VramSample{
		TimestampMS: time.Now().UnixMilli(),
		UsedMB:      24000 - s.freeMB,
		FreeMB:      s.freeMB,
		TotalMB:     24000,
	}, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Vram.MinFreeMB = 1000
	cfg.Restart.HealthIntervalMS = 20
	for i := range cfg.Services {
		cfg.Services[i].ReadyTimeoutMS = 500
	}
	for i := range cfg.Phases {
		cfg.Phases[i].TimeoutMS = 500
	}
	return cfg
}

// newStack boots a supervisor over fake adapters and serves the admin API.
func newStack(t *testing.T) (*httptest.Server, *supervisor.Supervisor, *fakeFleet) {
	t.Helper()
	cfg := testConfig()
	fleet := newFakeFleet()
	guard := vram.NewGuard(fakeSampler{freeMB: 9000}, cfg.Vram.MinFreeMB, zerolog.Nop())
	sup := supervisor.New(supervisor.Options{
		Config:            cfg,
		Guard:             guard,
		Timers:            sched.NewRegistry(),
		Logger:            zerolog.Nop(),
		NewAdapter:        fleet.newAdapter,
		ReadyPollInterval: 2 * time.Millisecond,
		RunDir:            t.TempDir(),
	})
	srv := httptest.NewServer(httpapi.NewMux(sup))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})
	return srv, sup, fleet
}

func httpGetStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func httpPostStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
