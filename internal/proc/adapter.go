package proc

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"voiced/internal/common/fsutil"
	"voiced/internal/config"
)

// Descriptor is the immutable launch/probe spec for one managed service.
type Descriptor struct {
	Name         string
	Command      string
	Args         []string
	Port         int
	ReadyTimeout time.Duration
	ProbePath    string
	// RunDir holds pid files and redirected service logs.
	RunDir string
}

// FromConfig builds a Descriptor from the validated service config.
func FromConfig(sc config.ServiceConfig, runDir string) Descriptor {
	probe := sc.ProbePath
	if probe == "" {
		probe = "/healthz"
	}
	return Descriptor{
		Name:         sc.Name,
		Command:      sc.Command,
		Args:         sc.Args,
		Port:         sc.Port,
		ReadyTimeout: sc.ReadyTimeout(),
		ProbePath:    probe,
		RunDir:       runDir,
	}
}

func (d Descriptor) pidFile() string { return filepath.Join(d.RunDir, d.Name+".pid") }
func (d Descriptor) logFile() string { return filepath.Join(d.RunDir, d.Name+".log") }
func (d Descriptor) baseURL() string { return fmt.Sprintf("http://127.0.0.1:%d", d.Port) }

// Adapter is the uniform capability contract every managed service
// implements toward the orchestrator.
type Adapter interface {
	Name() string
	// Prepare performs optional non-binding warm-up; errors are advisory.
	Prepare(ctx context.Context) error
	// Start spawns the process and claims its port.
	Start(ctx context.Context) error
	// IsReady is a cheap non-blocking readiness probe.
	IsReady(ctx context.Context) bool
	// IsHealthy is the liveness probe; defaults to readiness.
	IsHealthy(ctx context.Context) bool
	// Stop terminates the process, escalating to a forceful kill after grace.
	Stop(ctx context.Context, grace time.Duration) error
	PID() int
}

// ProcessAdapter spawns and probes one service subprocess over HTTP.
type ProcessAdapter struct {
	desc       Descriptor
	httpClient *http.Client
	log        zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	pid     int
	logOut  *os.File
	waitErr chan error
}

// NewProcessAdapter constructs an adapter for desc. The http client carries
// no global timeout; every probe uses a context deadline.
func NewProcessAdapter(desc Descriptor, log zerolog.Logger) *ProcessAdapter {
	return &ProcessAdapter{
		desc:       desc,
		httpClient: &http.Client{Timeout: 0},
		log:        log.With().Str("service", desc.Name).Logger(),
	}
}

func (a *ProcessAdapter) Name() string { return a.desc.Name }

func (a *ProcessAdapter) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pid
}

// Prepare only ensures the run directory exists; spawn happens in Start.
func (a *ProcessAdapter) Prepare(ctx context.Context) error {
	return fsutil.EnsureDir(a.desc.RunDir)
}

func (a *ProcessAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cmd != nil && a.cmd.Process != nil {
		if a.waitErr != nil {
			select {
			case <-a.waitErr:
				// previous process exited; fall through to respawn
			default:
				a.log.Info().Int("pid", a.pid).Msg("already running")
				return nil
			}
		}
	}
	if err := fsutil.EnsureDir(a.desc.RunDir); err != nil {
		return fmt.Errorf("run dir: %w", err)
	}
	out, err := os.Create(a.desc.logFile())
	if err != nil {
		return fmt.Errorf("service log: %w", err)
	}
	cmd := exec.Command(a.desc.Command, a.desc.Args...)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return fmt.Errorf("start %s: %w", a.desc.Name, err)
	}
	a.cmd = cmd
	a.pid = cmd.Process.Pid
	a.logOut = out
	a.waitErr = make(chan error, 1)
	go func(c *exec.Cmd, ch chan error, f *os.File) {
		ch <- c.Wait()
		_ = f.Close()
	}(cmd, a.waitErr, out)

	if err := os.WriteFile(a.desc.pidFile(), []byte(strconv.Itoa(a.pid)), 0o644); err != nil {
		a.log.Warn().Err(err).Msg("pid file write failed")
	}
	a.log.Info().Int("pid", a.pid).Int("port", a.desc.Port).Msg("service started")
	return nil
}

func (a *ProcessAdapter) IsReady(ctx context.Context) bool {
	return a.probe(ctx, a.desc.ProbePath)
}

func (a *ProcessAdapter) IsHealthy(ctx context.Context) bool {
	return a.IsReady(ctx)
}

func (a *ProcessAdapter) probe(ctx context.Context, path string) bool {
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, a.desc.baseURL()+path, nil)
	if err != nil {
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Exited reports whether the spawned process has already terminated.
func (a *ProcessAdapter) Exited() bool {
	a.mu.Lock()
	ch := a.waitErr
	a.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case err := <-ch:
		// keep the channel readable for any later caller
		ch <- err
		return true
	default:
		return false
	}
}

func (a *ProcessAdapter) Stop(ctx context.Context, grace time.Duration) error {
	a.mu.Lock()
	cmd := a.cmd
	ch := a.waitErr
	a.cmd = nil
	a.pid = 0
	a.waitErr = nil
	a.mu.Unlock()

	defer os.Remove(a.desc.pidFile())
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-ch:
		a.log.Info().Msg("service stopped gracefully")
	case <-time.After(grace):
		_ = cmd.Process.Kill()
		<-ch
		a.log.Warn().Msg("service force killed after grace period")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-ch
		return ctx.Err()
	}
	return nil
}
