package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ServiceConfig describes one managed service process.
type ServiceConfig struct {
	Name    string   `json:"name" yaml:"name" toml:"name" validate:"required"`
	Command string   `json:"command" yaml:"command" toml:"command" validate:"required"`
	Args    []string `json:"args" yaml:"args" toml:"args"`
	Port    int      `json:"port" yaml:"port" toml:"port" validate:"gt=0,lt=65536"`
	// ReadyTimeoutMS bounds how long the service may take to pass its
	// readiness probe after spawn.
	ReadyTimeoutMS int `json:"ready_timeout_ms" yaml:"ready_timeout_ms" toml:"ready_timeout_ms" validate:"gt=0"`
	// ProbePath is the HTTP readiness/liveness endpoint, default /healthz.
	ProbePath string `json:"probe_path" yaml:"probe_path" toml:"probe_path"`
}

// PhaseConfig is one ordered startup phase. Members start concurrently and
// are gated jointly on readiness plus the VRAM guard.
type PhaseConfig struct {
	Services  []string `json:"services" yaml:"services" toml:"services" validate:"min=1"`
	TimeoutMS int      `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms" validate:"gt=0"`
}

// VramConfig is the resource guardrail.
type VramConfig struct {
	// MinFreeMB is the floor of free device memory required before and
	// between phases. 0 disables the guard.
	MinFreeMB int `json:"min_free_mb" yaml:"min_free_mb" toml:"min_free_mb" validate:"gte=0"`
}

// RestartConfig governs post-boot health supervision.
type RestartConfig struct {
	HealthIntervalMS int `json:"health_interval_ms" yaml:"health_interval_ms" toml:"health_interval_ms" validate:"gt=0"`
	// FailureThreshold is the number of consecutive failed liveness probes
	// before a controlled restart.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold" validate:"gt=0"`
	// BackoffMS is the capped schedule of delays between restart attempts.
	BackoffMS []int `json:"backoff_ms" yaml:"backoff_ms" toml:"backoff_ms" validate:"min=1,dive,gt=0"`
	// WindowS is the rolling window for the restart budget.
	WindowS     int `json:"window_s" yaml:"window_s" toml:"window_s" validate:"gt=0"`
	MaxRestarts int `json:"max_restarts" yaml:"max_restarts" toml:"max_restarts" validate:"gt=0"`
	GraceMS     int `json:"grace_ms" yaml:"grace_ms" toml:"grace_ms" validate:"gt=0"`
	// FailSystemOnDegrade escalates a degraded service to whole-system
	// failure instead of continuing without it.
	FailSystemOnDegrade bool `json:"fail_system_on_degrade" yaml:"fail_system_on_degrade" toml:"fail_system_on_degrade"`
	// PhaseRetries bounds rollback/retry attempts per boot phase.
	PhaseRetries int `json:"phase_retries" yaml:"phase_retries" toml:"phase_retries" validate:"gte=0"`
}

// WakeConfig tunes wake-word handling in the dialog coordinator.
type WakeConfig struct {
	ConfidenceThreshold float64  `json:"confidence_threshold" yaml:"confidence_threshold" toml:"confidence_threshold" validate:"gt=0,lte=1"`
	CooldownMS          int      `json:"cooldown_ms" yaml:"cooldown_ms" toml:"cooldown_ms" validate:"gte=0"`
	Phrases             []string `json:"phrases" yaml:"phrases" toml:"phrases" validate:"min=1"`
}

// DialogConfig tunes the turn-taking loop.
type DialogConfig struct {
	FollowupWindowMS int `json:"followup_window_ms" yaml:"followup_window_ms" toml:"followup_window_ms" validate:"gt=0"`
	// SilenceFinalizeMS is owned by the STT service; recorded here so the
	// whole timing surface lives in one place.
	SilenceFinalizeMS int    `json:"silence_finalize_ms" yaml:"silence_finalize_ms" toml:"silence_finalize_ms" validate:"gt=0"`
	Voice             string `json:"voice" yaml:"voice" toml:"voice"`
}

// GreetingConfig controls the one-shot spoken greeting at SYSTEM_READY.
type GreetingConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Text          string `json:"text" yaml:"text" toml:"text"`
	PauseWake     bool   `json:"pause_wake" yaml:"pause_wake" toml:"pause_wake"`
	ResumeGuardMS int    `json:"resume_guard_ms" yaml:"resume_guard_ms" toml:"resume_guard_ms" validate:"gte=0"`
	TimeoutMS     int    `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms" validate:"gt=0"`
}

// Config holds every runtime parameter for the orchestrator.
type Config struct {
	Addr     string          `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel string          `json:"log_level" yaml:"log_level" toml:"log_level"`
	RunDir   string          `json:"run_dir" yaml:"run_dir" toml:"run_dir"`
	Services []ServiceConfig `json:"services" yaml:"services" toml:"services" validate:"min=1,dive"`
	Phases   []PhaseConfig   `json:"phases" yaml:"phases" toml:"phases" validate:"min=1,dive"`
	Vram     VramConfig      `json:"vram" yaml:"vram" toml:"vram"`
	Restart  RestartConfig   `json:"restart" yaml:"restart" toml:"restart"`
	Wake     WakeConfig      `json:"wake" yaml:"wake" toml:"wake"`
	Dialog   DialogConfig    `json:"dialog" yaml:"dialog" toml:"dialog"`
	Greeting GreetingConfig  `json:"greeting" yaml:"greeting" toml:"greeting"`
}

// Default returns the configuration used when a field is left unset.
// Phase layout and timings mirror the reference deployment: tts+llm in
// parallel, then stt, then kwd, logger ahead of everything.
func Default() Config {
	return Config{
		Addr:     ":8080",
		LogLevel: "info",
		RunDir:   "~/.voiced/run",
		Services: []ServiceConfig{
			{Name: "logger", Command: "voiced-logger", Port: 5001, ReadyTimeoutMS: 10000},
			{Name: "tts", Command: "voiced-tts", Port: 5006, ReadyTimeoutMS: 30000},
			{Name: "llm", Command: "voiced-llm", Port: 5005, ReadyTimeoutMS: 10000},
			{Name: "stt", Command: "voiced-stt", Port: 5004, ReadyTimeoutMS: 30000},
			{Name: "kwd", Command: "voiced-kwd", Port: 5003, ReadyTimeoutMS: 10000},
		},
		Phases: []PhaseConfig{
			{Services: []string{"logger"}, TimeoutMS: 10000},
			{Services: []string{"tts", "llm"}, TimeoutMS: 8000},
			{Services: []string{"stt"}, TimeoutMS: 30000},
			{Services: []string{"kwd"}, TimeoutMS: 10000},
		},
		Vram: VramConfig{MinFreeMB: 8000},
		Restart: RestartConfig{
			HealthIntervalMS: 2000,
			FailureThreshold: 3,
			BackoffMS:        []int{1000, 3000, 5000},
			WindowS:          60,
			MaxRestarts:      3,
			GraceMS:          2000,
			PhaseRetries:     2,
		},
		Wake: WakeConfig{
			ConfidenceThreshold: 0.6,
			CooldownMS:          1000,
			Phrases:             []string{"Yes?", "Yes, Master?"},
		},
		Dialog: DialogConfig{
			FollowupWindowMS:  4000,
			SilenceFinalizeMS: 2000,
			Voice:             "af_heart",
		},
		Greeting: GreetingConfig{
			Enabled:       true,
			Text:          "Hi, Master!",
			PauseWake:     true,
			ResumeGuardMS: 150,
			TimeoutMS:     2000,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate fails fast on any invalid or internally inconsistent value.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	byName := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		if byName[s.Name] {
			return fmt.Errorf("config: duplicate service %q", s.Name)
		}
		byName[s.Name] = true
	}
	for i, p := range c.Phases {
		for _, name := range p.Services {
			if !byName[name] {
				return fmt.Errorf("config: phase %d references unknown service %q", i, name)
			}
		}
	}
	if c.Greeting.Enabled && strings.TrimSpace(c.Greeting.Text) == "" {
		return fmt.Errorf("config: greeting enabled with empty text")
	}
	return nil
}

// Service returns the config for name, or nil when unknown.
func (c Config) Service(name string) *ServiceConfig {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i]
		}
	}
	return nil
}

// Duration helpers keep millisecond config fields out of call sites.

func (r RestartConfig) HealthInterval() time.Duration { return msDur(r.HealthIntervalMS) }
func (r RestartConfig) Grace() time.Duration          { return msDur(r.GraceMS) }
func (r RestartConfig) Window() time.Duration         { return time.Duration(r.WindowS) * time.Second }

// Backoff returns the delay before restart attempt n (0-based), holding the
// last configured delay once the schedule is exhausted.
func (r RestartConfig) Backoff(n int) time.Duration {
	if len(r.BackoffMS) == 0 {
		return 0
	}
	if n >= len(r.BackoffMS) {
		n = len(r.BackoffMS) - 1
	}
	if n < 0 {
		n = 0
	}
	return msDur(r.BackoffMS[n])
}

func (p PhaseConfig) Timeout() time.Duration          { return msDur(p.TimeoutMS) }
func (s ServiceConfig) ReadyTimeout() time.Duration   { return msDur(s.ReadyTimeoutMS) }
func (w WakeConfig) Cooldown() time.Duration          { return msDur(w.CooldownMS) }
func (d DialogConfig) FollowupWindow() time.Duration  { return msDur(d.FollowupWindowMS) }
func (g GreetingConfig) ResumeGuard() time.Duration   { return msDur(g.ResumeGuardMS) }
func (g GreetingConfig) Timeout() time.Duration       { return msDur(g.TimeoutMS) }

func msDur(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
