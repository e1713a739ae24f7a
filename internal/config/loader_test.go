package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "voiced.yaml", `
addr: ":9090"
wake:
  confidence_threshold: 0.75
  cooldown_ms: 500
  phrases: ["Yes?"]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("addr not overridden: %q", cfg.Addr)
	}
	if cfg.Wake.ConfidenceThreshold != 0.75 || cfg.Wake.CooldownMS != 500 {
		t.Fatalf("wake not overridden: %+v", cfg.Wake)
	}
	// untouched sections keep defaults
	if cfg.Dialog.FollowupWindowMS != 4000 {
		t.Fatalf("expected default followup window, got %d", cfg.Dialog.FollowupWindowMS)
	}
	if len(cfg.Phases) != 4 {
		t.Fatalf("expected default phases, got %d", len(cfg.Phases))
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "voiced.toml", "addr = \":7070\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Fatalf("addr: %q", cfg.Addr)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "voiced.json", `{"log_level":"debug"}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level: %q", cfg.LogLevel)
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "voiced.ini", "[wake]\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for .ini")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestValidateRejectsUnknownPhaseMember(t *testing.T) {
	cfg := Default()
	cfg.Phases = append(cfg.Phases, PhaseConfig{Services: []string{"vision"}, TimeoutMS: 1000})
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown service error")
	}
}

func TestValidateRejectsDuplicateService(t *testing.T) {
	cfg := Default()
	cfg.Services = append(cfg.Services, cfg.Services[0])
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duplicate service error")
	}
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	cfg := Default()
	cfg.Wake.ConfidenceThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected threshold error")
	}
}

func TestValidateRejectsGreetingWithoutText(t *testing.T) {
	cfg := Default()
	cfg.Greeting.Text = "   "
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected greeting text error")
	}
}

func TestBackoffScheduleCapped(t *testing.T) {
	r := RestartConfig{BackoffMS: []int{1000, 3000, 5000}}
	cases := []struct {
		attempt int
		wantMS  int
	}{
		{0, 1000}, {1, 3000}, {2, 5000}, {3, 5000}, {10, 5000}, {-1, 1000},
	}
	for _, c := range cases {
		if got := r.Backoff(c.attempt); got != msDur(c.wantMS) {
			t.Fatalf("attempt %d: expected %dms got %v", c.attempt, c.wantMS, got)
		}
	}
}

func TestServiceLookup(t *testing.T) {
	cfg := Default()
	if s := cfg.Service("stt"); s == nil || s.Port != 5004 {
		t.Fatalf("unexpected stt lookup: %+v", s)
	}
	if s := cfg.Service("vision"); s != nil {
		t.Fatalf("expected nil for unknown service")
	}
}
