package vram

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voiced/pkg/types"
)

// Sampler reads current device memory usage.
type Sampler interface {
	Sample(ctx context.Context) (types.VramSample, error)
}

// NvidiaSmiSampler shells out to nvidia-smi for used/free/total memory.
type NvidiaSmiSampler struct {
	// Bin is the nvidia-smi binary, default "nvidia-smi".
	Bin string
}

func (s NvidiaSmiSampler) Sample(ctx context.Context) (types.VramSample, error) {
	bin := s.Bin
	if bin == "" {
		bin = "nvidia-smi"
	}
	out, err := exec.CommandContext(ctx, bin,
		"--query-gpu=memory.used,memory.free,memory.total",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return types.VramSample{}, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseSmiLine(string(out))
}

func parseSmiLine(out string) (types.VramSample, error) {
	// first device only; multi-GPU hosts report one line per device
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return types.VramSample{}, fmt.Errorf("unexpected nvidia-smi output: %q", line)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return types.VramSample{}, fmt.Errorf("unexpected nvidia-smi field %q: %w", p, err)
		}
		vals[i] = n
	}
	return types.VramSample{
		TimestampMS: time.Now().UnixMilli(),
		UsedMB:      vals[0],
		FreeMB:      vals[1],
		TotalMB:     vals[2],
	}, nil
}

// guardViolationError signals insufficient free memory at a phase boundary.
type guardViolationError struct{ freeMB, floorMB int }

func (e guardViolationError) Error() string {
	return fmt.Sprintf("vram guard violation: %dMB free < %dMB floor", e.freeMB, e.floorMB)
}

// IsGuardViolation reports whether err is a guardrail violation.
func IsGuardViolation(err error) bool {
	_, ok := err.(guardViolationError)
	return ok
}

// configImpossibleError signals a floor that can never be satisfied.
type configImpossibleError struct{ floorMB, totalMB int }

func (e configImpossibleError) Error() string {
	return fmt.Sprintf("vram floor %dMB >= device capacity %dMB", e.floorMB, e.totalMB)
}

// IsConfigImpossible reports whether err means the guardrail can never pass.
func IsConfigImpossible(err error) bool {
	_, ok := err.(configImpossibleError)
	return ok
}

// Guard enforces a minimum-free-memory floor before and between phases.
// A zero floor disables all checks.
type Guard struct {
	sampler Sampler
	floorMB int
	log     zerolog.Logger

	mu   sync.Mutex
	last types.VramSample
}

func NewGuard(sampler Sampler, floorMB int, log zerolog.Logger) *Guard {
	return &Guard{sampler: sampler, floorMB: floorMB, log: log}
}

// Precheck validates that the guardrail is satisfiable at all: the floor
// must be strictly below device capacity. Run once before any phase.
func (g *Guard) Precheck(ctx context.Context) error {
	if g.floorMB <= 0 {
		return nil
	}
	s, err := g.sample(ctx)
	if err != nil {
		return err
	}
	if g.floorMB >= s.TotalMB {
		return configImpossibleError{floorMB: g.floorMB, totalMB: s.TotalMB}
	}
	return g.checkSample(s)
}

// Check samples once and fails if free memory is below the floor.
func (g *Guard) Check(ctx context.Context) error {
	if g.floorMB <= 0 {
		return nil
	}
	s, err := g.sample(ctx)
	if err != nil {
		return err
	}
	return g.checkSample(s)
}

func (g *Guard) checkSample(s types.VramSample) error {
	if s.FreeMB < g.floorMB {
		g.log.Error().Int("free_mb", s.FreeMB).Int("floor_mb", g.floorMB).Msg("vram check failed")
		return guardViolationError{freeMB: s.FreeMB, floorMB: g.floorMB}
	}
	g.log.Info().Int("free_mb", s.FreeMB).Int("floor_mb", g.floorMB).Msg("vram check passed")
	return nil
}

func (g *Guard) sample(ctx context.Context) (types.VramSample, error) {
	s, err := g.sampler.Sample(ctx)
	if err != nil {
		return s, err
	}
	s.FloorMB = g.floorMB
	g.mu.Lock()
	g.last = s
	g.mu.Unlock()
	return s, nil
}

// Last returns the most recent sample, zero-valued before the first check.
func (g *Guard) Last() types.VramSample {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
