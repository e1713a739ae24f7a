package dialog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voiced/internal/config"
	"voiced/internal/sched"
	"voiced/pkg/types"
)

const tagGreeting = "greeting"

// GreetingSequencer speaks the one-shot greeting when the system comes
// up, then arms wake detection. It fires at most once per process
// lifetime and never blocks the user: any failure or timeout still ends
// with wake detection enabled.
type GreetingSequencer struct {
	cfg    config.GreetingConfig
	voice  string
	wake   WakeListener
	tts    Speaker
	timers *sched.Registry
	log    zerolog.Logger
	once   sync.Once
}

// NewGreetingSequencer builds the sequencer; voice is the synthesis voice
// shared with dialog turns.
func NewGreetingSequencer(cfg config.GreetingConfig, voice string, wake WakeListener, tts Speaker, timers *sched.Registry, log zerolog.Logger) *GreetingSequencer {
	if timers == nil {
		timers = sched.NewRegistry()
	}
	return &GreetingSequencer{cfg: cfg, voice: voice, wake: wake, tts: tts, timers: timers, log: log}
}

// Run executes the sequence. Safe to call more than once; only the first
// call does anything.
func (g *GreetingSequencer) Run(ctx context.Context) {
	g.once.Do(func() { g.run(ctx) })
}

func (g *GreetingSequencer) run(ctx context.Context) {
	if !g.cfg.Enabled {
		g.enableWake(ctx)
		return
	}
	if g.cfg.PauseWake {
		if err := g.wake.Disable(ctx); err != nil {
			g.log.Warn().Err(err).Msg("greeting: wake pause failed")
		}
	}
	events, err := g.tts.PlaybackEvents(ctx)
	if err != nil {
		g.log.Warn().Err(err).Msg("greeting: playback subscribe failed")
		g.enableWake(ctx)
		return
	}
	req := types.SpeakRequest{Text: g.cfg.Text, Voice: g.voice, Tag: tagGreeting}
	if err := g.tts.Speak(ctx, req); err != nil {
		g.log.Warn().Err(err).Msg("greeting: speak failed")
		g.enableWake(ctx)
		return
	}

	watchdog := g.cfg.Timeout()
	if min := 2 * time.Second; watchdog < min {
		watchdog = min
	}
	deadline := time.NewTimer(watchdog)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			g.enableWake(context.Background())
			return
		case <-deadline.C:
			g.log.Warn().Dur("watchdog", watchdog).Msg("greeting: no playback-finished signal")
			g.resumeAfterGuard(ctx)
			return
		case ev, ok := <-events:
			if !ok {
				g.log.Warn().Msg("greeting: playback stream closed")
				g.resumeAfterGuard(ctx)
				return
			}
			if ev.Type == types.PlaybackFinished && ev.Tag == tagGreeting {
				g.resumeAfterGuard(ctx)
				return
			}
			if ev.Type == types.PlaybackError && ev.Tag == tagGreeting {
				g.log.Warn().Str("error", ev.Err).Msg("greeting: playback failed")
				g.enableWake(ctx)
				return
			}
		}
	}
}

// resumeAfterGuard waits the short resume guard so the tail of the
// greeting audio cannot retrigger the wake detector, then arms it.
func (g *GreetingSequencer) resumeAfterGuard(ctx context.Context) {
	guard := g.cfg.ResumeGuard()
	if guard <= 0 {
		g.enableWake(ctx)
		return
	}
	done := make(chan struct{})
	g.timers.Schedule("greeting", "resume", guard, func() { close(done) })
	select {
	case <-done:
		g.enableWake(ctx)
	case <-ctx.Done():
		g.timers.Cancel("greeting", "resume")
		g.enableWake(context.Background())
	}
}

func (g *GreetingSequencer) enableWake(ctx context.Context) {
	if err := g.wake.Enable(ctx); err != nil {
		g.log.Error().Err(err).Msg("greeting: wake enable failed")
		return
	}
	g.log.Info().Msg("wake detection enabled")
}
