// Package dialog runs the conversational state machine across the wake,
// speech-to-text, generation and synthesis services. Every asynchronous
// notification (wake event, recognition result, generation chunk, playback
// event, timer expiry) becomes a typed message drained by one dispatcher
// goroutine, which is the sole mutator of the session and its state.
// Blocking RPCs run on side-effect goroutines that report back as messages,
// so timer expiry is never starved by a slow service call.
package dialog

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voiced/internal/config"
	"voiced/internal/rpc"
	"voiced/internal/sched"
	"voiced/pkg/types"
)

// Playback tags correlate finished events with the request that caused
// them; dialog turns use turnTag.
const (
	tagConfirm = "confirm"
	tagApology = "apology"
)

const timerFollowup = "followup"

func turnTag(turn int) string { return fmt.Sprintf("turn-%d", turn) }

// Options encapsulates all tunables for Coordinator construction.
type Options struct {
	Config  config.Config
	Wake    WakeListener
	Stt     SpeechCapture
	Llm     Generator
	Tts     Speaker
	Journal Journal
	Timers  *sched.Registry
	Logger  zerolog.Logger
	// Rand drives confirmation phrase selection; tests inject a seeded one.
	Rand *rand.Rand
}

// Coordinator owns the dialog state machine.
type Coordinator struct {
	cfg     config.Config
	wake    WakeListener
	stt     SpeechCapture
	llm     Generator
	tts     Speaker
	journal Journal
	timers  *sched.Registry
	log     zerolog.Logger
	rng     *rand.Rand

	msgs chan any
	done chan struct{}
	wg   sync.WaitGroup

	// Dispatcher-owned; session is nil outside an active dialog.
	session    *Session
	lastWakeMS int64

	// Snapshot read by the status endpoint.
	mu     sync.Mutex
	state  types.DialogState
	snapID string
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		cfg:     opts.Config,
		wake:    opts.Wake,
		stt:     opts.Stt,
		llm:     opts.Llm,
		tts:     opts.Tts,
		journal: opts.Journal,
		timers:  opts.Timers,
		log:     opts.Logger,
		rng:     opts.Rand,
		msgs:    make(chan any, 128),
		done:    make(chan struct{}),
		state:   types.DialogIdle,
	}
	if c.timers == nil {
		c.timers = sched.NewRegistry()
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return c
}

// Messages posted to the dispatcher.
type (
	wakeMsg          struct{ ev types.WakeEvent }
	sessionMintedMsg struct{ id string }
	playbackMsg      struct{ ev types.PlaybackEvent }
	speakFailedMsg   struct {
		tag string
		err error
	}
	sttMsg        struct{ res types.SttResult }
	genStartedMsg struct {
		id   string
		turn int
	}
	genDoneMsg struct {
		id   string
		turn int
	}
	stageErrorMsg struct {
		stage         Stage
		id            string
		unrecoverable bool
		err           error
	}
	followupExpiredMsg struct{ id string }
	endedMsg           struct{ id string }
)

// Run subscribes to the service event streams and drains messages until
// ctx ends. It must be called after the fleet is ready; the stream dials
// fail otherwise.
func (c *Coordinator) Run(ctx context.Context) error {
	wakeCh, err := c.wake.Events(ctx)
	if err != nil {
		return fmt.Errorf("wake events: %w", err)
	}
	sttCh, err := c.stt.Results(ctx)
	if err != nil {
		return fmt.Errorf("stt results: %w", err)
	}
	playCh, err := c.tts.PlaybackEvents(ctx)
	if err != nil {
		return fmt.Errorf("playback events: %w", err)
	}

	go func() {
		for ev := range wakeCh {
			c.post(wakeMsg{ev: ev})
		}
	}()
	go func() {
		for res := range sttCh {
			c.post(sttMsg{res: res})
		}
	}()
	go func() {
		for ev := range playCh {
			c.post(playbackMsg{ev: ev})
		}
	}()

	c.log.Info().Msg("dialog coordinator running")
	for {
		select {
		case <-ctx.Done():
			close(c.done)
			if c.session != nil {
				c.timers.CancelOwner(c.ownerID())
			}
			c.wg.Wait()
			return nil
		case m := <-c.msgs:
			c.dispatch(ctx, m)
		}
	}
}

// Snapshot reports the current dialog state and active dialog id.
func (c *Coordinator) Snapshot() (types.DialogState, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.snapID
}

func (c *Coordinator) post(m any) {
	select {
	case c.msgs <- m:
	case <-c.done:
	}
}

// async runs a side effect off the dispatcher goroutine. Results come
// back as posted messages.
func (c *Coordinator) async(ctx context.Context, fn func(context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
}

func (c *Coordinator) setState(st types.DialogState) {
	c.mu.Lock()
	prev := c.state
	c.state = st
	if c.session != nil {
		c.snapID = c.session.ID
	} else {
		c.snapID = ""
	}
	c.mu.Unlock()
	c.log.Debug().Str("from", string(prev)).Str("to", string(st)).Msg("dialog transition")
}

func (c *Coordinator) curState() types.DialogState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) ownerID() string {
	if c.session == nil {
		return "dialog"
	}
	return "dialog-" + c.session.ID
}

func (c *Coordinator) dispatch(ctx context.Context, m any) {
	switch msg := m.(type) {
	case wakeMsg:
		c.handleWake(ctx, msg.ev)
	case sessionMintedMsg:
		c.handleSessionMinted(msg.id)
	case playbackMsg:
		c.handlePlayback(ctx, msg.ev)
	case speakFailedMsg:
		c.handleSpeakFailed(ctx, msg)
	case sttMsg:
		c.handleSttResult(ctx, msg.res)
	case genStartedMsg:
		c.handleGenStarted(msg)
	case genDoneMsg:
		// Still speaking; the playback-finished event moves the state.
	case stageErrorMsg:
		c.handleStageError(ctx, msg)
	case followupExpiredMsg:
		c.handleFollowupExpired(ctx, msg.id)
	case endedMsg:
		c.handleEnded(msg.id)
	default:
		c.log.Warn().Msgf("dialog: unknown message %T", m)
	}
}

func (c *Coordinator) handleWake(ctx context.Context, ev types.WakeEvent) {
	if c.curState() != types.DialogIdle {
		wakeSuppressedTotal.WithLabelValues("session_active").Inc()
		c.log.Debug().Float64("confidence", ev.Confidence).Msg("wake ignored, session active")
		return
	}
	if ev.Confidence < c.cfg.Wake.ConfidenceThreshold {
		wakeSuppressedTotal.WithLabelValues("below_threshold").Inc()
		c.log.Debug().Float64("confidence", ev.Confidence).Msg("wake below threshold")
		return
	}
	now := time.Now().UnixMilli()
	if c.lastWakeMS != 0 && now-c.lastWakeMS < int64(c.cfg.Wake.CooldownMS) {
		wakeSuppressedTotal.WithLabelValues("cooldown").Inc()
		c.log.Info().Float64("confidence", ev.Confidence).Msg("wake suppressed by cooldown")
		return
	}
	c.lastWakeMS = now

	c.session = &Session{Turn: 1, CreatedMS: now, LastActivityMS: now}
	c.setState(types.DialogWakeConfirm)
	sessionsTotal.Inc()

	phrase := pickConfirmation(c.rng, c.cfg.Wake.Phrases)
	c.log.Info().Float64("confidence", ev.Confidence).Str("phrase", phrase).Msg("wake accepted")
	c.async(ctx, func(actx context.Context) {
		id := c.journal.NewDialog(actx)
		if err := c.wake.Disable(actx); err != nil {
			c.log.Warn().Err(err).Msg("wake disable failed")
		}
		c.post(sessionMintedMsg{id: id})
		c.journal.WriteDialog(actx, id, 1, "assistant", phrase)
		req := types.SpeakRequest{Text: phrase, DialogID: id, Voice: c.cfg.Dialog.Voice, Tag: tagConfirm}
		if err := c.tts.Speak(actx, req); err != nil {
			c.post(speakFailedMsg{tag: tagConfirm, err: err})
		}
	})
}

func (c *Coordinator) handleSessionMinted(id string) {
	if c.session == nil {
		return
	}
	c.session.ID = id
	c.mu.Lock()
	c.snapID = id
	c.mu.Unlock()
}

func (c *Coordinator) handlePlayback(ctx context.Context, ev types.PlaybackEvent) {
	if c.session == nil {
		return
	}
	st := c.curState()
	if ev.Type == types.PlaybackError {
		c.playbackError(ctx, ev, st)
		return
	}
	switch {
	case ev.Type != types.PlaybackFinished:
		// started/chunk_played carry no transition
	case ev.Tag == tagConfirm && st == types.DialogWakeConfirm:
		c.enterListening(ctx)
	case ev.Tag == tagApology && st == types.DialogSpeaking:
		if c.session.endAfterApology {
			c.enterEnding(ctx)
		} else {
			c.enterFollowup(ctx)
		}
	case strings.HasPrefix(ev.Tag, "turn-") && st == types.DialogSpeaking:
		c.enterFollowup(ctx)
	default:
		c.log.Debug().Str("tag", ev.Tag).Str("type", ev.Type).Msg("stale playback event dropped")
	}
}

// playbackError takes the same transition as the matching speak-request
// failure: a dead confirmation still opens the microphone, a dead apology
// still routes through its follow-up or ending. Only mid-turn playback
// counts as a synthesis stage error.
func (c *Coordinator) playbackError(ctx context.Context, ev types.PlaybackEvent, st types.DialogState) {
	c.log.Warn().Str("tag", ev.Tag).Str("error", ev.Err).Msg("playback failed")
	switch {
	case ev.Tag == tagConfirm && st == types.DialogWakeConfirm:
		c.enterListening(ctx)
	case ev.Tag == tagApology && st == types.DialogSpeaking:
		if c.session.endAfterApology {
			c.enterEnding(ctx)
		} else {
			c.enterFollowup(ctx)
		}
	default:
		c.stageError(ctx, StageTts, false, fmt.Errorf("playback: %s", ev.Err))
	}
}

func (c *Coordinator) handleSpeakFailed(ctx context.Context, msg speakFailedMsg) {
	if c.session == nil {
		return
	}
	c.log.Warn().Err(msg.err).Str("tag", msg.tag).Msg("speak request failed")
	switch msg.tag {
	case tagConfirm:
		// A silent acknowledgment must not strand the user.
		if c.curState() == types.DialogWakeConfirm {
			c.enterListening(ctx)
		}
	case tagApology:
		if c.session.endAfterApology {
			c.enterEnding(ctx)
		} else {
			c.enterFollowup(ctx)
		}
	}
}

func (c *Coordinator) handleSttResult(ctx context.Context, res types.SttResult) {
	if c.session == nil {
		return
	}
	st := c.curState()
	switch {
	case st == types.DialogListening && res.Final:
		text := strings.TrimSpace(res.Text)
		if text == "" {
			// Silence finalized with nothing recognized.
			c.stageError(ctx, StageStt, false, fmt.Errorf("empty final transcript"))
			return
		}
		c.session.LastActivityMS = time.Now().UnixMilli()
		c.setState(types.DialogProcessing)
		turnsTotal.Inc()
		c.startGeneration(ctx, c.session.ID, c.session.Turn, text)
	case st == types.DialogFollowupWait && !res.Final:
		// Speech onset inside the window continues the session.
		c.timers.Cancel(c.ownerID(), timerFollowup)
		c.session.Turn++
		c.log.Info().Int("turn", c.session.Turn).Msg("follow-up speech detected")
		c.enterListening(ctx)
	case st == types.DialogFollowupWait && res.Final:
		// The final arrived before any interim hint; take it as the turn.
		c.timers.Cancel(c.ownerID(), timerFollowup)
		text := strings.TrimSpace(res.Text)
		if text == "" {
			// Silence does not consume a turn.
			c.stageError(ctx, StageStt, false, fmt.Errorf("empty final transcript"))
			return
		}
		c.session.Turn++
		c.session.LastActivityMS = time.Now().UnixMilli()
		c.setState(types.DialogProcessing)
		turnsTotal.Inc()
		c.startGeneration(ctx, c.session.ID, c.session.Turn, text)
	default:
		c.log.Debug().Bool("final", res.Final).Str("state", string(st)).Msg("stt result dropped")
	}
}

func (c *Coordinator) enterListening(ctx context.Context) {
	id, turn := c.session.ID, c.session.Turn
	c.setState(types.DialogListening)
	c.async(ctx, func(actx context.Context) {
		if err := c.stt.Start(actx, id, turn); err != nil {
			// Without capture the session cannot continue.
			c.post(stageErrorMsg{stage: StageStt, id: id, unrecoverable: true, err: err})
		}
	})
}

// startGeneration runs the generate-and-speak pipeline for one turn. The
// first chunk flips the state to SPEAKING; chunks stream straight into
// synthesis so audio starts before the full reply exists.
func (c *Coordinator) startGeneration(ctx context.Context, id string, turn int, text string) {
	c.async(ctx, func(actx context.Context) {
		c.journal.WriteDialog(actx, id, turn, "user", text)
		sp, err := c.tts.SpeakStream(actx, id, turnTag(turn))
		if err != nil {
			c.post(stageErrorMsg{stage: StageTts, id: id, err: err})
			return
		}
		var reply strings.Builder
		first := true
		err = c.llm.Complete(actx, rpc.CompleteRequest{Text: text, DialogID: id, Turn: turn},
			func(ch types.GenChunk) error {
				if first {
					first = false
					c.post(genStartedMsg{id: id, turn: turn})
				}
				reply.WriteString(ch.Text)
				return sp.Send(ch)
			})
		if err != nil {
			sp.Abort(err)
			c.post(stageErrorMsg{stage: StageLlm, id: id, err: err})
			return
		}
		if err := sp.Close(); err != nil {
			c.post(stageErrorMsg{stage: StageTts, id: id, err: err})
			return
		}
		c.journal.WriteDialog(actx, id, turn, "assistant", reply.String())
		c.post(genDoneMsg{id: id, turn: turn})
	})
}

func (c *Coordinator) handleGenStarted(msg genStartedMsg) {
	if c.session == nil || c.session.ID != msg.id {
		return
	}
	if c.curState() == types.DialogProcessing {
		c.setState(types.DialogSpeaking)
	}
}

func (c *Coordinator) handleStageError(ctx context.Context, msg stageErrorMsg) {
	if c.session == nil || (msg.id != "" && c.session.ID != msg.id) {
		return
	}
	c.stageError(ctx, msg.stage, msg.unrecoverable, msg.err)
}

// stageError speaks the stage's canned apology, then routes to the
// follow-up window, or to ENDING when the session cannot continue.
func (c *Coordinator) stageError(ctx context.Context, stage Stage, unrecoverable bool, cause error) {
	st := c.curState()
	if st != types.DialogListening && st != types.DialogProcessing && st != types.DialogSpeaking && st != types.DialogFollowupWait {
		return
	}
	stageErrorsTotal.WithLabelValues(string(stage)).Inc()
	c.log.Warn().Err(cause).Str("stage", string(stage)).Bool("unrecoverable", unrecoverable).Msg("dialog stage error")
	c.session.endAfterApology = unrecoverable
	c.setState(types.DialogSpeaking)
	id := c.session.ID
	phrase := errorPhrase(stage)
	c.async(ctx, func(actx context.Context) {
		c.journal.WriteApp(actx, "dialog", "stage_error", "WARNING", fmt.Sprintf("%s: %v", stage, cause))
		req := types.SpeakRequest{Text: phrase, DialogID: id, Voice: c.cfg.Dialog.Voice, Tag: tagApology}
		if err := c.tts.Speak(actx, req); err != nil {
			c.post(speakFailedMsg{tag: tagApology, err: err})
		}
	})
}

func (c *Coordinator) enterFollowup(ctx context.Context) {
	c.session.endAfterApology = false
	c.setState(types.DialogFollowupWait)
	id := c.session.ID
	c.timers.Schedule(c.ownerID(), timerFollowup, c.cfg.Dialog.FollowupWindow(), func() {
		c.post(followupExpiredMsg{id: id})
	})
}

func (c *Coordinator) handleFollowupExpired(ctx context.Context, id string) {
	if c.session == nil || c.session.ID != id || c.curState() != types.DialogFollowupWait {
		return
	}
	c.log.Info().Str("dialog_id", id).Msg("follow-up window expired")
	c.enterEnding(ctx)
}

func (c *Coordinator) enterEnding(ctx context.Context) {
	c.setState(types.DialogEnding)
	id := c.session.ID
	c.timers.CancelOwner(c.ownerID())
	c.async(ctx, func(actx context.Context) {
		if err := c.stt.Stop(actx, id); err != nil {
			c.log.Warn().Err(err).Msg("stt stop failed")
		}
		if err := c.wake.Enable(actx); err != nil {
			c.log.Warn().Err(err).Msg("wake enable failed")
		}
		c.journal.WriteApp(actx, "dialog", "session_end", "INFO", id)
		c.post(endedMsg{id: id})
	})
}

func (c *Coordinator) handleEnded(id string) {
	if c.session == nil || c.session.ID != id {
		return
	}
	c.log.Info().Str("dialog_id", id).Int("turns", c.session.Turn).Msg("dialog session closed")
	c.session = nil
	c.setState(types.DialogIdle)
}
