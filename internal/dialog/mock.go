package dialog

import (
	"context"
	"fmt"
	"sync"

	"voiced/internal/rpc"
	"voiced/pkg/types"
)

// In-memory service doubles used by the coordinator and greeting tests.

// MockWake implements WakeListener with an injectable event channel.
type MockWake struct {
	mu       sync.Mutex
	ch       chan types.WakeEvent
	enables  int
	disables int
}

func NewMockWake() *MockWake {
	return &MockWake{ch: make(chan types.WakeEvent, 16)}
}

func (m *MockWake) Events(ctx context.Context) (<-chan types.WakeEvent, error) { return m.ch, nil }

func (m *MockWake) Enable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enables++
	return nil
}

func (m *MockWake) Disable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disables++
	return nil
}

func (m *MockWake) Emit(ev types.WakeEvent) { m.ch <- ev }

func (m *MockWake) Counts() (enables, disables int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enables, m.disables
}

// MockStt implements SpeechCapture and records session calls.
type MockStt struct {
	mu       sync.Mutex
	ch       chan types.SttResult
	starts   []sttCall
	stops    []string
	startErr error
}

type sttCall struct {
	DialogID string
	Turn     int
}

func NewMockStt() *MockStt {
	return &MockStt{ch: make(chan types.SttResult, 16)}
}

// FailStart makes Start return err.
func (m *MockStt) FailStart(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

func (m *MockStt) Start(ctx context.Context, dialogID string, turn int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.starts = append(m.starts, sttCall{DialogID: dialogID, Turn: turn})
	return nil
}

func (m *MockStt) Stop(ctx context.Context, dialogID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, dialogID)
	return nil
}

func (m *MockStt) Results(ctx context.Context) (<-chan types.SttResult, error) { return m.ch, nil }

func (m *MockStt) Emit(res types.SttResult) { m.ch <- res }

func (m *MockStt) Starts() []sttCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sttCall(nil), m.starts...)
}

func (m *MockStt) Stops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.stops...)
}

// MockGenerator implements Generator, replaying a fixed chunk script.
type MockGenerator struct {
	mu       sync.Mutex
	chunks   []types.GenChunk
	err      error
	requests []rpc.CompleteRequest
}

func NewMockGenerator(chunks ...types.GenChunk) *MockGenerator {
	return &MockGenerator{chunks: chunks}
}

func (m *MockGenerator) Fail(err error) { m.err = err }

func (m *MockGenerator) Complete(ctx context.Context, req rpc.CompleteRequest, onChunk func(types.GenChunk) error) error {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	chunks, err := m.chunks, m.err
	m.mu.Unlock()
	if err != nil {
		return err
	}
	for _, ch := range chunks {
		if cbErr := onChunk(ch); cbErr != nil {
			return cbErr
		}
	}
	return nil
}

func (m *MockGenerator) Requests() []rpc.CompleteRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]rpc.CompleteRequest(nil), m.requests...)
}

// MockSpeaker implements Speaker. Playback events are test-driven; the
// mock never finishes an utterance on its own.
type MockSpeaker struct {
	mu       sync.Mutex
	ch       chan types.PlaybackEvent
	spoken   []types.SpeakRequest
	streams  []*MockStream
	speakErr map[string]error
}

func NewMockSpeaker() *MockSpeaker {
	return &MockSpeaker{ch: make(chan types.PlaybackEvent, 16), speakErr: make(map[string]error)}
}

// FailSpeak makes Speak fail for requests carrying tag.
func (m *MockSpeaker) FailSpeak(tag string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speakErr[tag] = err
}

func (m *MockSpeaker) Speak(ctx context.Context, req types.SpeakRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.speakErr[req.Tag]; err != nil {
		return err
	}
	m.spoken = append(m.spoken, req)
	return nil
}

func (m *MockSpeaker) SpeakStream(ctx context.Context, dialogID, tag string) (ChunkStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.speakErr[tag]; err != nil {
		return nil, err
	}
	st := &MockStream{dialogID: dialogID, tag: tag}
	m.streams = append(m.streams, st)
	return st, nil
}

func (m *MockSpeaker) PlaybackEvents(ctx context.Context) (<-chan types.PlaybackEvent, error) {
	return m.ch, nil
}

func (m *MockSpeaker) EmitPlayback(ev types.PlaybackEvent) { m.ch <- ev }

func (m *MockSpeaker) Spoken() []types.SpeakRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.SpeakRequest(nil), m.spoken...)
}

func (m *MockSpeaker) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockStream(nil), m.streams...)
}

// MockStream implements ChunkStream, collecting sent chunks.
type MockStream struct {
	mu       sync.Mutex
	dialogID string
	tag      string
	chunks   []types.GenChunk
	closed   bool
	aborted  error
	closeErr error
}

func (s *MockStream) Send(chunk types.GenChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

func (s *MockStream) Abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = err
}

func (s *MockStream) Tag() string { return s.tag }

func (s *MockStream) Chunks() []types.GenChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.GenChunk(nil), s.chunks...)
}

// MockJournal implements Journal with sequential dialog ids.
type MockJournal struct {
	mu     sync.Mutex
	nextID int
	lines  []journalLine
	apps   []string
}

type journalLine struct {
	DialogID string
	Turn     int
	Role     string
	Text     string
}

func NewMockJournal() *MockJournal { return &MockJournal{} }

func (m *MockJournal) NewDialog(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return fmt.Sprintf("dlg-%d", m.nextID)
}

func (m *MockJournal) WriteDialog(ctx context.Context, dialogID string, turn int, role, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, journalLine{DialogID: dialogID, Turn: turn, Role: role, Text: text})
}

func (m *MockJournal) WriteApp(ctx context.Context, service, event, level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps = append(m.apps, event)
}

func (m *MockJournal) Lines() []journalLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]journalLine(nil), m.lines...)
}
