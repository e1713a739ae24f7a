package dialog

import (
	"context"

	"voiced/internal/rpc"
	"voiced/pkg/types"
)

// WakeListener is the wake-word service surface the coordinator consumes.
type WakeListener interface {
	Events(ctx context.Context) (<-chan types.WakeEvent, error)
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// SpeechCapture is the speech-to-text service surface.
type SpeechCapture interface {
	Start(ctx context.Context, dialogID string, turn int) error
	Stop(ctx context.Context, dialogID string) error
	Results(ctx context.Context) (<-chan types.SttResult, error)
}

// Generator streams a completion for one user turn.
type Generator interface {
	Complete(ctx context.Context, req rpc.CompleteRequest, onChunk func(types.GenChunk) error) error
}

// ChunkStream is one in-flight streaming synthesis request.
type ChunkStream interface {
	Send(chunk types.GenChunk) error
	Close() error
	Abort(err error)
}

// Speaker is the speech synthesis surface.
type Speaker interface {
	Speak(ctx context.Context, req types.SpeakRequest) error
	SpeakStream(ctx context.Context, dialogID, tag string) (ChunkStream, error)
	PlaybackEvents(ctx context.Context) (<-chan types.PlaybackEvent, error)
}

// Journal is the write-only transcript sink plus dialog-id mint.
type Journal interface {
	NewDialog(ctx context.Context) string
	WriteDialog(ctx context.Context, dialogID string, turn int, role, text string)
	WriteApp(ctx context.Context, service, event, level, message string)
}
