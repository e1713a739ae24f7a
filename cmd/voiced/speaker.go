package main

import (
	"context"

	"voiced/internal/dialog"
	"voiced/internal/rpc"
	"voiced/pkg/types"
)

// ttsSpeaker adapts the synthesis client to the dialog package's Speaker
// interface; the concrete StreamSpeaker becomes a ChunkStream.
type ttsSpeaker struct {
	c *rpc.TtsClient
}

func (s ttsSpeaker) Speak(ctx context.Context, req types.SpeakRequest) error {
	return s.c.Speak(ctx, req)
}

func (s ttsSpeaker) SpeakStream(ctx context.Context, dialogID, tag string) (dialog.ChunkStream, error) {
	sp, err := s.c.SpeakStream(ctx, dialogID, tag)
	if err != nil {
		return nil, err
	}
	return sp, nil
}

func (s ttsSpeaker) PlaybackEvents(ctx context.Context) (<-chan types.PlaybackEvent, error) {
	return s.c.PlaybackEvents(ctx)
}
