package rpc

import (
	"context"

	"voiced/pkg/types"
)

// SttClient drives the speech-to-text service for one dialog session.
type SttClient struct {
	base string
}

func NewSttClient(base string) *SttClient { return &SttClient{base: base} }

type sttSessionRequest struct {
	DialogID string `json:"dialog_id"`
	Turn     int    `json:"turn"`
}

// Start begins capture for a dialog turn.
func (c *SttClient) Start(ctx context.Context, dialogID string, turn int) error {
	return postJSON(ctx, c.base+"/start", sttSessionRequest{DialogID: dialogID, Turn: turn}, nil)
}

// Stop ends capture for the dialog.
func (c *SttClient) Stop(ctx context.Context, dialogID string) error {
	return postJSON(ctx, c.base+"/stop", sttSessionRequest{DialogID: dialogID}, nil)
}

// Results subscribes to recognition results. Interim results are hints;
// the service emits exactly one final result per utterance, finalized by
// its own silence detection.
func (c *SttClient) Results(ctx context.Context) (<-chan types.SttResult, error) {
	return dialWS[types.SttResult](ctx, c.base, "/ws/results")
}
