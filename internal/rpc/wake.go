package rpc

import (
	"context"

	"voiced/pkg/types"
)

// WakeClient drives the wake-word detection service.
type WakeClient struct {
	base string
}

func NewWakeClient(base string) *WakeClient { return &WakeClient{base: base} }

// Events subscribes to the detection stream. The channel closes when the
// context ends or the service drops the connection.
func (c *WakeClient) Events(ctx context.Context) (<-chan types.WakeEvent, error) {
	return dialWS[types.WakeEvent](ctx, c.base, "/ws/events")
}

// Enable arms detection.
func (c *WakeClient) Enable(ctx context.Context) error {
	return postJSON(ctx, c.base+"/enable", nil, nil)
}

// Disable suspends detection, e.g. for the duration of a dialog.
func (c *WakeClient) Disable(ctx context.Context) error {
	return postJSON(ctx, c.base+"/disable", nil, nil)
}
