package rpc

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// JournalClient writes structured events and dialog transcripts to the
// logging service. It is a write-only sink plus a dialog-id mint; failures
// are logged locally and never propagate into the state machines.
type JournalClient struct {
	base string
	log  zerolog.Logger
}

func NewJournalClient(base string, log zerolog.Logger) *JournalClient {
	return &JournalClient{base: base, log: log}
}

type appLogRequest struct {
	Service     string `json:"service"`
	Event       string `json:"event"`
	Message     string `json:"message"`
	Level       string `json:"level"`
	TimestampMS int64  `json:"timestamp_ms"`
}

type dialogLogRequest struct {
	DialogID    string `json:"dialog_id"`
	Turn        int    `json:"turn"`
	Role        string `json:"role"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestamp_ms"`
}

type newDialogResponse struct {
	DialogID string `json:"dialog_id"`
}

// WriteApp records one structured application event.
func (c *JournalClient) WriteApp(ctx context.Context, service, event, level, message string) {
	req := appLogRequest{
		Service:     service,
		Event:       event,
		Message:     message,
		Level:       level,
		TimestampMS: time.Now().UnixMilli(),
	}
	if err := postJSON(ctx, c.base+"/app", req, nil); err != nil {
		c.log.Warn().Err(err).Str("event", event).Msg("journal write failed")
	}
}

// WriteDialog records one role-tagged transcript line.
func (c *JournalClient) WriteDialog(ctx context.Context, dialogID string, turn int, role, text string) {
	req := dialogLogRequest{
		DialogID:    dialogID,
		Turn:        turn,
		Role:        role,
		Text:        text,
		TimestampMS: time.Now().UnixMilli(),
	}
	if err := postJSON(ctx, c.base+"/dialog", req, nil); err != nil {
		c.log.Warn().Err(err).Str("dialog_id", dialogID).Msg("journal dialog write failed")
	}
}

// NewDialog mints a dialog id. When the journal is unreachable a local
// uuid keeps the dialog going; transcripts for it are best-effort anyway.
func (c *JournalClient) NewDialog(ctx context.Context) string {
	var resp newDialogResponse
	if err := postJSON(ctx, c.base+"/dialogs/new", nil, &resp); err != nil || resp.DialogID == "" {
		id := uuid.NewString()
		c.log.Warn().Err(err).Str("dialog_id", id).Msg("journal unavailable, minted local dialog id")
		return id
	}
	return resp.DialogID
}
