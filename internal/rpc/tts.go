package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"voiced/pkg/types"
)

// TtsClient drives the speech synthesis service.
type TtsClient struct {
	base string
}

func NewTtsClient(base string) *TtsClient { return &TtsClient{base: base} }

// Speak synthesizes a full utterance. Playback completion is reported
// asynchronously on the playback event stream under the request's tag.
func (c *TtsClient) Speak(ctx context.Context, req types.SpeakRequest) error {
	var out types.OpResponse
	if err := postJSON(ctx, c.base+"/speak", req, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("tts speak failed: %s", out.Message)
	}
	return nil
}

// SpeakStream pipes generation chunks to the synthesizer as NDJSON so
// audio can start before the full reply exists. Callers send chunks on
// the returned writer and must Close it; Close reports the final ack.
func (c *TtsClient) SpeakStream(ctx context.Context, dialogID, tag string) (*StreamSpeaker, error) {
	pr, pw := io.Pipe()
	url := fmt.Sprintf("%s/speak/stream?dialog_id=%s&tag=%s", c.base, dialogID, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	sp := &StreamSpeaker{pw: pw, enc: json.NewEncoder(pw), done: make(chan error, 1)}
	go func() {
		resp, err := httpClient.Do(req)
		if err != nil {
			// tear down the writer side so senders do not block forever
			_ = pr.CloseWithError(err)
			sp.done <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			err := fmt.Errorf("tts stream http error: %s: %s", resp.Status, string(b))
			_ = pr.CloseWithError(err)
			sp.done <- err
			return
		}
		var ack types.OpResponse
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			sp.done <- err
			return
		}
		if !ack.Success {
			sp.done <- fmt.Errorf("tts stream failed: %s", ack.Message)
			return
		}
		sp.done <- nil
	}()
	return sp, nil
}

// PlaybackEvents subscribes to playback notifications. Events carry the
// tag of the speak request that produced them, so the boot greeting can
// be told apart from a dialog turn.
func (c *TtsClient) PlaybackEvents(ctx context.Context) (<-chan types.PlaybackEvent, error) {
	return dialWS[types.PlaybackEvent](ctx, c.base, "/ws/playback")
}

// StreamSpeaker is one in-flight streaming synthesis request.
type StreamSpeaker struct {
	pw   *io.PipeWriter
	enc  *json.Encoder
	done chan error
}

// Send forwards one generation chunk.
func (s *StreamSpeaker) Send(chunk types.GenChunk) error {
	return s.enc.Encode(chunk)
}

// Close ends the chunk stream and waits for the synthesis ack.
func (s *StreamSpeaker) Close() error {
	_ = s.pw.Close()
	return <-s.done
}

// Abort tears the stream down without waiting for an ack.
func (s *StreamSpeaker) Abort(err error) {
	_ = s.pw.CloseWithError(err)
	<-s.done
}
