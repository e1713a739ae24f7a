package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"voiced/pkg/types"
)

// LlmClient requests streamed completions from the generation service.
type LlmClient struct {
	base string
}

func NewLlmClient(base string) *LlmClient { return &LlmClient{base: base} }

// CompleteRequest is the generation request payload.
type CompleteRequest struct {
	Text     string `json:"text"`
	DialogID string `json:"dialog_id"`
	Turn     int    `json:"turn"`
}

// Complete streams partial output chunks to onChunk as they arrive. The
// stream ends with an EOT chunk, or earlier with an error: either a chunk
// carrying Err from the service or a transport failure.
func (c *LlmClient) Complete(ctx context.Context, req CompleteRequest, onChunk func(types.GenChunk) error) error {
	body, _ := json.Marshal(req)
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/complete", bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")
	resp, err := httpClient.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("llm http error: %s: %s", resp.Status, string(b))
	}

	r := bufio.NewReader(resp.Body)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			l := strings.TrimSpace(line)
			if l != "" && strings.HasPrefix(strings.ToLower(l), "data:") {
				data := strings.TrimSpace(l[len("data:"):])
				if data == "[DONE]" {
					return nil
				}
				var chunk types.GenChunk
				if e := json.Unmarshal([]byte(data), &chunk); e == nil {
					if chunk.Err != "" {
						return fmt.Errorf("llm stream error: %s", chunk.Err)
					}
					if cbErr := onChunk(chunk); cbErr != nil {
						return cbErr
					}
					if chunk.EOT {
						return nil
					}
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}
