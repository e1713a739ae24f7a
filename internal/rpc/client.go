// Package rpc holds the clients the orchestrator uses to talk to its
// managed services. Control operations are plain HTTP JSON, generation
// streams as server-sent events, and realtime notification channels
// (wake events, recognition results, playback events) are websockets.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// httpClient carries no global timeout; callers pass context deadlines.
var httpClient = &http.Client{Timeout: 0}

// postJSON posts body as JSON and decodes the response into out (when
// out is non-nil). Non-2xx responses surface as errors with a body tail.
func postJSON(ctx context.Context, rawURL string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: http error: %s: %s", rawURL, resp.Status, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// wsURL converts an http base URL and path into the websocket equivalent.
func wsURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

// dialWS opens a websocket and spawns a reader that decodes JSON messages
// of type T onto the returned channel until the context ends or the peer
// closes. The channel is closed on exit.
func dialWS[T any](ctx context.Context, base, path string) (<-chan T, error) {
	u, err := wsURL(base, path)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	out := make(chan T)
	go func() {
		defer close(out)
		defer conn.Close()
		go func() {
			// unblock ReadJSON when the caller gives up
			<-ctx.Done()
			_ = conn.SetReadDeadline(time.Now())
			_ = conn.Close()
		}()
		for {
			var msg T
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
