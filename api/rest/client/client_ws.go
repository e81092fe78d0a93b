package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"yqhp/dispatch-engine/api/rest"
	"yqhp/dispatch-engine/pkg/types"
	"yqhp/dispatch-engine/pkg/util"
)

// WatchEvents opens the WebSocket event tail and streams matching events
// until ctx ends or the connection drops. Pattern filters by tag prefix;
// empty tails everything. The returned channel closes when the stream ends.
func (c *Client) WatchEvents(ctx context.Context, pattern string) (<-chan *types.Event, error) {
	wsURL := toWebSocketURL(c.config.MasterURL) + "/api/v1/events/ws"
	if pattern != "" {
		wsURL += "?pattern=" + url.QueryEscape(pattern)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.RequestTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}

	out := make(chan *types.Event, 64)

	// Closing the connection on ctx cancellation unblocks the read loop.
	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	go func() {
		defer close(out)
		defer ws.Close()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}

			var msg rest.EventStreamMessage
			if err := util.Unmarshal(data, &msg); err != nil || msg.Type != "event" {
				continue
			}

			raw, ok := msg.Event.(map[string]interface{})
			if !ok {
				continue
			}
			ev, err := util.FromMap[types.Event](raw)
			if err != nil {
				continue
			}

			select {
			case out <- &ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// toWebSocketURL converts an http(s) base URL into its ws(s) counterpart.
func toWebSocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return "ws://" + base
}
