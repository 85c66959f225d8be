package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/stream"
)

// WebSocketDialer opens a run's event stream over GET /runs/{id}/ws.
type WebSocketDialer struct {
	Client *Client
}

var _ stream.Dialer = WebSocketDialer{}

func (d WebSocketDialer) Dial(ctx context.Context, runID string) (stream.Transport, error) {
	u, err := url.Parse(d.Client.baseURL + "/runs/" + url.PathEscape(runID) + "/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return nil, apiError(resp)
		}
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Next(ctx context.Context) (events.Event, error) {
	if err := ctx.Err(); err != nil {
		return events.Event{}, err
	}
	msgType, msg, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return events.Event{}, io.EOF
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Text != "" {
			return events.Event{}, fmt.Errorf("server closed stream: %s", ce.Text)
		}
		return events.Event{}, err
	}
	if msgType != websocket.TextMessage {
		return events.Event{}, fmt.Errorf("unexpected websocket message type %d", msgType)
	}

	var ev events.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		return events.Event{}, fmt.Errorf("decode event message: %w", err)
	}
	return ev, nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// Dialer returns the stream dialer for transport ("sse" or "ws").
func (c *Client) Dialer(transport string) (stream.Dialer, error) {
	switch strings.ToLower(transport) {
	case "", "sse":
		return SSEDialer{Client: c}, nil
	case "ws", "websocket":
		return WebSocketDialer{Client: c}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}
