package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/stream"
)

// SSEDialer opens a run's server-sent event stream.
type SSEDialer struct {
	Client *Client
}

var _ stream.Dialer = SSEDialer{}

// Dial connects to GET /runs/{id}/events. ctx bounds the request until the
// response headers arrive; the stream itself lives until Close.
func (d SSEDialer) Dial(ctx context.Context, runID string) (stream.Transport, error) {
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	u := d.Client.baseURL + "/runs/" + url.PathEscape(runID) + "/events"
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := d.Client.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, apiError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}

	return &sseTransport{body: resp.Body, r: bufio.NewReader(resp.Body), cancel: cancel}, nil
}

type sseTransport struct {
	body   io.ReadCloser
	r      *bufio.Reader
	cancel context.CancelFunc
}

// Next parses frames until one carries data. Comment lines are keep-alives.
func (t *sseTransport) Next(ctx context.Context) (events.Event, error) {
	if err := ctx.Err(); err != nil {
		return events.Event{}, err
	}

	var (
		data  []string
		event string
		id    string
	)
	for {
		line, err := t.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && line == "" {
				if len(data) > 0 {
					return events.Event{}, io.ErrUnexpectedEOF
				}
				return events.Event{}, io.EOF
			}
			if !errors.Is(err, io.EOF) {
				return events.Event{}, err
			}
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) == 0 {
				if err != nil {
					return events.Event{}, io.EOF
				}
				continue
			}
			return decodeFrame(event, id, strings.Join(data, "\n"))
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			event = value
		case "id":
			id = value
		}
		if err != nil {
			// Stream ended mid-frame.
			return events.Event{}, io.ErrUnexpectedEOF
		}
	}
}

func decodeFrame(event, id, data string) (events.Event, error) {
	if event == "error" {
		return events.Event{}, fmt.Errorf("server error: %s", data)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return events.Event{}, fmt.Errorf("decode event frame: %w", err)
	}
	if id != "" {
		if seq, err := strconv.ParseInt(id, 10, 64); err == nil {
			ev.Seq = seq
		}
	}
	return ev, nil
}

func (t *sseTransport) Close() error {
	t.cancel()
	return t.body.Close()
}
