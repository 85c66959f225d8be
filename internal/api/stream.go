package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mpataki/stepchain/internal/events"
)

const defaultKeepAlive = 15 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) keepAlive() time.Duration {
	if s.KeepAlive > 0 {
		return s.KeepAlive
	}
	return defaultKeepAlive
}

// resumeAfter reads the sequence a reconnecting client last saw, from the
// Last-Event-ID header or the after query parameter. Zero means replay the
// whole history.
func resumeAfter(r *http.Request) (int64, error) {
	v := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if v == "" {
		v = r.URL.Query().Get("after")
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid event id %q", v)
	}
	return n, nil
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	after, err := resumeAfter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.Runs.GetRun(runID); err != nil {
		s.writeRunError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var mu sync.Mutex
	write := func(fn func() error) error {
		mu.Lock()
		defer mu.Unlock()
		if err := fn(); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ctx, cancel := context.WithCancel(r.Context())
	stopKeepAlive := s.startKeepAlive(ctx, func() error {
		return write(func() error {
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err
		})
	})
	defer stopKeepAlive()
	defer cancel()

	err = s.Runs.Stream(ctx, runID, after, func(ev events.Event) error {
		return write(func() error { return writeSSE(w, ev) })
	})
	if err != nil && ctx.Err() == nil {
		s.logger().Warn("event stream ended", "run_id", runID, "err", err)
	}
}

// startKeepAlive calls ping every keep-alive interval until ctx is done. The
// returned func waits for the pinger to exit.
func (s *Server) startKeepAlive(ctx context.Context, ping func() error) func() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.keepAlive())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ping(); err != nil {
					return
				}
			}
		}
	}()
	return wg.Wait
}

func writeSSE(w io.Writer, ev events.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", ev.Seq, b)
	return err
}

func (s *Server) handleRunSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	after, err := resumeAfter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.Runs.GetRun(runID); err != nil {
		s.writeRunError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		s.logger().Debug("websocket upgrade failed", "run_id", runID, "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())

	// The client never sends data; reading surfaces its close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	stopKeepAlive := s.startKeepAlive(ctx, func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	})
	defer stopKeepAlive()
	defer cancel()

	err = s.Runs.Stream(ctx, runID, after, func(ev events.Event) error {
		return conn.WriteJSON(ev)
	})
	switch {
	case err == nil:
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	case ctx.Err() == nil && !errors.Is(err, context.Canceled):
		s.logger().Warn("websocket stream ended", "run_id", runID, "err", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
}
