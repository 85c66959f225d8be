package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mpataki/stepchain/internal/api"
	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/models"
	"github.com/mpataki/stepchain/internal/orchestrator"
	"github.com/mpataki/stepchain/internal/resilience"
	"github.com/mpataki/stepchain/internal/storage"
	"github.com/mpataki/stepchain/internal/stream"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubExecutor struct{ steps int }

func (s stubExecutor) Plan(ctx context.Context, problem string) ([]events.PlanStep, error) {
	plan := make([]events.PlanStep, s.steps)
	for i := range plan {
		plan[i] = events.PlanStep{Description: fmt.Sprintf("step %d", i+1)}
	}
	return plan, nil
}

func (s stubExecutor) Execute(ctx context.Context, problem string, step events.PlanStep, prior []string) (string, error) {
	return "ok", nil
}

func (s stubExecutor) Verify(ctx context.Context, step events.PlanStep, output string) (orchestrator.Verdict, error) {
	return orchestrator.Verdict{Pass: true}, nil
}

func (s stubExecutor) Summarize(ctx context.Context, problem string, outputs []string) (string, error) {
	return "summary", nil
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "stepchain.db"))
	if err != nil {
		t.Fatal(err)
	}
	o := orchestrator.New(store, stubExecutor{steps: 2}, quietLogger())
	ts := httptest.NewServer((&api.Server{Logger: quietLogger(), Runs: o}).Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		o.Shutdown(ctx)
		store.Close()
	})
	return ts
}

func TestCreateRunRejectsEmptyProblemLocally(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer ts.Close()

	c := New(ts.URL)
	for _, p := range []string{"", "  \t"} {
		id, err := c.CreateRun(context.Background(), p)
		if !errors.Is(err, ErrEmptyProblem) || id != "" {
			t.Fatalf("problem %q: expected ErrEmptyProblem, got %q %v", p, id, err)
		}
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no requests, got %d", hits.Load())
	}
}

func TestNon2xxBecomesAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/runs":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":"database is locked"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c := New(ts.URL)
	id, err := c.CreateRun(context.Background(), "solve")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || id != "" {
		t.Fatalf("expected APIError, got %q %v", id, err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable || apiErr.Message != "database is locked" {
		t.Fatalf("unexpected error %+v", apiErr)
	}

	_, err = c.GetRun(context.Background(), "missing")
	if !errors.Is(err, stream.ErrRunNotFound) {
		t.Fatalf("expected 404 to match ErrRunNotFound, got %v", err)
	}
}

func TestRESTRoundTrip(t *testing.T) {
	ts := newServer(t)
	c := New(ts.URL)
	ctx := context.Background()

	id, err := c.CreateRun(ctx, "solve")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	runs, err := c.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != id {
		t.Fatalf("unexpected runs %+v", runs)
	}

	got, err := c.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Run.ID != id {
		t.Fatalf("unexpected run %+v", got.Run)
	}

	schema, err := c.Schema(ctx)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if len(schema) != len(events.Types) {
		t.Fatalf("expected %d schemas, got %d", len(events.Types), len(schema))
	}
}

func TestFollowOverEachTransport(t *testing.T) {
	for _, transport := range []string{"sse", "ws"} {
		t.Run(transport, func(t *testing.T) {
			ts := newServer(t)
			c := New(ts.URL)
			dialer, err := c.Dialer(transport)
			if err != nil {
				t.Fatal(err)
			}

			id, err := c.CreateRun(context.Background(), "solve")
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			var seen atomic.Int32
			m := stream.NewManager(dialer, quietLogger())
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			state, err := m.Follow(ctx, id, stream.Callbacks{
				OnEvent: func(models.RunState, events.Event) { seen.Add(1) },
			}, resilience.DefaultRetryConfig())
			if err != nil {
				t.Fatalf("follow: %v", err)
			}
			if state.Status != models.RunStatusCompleted || len(state.Steps) != 2 {
				t.Fatalf("unexpected state %+v", state)
			}
			if seen.Load() != 8 {
				t.Fatalf("expected 8 events, got %d", seen.Load())
			}
		})
	}
}

func TestDialUnknownRun(t *testing.T) {
	ts := newServer(t)
	c := New(ts.URL)
	for _, d := range []stream.Dialer{SSEDialer{Client: c}, WebSocketDialer{Client: c}} {
		_, err := stream.NewManager(d, quietLogger()).Open(context.Background(), "missing", stream.Callbacks{})
		var ce *stream.ConnectionError
		if !errors.As(err, &ce) || !errors.Is(err, stream.ErrRunNotFound) {
			t.Fatalf("%T: expected ConnectionError wrapping ErrRunNotFound, got %v", d, err)
		}
	}
}

func TestSSEFrameParsing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, ": keep-alive\n\n")
		io.WriteString(w, "id: 7\nevent: message\ndata: {\"ts\":\"2026-01-02T03:04:05Z\",\n")
		io.WriteString(w, "data: \"type\":\"plan_created\",\"data\":{\"total_steps\":1}}\n\n")
		io.WriteString(w, "retry: 1000\n\n")
		io.WriteString(w, "event: error\ndata: {\"error\":\"run not found\"}\n\n")
	}))
	defer ts.Close()

	tr, err := SSEDialer{Client: New(ts.URL)}.Dial(context.Background(), "r1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()

	ev, err := tr.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Type != events.TypePlanCreated || ev.Seq != 7 || ev.TS.Year() != 2026 {
		t.Fatalf("unexpected event %+v", ev)
	}

	if _, err := tr.Next(context.Background()); err == nil {
		t.Fatalf("expected error frame to surface as error")
	}
	if _, err := tr.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestSSEDropBeforeTerminalIsInterruption(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "id: 1\nevent: message\ndata: {\"ts\":\"2026-01-02T03:04:05Z\",\"type\":\"plan_created\",\"data\":{\"total_steps\":2}}\n\n")
	}))
	defer ts.Close()

	var gotErr error
	h, err := stream.NewManager(SSEDialer{Client: New(ts.URL)}, quietLogger()).Open(context.Background(), "r1", stream.Callbacks{
		OnTransportError: func(err error, state models.RunState) { gotErr = err },
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("handle did not finish")
	}
	if !errors.Is(gotErr, stream.ErrStreamInterrupted) || h.Outcome() != stream.OutcomeInterrupted {
		t.Fatalf("expected interruption, got %v / %s", gotErr, h.Outcome())
	}
	if h.State().Status != models.RunStatusRunning {
		t.Fatalf("interruption must leave the run status alone, got %s", h.State().Status)
	}
}

func TestDialerSelection(t *testing.T) {
	c := New("http://localhost:1")
	if d, _ := c.Dialer("sse"); d == nil {
		t.Fatalf("expected sse dialer")
	}
	if _, ok := mustDialer(t, c, "ws").(WebSocketDialer); !ok {
		t.Fatalf("expected websocket dialer")
	}
	if _, err := c.Dialer("carrier-pigeon"); err == nil {
		t.Fatalf("expected error for unknown transport")
	}
}

func mustDialer(t *testing.T, c *Client, name string) stream.Dialer {
	t.Helper()
	d, err := c.Dialer(name)
	if err != nil {
		t.Fatal(err)
	}
	return d
}
