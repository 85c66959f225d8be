package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/models"
	"github.com/mpataki/stepchain/internal/orchestrator"
	"github.com/mpataki/stepchain/internal/storage"
)

type stubExecutor struct {
	steps int
	block bool
}

func (s stubExecutor) Plan(ctx context.Context, problem string) ([]events.PlanStep, error) {
	plan := make([]events.PlanStep, s.steps)
	for i := range plan {
		plan[i] = events.PlanStep{Description: "do it"}
	}
	return plan, nil
}

func (s stubExecutor) Execute(ctx context.Context, problem string, step events.PlanStep, prior []string) (string, error) {
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "done", nil
}

func (s stubExecutor) Verify(ctx context.Context, step events.PlanStep, output string) (orchestrator.Verdict, error) {
	return orchestrator.Verdict{Pass: true}, nil
}

func (s stubExecutor) Summarize(ctx context.Context, problem string, outputs []string) (string, error) {
	return "all done", nil
}

func newTestServer(t *testing.T, exec orchestrator.Executor) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "stepchain.db"))
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := orchestrator.New(store, exec, logger)
	s := &Server{Logger: logger, Runs: o, KeepAlive: 10 * time.Millisecond}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		o.Shutdown(ctx)
		store.Close()
	})
	return ts, o
}

func createRun(t *testing.T, ts *httptest.Server, problem string) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/runs", "application/json", strings.NewReader(`{"problem":"`+problem+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var out CreateRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.RunID == "" {
		t.Fatalf("expected a run id")
	}
	return out.RunID
}

type sseFrame struct {
	id    string
	event string
	data  string
}

// readSSE reads frames until the server closes the stream.
func readSSE(t *testing.T, body io.Reader) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur != (sseFrame{}) {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames
}

func TestCreateRunValidation(t *testing.T) {
	ts, _ := newTestServer(t, stubExecutor{steps: 1})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"empty problem", `{"problem":""}`, http.StatusBadRequest},
		{"blank problem", `{"problem":"   "}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/runs", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, resp.StatusCode)
			}
			var e ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
				t.Fatalf("expected JSON error body, got %v %+v", err, e)
			}
		})
	}
}

func TestEventStreamDeliversRunAndCloses(t *testing.T) {
	ts, _ := newTestServer(t, stubExecutor{steps: 2})
	runID := createRun(t, ts, "solve")

	resp, err := http.Get(ts.URL + "/runs/" + runID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	frames := readSSE(t, resp.Body)
	if len(frames) != 8 {
		t.Fatalf("expected 8 frames, got %d: %+v", len(frames), frames)
	}
	for i, f := range frames {
		if f.event != "message" {
			t.Fatalf("frame %d: unexpected event %q", i, f.event)
		}
		if want := strconv.Itoa(i + 1); f.id != want {
			t.Fatalf("frame %d: expected id %s, got %s", i, want, f.id)
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(f.data), &raw); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(raw) != 3 || raw["ts"] == nil || raw["type"] == nil || raw["data"] == nil {
			t.Fatalf("frame %d: unexpected wire shape %s", i, f.data)
		}
	}

	var last events.Event
	if err := json.Unmarshal([]byte(frames[len(frames)-1].data), &last); err != nil {
		t.Fatal(err)
	}
	if last.Type != events.TypeRunCompleted {
		t.Fatalf("expected run_completed last, got %s", last.Type)
	}
}

func TestEventStreamResumesAfterLastEventID(t *testing.T) {
	ts, o := newTestServer(t, stubExecutor{steps: 1})
	runID := createRun(t, ts, "solve")
	o.Wait()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/runs/"+runID+"/events", nil)
	req.Header.Set("Last-Event-ID", "3")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	frames := readSSE(t, resp.Body)
	if len(frames) != 2 || frames[0].id != "4" || frames[1].id != "5" {
		t.Fatalf("expected frames 4 and 5, got %+v", frames)
	}

	req.Header.Set("Last-Event-ID", "nope")
	bad, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed Last-Event-ID, got %d", bad.StatusCode)
	}
}

func TestEventStreamUnknownRun(t *testing.T) {
	ts, _ := newTestServer(t, stubExecutor{steps: 1})
	for _, path := range []string{"/runs/missing/events", "/runs/missing/ws", "/runs/missing"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}

func TestEventStreamSendsKeepAlives(t *testing.T) {
	ts, _ := newTestServer(t, stubExecutor{steps: 1, block: true})
	runID := createRun(t, ts, "solve")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/runs/"+runID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if sc.Text() == ": keep-alive" {
			return
		}
	}
	t.Fatalf("no keep-alive comment received: %v", sc.Err())
}

func TestWebSocketStream(t *testing.T) {
	ts, _ := newTestServer(t, stubExecutor{steps: 1})
	runID := createRun(t, ts, "solve")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/runs/" + runID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var got []events.Type
	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected normal close, got %v", err)
			}
			break
		}
		got = append(got, ev.Type)
	}
	if len(got) != 5 || got[0] != events.TypePlanCreated || got[4] != events.TypeRunCompleted {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestGetAndListRuns(t *testing.T) {
	ts, o := newTestServer(t, stubExecutor{steps: 1})
	runID := createRun(t, ts, "solve")
	o.Wait()

	resp, err := http.Get(ts.URL + "/runs/" + runID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Run.Status != models.RunStatusCompleted || out.State.Status != models.RunStatusCompleted {
		t.Fatalf("unexpected run %+v / %+v", out.Run, out.State)
	}
	if out.State.FinalOutput == nil || *out.State.FinalOutput != "all done" {
		t.Fatalf("unexpected final output %v", out.State.FinalOutput)
	}

	list, err := http.Get(ts.URL + "/runs?limit=10")
	if err != nil {
		t.Fatal(err)
	}
	defer list.Body.Close()
	var runs []models.Run
	if err := json.NewDecoder(list.Body).Decode(&runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != runID {
		t.Fatalf("unexpected runs %+v", runs)
	}

	bad, err := http.Get(ts.URL + "/runs?limit=-1")
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", bad.StatusCode)
	}
}

func TestCancelAndDeleteRun(t *testing.T) {
	ts, o := newTestServer(t, stubExecutor{steps: 1, block: true})
	runID := createRun(t, ts, "solve")

	do := func(method, path string) int {
		req, _ := http.NewRequest(method, ts.URL+path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := do(http.MethodDelete, "/runs/"+runID); code != http.StatusConflict {
		t.Fatalf("delete active run: expected 409, got %d", code)
	}
	if code := do(http.MethodPost, "/runs/"+runID+"/cancel"); code != http.StatusAccepted {
		t.Fatalf("cancel: expected 202, got %d", code)
	}
	o.Wait()
	if code := do(http.MethodPost, "/runs/"+runID+"/cancel"); code != http.StatusConflict {
		t.Fatalf("cancel finished run: expected 409, got %d", code)
	}
	if code := do(http.MethodDelete, "/runs/"+runID); code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", code)
	}
	if code := do(http.MethodGet, "/runs/"+runID); code != http.StatusNotFound {
		t.Fatalf("get deleted run: expected 404, got %d", code)
	}
}

func TestSchemaHealthAndCORS(t *testing.T) {
	ts, _ := newTestServer(t, stubExecutor{steps: 1})

	resp, err := http.Get(ts.URL + "/schema")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var schemas map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&schemas); err != nil {
		t.Fatal(err)
	}
	for _, typ := range events.Types {
		if schemas[string(typ)] == nil {
			t.Fatalf("schema missing for %s", typ)
		}
	}

	health, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", health.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/runs", nil)
	pre, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	pre.Body.Close()
	if pre.StatusCode != http.StatusNoContent || pre.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected preflight response %d %v", pre.StatusCode, pre.Header)
	}
}
