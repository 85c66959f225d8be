// Package workspace writes a run's record and event log to disk, and reads
// event logs back for offline replay.
package workspace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/models"
)

const (
	runFile    = "run.json"
	eventsFile = "events.ndjson"
)

type Workspace struct {
	Path string
}

// RunMetadata is the content of run.json.
type RunMetadata struct {
	Run        *models.Run     `json:"run"`
	State      models.RunState `json:"state"`
	EventCount int             `json:"event_count"`
}

func dirFor(baseDir, runID string) string {
	return filepath.Join(baseDir, "run-"+runID)
}

// Export writes run.json and events.ndjson for run under baseDir/run-<id>,
// replacing any earlier export of the same run.
func Export(baseDir string, run *models.Run, state models.RunState, evs []events.Event) (*Workspace, error) {
	w := &Workspace{Path: dirFor(baseDir, run.ID)}

	if err := os.MkdirAll(w.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	meta := &RunMetadata{Run: run, State: state, EventCount: len(evs)}
	if err := w.writeRunMetadata(meta); err != nil {
		return nil, err
	}
	if err := w.writeEvents(evs); err != nil {
		return nil, err
	}

	return w, nil
}

func Open(baseDir, runID string) (*Workspace, error) {
	path := dirFor(baseDir, runID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("export for run %s does not exist", runID)
	}

	return &Workspace{Path: path}, nil
}

func (w *Workspace) EventsPath() string {
	return filepath.Join(w.Path, eventsFile)
}

func (w *Workspace) writeRunMetadata(meta *RunMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}

	if err := os.WriteFile(filepath.Join(w.Path, runFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write run.json: %w", err)
	}

	return nil
}

func (w *Workspace) writeEvents(evs []events.Event) error {
	f, err := os.Create(w.EventsPath())
	if err != nil {
		return fmt.Errorf("failed to create events.ndjson: %w", err)
	}

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, ev := range evs {
		if err := enc.Encode(ev); err != nil {
			f.Close()
			return fmt.Errorf("failed to write event: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (w *Workspace) ReadRunMetadata() (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(w.Path, runFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read run.json: %w", err)
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse run.json: %w", err)
	}
	return &meta, nil
}

// ReadEvents decodes newline-delimited wire frames. Blank lines are skipped;
// sequences are assigned by position.
func ReadEvents(r io.Reader) ([]events.Event, error) {
	var evs []events.Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 16<<20)

	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ev.Seq = int64(len(evs) + 1)
		evs = append(evs, ev)
	}
	return evs, sc.Err()
}

// ReadEventsFile is ReadEvents on the file at path.
func ReadEventsFile(path string) ([]events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadEvents(f)
}
