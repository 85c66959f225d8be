package scripts

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/lua"
	"github.com/mpataki/stepchain/internal/orchestrator"
)

// Live is an executor whose script can be replaced while the coordinator
// runs. Runs pin the runtime that was current when they started.
type Live struct {
	current atomic.Pointer[lua.Runtime]
}

var (
	_ orchestrator.Executor = (*Live)(nil)
	_ orchestrator.Pinner   = (*Live)(nil)
)

func NewLive(rt *lua.Runtime) *Live {
	l := &Live{}
	l.current.Store(rt)
	return l
}

func (l *Live) Runtime() *lua.Runtime { return l.current.Load() }

func (l *Live) Swap(rt *lua.Runtime) { l.current.Store(rt) }

func (l *Live) Pin() orchestrator.Executor { return l.current.Load() }

func (l *Live) Plan(ctx context.Context, problem string) ([]events.PlanStep, error) {
	return l.Runtime().Plan(ctx, problem)
}

func (l *Live) Execute(ctx context.Context, problem string, step events.PlanStep, prior []string) (string, error) {
	return l.Runtime().Execute(ctx, problem, step, prior)
}

func (l *Live) Verify(ctx context.Context, step events.PlanStep, output string) (orchestrator.Verdict, error) {
	return l.Runtime().Verify(ctx, step, output)
}

func (l *Live) Summarize(ctx context.Context, problem string, outputs []string) (string, error) {
	return l.Runtime().Summarize(ctx, problem, outputs)
}

// Watcher reloads a script file into a Live executor when it changes on
// disk. A script that fails to load is logged and the previous one stays.
type Watcher struct {
	live     *Live
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
	reloads  atomic.Int64
	wg       sync.WaitGroup
}

func NewWatcher(live *Live, path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		live:     live,
		path:     abs,
		watcher:  fsWatcher,
		logger:   logger,
		debounce: 100 * time.Millisecond,
	}, nil
}

// Start watches the script's directory, since editors often replace files
// rather than write them in place.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop ends watching and waits for the watch loop to exit.
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// Reloads counts successful reloads.
func (w *Watcher) Reloads() int64 { return w.reloads.Load() }

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	var pending time.Time
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("script watcher error", "err", err)

		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= w.debounce {
				pending = time.Time{}
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	rt, err := lua.Load(w.path, w.logger)
	if err != nil {
		w.logger.Warn("script reload failed, keeping previous version", "path", w.path, "err", err)
		return
	}
	w.live.Swap(rt)
	w.reloads.Add(1)
	w.logger.Info("script reloaded", "path", w.path)
}
