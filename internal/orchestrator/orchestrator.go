package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/models"
	"github.com/mpataki/stepchain/internal/reducer"
	"github.com/mpataki/stepchain/internal/storage"
)

var (
	ErrEmptyProblem = errors.New("problem must not be empty")
	ErrRunNotFound  = errors.New("run not found")
	ErrRunFinished  = errors.New("run already finished")
	ErrRunActive    = errors.New("run is still active")
)

var (
	errCancelled = errors.New("run cancelled")
	errStopped   = errors.New("coordinator stopped")
)

const restartedReason = "coordinator restarted"

type Orchestrator struct {
	storage  *storage.Storage
	executor Executor
	broker   *broker
	logger   *slog.Logger

	// base is the parent of every run context. It is detached from the
	// callers of CreateRun so a run outlives the request that created it.
	base context.Context
	stop context.CancelCauseFunc

	mu      sync.Mutex
	active  map[string]context.CancelCauseFunc
	closing bool
	wg      sync.WaitGroup

	finished metric.Int64Counter
}

func New(store *storage.Storage, executor Executor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancelCause(context.Background())
	finished, err := meter.Int64Counter("stepchain.runs.finished",
		metric.WithDescription("Runs that reached a terminal status"))
	if err != nil {
		logger.Warn("failed to create run counter", "err", err)
	}
	return &Orchestrator{
		storage:  store,
		executor: executor,
		broker:   newBroker(),
		logger:   logger,
		base:     base,
		stop:     stop,
		active:   make(map[string]context.CancelCauseFunc),
		finished: finished,
	}
}

// CreateRun records a queued run and starts executing it in the
// background. It returns as soon as the run is persisted.
func (o *Orchestrator) CreateRun(ctx context.Context, problem string) (*models.Run, error) {
	problem = strings.TrimSpace(problem)
	if problem == "" {
		return nil, ErrEmptyProblem
	}
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil, fmt.Errorf("failed to create run: %w", errStopped)
	}
	o.wg.Add(1)
	o.mu.Unlock()

	now := time.Now().UTC()
	run := &models.Run{
		ID:        uuid.NewString(),
		Problem:   problem,
		Status:    models.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.storage.CreateRun(run); err != nil {
		o.wg.Done()
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(o.base)
	o.mu.Lock()
	o.active[run.ID] = cancel
	o.mu.Unlock()

	exec := *run
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.active, exec.ID)
			o.mu.Unlock()
			cancel(nil)
		}()
		o.execute(runCtx, o.pinExecutor(), &exec)
	}()

	o.logger.Info("run created", "run_id", run.ID)
	return run, nil
}

// pinExecutor returns the executor a new run uses for its whole life.
func (o *Orchestrator) pinExecutor() Executor {
	if p, ok := o.executor.(Pinner); ok {
		return p.Pin()
	}
	return o.executor
}

func (o *Orchestrator) execute(ctx context.Context, ex Executor, run *models.Run) {
	ctx, span := tracer.Start(ctx, "run", trace.WithAttributes(attribute.String("run.id", run.ID)))
	defer span.End()

	logger := o.logger.With("run_id", run.ID)
	if err := o.drive(ctx, ex, run); err != nil {
		reason := o.failureReason(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		logger.Warn("run failed", "reason", reason)
		if err := o.emit(run, events.RunFailed{Error: reason}); err != nil {
			logger.Error("failed to record run failure", "err", err)
		}
	} else {
		logger.Info("run completed")
	}

	if o.finished != nil {
		o.finished.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", string(run.Status))))
	}
}

// failureReason prefers the cancellation cause over whatever error the
// executor surfaced while unwinding.
func (o *Orchestrator) failureReason(ctx context.Context, err error) string {
	if cause := context.Cause(ctx); cause != nil {
		switch {
		case errors.Is(cause, errCancelled):
			return errCancelled.Error()
		case errors.Is(cause, errStopped):
			return errStopped.Error()
		}
	}
	return err.Error()
}

// drive runs the plan/execute/verify loop and returns the error that ends
// the run unsuccessfully, or nil once run_completed is recorded.
func (o *Orchestrator) drive(ctx context.Context, ex Executor, run *models.Run) error {
	plan, err := ex.Plan(ctx, run.Problem)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	if len(plan) == 0 {
		return errors.New("failed to create plan: no steps")
	}
	for i := range plan {
		plan[i].StepNumber = i + 1
	}

	if err := o.emit(run, events.PlanCreated{TotalSteps: len(plan), Plan: plan}); err != nil {
		return err
	}

	outputs := make([]string, 0, len(plan))
	for _, step := range plan {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := o.runStep(ctx, ex, run, step, outputs)
		if err != nil {
			return err
		}
		outputs = append(outputs, out)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	final, err := ex.Summarize(ctx, run.Problem, outputs)
	if err != nil {
		return fmt.Errorf("failed to summarize: %w", err)
	}
	return o.emit(run, events.RunCompleted{FinalOutput: final})
}

func (o *Orchestrator) runStep(ctx context.Context, ex Executor, run *models.Run, step events.PlanStep, prior []string) (string, error) {
	ctx, span := tracer.Start(ctx, "step", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.Int("step.number", step.StepNumber),
	))
	defer span.End()

	if err := o.emit(run, events.StepStarted{StepNumber: step.StepNumber, Description: step.Description}); err != nil {
		return "", err
	}

	out, err := ex.Execute(ctx, run.Problem, step, prior)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("step %d failed: %w", step.StepNumber, err)
	}
	if err := o.emit(run, events.StepOutput{StepNumber: step.StepNumber, Output: out}); err != nil {
		return "", err
	}

	verdict, err := ex.Verify(ctx, step, out)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("step %d verification errored: %w", step.StepNumber, err)
	}
	if !verdict.Pass {
		if err := o.emit(run, events.VerifyFail{StepNumber: step.StepNumber, Reason: verdict.Reason}); err != nil {
			return "", err
		}
		span.SetStatus(codes.Error, "verification failed")
		return "", fmt.Errorf("step %d failed verification: %s", step.StepNumber, verdict.Reason)
	}
	if err := o.emit(run, events.VerifyPass{StepNumber: step.StepNumber}); err != nil {
		return "", err
	}
	return out, nil
}

// emit advances the run record for p, persists both atomically and wakes
// stream subscribers.
func (o *Orchestrator) emit(run *models.Run, p events.Payload) error {
	ev := events.New(p)
	advance(run, p, ev.TS)

	if _, err := o.storage.AppendEvent(run, ev); err != nil {
		return fmt.Errorf("failed to record %s: %w", ev.Type, err)
	}
	o.broker.publish(run.ID)
	return nil
}

func advance(run *models.Run, p events.Payload, at time.Time) {
	run.UpdatedAt = at
	switch p := p.(type) {
	case events.PlanCreated:
		run.Status = models.RunStatusRunning
		run.TotalSteps = p.TotalSteps
		run.StartedAt = &at
	case events.StepStarted:
		run.CurrentStepIndex = p.StepNumber - 1
	case events.RunCompleted:
		run.Status = models.RunStatusCompleted
		run.CurrentStepIndex = run.TotalSteps
		run.FinalOutput = p.FinalOutput
		run.CompletedAt = &at
	case events.RunFailed:
		run.Status = models.RunStatusFailed
		run.Error = p.Error
		run.CompletedAt = &at
	}
}

// Stream delivers the run's events with a sequence above afterSeq in order,
// then follows new ones as they are recorded. It returns nil once the
// terminal event has been handed to fn, or the first error from fn or ctx.
func (o *Orchestrator) Stream(ctx context.Context, runID string, afterSeq int64, fn func(events.Event) error) error {
	if _, err := o.GetRun(runID); err != nil {
		return err
	}

	sub := o.broker.subscribe(runID)
	defer sub.Close()

	cursor := afterSeq
	for {
		evs, err := o.storage.EventsAfter(runID, cursor)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			if err := fn(ev); err != nil {
				return err
			}
			cursor = ev.Seq
			if ev.Type.Terminal() {
				return nil
			}
		}

		if len(evs) == 0 {
			run, err := o.GetRun(runID)
			if err != nil {
				return err
			}
			// Resumed past the terminal event.
			if run.Status.Terminal() {
				return nil
			}
		}

		select {
		case _, ok := <-sub.C:
			if !ok {
				return ErrRunNotFound
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Cancel stops an in-flight run; it ends with run_failed "run cancelled".
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	cancel, ok := o.active[runID]
	o.mu.Unlock()
	if ok {
		cancel(errCancelled)
		o.logger.Info("run cancellation requested", "run_id", runID)
		return nil
	}

	run, err := o.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return ErrRunFinished
	}
	// Left over from another process; nothing is executing it.
	return o.emit(run, events.RunFailed{Error: errCancelled.Error()})
}

func (o *Orchestrator) GetRun(id string) (*models.Run, error) {
	run, err := o.storage.GetRun(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (o *Orchestrator) ListRuns(limit int) ([]*models.Run, error) {
	return o.storage.ListRuns(limit)
}

func (o *Orchestrator) Events(runID string) ([]events.Event, error) {
	if _, err := o.GetRun(runID); err != nil {
		return nil, err
	}
	return o.storage.EventsAfter(runID, 0)
}

// State projects the run's recorded events through the reducer.
func (o *Orchestrator) State(runID string) (models.RunState, error) {
	evs, err := o.Events(runID)
	if err != nil {
		return models.RunState{}, err
	}
	return reducer.Replay(models.NewRunState(runID), evs...), nil
}

func (o *Orchestrator) DeleteRun(runID string) error {
	o.mu.Lock()
	_, active := o.active[runID]
	o.mu.Unlock()
	if active {
		return ErrRunActive
	}

	if err := o.storage.DeleteRun(runID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrRunNotFound
		}
		return fmt.Errorf("failed to delete run: %w", err)
	}
	o.broker.drop(runID)
	return nil
}

// RecoverInterrupted fails runs a previous process left queued or running.
// Nothing can resume them, and their streams would otherwise never end.
func (o *Orchestrator) RecoverInterrupted() (int, error) {
	runs, err := o.storage.ListRunsByStatus(models.RunStatusQueued, models.RunStatusRunning)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, run := range runs {
		o.mu.Lock()
		_, active := o.active[run.ID]
		o.mu.Unlock()
		if active {
			continue
		}
		if err := o.emit(run, events.RunFailed{Error: restartedReason}); err != nil {
			return n, err
		}
		o.logger.Warn("failed interrupted run", "run_id", run.ID)
		n++
	}
	return n, nil
}

// Wait blocks until every started run has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown refuses new runs and waits for in-flight ones. When ctx expires
// first, the remaining runs are stopped and recorded as failed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	pending := len(o.active)
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	if pending > 0 {
		o.logger.Info("waiting for runs to finish", "active", pending)
	}

	select {
	case <-done:
		o.stop(errStopped)
		return nil
	case <-ctx.Done():
		o.stop(errStopped)
		<-done
		return ctx.Err()
	}
}
