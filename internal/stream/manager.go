package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mpataki/stepchain/internal/models"
	"github.com/mpataki/stepchain/internal/resilience"
)

type Manager struct {
	dialer Dialer
	logger *slog.Logger
}

func NewManager(dialer Dialer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dialer: dialer, logger: logger}
}

type openOptions struct {
	state *models.RunState
}

type OpenOption func(*openOptions)

// WithInitialState starts the handle from s instead of an empty queued run.
// Used when reconnecting so already-applied events reduce to no-ops.
func WithInitialState(s models.RunState) OpenOption {
	return func(o *openOptions) {
		c := s.Clone()
		o.state = &c
	}
}

// Open dials the run's stream and starts delivering events. ctx bounds the
// dial only; the handle lives until a terminal event, a transport error or
// Close.
func (m *Manager) Open(ctx context.Context, runID string, cb Callbacks, opts ...OpenOption) (*Handle, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, &ConnectionError{RunID: runID, Err: errors.New("run id is empty")}
	}

	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	state := models.NewRunState(runID)
	if o.state != nil {
		state = *o.state
	}

	t, err := m.dialer.Dial(ctx, runID)
	if err != nil {
		var ce *ConnectionError
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, &ConnectionError{RunID: runID, Err: err}
	}

	h := newHandle(runID, t, state, cb, m.logger.With("run_id", runID))
	go h.deliver()
	return h, nil
}

// Follow streams a run until it ends, reconnecting with backoff whenever the
// transport drops. The projection is carried across reconnects; replayed
// events are absorbed by the reducer. It returns the last known state and
// nil once a terminal event was applied.
func (m *Manager) Follow(ctx context.Context, runID string, cb Callbacks, cfg resilience.RetryConfig) (models.RunState, error) {
	state := models.NewRunState(runID)

	err := resilience.RetryWithCallback(ctx, cfg, func(ctx context.Context) error {
		h, err := m.Open(ctx, runID, cb, WithInitialState(state))
		if err != nil {
			if errors.Is(err, ErrRunNotFound) {
				return resilience.Permanent(err)
			}
			return err
		}
		defer h.Close()

		select {
		case <-h.Done():
		case <-ctx.Done():
			h.Close()
			state = h.State()
			return ctx.Err()
		}

		state = h.State()
		switch h.Outcome() {
		case OutcomeCompleted, OutcomeFailed:
			return nil
		}
		if err := h.Err(); err != nil {
			return err
		}
		return ErrStreamInterrupted
	}, func(attempt int, err error, next time.Duration) {
		m.logger.Warn("stream interrupted, reconnecting",
			"run_id", runID, "attempt", attempt, "retry_in", next.String(), "err", err)
	})
	return state, err
}
