package orchestrator

import "sync"

// broker wakes stream subscribers when a run gets new events. It carries no
// payload; subscribers re-read storage from their own cursor, so a slow
// subscriber only ever coalesces wake-ups.
type broker struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	C     chan struct{}
	runID string
	b     *broker
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[*subscription]struct{})}
}

func (b *broker) subscribe(runID string) *subscription {
	s := &subscription{C: make(chan struct{}, 1), runID: runID, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*subscription]struct{})
	}
	b.subs[runID][s] = struct{}{}
	return s
}

func (b *broker) publish(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[runID] {
		select {
		case s.C <- struct{}{}:
		default:
		}
	}
}

// drop closes every subscription of runID. Used when a run is deleted.
func (b *broker) drop(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[runID] {
		close(s.C)
	}
	delete(b.subs, runID)
}

func (s *subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	set, ok := s.b.subs[s.runID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	close(s.C)
	if len(set) == 0 {
		delete(s.b.subs, s.runID)
	}
}
