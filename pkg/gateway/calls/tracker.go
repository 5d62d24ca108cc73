// Package calls tracks the call runners served by this process so a
// shutdown can stop admitting calls and wait for live ones to finish.
package calls

import (
	"context"
	"sync"
	"sync/atomic"
)

type Handle struct {
	CallID string
	Cancel func()
}

type Tracker struct {
	mu       sync.Mutex
	calls    map[string]*trackedCall
	wg       sync.WaitGroup
	draining atomic.Bool
}

type trackedCall struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{calls: make(map[string]*trackedCall)}
}

// Register tracks a live call runner under its session id. A second
// registration for the same id replaces the first.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedCall{handle: h}

	t.mu.Lock()
	if t.calls == nil {
		t.calls = make(map[string]*trackedCall)
	}
	old := t.calls[sessionID]
	t.calls[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedCall) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.calls[sessionID] == entry {
			delete(t.calls, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// SetDraining flips readiness; draining hosts turn new calls away.
func (t *Tracker) SetDraining(draining bool) {
	if t == nil {
		return
	}
	t.draining.Store(draining)
}

func (t *Tracker) IsDraining() bool {
	if t == nil {
		return false
	}
	return t.draining.Load()
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered call has unregistered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
