package runtime

import (
	"context"
	"sync"
)

// callTracker keeps a cancel handle for every live call so shutdown can end
// them and wait for their sockets to close.
type callTracker struct {
	mu    sync.Mutex
	calls map[string]*trackedCall
	wg    sync.WaitGroup
}

type trackedCall struct {
	cancel context.CancelFunc
	once   sync.Once
}

func newCallTracker() *callTracker {
	return &callTracker{calls: make(map[string]*trackedCall)}
}

// Acquire registers a call unless limit calls are already live. A limit of
// zero or less means unbounded.
func (t *callTracker) Acquire(id string, limit int, cancel context.CancelFunc) (release func(), ok bool) {
	entry := &trackedCall{cancel: cancel}

	t.mu.Lock()
	if limit > 0 && len(t.calls) >= limit {
		t.mu.Unlock()
		return nil, false
	}
	old := t.calls[id]
	t.calls[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.release(id, old)
	}
	return func() { t.release(id, entry) }, true
}

func (t *callTracker) release(id string, entry *trackedCall) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.calls[id] == entry {
			delete(t.calls, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *callTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *callTracker) CancelAll() (canceled int) {
	var cancels []context.CancelFunc
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry.cancel != nil {
			cancels = append(cancels, entry.cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every call has released or ctx is done. It reports
// whether all calls finished.
func (t *callTracker) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
