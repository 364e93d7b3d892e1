package retrywaiter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ngaut/log"
)

// Manager parks attempts that asked to retry until a commit touches one of the
// keys (tvar ids) they read.
type Manager struct {
	mu            sync.Mutex
	waitingQueues map[uint64]*queue
	size          int
}

func NewManager() *Manager {
	return &Manager{
		waitingQueues: map[uint64]*queue{},
	}
}

type queue struct {
	waiters []*Waiter
}

func (q *queue) removeWaiter(w *Waiter) {
	for i, waiter := range q.waiters {
		if waiter == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
}

type waiterState int

const (
	waiterIdle waiterState = iota
	waiterParked
	waiterDone
)

type Waiter struct {
	timeout   time.Duration
	ch        chan Result
	state     waiterState // guarded by Manager.mu
	AttemptID uint64
	Keys      []uint64
}

type Position int

type Result struct {
	Position Position
	CommitTS uint64
}

const (
	WaitTimeout   Position = -1
	WaitCancelled Position = -2
)

// Wait blocks until the waiter is woken by a commit, the timeout elapses, or ctx is done.
func (w *Waiter) Wait(ctx context.Context) Result {
	var timeoutCh <-chan time.Time
	if w.timeout > 0 {
		timer := time.NewTimer(w.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-ctx.Done():
		return Result{Position: WaitCancelled}
	case <-timeoutCh:
		return Result{Position: WaitTimeout}
	case result := <-w.ch:
		return result
	}
}

// NewWaiter creates a waiter for an attempt that read keys. The waiter is not
// visible to WakeUp until it is registered.
func (lw *Manager) NewWaiter(attemptID uint64, keys []uint64, timeout time.Duration) *Waiter {
	sorted := make([]uint64, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})
	return &Waiter{
		timeout:   timeout,
		ch:        make(chan Result, 1),
		AttemptID: attemptID,
		Keys:      sorted,
	}
}

// Register parks w on all of its keys. stillValid is evaluated under the manager lock;
// if it reports false the waiter is not registered and Register returns false, so the
// caller re-runs instead of sleeping through a commit that already happened.
//
// Committers must publish their writes before calling WakeUp for this to hold.
func (lw *Manager) Register(w *Waiter, stillValid func() bool) bool {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if !stillValid() {
		return false
	}
	for _, key := range w.Keys {
		q, ok := lw.waitingQueues[key]
		if !ok {
			q = &queue{waiters: make([]*Waiter, 0, 8)}
			lw.waitingQueues[key] = q
		}
		q.waiters = append(q.waiters, w)
	}
	w.state = waiterParked
	lw.size++
	return true
}

// WakeUp wakes up every waiter parked on any of keys. It is called by the committer
// after the new values of keys are visible.
func (lw *Manager) WakeUp(commitTS uint64, keys []uint64) {
	lw.mu.Lock()
	waiters := make([]*Waiter, 0, 8)
	for _, key := range keys {
		q := lw.waitingQueues[key]
		if q == nil {
			continue
		}
		for _, w := range q.waiters {
			if w.state == waiterParked {
				w.state = waiterDone
				waiters = append(waiters, w)
			}
		}
	}
	for _, w := range waiters {
		lw.removeLocked(w)
	}
	lw.size -= len(waiters)
	lw.mu.Unlock()

	if len(waiters) == 0 {
		return
	}
	sort.Slice(waiters, func(i, j int) bool {
		return waiters[i].AttemptID < waiters[j].AttemptID
	})
	for i, w := range waiters {
		w.ch <- Result{Position: Position(i), CommitTS: commitTS}
	}
	log.Debugf("wakeup %d attempts blocked on %v, commit ts %d", len(waiters), keys, commitTS)
}

// CleanUp removes a waiter from waitingQueues when it stops waiting without being woken.
func (lw *Manager) CleanUp(w *Waiter) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if w.state != waiterParked {
		return
	}
	w.state = waiterDone
	lw.removeLocked(w)
	lw.size--
}

// Len returns the number of parked waiters.
func (lw *Manager) Len() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.size
}

func (lw *Manager) removeLocked(w *Waiter) {
	for _, key := range w.Keys {
		q := lw.waitingQueues[key]
		if q == nil {
			continue
		}
		q.removeWaiter(w)
		if len(q.waiters) == 0 {
			delete(lw.waitingQueues, key)
		}
	}
}
