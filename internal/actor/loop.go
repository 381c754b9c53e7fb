// Package actor provides the single-threaded cooperative event loop shared
// by every long-lived actor (connection, reader, writer, listener, task,
// file monitor): one goroutine, a mutex-protected FIFO work queue, and a
// keepalive/idle timer. Suspension happens only in Run's select — handlers
// must never block.
package actor

import (
	"context"
	"sync"
	"time"
)

// WorkItem mirrors the spec's (type, u32, payload) work queue entry. Type
// is owned by the package that defines the actor (each actor package picks
// its own small uint32 enum); Arg carries a cheap scalar; Payload carries
// anything larger (a frame, an error, a closure).
type WorkItem struct {
	Type    uint32
	Arg     uint32
	Payload any
}

// Handler is implemented by the thing a Loop drives.
type Handler interface {
	// HandleWork processes one staged item. Returning false stops the loop.
	HandleWork(item WorkItem) bool
	// HandleIdle is called on every keepalive timer expiry with a
	// monotonically increasing count of consecutive expiries since the
	// last work item was processed. Returning false stops the loop.
	HandleIdle(idleCount int) bool
}

// Loop is the generic actor primitive. Zero value is not usable; use New.
type Loop struct {
	mu    sync.Mutex
	queue []WorkItem
	wake  chan struct{}

	keepalive time.Duration
}

// New creates a Loop with the given keepalive/idle-check interval.
func New(keepalive time.Duration) *Loop {
	return &Loop{
		wake:      make(chan struct{}, 1),
		keepalive: keepalive,
	}
}

// StageWork appends item to the queue under the loop's own lock. Use this
// when the caller does not hold any lock that must be released before the
// wakeup is signaled; otherwise prefer SendWorkAndUnlock.
func (l *Loop) StageWork(item WorkItem) {
	l.mu.Lock()
	l.queue = append(l.queue, item)
	l.mu.Unlock()
}

// CommitWork signals the loop to wake and drain the queue. Safe to call
// any number of times between drains; the wakeup channel coalesces.
func (l *Loop) CommitWork() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Submit is the common case: stage then commit.
func (l *Loop) Submit(item WorkItem) {
	l.StageWork(item)
	l.CommitWork()
}

// SendWorkAndUnlock stages item, then releases callerLock (a lock the
// caller is already holding, e.g. a subject's attribute lock), and only
// then signals the wakeup — avoiding a wake-up-and-immediately-re-block on
// a lock the receiver might also need.
func (l *Loop) SendWorkAndUnlock(callerLock sync.Locker, item WorkItem) {
	l.mu.Lock()
	l.queue = append(l.queue, item)
	l.mu.Unlock()
	callerLock.Unlock()
	l.CommitWork()
}

func (l *Loop) drain() []WorkItem {
	l.mu.Lock()
	items := l.queue
	l.queue = nil
	l.mu.Unlock()
	return items
}

// Run drives the loop until ctx is cancelled, the handler asks to stop, or
// a panic escapes a handler call — in which case it is recovered and
// surfaced to onPanic (if non-nil) as a last-resort safety net equivalent
// to the spec's "writer-loop exceptions disconnect with SERVER_ERROR".
func (l *Loop) Run(ctx context.Context, handler Handler, onPanic func(recovered any)) {
	var timer *time.Timer
	var timerC <-chan time.Time
	if l.keepalive > 0 {
		timer = time.NewTimer(l.keepalive)
		timerC = timer.C
		defer timer.Stop()
	}
	idleCount := 0

	safeHandleWork := func(item WorkItem) (cont bool) {
		defer func() {
			if r := recover(); r != nil {
				cont = false
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		return handler.HandleWork(item)
	}
	safeHandleIdle := func(n int) (cont bool) {
		defer func() {
			if r := recover(); r != nil {
				cont = false
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		return handler.HandleIdle(n)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
			items := l.drain()
			for _, it := range items {
				if !safeHandleWork(it) {
					return
				}
			}
			idleCount = 0
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(l.keepalive)
			}
		case <-timerC:
			idleCount++
			if !safeHandleIdle(idleCount) {
				return
			}
			timer.Reset(l.keepalive)
		}
	}
}
