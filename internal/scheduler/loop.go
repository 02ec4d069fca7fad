package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrLoopStopped is returned when work is submitted to a stopped loop.
var ErrLoopStopped = errors.New("scheduler loop stopped")

// Loop is a real-time scheduler that serializes all callbacks on the
// goroutine running Run.
type Loop struct {
	queue   chan func()
	stopped chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

// NewLoop creates a loop with the given queue depth.
func NewLoop(depth int, logger *slog.Logger) *Loop {
	if depth <= 0 {
		depth = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		queue:   make(chan func(), depth),
		stopped: make(chan struct{}),
		logger:  logger,
	}
}

// Run executes posted callbacks until ctx is canceled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopped:
			return nil
		case fn := <-l.queue:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Loop callback panicked", "panic", r)
		}
	}()
	fn()
}

// Stop ends Run. Callbacks posted afterwards are dropped.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stopped) })
}

// Now returns the wall clock time.
func (l *Loop) Now() time.Time { return time.Now() }

// Post queues fn. It never blocks the loop goroutine itself for long: when
// the queue is full the send happens from a helper goroutine.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.stopped:
		return
	case l.queue <- fn:
	default:
		go func() {
			select {
			case <-l.stopped:
			case l.queue <- fn:
			}
		}()
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case <-l.stopped:
		return ErrLoopStopped
	default:
	}
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// After implements Scheduler.
func (l *Loop) After(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Load() {
				return
			}
			t.stopped.Store(true)
			fn()
		})
	})
	return t
}

// Every implements Scheduler.
func (l *Loop) Every(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	var tick func()
	tick = func() {
		l.Post(func() {
			if t.stopped.Load() {
				return
			}
			t.timer.Reset(d)
			fn()
		})
	}
	t.timer = time.AfterFunc(d, tick)
	return t
}

type loopTimer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if t.stopped.Swap(true) {
		return false
	}
	t.timer.Stop()
	return true
}
