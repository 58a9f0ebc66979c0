// Package eventloop provides a single-goroutine task loop with re-armable timers.
//
// Every task and every timer callback runs on the goroutine that called Run, one at a
// time and to completion, so state owned by the loop needs no locking.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bnema/wayprotect/internal/logger"
)

// ErrStopped is returned when work is submitted to a loop that is no longer running
var ErrStopped = errors.New("event loop stopped")

// Directive tells the loop what to do with a timer after its callback returned
type Directive struct {
	delay time.Duration
}

// Stop leaves the timer disarmed (unless the callback re-armed it itself)
var Stop = Directive{}

// Reschedule re-arms the timer with the given delay
func Reschedule(delay time.Duration) Directive {
	return Directive{delay: delay}
}

// Delay reports the re-arm delay and whether the directive re-arms at all
func (d Directive) Delay() (time.Duration, bool) {
	return d.delay, d.delay > 0
}

// TimerFunc is invoked on the loop goroutine when a timer expires
type TimerFunc func() Directive

// Timer is a one-shot timer. Arm with a positive delay schedules (or reschedules)
// the callback, Arm(0) disarms it.
type Timer interface {
	Arm(delay time.Duration)
}

// Loop runs posted tasks sequentially
type Loop struct {
	tasks chan func()
	done  chan struct{}

	mu      sync.Mutex
	running bool
	stopped bool
	timers  []*timer
}

// New creates a loop with a task queue of the given depth
func New(queue int) *Loop {
	if queue <= 0 {
		queue = 64
	}
	return &Loop{
		tasks: make(chan func(), queue),
		done:  make(chan struct{}),
	}
}

// Run processes tasks until ctx is cancelled. All timers are disarmed on return.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running || l.stopped {
		l.mu.Unlock()
		return errors.New("event loop already started")
	}
	l.running = true
	l.mu.Unlock()

	defer l.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.tasks:
			l.runTask(fn)
		}
	}
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event loop task panicked", "panic", r)
		}
	}()
	fn()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.stopped = true
	l.running = false
	timers := l.timers
	l.timers = nil
	l.mu.Unlock()

	for _, t := range timers {
		t.Arm(0)
	}
	close(l.done)
}

// Done is closed once Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn for execution on the loop goroutine
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}

	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Call runs fn on the loop goroutine and waits for it to finish
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// The task may have been dropped with the queue
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewTimer registers a disarmed timer whose callback runs on the loop
func (l *Loop) NewTimer(name string, fn TimerFunc) Timer {
	t := &timer{loop: l, name: name, fn: fn}
	l.mu.Lock()
	if !l.stopped {
		l.timers = append(l.timers, t)
	}
	l.mu.Unlock()
	return t
}

type timer struct {
	loop *Loop
	name string
	fn   TimerFunc

	mu    sync.Mutex
	clock *time.Timer
	gen   uint64
}

func (t *timer) Arm(delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Any pending expiry from an earlier arm is now stale
	t.gen++
	if t.clock != nil {
		t.clock.Stop()
		t.clock = nil
	}
	if delay <= 0 {
		return
	}

	gen := t.gen
	t.clock = time.AfterFunc(delay, func() {
		if err := t.loop.Post(func() { t.fire(gen) }); err != nil {
			logger.Debug("timer expired after loop stopped", "timer", t.name)
		}
	})
}

func (t *timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.clock = nil
	t.mu.Unlock()

	if delay, ok := t.fn().Delay(); ok {
		t.Arm(delay)
	}
}
