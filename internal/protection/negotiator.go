package protection

import (
	"errors"
	"time"

	"github.com/bnema/wayprotect/internal/eventloop"
	"github.com/bnema/wayprotect/internal/logger"
)

// Timing holds the delays and bounds of the negotiation
type Timing struct {
	ObserveInterval   time.Duration
	SettleWait        time.Duration
	MaxRetries        int
	RetryWindowFactor int
	InitialRetryDelay time.Duration
	RetryInterval     time.Duration
	BusyRetryDelay    time.Duration
	BusyRetries       int
}

// DefaultTiming returns the protocol timing constants
func DefaultTiming() Timing {
	return Timing{
		ObserveInterval:   1000 * time.Millisecond,
		SettleWait:        time.Second,
		MaxRetries:        3,
		RetryWindowFactor: 5,
		InitialRetryDelay: 100 * time.Millisecond,
		RetryInterval:     time.Second,
		BusyRetryDelay:    time.Second,
		BusyRetries:       1,
	}
}

// patience is the number of retry ticks spent waiting before a request is re-issued
func (t Timing) patience() int {
	return t.MaxRetries * t.RetryWindowFactor
}

// Scheduler creates timers whose callbacks run on the same goroutine as every
// Negotiator method
type Scheduler interface {
	NewTimer(name string, fn eventloop.TimerFunc) eventloop.Timer
}

// Negotiator is the negotiation context. It is not safe for concurrent use: every
// method, and every timer it creates, must run on the scheduler's loop.
type Negotiator struct {
	backend Backend
	timing  Timing

	status        Status
	requestedType ContentType
	retriesLeft   int
	elapsed       int
	exhausted     bool

	// Only one client is served: the sink of the most recent request
	client Sink

	retryTimer   eventloop.Timer
	observeTimer eventloop.Timer

	// A backend busy-wait or the post-disable settle wait. Requests arriving while
	// holding are queued and replayed when the hold ends.
	holdTimer eventloop.Timer
	holding   bool
	resume    func()
	deferred  []func()
}

// NewNegotiator creates a context in the Failed state with both timers disarmed
func NewNegotiator(backend Backend, sched Scheduler, timing Timing) *Negotiator {
	n := &Negotiator{
		backend:     backend,
		timing:      timing,
		status:      StatusFailed,
		retriesLeft: timing.MaxRetries,
	}
	n.retryTimer = sched.NewTimer("retry", n.RetryTick)
	n.observeTimer = sched.NewTimer("observe", n.ObserveTick)
	n.holdTimer = sched.NewTimer("hold", n.endHold)
	return n
}

// Snapshot returns the current state
func (n *Negotiator) Snapshot() Snapshot {
	return Snapshot{
		Status:          n.status,
		RequestedType:   n.requestedType,
		RetriesLeft:     n.retriesLeft,
		ElapsedInWindow: n.elapsed,
		Exhausted:       n.exhausted,
		Pending:         n.holding,
	}
}

// Close disarms every timer and drops queued requests
func (n *Negotiator) Close() {
	n.retryTimer.Arm(0)
	n.observeTimer.Arm(0)
	n.holdTimer.Arm(0)
	n.holding = false
	n.resume = nil
	n.deferred = nil
}

// Desired asks for protection of type t. Backend failures are logged and leave the
// state unchanged; only an invalid type is reported to the caller.
func (n *Negotiator) Desired(client Sink, t ContentType) error {
	if !t.Protected() {
		return ErrInvalidType
	}
	if n.holding {
		n.deferred = append(n.deferred, func() { _ = n.Desired(client, t) })
		return nil
	}

	n.client = client
	if (n.status == StatusDesired || n.status == StatusEnabled) && n.requestedType == t {
		logger.Debug("content protection already requested", "type", t, "status", n.status)
		return nil
	}

	logger.Info("content protection desired", "type", t)
	enabled, err := n.backend.GetProtection(t)
	if err != nil {
		logger.Error("failed to query content protection", "type", t, "err", err)
		return nil
	}

	if enabled {
		logger.Info("content protection already enabled", "type", t)
		n.retryTimer.Arm(0)
		n.status = StatusEnabled
		n.requestedType = t
		n.exhausted = false
		n.notify(t)
		n.observeTimer.Arm(n.timing.ObserveInterval)
		return nil
	}

	n.observeTimer.Arm(0)
	n.requestBackendState(true, t, func(err error) {
		if err != nil {
			return
		}
		n.status = StatusDesired
		n.requestedType = t
		n.retriesLeft = n.timing.MaxRetries
		n.elapsed = 0
		n.exhausted = false
		n.retryTimer.Arm(n.timing.InitialRetryDelay)
	})
	return nil
}

// Disable asks for protection to be turned off
func (n *Negotiator) Disable(client Sink) {
	if n.holding {
		n.deferred = append(n.deferred, func() { n.Disable(client) })
		return
	}

	n.client = client
	if n.status == StatusUndesired {
		return
	}

	enabled, err := n.backend.GetProtection(n.requestedType)
	if err != nil {
		logger.Error("failed to query content protection", "type", n.requestedType, "err", err)
		return
	}

	logger.Info("content protection disable requested")
	if !enabled {
		logger.Info("content protection already disabled")
		n.status = StatusUndesired
		n.retryTimer.Arm(0)
		n.observeTimer.Arm(0)
		return
	}

	n.requestBackendState(false, n.requestedType, func(err error) {
		if err != nil {
			logger.Error("content protection disable request failed", "err", err)
			return
		}
		logger.Info("disabling content protection")
		n.status = StatusUndesired
		n.notify(Unprotected)
		n.observeTimer.Arm(0)
		n.retryTimer.Arm(0)
		n.holdFor(n.timing.SettleWait, nil)
	})
}

// RetryTick polls for confirmation of a pending request and re-issues it once the
// patience window has elapsed.
func (n *Negotiator) RetryTick() eventloop.Directive {
	if n.status != StatusDesired {
		return eventloop.Stop
	}
	if n.holding {
		return eventloop.Reschedule(n.timing.RetryInterval)
	}

	if n.retriesLeft <= 0 {
		n.exhausted = true
		logger.Warn("content protection retries exhausted", "type", n.requestedType, "retries", n.timing.MaxRetries)
		return eventloop.Stop
	}

	enabled, err := n.backend.GetProtection(n.requestedType)
	if err != nil {
		n.status = StatusFailed
		logger.Error("failed to query content protection", "type", n.requestedType, "err", err)
		return eventloop.Stop
	}

	if enabled {
		n.status = StatusEnabled
		n.notify(n.requestedType)
		n.observeTimer.Arm(n.timing.ObserveInterval)
		return eventloop.Stop
	}

	if n.elapsed < n.timing.patience() {
		n.elapsed++
		return eventloop.Reschedule(n.timing.RetryInterval)
	}

	logger.Info("re-requesting content protection", "type", n.requestedType,
		"attempt", n.timing.MaxRetries-n.retriesLeft+1)
	n.requestBackendState(true, n.requestedType, func(err error) {
		if err != nil {
			return
		}
		n.retriesLeft--
		n.elapsed = 0
		n.retryTimer.Arm(n.timing.RetryInterval)
	})
	return eventloop.Stop
}

// ObserveTick verifies that enabled protection still holds
func (n *Negotiator) ObserveTick() eventloop.Directive {
	if n.status != StatusEnabled {
		return eventloop.Stop
	}
	if n.holding {
		return eventloop.Reschedule(n.timing.ObserveInterval)
	}

	enabled, err := n.backend.GetProtection(n.requestedType)
	if err != nil {
		logger.Error("failed to query content protection", "type", n.requestedType, "err", err)
		return eventloop.Stop
	}
	if enabled {
		return eventloop.Reschedule(n.timing.ObserveInterval)
	}

	// Dropped by a runtime error or a hotplug the backend cannot report
	logger.Warn("content protection lost", "type", n.requestedType)
	n.status = StatusFailed
	n.notify(Unprotected)
	return eventloop.Stop
}

// requestBackendState sets the backend state, retrying after a delay while the
// device reports busy. done runs exactly once with the final result.
func (n *Negotiator) requestBackendState(enable bool, t ContentType, done func(error)) {
	n.attemptBackendState(enable, t, n.timing.BusyRetries, done)
}

func (n *Negotiator) attemptBackendState(enable bool, t ContentType, retries int, done func(error)) {
	err := n.backend.SetProtection(enable, t)
	if errors.Is(err, ErrBusy) && retries > 0 {
		logger.Debug("display backend busy, retrying", "enable", enable, "type", t, "delay", n.timing.BusyRetryDelay)
		n.holdFor(n.timing.BusyRetryDelay, func() {
			n.attemptBackendState(enable, t, retries-1, done)
		})
		return
	}
	if err != nil {
		logger.Error("failed to set content protection", "enable", enable, "type", t, "err", err)
	}
	done(err)
}

func (n *Negotiator) holdFor(delay time.Duration, resume func()) {
	n.holding = true
	n.resume = resume
	if delay <= 0 {
		n.endHold()
		return
	}
	n.holdTimer.Arm(delay)
}

func (n *Negotiator) endHold() eventloop.Directive {
	resume := n.resume
	n.holding = false
	n.resume = nil
	if resume != nil {
		resume()
	}

	for !n.holding && len(n.deferred) > 0 {
		next := n.deferred[0]
		n.deferred = n.deferred[1:]
		next()
	}
	return eventloop.Stop
}

func (n *Negotiator) notify(t ContentType) {
	logger.Info("content protection status changed", "status", n.status, "type", t)
	if n.client != nil {
		n.client.StatusChanged(t)
	}
}
