package backend

import (
	"sync"
	"time"

	"github.com/bnema/wayprotect/internal/logger"
	"github.com/bnema/wayprotect/internal/protection"
)

// SimulatedOptions tunes the in-memory output
type SimulatedOptions struct {
	// EnableDelay is how long the link takes to authenticate after a request
	EnableDelay time.Duration
	// DropAfter makes enabled protection vanish, like after a hotplug. Zero never drops.
	DropAfter time.Duration
	// BusyCount answers the first N set calls with ErrBusy
	BusyCount int
	// NeverEnable keeps the link unauthenticated forever
	NeverEnable bool
	// Now overrides the clock, mostly for tests
	Now func() time.Time
}

// Simulated is an in-memory output that behaves like a connector with a
// "Content Protection" property: undesired, desired, then enabled once the
// sink authenticates.
type Simulated struct {
	opts SimulatedOptions

	mu          sync.Mutex
	desired     bool
	contentType protection.ContentType
	requestedAt time.Time
	dropped     bool
	busyLeft    int
	fault       error
	sets        int
	gets        int
}

// NewSimulated creates a simulated output with protection undesired
func NewSimulated(opts SimulatedOptions) *Simulated {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Simulated{
		opts:     opts,
		busyLeft: opts.BusyCount,
	}
}

func (s *Simulated) Name() string {
	return "simulated"
}

func (s *Simulated) SetProtection(enable bool, t protection.ContentType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sets++
	if s.busyLeft > 0 {
		s.busyLeft--
		logger.Debug("simulated backend busy", "remaining", s.busyLeft)
		return protection.ErrBusy
	}

	s.desired = enable
	s.contentType = t
	s.dropped = false
	if enable {
		s.requestedAt = s.opts.Now()
	}
	logger.Debug("simulated backend set", "enable", enable, "type", t)
	return nil
}

func (s *Simulated) GetProtection(t protection.ContentType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gets++
	if s.fault != nil {
		return false, s.fault
	}
	return s.enabledLocked(t), nil
}

func (s *Simulated) enabledLocked(t protection.ContentType) bool {
	if !s.desired || s.dropped || s.opts.NeverEnable || s.contentType != t {
		return false
	}

	enabledAt := s.requestedAt.Add(s.opts.EnableDelay)
	now := s.opts.Now()
	if now.Before(enabledAt) {
		return false
	}
	if s.opts.DropAfter > 0 && !now.Before(enabledAt.Add(s.opts.DropAfter)) {
		s.dropped = true
		logger.Info("simulated backend dropped protection", "type", t)
		return false
	}
	return true
}

// Drop makes enabled protection vanish until the next set call
func (s *Simulated) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = true
}

// SetFault makes every query fail with err; nil clears it
func (s *Simulated) SetFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = err
}

// SetBusy answers the next n set calls with ErrBusy
func (s *Simulated) SetBusy(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busyLeft = n
}

// Calls returns the number of set and get calls seen so far
func (s *Simulated) Calls() (sets, gets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets, s.gets
}

func (s *Simulated) Close() error {
	return nil
}
