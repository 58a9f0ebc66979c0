package protection

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bnema/wayprotect/internal/eventloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualTimer only fires when the test says so
type manualTimer struct {
	name  string
	fn    eventloop.TimerFunc
	armed bool
	delay time.Duration
	fires int
}

func (t *manualTimer) Arm(delay time.Duration) {
	if delay <= 0 {
		t.armed = false
		t.delay = 0
		return
	}
	t.armed = true
	t.delay = delay
}

type manualScheduler struct {
	timers map[string]*manualTimer
	order  []string
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{timers: make(map[string]*manualTimer)}
}

func (s *manualScheduler) NewTimer(name string, fn eventloop.TimerFunc) eventloop.Timer {
	t := &manualTimer{name: name, fn: fn}
	s.timers[name] = t
	s.order = append(s.order, name)
	return t
}

func (s *manualScheduler) timer(name string) *manualTimer {
	return s.timers[name]
}

// fire expires an armed timer the way the event loop would
func (s *manualScheduler) fire(t *testing.T, name string) {
	t.Helper()
	tm := s.timers[name]
	require.NotNil(t, tm, "unknown timer %s", name)
	require.True(t, tm.armed, "timer %s is not armed", name)

	tm.armed = false
	tm.fires++
	if delay, ok := tm.fn().Delay(); ok {
		tm.Arm(delay)
	}
}

// drain fires armed timers, shortest delay first, until none is armed
func (s *manualScheduler) drain(t *testing.T, limit int) int {
	t.Helper()
	fired := 0
	for ; fired < limit; fired++ {
		var next *manualTimer
		for _, name := range s.order {
			tm := s.timers[name]
			if tm.armed && (next == nil || tm.delay < next.delay) {
				next = tm
			}
		}
		if next == nil {
			return fired
		}
		s.fire(t, next.name)
	}
	t.Fatalf("timers still armed after %d fires", limit)
	return fired
}

func (s *manualScheduler) armed() []string {
	var names []string
	for _, name := range s.order {
		if s.timers[name].armed {
			names = append(names, name)
		}
	}
	return names
}

type setCall struct {
	enable bool
	t      ContentType
}

type fakeBackend struct {
	enabled  map[ContentType]bool
	setCalls []setCall
	getCalls int
	setErrs  []error
	getErr   error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{enabled: make(map[ContentType]bool)}
}

func (b *fakeBackend) SetProtection(enable bool, t ContentType) error {
	b.setCalls = append(b.setCalls, setCall{enable: enable, t: t})
	if len(b.setErrs) > 0 {
		err := b.setErrs[0]
		b.setErrs = b.setErrs[1:]
		return err
	}
	return nil
}

func (b *fakeBackend) GetProtection(t ContentType) (bool, error) {
	b.getCalls++
	if b.getErr != nil {
		return false, b.getErr
	}
	return b.enabled[t], nil
}

type recorder struct {
	events []ContentType
}

func (r *recorder) StatusChanged(t ContentType) {
	r.events = append(r.events, t)
}

func newTestNegotiator() (*Negotiator, *fakeBackend, *manualScheduler, *recorder) {
	backend := newFakeBackend()
	sched := newManualScheduler()
	return NewNegotiator(backend, sched, DefaultTiming()), backend, sched, &recorder{}
}

func TestNewNegotiatorStartsFailed(t *testing.T) {
	n, _, sched, _ := newTestNegotiator()

	snap := n.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, 3, snap.RetriesLeft)
	assert.Empty(t, sched.armed())
}

func TestDesiredStartsNegotiation(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()

	require.NoError(t, n.Desired(rec, Type0))

	assert.Equal(t, []setCall{{enable: true, t: Type0}}, backend.setCalls)
	snap := n.Snapshot()
	assert.Equal(t, StatusDesired, snap.Status)
	assert.Equal(t, Type0, snap.RequestedType)
	assert.Equal(t, 3, snap.RetriesLeft)
	assert.Equal(t, 0, snap.ElapsedInWindow)
	assert.Equal(t, []string{"retry"}, sched.armed())
	assert.Equal(t, 100*time.Millisecond, sched.timer("retry").delay)
	assert.Empty(t, rec.events)
}

func TestDesiredIsIdempotent(t *testing.T) {
	n, backend, _, rec := newTestNegotiator()

	require.NoError(t, n.Desired(rec, Type0))
	require.NoError(t, n.Desired(rec, Type0))

	assert.Len(t, backend.setCalls, 1)
	assert.Equal(t, 1, backend.getCalls)
	assert.LessOrEqual(t, len(rec.events), 1)
}

func TestDesiredIsIdempotentWhenEnabled(t *testing.T) {
	n, backend, _, rec := newTestNegotiator()
	backend.enabled[Type1] = true

	require.NoError(t, n.Desired(rec, Type1))
	require.NoError(t, n.Desired(rec, Type1))

	assert.Empty(t, backend.setCalls)
	assert.Equal(t, []ContentType{Type1}, rec.events)
}

func TestDesiredRejectsInvalidType(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()

	err := n.Desired(rec, Unprotected)
	assert.ErrorIs(t, err, ErrInvalidType)

	err = n.Desired(rec, ContentType(9))
	assert.ErrorIs(t, err, ErrInvalidType)

	assert.Zero(t, backend.getCalls)
	assert.Empty(t, sched.armed())
}

func TestDesiredQueryFailureLeavesStateUnchanged(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()
	backend.getErr = &BackendError{Op: "get", Code: -5}

	require.NoError(t, n.Desired(rec, Type0))

	assert.Equal(t, StatusFailed, n.Snapshot().Status)
	assert.Empty(t, backend.setCalls)
	assert.Empty(t, sched.armed())
	assert.Empty(t, rec.events)
}

func TestDesiredAlreadyEnabled(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()
	backend.enabled[Type1] = true

	require.NoError(t, n.Desired(rec, Type1))

	snap := n.Snapshot()
	assert.Equal(t, StatusEnabled, snap.Status)
	assert.Equal(t, Type1, snap.RequestedType)
	assert.Equal(t, []ContentType{Type1}, rec.events)
	assert.Empty(t, backend.setCalls)
	assert.Equal(t, []string{"observe"}, sched.armed())
	assert.Equal(t, time.Second, sched.timer("observe").delay)
}

func TestDesiredSetFailureLeavesStateUnchanged(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()
	backend.setErrs = []error{&BackendError{Op: "set", Code: -22}}

	require.NoError(t, n.Desired(rec, Type0))

	assert.Equal(t, StatusFailed, n.Snapshot().Status)
	assert.Empty(t, sched.armed())
	assert.Empty(t, rec.events)
}

func TestConfirmationPath(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()

	require.NoError(t, n.Desired(rec, Type1))
	backend.enabled[Type1] = true
	sched.fire(t, "retry")

	assert.Equal(t, StatusEnabled, n.Snapshot().Status)
	assert.Equal(t, []ContentType{Type1}, rec.events)
	assert.Equal(t, []string{"observe"}, sched.armed())
}

func TestRetryBound(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()

	// Reach Undesired first
	n.Disable(rec)
	require.Equal(t, StatusUndesired, n.Snapshot().Status)

	require.NoError(t, n.Desired(rec, Type0))
	sched.drain(t, 1000)

	escalations := 0
	for _, call := range backend.setCalls[1:] {
		assert.Equal(t, setCall{enable: true, t: Type0}, call)
		escalations++
	}
	assert.Equal(t, 3, escalations)
	assert.Empty(t, rec.events)
	assert.Empty(t, sched.armed())

	snap := n.Snapshot()
	assert.Equal(t, StatusDesired, snap.Status)
	assert.Equal(t, 0, snap.RetriesLeft)
	assert.True(t, snap.Exhausted)

	// 1 initial tick + 3 windows of 15 patient ticks and 1 escalation + the exhaustion tick
	assert.Equal(t, 1+3*(15+1), sched.timer("retry").fires)
}

func TestRetryWindowIsPatient(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()

	require.NoError(t, n.Desired(rec, Type0))
	for i := 0; i < 15; i++ {
		sched.fire(t, "retry")
		assert.Equal(t, time.Second, sched.timer("retry").delay)
	}

	assert.Len(t, backend.setCalls, 1)
	assert.Equal(t, 15, n.Snapshot().ElapsedInWindow)

	sched.fire(t, "retry")
	assert.Len(t, backend.setCalls, 2)
	snap := n.Snapshot()
	assert.Equal(t, 2, snap.RetriesLeft)
	assert.Equal(t, 0, snap.ElapsedInWindow)
	assert.True(t, sched.timer("retry").armed)
}

func TestRetryEscalationFailureStops(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()

	require.NoError(t, n.Desired(rec, Type0))
	for i := 0; i < 15; i++ {
		sched.fire(t, "retry")
	}
	backend.setErrs = []error{&BackendError{Op: "set", Code: -5}}
	sched.fire(t, "retry")

	assert.Empty(t, sched.armed())
	assert.Equal(t, StatusDesired, n.Snapshot().Status)
	assert.Equal(t, 3, n.Snapshot().RetriesLeft)
}

func TestRetryQueryFailureFailsSilently(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()

	require.NoError(t, n.Desired(rec, Type0))
	backend.getErr = errors.New("ioctl failed")
	sched.fire(t, "retry")

	assert.Equal(t, StatusFailed, n.Snapshot().Status)
	assert.Empty(t, rec.events)
	assert.Empty(t, sched.armed())
}

func TestRegressionDetection(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()
	backend.enabled[Type0] = true
	require.NoError(t, n.Desired(rec, Type0))
	require.Equal(t, StatusEnabled, n.Snapshot().Status)

	sched.fire(t, "observe")
	assert.True(t, sched.timer("observe").armed, "observer keeps polling while enabled")

	backend.enabled[Type0] = false
	sched.fire(t, "observe")

	assert.Equal(t, StatusFailed, n.Snapshot().Status)
	assert.Equal(t, []ContentType{Type0, Unprotected}, rec.events)
	assert.Empty(t, sched.armed())
	assert.Equal(t, 2, sched.timer("observe").fires)
}

func TestObserveQueryFailureStopsObserving(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()
	backend.enabled[Type0] = true
	require.NoError(t, n.Desired(rec, Type0))

	backend.getErr = errors.New("gone")
	sched.fire(t, "observe")

	assert.Equal(t, StatusEnabled, n.Snapshot().Status)
	assert.Equal(t, []ContentType{Type0}, rec.events)
	assert.Empty(t, sched.armed())
}

func TestTypeSwitchWhileDesired(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()

	require.NoError(t, n.Desired(rec, Type0))
	// Burn one escalation on Type0
	for i := 0; i < 16; i++ {
		sched.fire(t, "retry")
	}
	require.Equal(t, 2, n.Snapshot().RetriesLeft)

	require.NoError(t, n.Desired(rec, Type1))

	assert.Equal(t, setCall{enable: true, t: Type1}, backend.setCalls[len(backend.setCalls)-1])
	snap := n.Snapshot()
	assert.Equal(t, StatusDesired, snap.Status)
	assert.Equal(t, Type1, snap.RequestedType)
	assert.Equal(t, 3, snap.RetriesLeft)
	assert.Equal(t, 0, snap.ElapsedInWindow)
	assert.Equal(t, 100*time.Millisecond, sched.timer("retry").delay)
}

func TestBusyRetryTransparency(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()
	backend.setErrs = []error{fmt.Errorf("atomic commit: %w", ErrBusy), nil}

	require.NoError(t, n.Desired(rec, Type0))

	// Waiting on the device, nothing visible yet
	assert.True(t, n.Snapshot().Pending)
	assert.Equal(t, StatusFailed, n.Snapshot().Status)
	assert.Equal(t, []string{"hold"}, sched.armed())
	assert.Equal(t, time.Second, sched.timer("hold").delay)

	sched.fire(t, "hold")

	assert.Len(t, backend.setCalls, 2)
	snap := n.Snapshot()
	assert.False(t, snap.Pending)
	assert.Equal(t, StatusDesired, snap.Status)
	assert.Equal(t, 3, snap.RetriesLeft)
	assert.Equal(t, []string{"retry"}, sched.armed())
	assert.Empty(t, rec.events)
}

func TestBusyTwiceFails(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()
	backend.setErrs = []error{ErrBusy, ErrBusy}

	require.NoError(t, n.Desired(rec, Type0))
	sched.fire(t, "hold")

	assert.Len(t, backend.setCalls, 2)
	assert.Equal(t, StatusFailed, n.Snapshot().Status)
	assert.False(t, n.Snapshot().Pending)
	assert.Empty(t, sched.armed())
}

func TestRequestsDeferredWhileBusy(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()
	backend.setErrs = []error{ErrBusy, nil}

	require.NoError(t, n.Desired(rec, Type0))
	n.Disable(rec)

	// The disable waits for the pending request
	assert.Len(t, backend.setCalls, 1)

	sched.fire(t, "hold")

	// Desired completed, then the queued Disable saw protection not yet enabled
	assert.Equal(t, StatusUndesired, n.Snapshot().Status)
	assert.Empty(t, rec.events)
	assert.Empty(t, sched.armed())
}

func TestTicksDeferredWhileBusy(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()

	require.NoError(t, n.Desired(rec, Type0))
	backend.setErrs = []error{ErrBusy, nil}
	require.NoError(t, n.Desired(rec, Type1))

	gets := backend.getCalls
	sched.fire(t, "retry")
	assert.Equal(t, gets, backend.getCalls, "retry tick must not poll during a busy wait")
	assert.True(t, sched.timer("retry").armed)

	sched.fire(t, "hold")
	assert.Equal(t, Type1, n.Snapshot().RequestedType)
	assert.Equal(t, 100*time.Millisecond, sched.timer("retry").delay)
}

func TestDisableWhenUndesiredIsNoop(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()
	n.Disable(rec)
	require.Equal(t, StatusUndesired, n.Snapshot().Status)

	backend.getCalls = 0
	n.Disable(rec)

	assert.Zero(t, backend.getCalls)
	assert.Empty(t, backend.setCalls)
	assert.Empty(t, rec.events)
	assert.Empty(t, sched.armed())
}

func TestDisableAlreadyOffEmitsNothing(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()

	require.NoError(t, n.Desired(rec, Type0))
	n.Disable(rec)

	assert.Equal(t, StatusUndesired, n.Snapshot().Status)
	assert.Len(t, backend.setCalls, 1)
	assert.Empty(t, rec.events)
	assert.Empty(t, sched.armed())
}

func TestDisableFromEnabled(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()
	backend.enabled[Type1] = true
	require.NoError(t, n.Desired(rec, Type1))

	n.Disable(rec)

	assert.Equal(t, StatusUndesired, n.Snapshot().Status)
	assert.Equal(t, []setCall{{enable: false, t: Type1}}, backend.setCalls)
	assert.Equal(t, []ContentType{Type1, Unprotected}, rec.events)
	assert.Equal(t, []string{"hold"}, sched.armed(), "only the settle wait remains")
	assert.True(t, n.Snapshot().Pending)

	// A request during the settle wait is processed afterwards
	backend.enabled[Type1] = false
	require.NoError(t, n.Desired(rec, Type0))
	assert.Len(t, backend.setCalls, 1)

	sched.fire(t, "hold")
	assert.Equal(t, StatusDesired, n.Snapshot().Status)
	assert.Equal(t, Type0, n.Snapshot().RequestedType)
}

func TestDisableQueryFailure(t *testing.T) {
	n, backend, _, rec := newTestNegotiator()
	backend.enabled[Type0] = true
	require.NoError(t, n.Desired(rec, Type0))

	backend.getErr = errors.New("no connector")
	n.Disable(rec)

	assert.Equal(t, StatusEnabled, n.Snapshot().Status)
	assert.Empty(t, backend.setCalls)
}

func TestDisableSetFailureKeepsState(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()
	backend.enabled[Type0] = true
	require.NoError(t, n.Desired(rec, Type0))

	backend.setErrs = []error{&BackendError{Op: "set", Code: -1}}
	n.Disable(rec)

	assert.Equal(t, StatusEnabled, n.Snapshot().Status)
	assert.Equal(t, []ContentType{Type0}, rec.events)
	assert.Equal(t, []string{"observe"}, sched.armed())
}

func TestEventsGoToLatestRequester(t *testing.T) {
	n, backend, sched, first := newTestNegotiator()
	second := &recorder{}

	require.NoError(t, n.Desired(first, Type0))
	n.Disable(second)
	require.NoError(t, n.Desired(second, Type0))

	backend.enabled[Type0] = true
	sched.fire(t, "retry")

	assert.Empty(t, first.events)
	assert.Equal(t, []ContentType{Type0}, second.events)
}

func TestCloseDisarmsTimers(t *testing.T) {
	n, backend, sched, rec := newTestNegotiator()
	backend.enabled[Type0] = true
	require.NoError(t, n.Desired(rec, Type0))
	require.NotEmpty(t, sched.armed())

	n.Close()
	assert.Empty(t, sched.armed())
}

func TestParseContentType(t *testing.T) {
	tests := []struct {
		in      string
		want    ContentType
		wantErr bool
	}{
		{"type0", Type0, false},
		{"Type-1", Type1, false},
		{"1", Type1, false},
		{"none", Unprotected, false},
		{"type2", Unprotected, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseContentType(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBackendErrorUnwrap(t *testing.T) {
	inner := errors.New("permission denied")
	err := fmt.Errorf("wrapped: %w", &BackendError{Op: "set", Code: 13, Err: inner})

	var be *BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 13, be.Code)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "code 13")
}
