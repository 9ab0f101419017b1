package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/peercall/clock"
)

type supervisorRecorder struct {
	restarts []int
	gaveUp   int
}

func newRecordedSupervisor(tp clock.TimeProvider, rec *supervisorRecorder) *Supervisor {
	return NewSupervisor(tp, 2*time.Second, 3,
		func(fn func()) { fn() },
		func(attempt int) { rec.restarts = append(rec.restarts, attempt) },
		func() { rec.gaveUp++ },
	)
}

// TestSupervisorBoundedBackoff tests that an initiator makes at most three
// attempts at 2s, 4s and 6s and gives up 8s later.
func TestSupervisorBoundedBackoff(t *testing.T) {
	tp := clock.NewMockTimeProvider(time.Unix(0, 0))
	rec := &supervisorRecorder{}
	sup := newRecordedSupervisor(tp, rec)

	assert.True(t, sup.Disconnected(RoleInitiator))
	// Repeated disconnects while a timer is pending add nothing.
	assert.True(t, sup.Disconnected(RoleInitiator))
	assert.Equal(t, 1, tp.Pending())

	tp.Advance(1999 * time.Millisecond)
	assert.Empty(t, rec.restarts)
	tp.Advance(time.Millisecond)
	assert.Equal(t, []int{1}, rec.restarts)

	tp.Advance(4 * time.Second)
	assert.Equal(t, []int{1, 2}, rec.restarts)

	sup.Disconnected(RoleInitiator)
	tp.Advance(6 * time.Second)
	assert.Equal(t, []int{1, 2, 3}, rec.restarts)
	assert.Equal(t, 3, sup.Attempts())
	assert.Zero(t, rec.gaveUp)

	tp.Advance(8 * time.Second)
	assert.Equal(t, 1, rec.gaveUp)
	assert.Equal(t, []int{1, 2, 3}, rec.restarts)
	assert.False(t, sup.Pending())

	tp.Advance(time.Hour)
	assert.Len(t, rec.restarts, 3)
}

// TestSupervisorJoinerIsPassive tests that a joiner never schedules a timer.
func TestSupervisorJoinerIsPassive(t *testing.T) {
	tp := clock.NewMockTimeProvider(time.Unix(0, 0))
	rec := &supervisorRecorder{}
	sup := newRecordedSupervisor(tp, rec)

	for i := 0; i < 5; i++ {
		assert.False(t, sup.Disconnected(RoleJoiner))
	}
	assert.Zero(t, tp.Pending())
	tp.Advance(time.Hour)
	assert.Empty(t, rec.restarts)
	assert.Zero(t, rec.gaveUp)
}

// TestSupervisorConnectedResets tests that reconnecting cancels the timer
// and restarts the count.
func TestSupervisorConnectedResets(t *testing.T) {
	tp := clock.NewMockTimeProvider(time.Unix(0, 0))
	rec := &supervisorRecorder{}
	sup := newRecordedSupervisor(tp, rec)

	sup.Disconnected(RoleInitiator)
	tp.Advance(2 * time.Second)
	assert.Equal(t, 1, sup.Attempts())

	sup.Connected()
	assert.Zero(t, sup.Attempts())
	assert.False(t, sup.Pending())
	tp.Advance(time.Minute)
	assert.Equal(t, []int{1}, rec.restarts)

	sup.Disconnected(RoleInitiator)
	tp.Advance(2 * time.Second)
	assert.Equal(t, []int{1, 1}, rec.restarts)
}

// TestSupervisorStopDropsFiredTimer tests that a timer already handed to
// post is ignored after Stop.
func TestSupervisorStopDropsFiredTimer(t *testing.T) {
	tp := clock.NewMockTimeProvider(time.Unix(0, 0))
	rec := &supervisorRecorder{}

	var deferred []func()
	sup := NewSupervisor(tp, time.Second, 3,
		func(fn func()) { deferred = append(deferred, fn) },
		func(attempt int) { rec.restarts = append(rec.restarts, attempt) },
		func() { rec.gaveUp++ },
	)

	sup.Disconnected(RoleInitiator)
	tp.Advance(time.Second)
	assert.Len(t, deferred, 1)

	sup.Stop()
	deferred[0]()
	assert.Empty(t, rec.restarts)
}
