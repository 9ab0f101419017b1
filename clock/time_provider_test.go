package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// TestMockTimeProviderAdvance tests that Now and Since follow Advance.
func TestMockTimeProviderAdvance(t *testing.T) {
	m := NewMockTimeProvider(epoch)
	assert.Equal(t, epoch, m.Now())

	m.Advance(1500 * time.Millisecond)
	assert.Equal(t, epoch.Add(1500*time.Millisecond), m.Now())
	assert.Equal(t, 1500*time.Millisecond, m.Since(epoch))
}

// TestMockTimeProviderFiresInOrder tests deadline ordering of timers.
func TestMockTimeProviderFiresInOrder(t *testing.T) {
	m := NewMockTimeProvider(epoch)
	var fired []string

	m.AfterFunc(3*time.Second, func() { fired = append(fired, "third") })
	m.AfterFunc(1*time.Second, func() { fired = append(fired, "first") })
	m.AfterFunc(2*time.Second, func() { fired = append(fired, "second") })

	m.Advance(2 * time.Second)
	assert.Equal(t, []string{"first", "second"}, fired)
	assert.Equal(t, 1, m.Pending())

	m.Advance(time.Second)
	assert.Equal(t, []string{"first", "second", "third"}, fired)
	assert.Zero(t, m.Pending())
}

// TestMockTimeProviderStop tests that stopped timers never fire.
func TestMockTimeProviderStop(t *testing.T) {
	m := NewMockTimeProvider(epoch)
	called := false

	timer := m.AfterFunc(time.Second, func() { called = true })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	m.Advance(5 * time.Second)
	assert.False(t, called)
}

// TestMockTimeProviderChainedTimers tests timers scheduled from a callback.
func TestMockTimeProviderChainedTimers(t *testing.T) {
	m := NewMockTimeProvider(epoch)
	var at []time.Duration

	var tick func()
	tick = func() {
		at = append(at, m.Since(epoch))
		if len(at) < 3 {
			m.AfterFunc(time.Second, tick)
		}
	}
	m.AfterFunc(time.Second, tick)

	m.Advance(10 * time.Second)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, at)
	assert.Equal(t, epoch.Add(10*time.Second), m.Now())
}

// TestDefaultTimeProviderAfterFunc tests the system clock implementation.
func TestDefaultTimeProviderAfterFunc(t *testing.T) {
	p := OrDefault(nil)
	done := make(chan struct{})
	p.AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}
