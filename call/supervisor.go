package call

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/clock"
)

// Supervisor applies the reconnection policy to transport state changes.
//
// Only the initiator reconnects: on a disconnect it schedules attempt n
// after base*n, each attempt running restart(n). After the last attempt a
// watchdog of base*(max+1) gives up unless the connection came back.
// Supervisor is not safe for concurrent use; post delivers timer expiry
// onto the goroutine that owns it.
type Supervisor struct {
	tp      clock.TimeProvider
	base    time.Duration
	max     int
	post    func(func())
	restart func(attempt int)
	giveUp  func()

	attempts int
	timer    clock.Timer
	epoch    uint64
}

// NewSupervisor creates a supervisor. post must run the function on the
// owner's goroutine.
func NewSupervisor(tp clock.TimeProvider, base time.Duration, maxAttempts int, post func(func()), restart func(int), giveUp func()) *Supervisor {
	return &Supervisor{
		tp:      clock.OrDefault(tp),
		base:    base,
		max:     maxAttempts,
		post:    post,
		restart: restart,
		giveUp:  giveUp,
	}
}

// Disconnected reacts to a transport disconnect. It reports whether a
// reconnection timer is now pending.
func (s *Supervisor) Disconnected(role Role) bool {
	if role != RoleInitiator {
		return false
	}
	if s.timer != nil {
		return true
	}
	s.schedule(s.attempts + 1)
	return true
}

// Connected resets the attempt counter and cancels any pending timer.
func (s *Supervisor) Connected() {
	if s.attempts > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Supervisor.Connected",
			"attempts": s.attempts,
		}).Info("Connection recovered")
	}
	s.attempts = 0
	s.Stop()
}

// Stop cancels any pending timer without touching the attempt counter.
func (s *Supervisor) Stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.epoch++
}

// Attempts returns the number of reconnection attempts made since the last
// connection.
func (s *Supervisor) Attempts() int { return s.attempts }

// Pending reports whether a reconnection or watchdog timer is scheduled.
func (s *Supervisor) Pending() bool { return s.timer != nil }

func (s *Supervisor) schedule(attempt int) {
	delay := s.base * time.Duration(attempt)
	epoch := s.epoch

	s.timer = s.tp.AfterFunc(delay, func() {
		s.post(func() {
			if epoch != s.epoch {
				return
			}
			s.timer = nil
			s.fire(attempt)
		})
	})

	logrus.WithFields(logrus.Fields{
		"function": "Supervisor.schedule",
		"attempt":  attempt,
		"delay":    delay,
	}).Debug("Reconnection timer scheduled")
}

func (s *Supervisor) fire(attempt int) {
	if attempt > s.max {
		logrus.WithFields(logrus.Fields{
			"function": "Supervisor.fire",
			"attempts": s.attempts,
		}).Warn("Reconnection attempts exhausted")
		s.giveUp()
		return
	}

	s.attempts = attempt
	logrus.WithFields(logrus.Fields{
		"function": "Supervisor.fire",
		"attempt":  attempt,
		"max":      s.max,
	}).Info("Attempting reconnection")

	epoch := s.epoch
	s.restart(attempt)

	// restart may have stopped the supervisor.
	if s.epoch == epoch && s.timer == nil {
		s.schedule(attempt + 1)
	}
}
