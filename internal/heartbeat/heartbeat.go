// Package heartbeat implements the ping/pong liveness supervisor (C1): a
// single goroutine per (observer, target) pair owns its own mailbox and
// timer, exactly as spec §5 requires — no state here is touched from any
// goroutine but the supervisor's own; callers communicate only through the
// channel-backed Pong/NotifyExited/Stop methods.
package heartbeat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/corefn/internal/addr"
	"github.com/oriys/corefn/internal/logging"
)

// defaultMaxTimeouts is used when a caller passes maxPingTimeoutNums <= 0.
// The 1000ms/5-timeout floors from spec §4.1 are enforced by
// config.Config.Validate before a Config ever reaches New — New itself
// trusts its caller, so tests can exercise short cycles directly (see
// spec §8 scenario 3's pingCycleMs=10).
const defaultMaxTimeouts = 12

// Reason distinguishes why the timeout handler fired.
type Reason string

const (
	// ReasonMissedPings fires when timeouts reaches maxPingTimeoutNums.
	ReasonMissedPings Reason = "missed_pings"
	// ReasonExited fires when the target task terminates normally.
	ReasonExited Reason = "exited"
)

// TimeoutHandler is invoked exactly once per supervisor lifetime, either on
// missed-ping exhaustion or on target exit, whichever happens first.
type TimeoutHandler func(target addr.Address, reason Reason)

// Pinger sends one Ping to target. It must not block the supervisor's
// goroutine for long; a network write should be dispatched asynchronously
// by the caller's transport (the control stream's Send, typically) and
// Pinger should return once the frame is handed off.
type Pinger func(target addr.Address) error

// Supervisor watches one target endpoint and fires TimeoutHandler after
// maxPingTimeoutNums consecutive missed Pongs, or immediately on exit
// notification.
type Supervisor struct {
	target      addr.Address
	pingCycle   time.Duration
	maxTimeouts int
	send        Pinger
	onTimeout   TimeoutHandler

	pongCh   chan struct{}
	exitedCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	timeouts atomic.Int32 // observability only; sole writer is the run loop
	fired    atomic.Bool
}

// New constructs a Supervisor. maxPingTimeoutNums defaults to 12 when <= 0.
func New(target addr.Address, pingCycleMs, maxPingTimeoutNums int, send Pinger, onTimeout TimeoutHandler) *Supervisor {
	cycle := time.Duration(pingCycleMs) * time.Millisecond
	if maxPingTimeoutNums <= 0 {
		maxPingTimeoutNums = defaultMaxTimeouts
	}
	return &Supervisor{
		target:      target,
		pingCycle:   cycle,
		maxTimeouts: maxPingTimeoutNums,
		send:        send,
		onTimeout:   onTimeout,
		pongCh:      make(chan struct{}, 1),
		exitedCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the supervisor's goroutine. Idempotent: subsequent calls
// are no-ops.
func (s *Supervisor) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Pong records a Pong received from the target, resetting the miss counter.
func (s *Supervisor) Pong() {
	select {
	case s.pongCh <- struct{}{}:
	default:
	}
}

// NotifyExited signals that the target task terminated normally. The
// timeout handler fires with ReasonExited, distinct from a missed-ping
// timeout.
func (s *Supervisor) NotifyExited() {
	select {
	case s.exitedCh <- struct{}{}:
	default:
	}
}

// Stop cancels the next scheduled Ping and waits for any in-flight handler
// invocation to finish.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

// Timeouts returns the current miss counter, for observability/tests only.
func (s *Supervisor) Timeouts() int {
	return int(s.timeouts.Load())
}

func (s *Supervisor) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.pingCycle)
	defer ticker.Stop()

	pongSinceLastPing := true // first tick should not count a miss before any ping is sent

	for {
		select {
		case <-ticker.C:
			if !pongSinceLastPing {
				n := s.timeouts.Add(1)
				if int(n) >= s.maxTimeouts {
					s.fireOnce(ReasonMissedPings)
					return
				}
			}
			pongSinceLastPing = false
			if err := s.send(s.target); err != nil {
				logging.Op().Warn("heartbeat: ping send failed", "target", s.target.String(), "err", err)
			}
		case <-s.pongCh:
			s.timeouts.Store(0)
			pongSinceLastPing = true
		case <-s.exitedCh:
			s.fireOnce(ReasonExited)
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Supervisor) fireOnce(reason Reason) {
	if s.fired.CompareAndSwap(false, true) {
		s.onTimeout(s.target, reason)
	}
}
