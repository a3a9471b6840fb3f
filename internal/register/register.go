// Package register implements the two-party Register/Registered handshake
// (C2): an Initiator that retries Register on a budgeted timer, and a
// Coordinator on the target side that arms a heartbeat.Supervisor (C1) for
// every peer it accepts, following spec §4.2.
package register

import (
	"sync"
	"time"

	"github.com/oriys/corefn/internal/addr"
	"github.com/oriys/corefn/internal/heartbeat"
	"github.com/oriys/corefn/internal/logging"
)

const defaultRegisterInterval = 1000 * time.Millisecond

// Sender transmits a Register frame to target. Like heartbeat.Pinger, it
// must hand off asynchronously and not block the coordinator's goroutine.
type Sender func(target addr.Address, name string, payload []byte) error

// Initiator drives one outbound registration attempt with retry.
type Initiator struct {
	name     string
	target   addr.Address
	payload  []byte
	interval time.Duration
	maxTimes int
	send     Sender

	onRegistered func(payload []byte)
	onTimeout    func()

	mu                 sync.Mutex
	timer              *time.Timer
	attempts           int
	receivedRegistered bool
	stopped            bool
}

// NewInitiator constructs an Initiator. intervalMs defaults to 1000ms when
// <= 0; maxTimes is the retry budget chosen by the caller (spec §4.2 names
// 12 as a common value, not a mandated default).
func NewInitiator(name string, target addr.Address, payload []byte, intervalMs, maxTimes int, send Sender, onRegistered func([]byte), onTimeout func()) *Initiator {
	interval := time.Duration(intervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultRegisterInterval
	}
	return &Initiator{
		name:         name,
		target:       target,
		payload:      payload,
		interval:     interval,
		maxTimes:     maxTimes,
		send:         send,
		onRegistered: onRegistered,
		onTimeout:    onTimeout,
	}
}

// Start sends the first Register and arms the retry timer.
func (i *Initiator) Start() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.timer != nil {
		return
	}
	i.attempts = 1
	i.sendLocked()
	i.timer = time.AfterFunc(i.interval, i.onTick)
}

func (i *Initiator) sendLocked() {
	if err := i.send(i.target, i.name, i.payload); err != nil {
		logging.Op().Warn("register: send failed", "target", i.target.String(), "err", err)
	}
}

func (i *Initiator) onTick() {
	i.mu.Lock()
	if i.stopped || i.receivedRegistered {
		i.mu.Unlock()
		return
	}
	i.attempts++
	if i.attempts > i.maxTimes {
		i.stopped = true
		i.mu.Unlock()
		i.onTimeout()
		return
	}
	i.sendLocked()
	i.timer = time.AfterFunc(i.interval, i.onTick)
	i.mu.Unlock()
}

// HandleRegistered processes an inbound Registered reply. A second
// Registered for the same handshake is idempotent: the callback fires
// again but attempts/timer state is not reset.
func (i *Initiator) HandleRegistered(payload []byte) {
	i.mu.Lock()
	alreadyDone := i.receivedRegistered
	if !alreadyDone {
		i.receivedRegistered = true
		i.stopped = true
		if i.timer != nil {
			i.timer.Stop()
		}
	}
	i.mu.Unlock()
	i.onRegistered(payload)
	_ = alreadyDone
}

// RegisterCallback decides whether to accept a Register, returning the
// Registered reply payload and whether to actually reply.
type RegisterCallback func(from addr.Address, name string, payload []byte) (reply []byte, ok bool)

// Responder transmits a Registered frame back to the initiator.
type Responder func(to addr.Address, payload []byte) error

// Coordinator is the target side of the handshake: it receives Register
// frames and, when the application accepts, arms a heartbeat supervisor
// pointed at the caller.
type Coordinator struct {
	onRegister RegisterCallback
	reply      Responder
	pingSend   heartbeat.Pinger
	onTimeout  heartbeat.TimeoutHandler

	pingCycleMs        int
	maxPingTimeoutNums int

	mu         sync.Mutex
	heartbeats map[string]*heartbeat.Supervisor // keyed by name+"|"+address
}

// NewCoordinator constructs a Coordinator. pingSend/onTimeout/pingCycleMs/
// maxPingTimeoutNums configure the heartbeat.Supervisor armed on every
// accepted peer.
func NewCoordinator(onRegister RegisterCallback, reply Responder, pingSend heartbeat.Pinger, onTimeout heartbeat.TimeoutHandler, pingCycleMs, maxPingTimeoutNums int) *Coordinator {
	return &Coordinator{
		onRegister:         onRegister,
		reply:              reply,
		pingSend:           pingSend,
		onTimeout:          onTimeout,
		pingCycleMs:        pingCycleMs,
		maxPingTimeoutNums: maxPingTimeoutNums,
		heartbeats:         make(map[string]*heartbeat.Supervisor),
	}
}

func peerKey(name string, from addr.Address) string {
	return name + "|" + from.String()
}

// HandleRegister processes an inbound Register. If the application accepts
// it (onRegister returns ok=true), a Registered frame is sent back and a
// heartbeat supervisor is armed (or rearmed, for a reconnecting peer) for
// the caller.
func (c *Coordinator) HandleRegister(from addr.Address, name string, payload []byte) {
	reply, ok := c.onRegister(from, name, payload)
	if !ok {
		return
	}
	if err := c.reply(from, reply); err != nil {
		logging.Op().Warn("register: reply failed", "from", from.String(), "err", err)
		return
	}
	c.armHeartbeat(name, from)
}

// armHeartbeat starts a fresh supervisor for (name, from), stopping any
// prior one first — reconnection restarts heartbeats per spec §4.2.
func (c *Coordinator) armHeartbeat(name string, from addr.Address) {
	key := peerKey(name, from)

	c.mu.Lock()
	prev := c.heartbeats[key]
	delete(c.heartbeats, key)
	c.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	sup := heartbeat.New(from, c.pingCycleMs, c.maxPingTimeoutNums, c.pingSend, func(target addr.Address, reason heartbeat.Reason) {
		c.mu.Lock()
		delete(c.heartbeats, key)
		c.mu.Unlock()
		c.onTimeout(target, reason)
	})

	c.mu.Lock()
	c.heartbeats[key] = sup
	c.mu.Unlock()

	sup.Start()
}

// HeartbeatFor returns the supervisor currently armed for (name, from), if
// any — used by tests and by the heartbeat's Pong wiring when a Pong frame
// arrives on the control stream.
func (c *Coordinator) HeartbeatFor(name string, from addr.Address) *heartbeat.Supervisor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeats[peerKey(name, from)]
}

// Stop tears down every armed heartbeat supervisor.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	sups := make([]*heartbeat.Supervisor, 0, len(c.heartbeats))
	for _, s := range c.heartbeats {
		sups = append(sups, s)
	}
	c.heartbeats = make(map[string]*heartbeat.Supervisor)
	c.mu.Unlock()

	for _, s := range sups {
		s.Stop()
	}
}
