package register

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oriys/corefn/internal/addr"
	"github.com/oriys/corefn/internal/heartbeat"
)

func TestInitiatorRetriesThenTimesOut(t *testing.T) {
	target := addr.Address{Name: "scheduler", URL: "10.0.0.1:7070"}
	var sends atomic.Int32
	timedOut := make(chan struct{})

	init := NewInitiator("runtime-1", target, []byte("hello"), 10, 3,
		func(addr.Address, string, []byte) error {
			sends.Add(1)
			return nil
		},
		func([]byte) { t.Fatal("onRegistered should not fire") },
		func() { close(timedOut) },
	)
	init.Start()

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("registerTimeout never fired")
	}
	require.GreaterOrEqual(t, sends.Load(), int32(3))
}

func TestInitiatorRegisteredCancelsRetry(t *testing.T) {
	target := addr.Address{Name: "scheduler", URL: "10.0.0.1:7070"}
	registered := make(chan []byte, 1)

	init := NewInitiator("runtime-2", target, nil, 20, 50,
		func(addr.Address, string, []byte) error { return nil },
		func(payload []byte) { registered <- payload },
		func() { t.Fatal("registerTimeout should not fire") },
	)
	init.Start()
	init.HandleRegistered([]byte("ok"))

	select {
	case payload := <-registered:
		require.Equal(t, []byte("ok"), payload)
	case <-time.After(time.Second):
		t.Fatal("onRegistered never fired")
	}

	time.Sleep(100 * time.Millisecond) // let any stray retry prove it didn't happen
}

func TestInitiatorDuplicateRegisteredIsIdempotent(t *testing.T) {
	target := addr.Address{Name: "scheduler", URL: "10.0.0.1:7070"}
	var calls atomic.Int32

	init := NewInitiator("runtime-3", target, nil, 20, 50,
		func(addr.Address, string, []byte) error { return nil },
		func([]byte) { calls.Add(1) },
		func() {},
	)
	init.Start()
	init.HandleRegistered([]byte("a"))
	init.HandleRegistered([]byte("a-dup"))

	require.Equal(t, int32(2), calls.Load())
}

func TestCoordinatorArmsHeartbeatOnAccept(t *testing.T) {
	from := addr.Address{Name: "runtime-4", URL: "10.0.0.2:9000"}
	replied := make(chan []byte, 1)
	timedOut := make(chan heartbeat.Reason, 1)

	coord := NewCoordinator(
		func(addr.Address, string, []byte) ([]byte, bool) { return []byte("welcome"), true },
		func(_ addr.Address, payload []byte) error { replied <- payload; return nil },
		func(addr.Address) error { return nil },
		func(_ addr.Address, r heartbeat.Reason) { timedOut <- r },
		10, 5,
	)
	defer coord.Stop()

	coord.HandleRegister(from, "runtime-4", []byte("hi"))

	select {
	case payload := <-replied:
		require.Equal(t, []byte("welcome"), payload)
	case <-time.After(time.Second):
		t.Fatal("reply never sent")
	}

	require.NotNil(t, coord.HeartbeatFor("runtime-4", from))
}

func TestCoordinatorRejectsNoReply(t *testing.T) {
	from := addr.Address{Name: "runtime-5", URL: "10.0.0.2:9001"}
	coord := NewCoordinator(
		func(addr.Address, string, []byte) ([]byte, bool) { return nil, false },
		func(addr.Address, []byte) error { t.Fatal("should not reply"); return nil },
		func(addr.Address) error { return nil },
		func(addr.Address, heartbeat.Reason) {},
		1000, 12,
	)
	defer coord.Stop()

	coord.HandleRegister(from, "runtime-5", []byte("hi"))
	require.Nil(t, coord.HeartbeatFor("runtime-5", from))
}
