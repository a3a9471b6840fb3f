package heartbeat

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oriys/corefn/internal/addr"
)

func TestTimeoutFiresOnceAfterMissedPongs(t *testing.T) {
	target := addr.Address{Name: "runtime-1", URL: "10.0.0.1:9000"}

	var fired atomic.Int32
	var gotReason Reason
	var gotAddr addr.Address
	done := make(chan struct{})

	sup := New(target, 10, 5, func(addr.Address) error { return nil }, func(a addr.Address, r Reason) {
		fired.Add(1)
		gotReason = r
		gotAddr = a
		close(done)
	})
	sup.Start()
	defer sup.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout handler never fired")
	}

	require.Equal(t, int32(1), fired.Load())
	require.Equal(t, ReasonMissedPings, gotReason)
	require.True(t, gotAddr.Equal(target))
}

func TestPongResetsCounter(t *testing.T) {
	target := addr.Address{Name: "runtime-2", URL: "10.0.0.1:9001"}
	fired := make(chan Reason, 1)

	sup := New(target, 20, 5, func(addr.Address) error { return nil }, func(addr.Address, Reason) {
		select {
		case fired <- ReasonMissedPings:
		default:
		}
	})
	sup.Start()
	defer sup.Stop()

	for i := 0; i < 10; i++ {
		time.Sleep(15 * time.Millisecond)
		sup.Pong()
	}

	select {
	case <-fired:
		t.Fatal("timeout fired despite steady pongs")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifyExitedFiresImmediately(t *testing.T) {
	target := addr.Address{Name: "runtime-3", URL: "10.0.0.1:9002"}
	done := make(chan Reason, 1)

	sup := New(target, 1000, 12, func(addr.Address) error { return nil }, func(_ addr.Address, r Reason) {
		done <- r
	})
	sup.Start()
	defer sup.Stop()

	sup.NotifyExited()

	select {
	case r := <-done:
		require.Equal(t, ReasonExited, r)
	case <-time.After(time.Second):
		t.Fatal("exited handler never fired")
	}
}
