package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oriys/corefn/internal/errs"
)

func newReadyProxy(t *testing.T, sender *recordingSender) *Proxy {
	t.Helper()
	self := NewDispatcher(InstanceRouterInfo{InstanceID: "inst-1", IsLocal: true, IsReady: true}, sender.send, nil)
	remoteFactory := func(dst string) *Dispatcher {
		return NewDispatcher(InstanceRouterInfo{InstanceID: dst, IsLocal: false, IsReady: true}, nil, sender.send)
	}
	return NewProxy("inst-1", self, remoteFactory, nil, nil, nil)
}

func TestProxyCallResultRoutesToSelfDispatcher(t *testing.T) {
	sender := &recordingSender{}
	p := newReadyProxy(t, sender)

	resultCh := p.Call(context.Background(), "inst-1", newTestRequest("req-1"), time.Now())
	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, time.Second, time.Millisecond)

	p.OnCallRsp("inst-1", "req-1")
	ack := p.CallResult(context.Background(), "inst-1", "req-1", CallResult{Code: errs.CodeSuccess})
	require.True(t, ack.OK())

	select {
	case res := <-resultCh:
		require.True(t, res.OK())
	case <-time.After(time.Second):
		t.Fatal("result never delivered to caller")
	}
}

func TestProxyCallResultRoutesToRemoteDispatcher(t *testing.T) {
	sender := &recordingSender{}
	p := newReadyProxy(t, sender)

	resultCh := p.Call(context.Background(), "inst-remote", newTestRequest("req-1"), time.Now())
	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, time.Second, time.Millisecond)

	p.OnCallRsp("inst-remote", "req-1")
	ack := p.CallResult(context.Background(), "inst-remote", "req-1", CallResult{Code: errs.CodeSuccess})
	require.True(t, ack.OK())

	select {
	case res := <-resultCh:
		require.True(t, res.OK())
	case <-time.After(time.Second):
		t.Fatal("result never delivered via remote dispatcher")
	}
}

func TestProxyCallResultUnknownDestinationEventuallyNotFound(t *testing.T) {
	sender := &recordingSender{}
	self := NewDispatcher(InstanceRouterInfo{InstanceID: "inst-1", IsLocal: true, IsReady: true}, sender.send, nil)
	remoteFactory := func(dst string) *Dispatcher {
		return NewDispatcher(InstanceRouterInfo{InstanceID: dst, IsLocal: false, IsReady: true}, nil, sender.send)
	}
	// No observer registered: retryCallResult short-circuits to not-found
	// immediately instead of entering the subscribe-retry loop.
	p := NewProxy("inst-1", self, remoteFactory, nil, nil, nil)

	ack := p.CallResult(context.Background(), "inst-ghost", "req-1", CallResult{Code: errs.CodeSuccess})
	require.Equal(t, errs.CodeInstanceNotFound, ack.Code)
}

func TestProxyInitCallHandledAsCreateComplete(t *testing.T) {
	sender := &recordingSender{}
	self := NewDispatcher(InstanceRouterInfo{InstanceID: "inst-1", IsLocal: true, IsReady: true}, sender.send, nil)

	var gotFrom string
	receiver := func(from string, result CallResult) (bool, CallResult) {
		gotFrom = from
		return true, CallResult{Code: errs.CodeSuccess}
	}
	p := NewProxy("inst-1", self, nil, nil, receiver, nil)

	ack := p.CallResult(context.Background(), "inst-new", "req-1@initcall", CallResult{Code: errs.CodeSuccess})
	require.True(t, ack.OK())
	require.Equal(t, "inst-new", gotFrom)
}

func TestProxyInitCallRejectedWithoutReceiverHandling(t *testing.T) {
	sender := &recordingSender{}
	self := NewDispatcher(InstanceRouterInfo{InstanceID: "inst-1", IsLocal: true, IsReady: true}, sender.send, nil)

	receiver := func(from string, result CallResult) (bool, CallResult) {
		return false, CallResult{}
	}
	p := NewProxy("inst-1", self, nil, nil, receiver, nil)

	ack := p.CallResult(context.Background(), "inst-new", "req-1@initcall", CallResult{Code: errs.CodeSuccess})
	require.Equal(t, errs.CodeInnerCommunication, ack.Code)
}

func TestProxyFatalPropagatesToNamedInstance(t *testing.T) {
	sender := &recordingSender{}
	p := newReadyProxy(t, sender)

	resultCh := p.Call(context.Background(), "inst-1", newTestRequest("req-1"), time.Now())
	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, time.Second, time.Millisecond)

	p.Fatal("inst-1", MustFatal(errs.CodeInstanceExited), "exited")

	select {
	case res := <-resultCh:
		require.Equal(t, errs.CodeInstanceExited, res.Code)
	case <-time.After(time.Second):
		t.Fatal("fatal did not propagate through proxy to dispatcher")
	}
}
