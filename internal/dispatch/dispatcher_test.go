package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oriys/corefn/internal/errs"
)

func newTestRequest(id string) *CallRequestContext {
	return &CallRequestContext{
		InstanceID: "inst-1",
		RequestID:  id,
		TraceID:    "trace-" + id,
		Request:    json.RawMessage(`{}`),
	}
}

// recordingSender captures the order in which the dispatcher hands requests
// to the local sender, for the "ready gating" scenario (spec §8 scenario 2).
type recordingSender struct {
	mu    sync.Mutex
	order []string
}

func (s *recordingSender) send(_ context.Context, _ InstanceRouterInfo, req *CallRequestContext) error {
	s.mu.Lock()
	s.order = append(s.order, req.RequestID)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func TestHappyCallCompletesAndClearsBuckets(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(InstanceRouterInfo{InstanceID: "inst-1", IsLocal: true, IsReady: true}, sender.send, nil)

	req := newTestRequest("req-1")
	resultCh := d.Submit(context.Background(), req)

	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, time.Second, time.Millisecond)

	d.OnCallRsp("req-1")
	_, onResp, inProgress := d.BucketSizes()
	require.Equal(t, 0, onResp)
	require.Equal(t, 1, inProgress)

	ok := d.OnCallResult("req-1", CallResult{Code: errs.CodeSuccess})
	require.True(t, ok)

	select {
	case res := <-resultCh:
		require.True(t, res.OK())
	case <-time.After(time.Second):
		t.Fatal("result never delivered")
	}

	newN, onResp, inProgress := d.BucketSizes()
	require.Zero(t, newN)
	require.Zero(t, onResp)
	require.Zero(t, inProgress)
}

func TestReadyGatingDrainsFIFOOrder(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(InstanceRouterInfo{InstanceID: "inst-1", IsLocal: true, IsReady: false}, sender.send, nil)

	ch1 := d.Submit(context.Background(), newTestRequest("req-1"))
	ch2 := d.Submit(context.Background(), newTestRequest("req-2"))
	ch3 := d.Submit(context.Background(), newTestRequest("req-3"))

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, sender.snapshot(), "no wire frames should be written before readiness")

	newN, _, _ := d.BucketSizes()
	require.Equal(t, 3, newN)

	d.NotifyChanged(context.Background(), true, false)

	require.Eventually(t, func() bool { return len(sender.snapshot()) == 3 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"req-1", "req-2", "req-3"}, sender.snapshot())

	for _, ch := range []<-chan CallResult{ch1, ch2, ch3} {
		_ = ch // readiness drain only moves buckets; results still pending a reply
	}
	_, onResp, _ := d.BucketSizes()
	require.Equal(t, 3, onResp)
}

func TestDuplicateSubmitReturnsSamePromise(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(InstanceRouterInfo{InstanceID: "inst-1", IsLocal: true, IsReady: true}, sender.send, nil)

	ch1 := d.Submit(context.Background(), newTestRequest("req-1"))
	ch2 := d.Submit(context.Background(), newTestRequest("req-1"))

	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, len(sender.snapshot()), "only one wire frame for a duplicate request id")

	d.OnCallResult("req-1", CallResult{Code: errs.CodeSuccess})

	require.Equal(t, ch1, ch2, "a duplicate request id returns the same result channel")
	r1 := <-ch1
	require.True(t, r1.OK())
	select {
	case <-ch2:
		t.Fatal("the shared channel carries exactly one result, already received via ch1")
	default:
	}
}

func TestFatalFailsEveryBucketWithRecordedCode(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(InstanceRouterInfo{InstanceID: "inst-1", IsLocal: true, IsReady: false}, sender.send, nil)

	chNew := d.Submit(context.Background(), newTestRequest("req-new"))

	d2 := NewDispatcher(InstanceRouterInfo{InstanceID: "inst-1", IsLocal: true, IsReady: true}, sender.send, nil)
	chOnResp := d2.Submit(context.Background(), newTestRequest("req-onresp"))
	require.Eventually(t, func() bool { return len(sender.snapshot()) >= 1 }, time.Second, time.Millisecond)

	fatal := MustFatal(errs.CodeInstanceExited)
	d.Fatal(fatal, "runtime process exited")
	d2.Fatal(fatal, "runtime process exited")

	for _, ch := range []<-chan CallResult{chNew, chOnResp} {
		select {
		case res := <-ch:
			require.Equal(t, errs.CodeInstanceExited, res.Code)
		case <-time.After(time.Second):
			t.Fatal("fatal transition did not complete pending request")
		}
	}

	// Submits after Fatal are rejected immediately with the recorded code.
	chAfter := d.Submit(context.Background(), newTestRequest("req-after"))
	select {
	case res := <-chAfter:
		require.Equal(t, errs.CodeInstanceExited, res.Code)
	case <-time.After(time.Second):
		t.Fatal("post-fatal submit should resolve immediately")
	}
}

func TestNotifyChangedReadyNoOpWhenAlreadyReady(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(InstanceRouterInfo{InstanceID: "inst-1", IsLocal: true, IsReady: true}, sender.send, nil)

	d.Submit(context.Background(), newTestRequest("req-1"))
	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, time.Second, time.Millisecond)

	// A redundant ready=true notification must not re-drain or re-dispatch.
	d.NotifyChanged(context.Background(), true, false)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, len(sender.snapshot()))
}

func TestLowReliabilitySuppressesStaleNotReadyDowngrade(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(InstanceRouterInfo{InstanceID: "inst-1", IsLocal: false, IsReady: false, IsLowReliability: true}, sender.send, nil)

	d.NotifyChanged(context.Background(), true, true)
	require.True(t, d.Info().IsReady)

	d.NotifyChanged(context.Background(), false, false)
	require.True(t, d.Info().IsReady, "stale not-ready downgrade must be ignored once observed ready remotely")
}
