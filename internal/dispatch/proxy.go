package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oriys/corefn/internal/errs"
	"github.com/oriys/corefn/internal/logging"
)

// initCallSuffix marks a CallResult's request id as the runtime-to-scheduler
// create-complete signal (spec §4.5 "Init-call signalling", spec §6).
const initCallSuffix = "@initcall"

// maxFailedSubRetries and subRetryDefer ground the call-result
// subscribe-retry behaviour (spec §4.5, SPEC_FULL §5 supplemented feature),
// taken from the original's RetryCallResult (MAX_FAILED_TIMES=3,
// DEFER_RETRY=1000ms).
const (
	maxFailedSubRetries = 3
	subRetryDefer       = 1 * time.Second
)

// Observer is the data-plane subscription collaborator consulted when a
// CallResult names an unknown destination instance (spec §4.5 "Call-result
// subscription retry").
type Observer interface {
	SubscribeInstanceEvent(ctx context.Context, selfInstanceID, dstInstanceID string) error
}

// CreateResultReceiver validates an @initcall CallResult as the
// create-complete signal for a newly started instance (spec §4.5
// "Init-call signalling"). handled=true means the receiver consumed the
// result as a create-complete notification; handled=false (with ack set)
// means it must be rejected with ERR_INNER_COMMUNICATION.
type CreateResultReceiver func(from string, result CallResult) (handled bool, ack CallResult)

// Proxy is the per-instance-name proxy task (spec §4.5 intro): it owns a
// self-dispatcher for calls addressed to its own co-located instance, and a
// map of remote-dispatchers it creates lazily to track calls it forwards to
// instances owned by other proxies.
type Proxy struct {
	instanceID string

	self *Dispatcher

	mu     sync.Mutex
	remote map[string]*Dispatcher // keyed by destination instance id

	newRemoteDispatcher func(dstInstanceID string) *Dispatcher

	observer       Observer
	createReceiver CreateResultReceiver

	perf *Perf

	failedSubMu sync.Mutex
	failedSub   map[string]int
}

// NewProxy constructs a Proxy for instanceID, whose self-dispatcher is sd.
// newRemoteDispatcher builds a fresh Dispatcher for a destination instance
// id the first time this proxy needs to forward a call to it.
func NewProxy(instanceID string, sd *Dispatcher, newRemoteDispatcher func(dstInstanceID string) *Dispatcher, observer Observer, createReceiver CreateResultReceiver, perf *Perf) *Proxy {
	if perf == nil {
		perf = NewPerf()
	}
	return &Proxy{
		instanceID:          instanceID,
		self:                sd,
		remote:              make(map[string]*Dispatcher),
		newRemoteDispatcher: newRemoteDispatcher,
		observer:            observer,
		createReceiver:      createReceiver,
		perf:                perf,
		failedSub:           make(map[string]int),
	}
}

// dispatcherFor returns the dispatcher responsible for dstInstanceID:
// the self-dispatcher when it is this proxy's own instance, otherwise the
// lazily-created remote dispatcher tracking forwarded calls to it.
func (p *Proxy) dispatcherFor(dstInstanceID string) *Dispatcher {
	if dstInstanceID == p.instanceID {
		return p.self
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.remote[dstInstanceID]
	if !ok {
		d = p.newRemoteDispatcher(dstInstanceID)
		p.remote[dstInstanceID] = d
	}
	return d
}

// existingRemote returns the remote dispatcher for dstInstanceID without
// creating one, or nil.
func (p *Proxy) existingRemote(dstInstanceID string) *Dispatcher {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote[dstInstanceID]
}

// Call submits req against dstInstanceID's dispatcher, recording perf
// checkpoints around the proxy-in/send-call boundary (spec §4.5 call path).
func (p *Proxy) Call(ctx context.Context, dstInstanceID string, req *CallRequestContext, grpcIn time.Time) <-chan CallResult {
	p.perf.Start(req.TraceID, req.RequestID, dstInstanceID, grpcIn)
	d := p.dispatcherFor(dstInstanceID)
	resultCh := d.Submit(ctx, req)
	p.perf.Record(req.RequestID, CheckpointSendCall)
	return resultCh
}

// OnCallRsp records the recv-rsp checkpoint and forwards to the owning
// dispatcher.
func (p *Proxy) OnCallRsp(dstInstanceID, requestID string) {
	p.perf.Record(requestID, CheckpointRecvRsp)
	if d := p.dispatcherFor(dstInstanceID); d != nil {
		d.OnCallRsp(requestID)
	}
}

// CallResult routes a terminal CallResult to dstInstanceID's dispatcher. If
// dstInstanceID is unknown (no remote dispatcher yet — typically after a
// proxy restart), it subscribes via Observer and retries per spec §4.5
// "Call-result subscription retry", eventually returning
// ERR_INSTANCE_NOT_FOUND if the destination never resolves.
func (p *Proxy) CallResult(ctx context.Context, dstInstanceID string, requestID string, result CallResult) CallResult {
	p.perf.Record(requestID, CheckpointRecvResult)
	defer p.perf.Record(requestID, CheckpointSendResult)

	if ack, handledInit := p.tryInitCall(dstInstanceID, requestID, result); handledInit {
		return ack
	}

	if dstInstanceID == p.instanceID {
		if p.self.OnCallResult(requestID, result) {
			return CallResult{Code: errs.CodeSuccess}
		}
		return CallResult{Code: errs.CodeSuccess} // nothing pending is not an error for the caller
	}

	if d := p.existingRemote(dstInstanceID); d != nil {
		p.resetFailedSub(dstInstanceID)
		d.OnCallResult(requestID, result)
		return CallResult{Code: errs.CodeSuccess}
	}

	return p.retryCallResult(ctx, dstInstanceID, requestID, result)
}

// tryInitCall inspects requestID for the "@initcall" suffix (spec §4.5
// "Init-call signalling"): if present and a CreateResultReceiver is
// registered, the result is the create-complete notification for the
// instance, validated by the scheduler; otherwise it is rejected with
// ERR_INNER_COMMUNICATION. handled=false means requestID carries no
// initcall suffix and CallResult should proceed with normal routing.
func (p *Proxy) tryInitCall(dstInstanceID, requestID string, result CallResult) (ack CallResult, handled bool) {
	if !strings.HasSuffix(requestID, initCallSuffix) {
		return CallResult{}, false
	}
	if p.createReceiver == nil {
		return CallResult{Code: errs.CodeInnerCommunication, Reason: "initcall must be verified by local scheduler"}, true
	}
	baseID := strings.TrimSuffix(requestID, initCallSuffix)
	isCreate, reply := p.createReceiver(dstInstanceID, CallResult{Code: result.Code, Payload: result.Payload, Reason: result.Reason})
	if isCreate {
		logging.Op().Info("dispatch: initcall handled as create-complete", "instance", dstInstanceID, "request_id", baseID)
		return reply, true
	}
	return CallResult{Code: errs.CodeInnerCommunication, Reason: "initcall must be verified by local scheduler"}, true
}

func (p *Proxy) resetFailedSub(dstInstanceID string) {
	p.failedSubMu.Lock()
	delete(p.failedSub, dstInstanceID)
	p.failedSubMu.Unlock()
}

// retryCallResult implements the original's RetryCallResult/
// DeferRetryCallResult pair: subscribe, and on failure to resolve the
// destination, retry up to maxFailedSubRetries times with a subRetryDefer
// gap before giving up with ERR_INSTANCE_NOT_FOUND.
func (p *Proxy) retryCallResult(ctx context.Context, dstInstanceID, requestID string, result CallResult) CallResult {
	if p.observer == nil {
		return CallResult{Code: errs.CodeInstanceNotFound, Reason: "instance not found or instance may not be recovered"}
	}
	if err := p.observer.SubscribeInstanceEvent(ctx, p.instanceID, dstInstanceID); err != nil {
		logging.Op().Warn("dispatch: subscribe instance event failed", "dst", dstInstanceID, "err", err)
	}

	if d := p.existingRemote(dstInstanceID); d != nil {
		p.resetFailedSub(dstInstanceID)
		d.OnCallResult(requestID, result)
		return CallResult{Code: errs.CodeSuccess}
	}

	p.failedSubMu.Lock()
	n := p.failedSub[dstInstanceID]
	if n >= maxFailedSubRetries {
		delete(p.failedSub, dstInstanceID)
		p.failedSubMu.Unlock()
		logging.Op().Error("dispatch: subscribe dst instance failed too many times, instance not found",
			"dst", dstInstanceID, "src", p.instanceID, "attempts", n)
		return CallResult{Code: errs.CodeInstanceNotFound, Reason: "instance not found or instance may not be recovered"}
	}
	p.failedSub[dstInstanceID] = n + 1
	attempt := n + 1
	p.failedSubMu.Unlock()

	logging.Op().Warn("dispatch: subscribe dst instance for call result failed, retrying",
		"dst", dstInstanceID, "src", p.instanceID, "attempt", attempt)

	timer := time.NewTimer(subRetryDefer)
	defer timer.Stop()
	select {
	case <-timer.C:
		return p.CallResult(ctx, dstInstanceID, requestID, result)
	case <-ctx.Done():
		return CallResult{Code: errs.CodeInnerSystemError, Reason: ctx.Err().Error()}
	}
}

// NotifyChanged forwards a readiness transition to the dispatcher owning
// instanceID, creating it if this is the first notification seen for a
// non-self instance.
func (p *Proxy) NotifyChanged(ctx context.Context, instanceID string, ready bool, remoteObserved bool) {
	p.dispatcherFor(instanceID).NotifyChanged(ctx, ready, remoteObserved)
}

// Fatal forwards a fatal transition to instanceID's dispatcher.
func (p *Proxy) Fatal(instanceID string, code FatalCode, reason string) {
	p.dispatcherFor(instanceID).Fatal(code, reason)
}

// RemoveRemote drops the remote dispatcher tracking calls to instanceID,
// once it has been deleted (spec §3 "destroyed when the instance is
// deleted").
func (p *Proxy) RemoveRemote(instanceID string) {
	p.mu.Lock()
	delete(p.remote, instanceID)
	p.mu.Unlock()
	p.resetFailedSub(instanceID)
}
