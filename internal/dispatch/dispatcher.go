package dispatch

import (
	"container/list"
	"context"
	"sync"

	"github.com/oriys/corefn/internal/errs"
	"github.com/oriys/corefn/internal/logging"
	"github.com/oriys/corefn/internal/metrics"
)

// LocalSender writes a call onto the control stream for a ready, local
// instance (spec §4.5 call path step 1).
type LocalSender func(ctx context.Context, info InstanceRouterInfo, req *CallRequestContext) error

// RemoteForwarder forwards a call to the owning proxy's task via
// ForwardCall (spec §4.5 call path step 2); the reply arrives later via
// OnCallResult, mailed back as ResponseForwardCall by the remote side.
type RemoteForwarder func(ctx context.Context, info InstanceRouterInfo, req *CallRequestContext) error

// bucket names a dispatcher's three request buckets (spec §3/§4.5).
type bucketName int

const (
	bucketNew bucketName = iota
	bucketOnResp
	bucketInProgress
)

// Dispatcher holds one instance's readiness state and the three
// request buckets. Per spec §5 the dispatcher's state is single-actor-
// owned; this implementation emulates that ownership with a mutex
// guarding every bucket transition, so an external caller never observes
// a context split across two buckets (the invariant spec §3/§8 property 1
// requires), while suspension points (LocalSender/RemoteForwarder calls)
// happen outside the lock to honor spec §5's "never hold a lock across a
// suspension" rule.
type Dispatcher struct {
	mu   sync.Mutex
	info InstanceRouterInfo

	newQueue *list.List // ordered *CallRequestContext, FIFO (spec §4.5 step 3)
	newIndex map[string]*list.Element
	onResp   map[string]*CallRequestContext
	inFlight map[string]*CallRequestContext // "inProgress" bucket

	isFatal     bool
	fatalCode   FatalCode
	fatalReason string

	isReject     bool
	rejectCode   errs.Code
	rejectReason string

	// observedReadyRemotely suppresses a stale "not ready" downgrade for
	// low-reliability instances once they've been seen ready via a
	// remote source (spec §4.5 bullet 6 / SPEC_FULL §5 supplemented
	// feature).
	observedReadyRemotely bool

	localSend     LocalSender
	remoteForward RemoteForwarder
}

// NewDispatcher constructs a Dispatcher for one instance.
func NewDispatcher(info InstanceRouterInfo, localSend LocalSender, remoteForward RemoteForwarder) *Dispatcher {
	return &Dispatcher{
		info:          info,
		newQueue:      list.New(),
		newIndex:      make(map[string]*list.Element),
		onResp:        make(map[string]*CallRequestContext),
		inFlight:      make(map[string]*CallRequestContext),
		localSend:     localSend,
		remoteForward: remoteForward,
	}
}

// Info returns a snapshot of the dispatcher's routing info.
func (d *Dispatcher) Info() InstanceRouterInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// existingLocked returns the context already tracked for requestID in any
// bucket, or nil. Must be called under d.mu.
func (d *Dispatcher) existingLocked(requestID string) *CallRequestContext {
	if el, ok := d.newIndex[requestID]; ok {
		return el.Value.(*CallRequestContext)
	}
	if c, ok := d.onResp[requestID]; ok {
		return c
	}
	if c, ok := d.inFlight[requestID]; ok {
		return c
	}
	return nil
}

// Submit enqueues req and returns its result promise. A duplicate
// request id returns the existing promise (spec §4.5 bullet 4, at-most-
// once guarantee).
func (d *Dispatcher) Submit(ctx context.Context, req *CallRequestContext) <-chan CallResult {
	d.mu.Lock()

	if existing := d.existingLocked(req.RequestID); existing != nil {
		d.mu.Unlock()
		return existing.resultCh
	}

	req.resultCh = make(chan CallResult, 1)

	if d.isFatal {
		code := d.fatalCode.Code()
		reason := d.fatalReason
		d.mu.Unlock()
		req.resultCh <- CallResult{Code: code, Reason: reason}
		return req.resultCh
	}
	if d.isReject {
		code, reason := d.rejectCode, d.rejectReason
		d.mu.Unlock()
		req.resultCh <- CallResult{Code: code, Reason: reason}
		return req.resultCh
	}

	if !d.info.IsReady {
		el := d.newQueue.PushBack(req)
		d.newIndex[req.RequestID] = el
		d.mu.Unlock()
		return req.resultCh
	}

	info := d.info
	d.onResp[req.RequestID] = req
	d.mu.Unlock()

	d.dispatchLocked(ctx, info, req)
	return req.resultCh
}

// dispatchLocked performs the actual send/forward. It must be called
// without holding d.mu — Send/Forward are suspension points (spec §5).
func (d *Dispatcher) dispatchLocked(ctx context.Context, info InstanceRouterInfo, req *CallRequestContext) {
	var err error
	if info.IsLocal {
		err = d.localSend(ctx, info, req)
	} else {
		err = d.remoteForward(ctx, info, req)
	}
	if err != nil {
		d.failRequest(req.RequestID, errs.CodeRequestBetweenRuntimeBus, err.Error())
	}
}

// OnCallRsp moves a request from onResp to inProgress on receipt of a
// CallRsp (spec §4.5 call path step 1).
func (d *Dispatcher) OnCallRsp(requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.onResp[requestID]
	if !ok {
		return
	}
	delete(d.onResp, requestID)
	d.inFlight[requestID] = req
}

// OnCallResult completes a request's promise with a terminal result and
// removes it from whichever bucket holds it.
func (d *Dispatcher) OnCallResult(requestID string, result CallResult) bool {
	d.mu.Lock()
	req, ok := d.inFlight[requestID]
	if ok {
		delete(d.inFlight, requestID)
	} else if req, ok = d.onResp[requestID]; ok {
		delete(d.onResp, requestID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	req.resultCh <- result
	return true
}

// failRequest completes requestID (wherever it sits) with a synthetic
// failure, used when a send/forward suspension point itself errors.
func (d *Dispatcher) failRequest(requestID string, code errs.Code, reason string) {
	d.mu.Lock()
	var req *CallRequestContext
	if el, ok := d.newIndex[requestID]; ok {
		req = el.Value.(*CallRequestContext)
		d.newQueue.Remove(el)
		delete(d.newIndex, requestID)
	} else if r, ok := d.onResp[requestID]; ok {
		req = r
		delete(d.onResp, requestID)
	} else if r, ok := d.inFlight[requestID]; ok {
		req = r
		delete(d.inFlight, requestID)
	}
	d.mu.Unlock()
	if req != nil {
		req.resultCh <- CallResult{Code: code, Reason: reason}
	}
}

// NotifyChanged updates readiness. A flip to ready drains the new bucket
// in FIFO order exactly once (spec §4.5 bullet 3, §8 round-trip property).
// remoteObserved marks that this notification came from a remote
// subscription source, feeding the low-reliability downgrade suppression
// (spec §4.5 bullet 6).
func (d *Dispatcher) NotifyChanged(ctx context.Context, ready bool, remoteObserved bool) {
	d.mu.Lock()

	if d.info.IsLowReliability && !ready && d.observedReadyRemotely {
		logging.Op().Debug("dispatch: ignoring stale not-ready downgrade", "instance", d.info.InstanceID)
		d.mu.Unlock()
		return
	}
	if ready == d.info.IsReady {
		d.mu.Unlock()
		return
	}

	d.info.IsReady = ready
	if ready && remoteObserved && d.info.IsLowReliability {
		d.observedReadyRemotely = true
	}

	if !ready {
		d.mu.Unlock()
		return
	}

	info := d.info
	var toSend []*CallRequestContext
	for el := d.newQueue.Front(); el != nil; el = el.Next() {
		req := el.Value.(*CallRequestContext)
		toSend = append(toSend, req)
		d.onResp[req.RequestID] = req
	}
	d.newQueue.Init()
	d.newIndex = make(map[string]*list.Element)
	d.mu.Unlock()

	for _, req := range toSend {
		d.dispatchLocked(ctx, info, req)
	}
}

// Fatal fails every request in every bucket with code, and marks the
// dispatcher fatal so subsequent Submits are rejected immediately (spec
// §4.5 bullet 5, §8 property 3).
func (d *Dispatcher) Fatal(code FatalCode, reason string) {
	d.mu.Lock()
	d.isFatal = true
	d.fatalCode = code
	d.fatalReason = reason

	var pending []*CallRequestContext
	for el := d.newQueue.Front(); el != nil; el = el.Next() {
		pending = append(pending, el.Value.(*CallRequestContext))
	}
	d.newQueue.Init()
	d.newIndex = make(map[string]*list.Element)
	for _, r := range d.onResp {
		pending = append(pending, r)
	}
	d.onResp = make(map[string]*CallRequestContext)
	for _, r := range d.inFlight {
		pending = append(pending, r)
	}
	d.inFlight = make(map[string]*CallRequestContext)
	d.mu.Unlock()

	metrics.DispatcherBucketSize.WithLabelValues(d.info.InstanceID, "new").Set(0)
	metrics.DispatcherBucketSize.WithLabelValues(d.info.InstanceID, "onResp").Set(0)
	metrics.DispatcherBucketSize.WithLabelValues(d.info.InstanceID, "inProgress").Set(0)

	for _, req := range pending {
		req.resultCh <- CallResult{Code: code.Code(), Reason: reason}
	}
}

// Reject marks the dispatcher rejecting and fails every pending request
// with code (spec §4.5 "fatal & reject state").
func (d *Dispatcher) Reject(code errs.Code, reason string) {
	d.mu.Lock()
	d.isReject = true
	d.rejectCode = code
	d.rejectReason = reason

	var pending []*CallRequestContext
	for el := d.newQueue.Front(); el != nil; el = el.Next() {
		pending = append(pending, el.Value.(*CallRequestContext))
	}
	d.newQueue.Init()
	d.newIndex = make(map[string]*list.Element)
	for _, r := range d.onResp {
		pending = append(pending, r)
	}
	d.onResp = make(map[string]*CallRequestContext)
	for _, r := range d.inFlight {
		pending = append(pending, r)
	}
	d.inFlight = make(map[string]*CallRequestContext)
	d.mu.Unlock()

	for _, req := range pending {
		req.resultCh <- CallResult{Code: code, Reason: reason}
	}
}

// BucketSizes reports the current size of each bucket, for metrics/tests.
func (d *Dispatcher) BucketSizes() (newN, onResp, inProgress int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newQueue.Len(), len(d.onResp), len(d.inFlight)
}
