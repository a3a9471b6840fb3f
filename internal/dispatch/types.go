// Package dispatch implements the instance proxy / dispatcher (C5): a
// per-instance request queue with readiness gating, local-vs-remote
// routing, duplicate-request deduplication, fatal/reject state, and
// call-result matching, grounded on the original implementation's
// instance_proxy.h/request_dispatcher.h/call_cache.h/perf.h and on the
// teacher's internal/cluster/proxy.go for the remote client-cache shape.
package dispatch

import (
	"encoding/json"
	"time"

	"github.com/oriys/corefn/internal/addr"
	"github.com/oriys/corefn/internal/errs"
)

// InstanceRouterInfo is the proxy's cached per-instance routing state
// (spec §3). Created on first request, mutated only by NotifyChanged,
// destroyed when the instance is deleted.
type InstanceRouterInfo struct {
	InstanceID       string
	IsLocal          bool
	IsReady          bool
	IsLowReliability bool
	RuntimeID        string
	ProxyID          string
	RemoteAddr       addr.Address
	TenantID         string
	FunctionName     string
}

// CallResult is the terminal (or fatal/reject) outcome delivered to a
// caller's promise.
type CallResult struct {
	Code    errs.Code
	Payload json.RawMessage
	Reason  string
}

// OK reports whether the result represents success.
func (r CallResult) OK() bool {
	return r.Code == errs.CodeSuccess
}

// CallRequestContext is the per-outstanding-call record (spec §3). A
// context is unique per (instance, requestId); duplicates return the
// pre-existing promise.
type CallRequestContext struct {
	InstanceID     string
	RequestID      string
	TraceID        string
	CallerTenantID string
	CallerProxyID  string // set when this context arrived via ForwardCall

	// FunctionID/BucketID/ObjectID identify the deploy artefact the
	// target runtime must materialise before executing this call (spec
	// §4.6 step 1 "parse a deploy request"). Empty when the instance is
	// already deployed and only an invocation, not a deploy, is needed.
	FunctionID string
	BucketID   string
	ObjectID   string

	Request json.RawMessage

	submittedAt time.Time
	resultCh    chan CallResult
}

// Result returns the channel the caller should receive the terminal
// CallResult from. It is safe to call concurrently with dispatcher
// operations; exactly one value is ever sent.
func (c *CallRequestContext) Result() <-chan CallResult {
	return c.resultCh
}

// FatalCode is a closed enum that excludes errs.CodeSuccess by
// construction — the Open Question resolution from spec §9: "a
// reimplementation should require the fatal API to take a non-success
// variant by construction".
type FatalCode struct {
	code errs.Code
}

// NewFatal constructs a FatalCode, rejecting errs.CodeSuccess.
func NewFatal(code errs.Code) (FatalCode, error) {
	if code == errs.CodeSuccess {
		return FatalCode{}, errs.New(errs.CodeParamInvalid, "fatal code cannot be SUCCESS")
	}
	return FatalCode{code: code}, nil
}

// MustFatal panics if code is errs.CodeSuccess; for use with compile-time
// constant codes only.
func MustFatal(code errs.Code) FatalCode {
	f, err := NewFatal(code)
	if err != nil {
		panic(err)
	}
	return f
}

// Code returns the underlying non-success error code.
func (f FatalCode) Code() errs.Code {
	return f.code
}
