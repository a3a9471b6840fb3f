package dispatch

import (
	"sync"
	"time"

	"github.com/oriys/corefn/internal/logging"
)

// PerfCheckpoint names one of the seven timing points spec §4.5 "Perf
// instrumentation" tracks for a single request, grounded on the original
// implementation's perf.h PerfContext fields.
type PerfCheckpoint int

const (
	CheckpointGRPCIn PerfCheckpoint = iota
	CheckpointProxyIn
	CheckpointSendCall
	CheckpointRecvRsp
	CheckpointRecvResult
	CheckpointSendResult
	CheckpointRecvAck
)

type perfContext struct {
	traceID     string
	requestID   string
	dstInstance string
	times       [7]time.Time
}

// Perf is optional per-request checkpoint timing, emitted as a single
// structured log line on terminal completion (spec §4.5). Disabled by
// default; Enable(true) turns it on for this Perf only, where perf.h uses
// one static atomic<bool> enable flag for the whole process.
type Perf struct {
	mu      sync.Mutex
	entries map[string]*perfContext
	enabled bool
}

// NewPerf constructs a disabled Perf tracker.
func NewPerf() *Perf {
	return &Perf{entries: make(map[string]*perfContext)}
}

// Enable turns checkpoint tracking on or off.
func (p *Perf) Enable(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
}

// Start begins tracking requestID, recording the grpc-in and proxy-in
// checkpoints (perf.h's Record()).
func (p *Perf) Start(traceID, requestID, dstInstance string, grpcIn time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	ctx, ok := p.entries[requestID]
	if !ok {
		ctx = &perfContext{traceID: traceID, requestID: requestID, dstInstance: dstInstance}
		p.entries[requestID] = ctx
	}
	ctx.times[CheckpointGRPCIn] = grpcIn
	ctx.times[CheckpointProxyIn] = time.Now()
}

// Record timestamps a checkpoint for an already-started request.
func (p *Perf) Record(requestID string, cp PerfCheckpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	ctx, ok := p.entries[requestID]
	if !ok {
		return
	}
	ctx.times[cp] = time.Now()
}

// End records the final checkpoint, logs the full timing breakdown, and
// drops the entry (perf.h's EndRecord()).
func (p *Perf) End(requestID string) {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return
	}
	ctx, ok := p.entries[requestID]
	if ok {
		delete(p.entries, requestID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	ctx.times[CheckpointRecvAck] = time.Now()
	ctx.logPerf()
}

func durationMs(end, start time.Time) float64 {
	if end.IsZero() || start.IsZero() {
		return -1
	}
	return float64(end.Sub(start).Microseconds()) / 1000.0
}

// logPerf emits one structured line covering every checkpoint gap, mirroring
// perf.h's pipe-delimited "perf|..." log line in spirit but as slog fields.
func (c *perfContext) logPerf() {
	grpcIn, proxyIn := c.times[CheckpointGRPCIn], c.times[CheckpointProxyIn]
	sendCall, recvRsp := c.times[CheckpointSendCall], c.times[CheckpointRecvRsp]
	recvResult, sendResult := c.times[CheckpointRecvResult], c.times[CheckpointSendResult]
	recvAck := c.times[CheckpointRecvAck]

	var totalMs float64 = -1
	if !grpcIn.IsZero() && !sendResult.IsZero() {
		totalMs = durationMs(sendResult, grpcIn)
	}

	logging.Op().Info("dispatch: perf",
		"trace_id", c.traceID,
		"request_id", c.requestID,
		"dst_instance", c.dstInstance,
		"grpc_to_proxy_ms", durationMs(proxyIn, grpcIn),
		"send_call_ms", durationMs(sendCall, proxyIn),
		"recv_rsp_ms", durationMs(recvRsp, sendCall),
		"recv_result_ms", durationMs(recvResult, sendCall),
		"send_result_ms", durationMs(sendResult, recvResult),
		"ack_ms", durationMs(recvAck, sendResult),
		"total_ms", totalMs,
	)
}
