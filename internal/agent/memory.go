// Memory-admission half of C6 (spec §4.6 "Memory admission"), grounded on
// original_source's function_proxy/busproxy/memory_monitor/memory_monitor.cpp.
// The three counters (estimateUsage, per-instance usage, per-request size)
// are kept behind one mutex exactly as the original's mapMtx_ guards them
// (spec §5 "Shared resources").
package agent

import (
	"context"
	"math"
	"sync"

	"github.com/oriys/corefn/internal/errs"
	"github.com/oriys/corefn/internal/logging"
	"github.com/oriys/corefn/internal/metrics"
)

// MemoryConfig mirrors the original's MemoryControlConfig.
type MemoryConfig struct {
	Enable           bool
	LowThreshold     float64 // fraction of limit, default 0.6
	HighThreshold    float64 // fraction of limit, default 0.8
	MsgSizeThreshold uint64  // default 20000
}

// Collector supplies the periodically-refreshed RSS/limit pair the monitor
// consults on every admission check (the original's SystemMemoryCollector
// actor, collapsed to a plain interface since this implementation has no
// actor runtime to spawn one into).
type Collector interface {
	Limit() uint64
	Current() uint64
	Refresh(ctx context.Context)
	Stop()
}

// Monitor is the invocation admission gate described in spec §4.6 and
// exercised by the concrete scenario in spec §8 ("Memory monitor
// rejection").
type Monitor struct {
	cfg       MemoryConfig
	collector Collector

	mu            sync.Mutex
	estimateUsage uint64
	instanceUsage map[string]uint64
	requestSize   map[string]uint64
}

// NewMonitor constructs a Monitor. collector may be nil only if
// cfg.Enable is false.
func NewMonitor(cfg MemoryConfig, collector Collector) *Monitor {
	return &Monitor{
		cfg:           cfg,
		collector:     collector,
		instanceUsage: make(map[string]uint64),
		requestSize:   make(map[string]uint64),
	}
}

// IsEnabled reports whether invoke limitation is active.
func (m *Monitor) IsEnabled() bool {
	return m.cfg.Enable
}

// Allow applies the five-step admission rule from spec §4.6. A request at
// or below MsgSizeThreshold is accepted without being counted; any other
// true result has already added msgSize to the estimate/instance counters,
// and the caller must call Release on terminal ack (spec §8 property 7).
func (m *Monitor) Allow(instanceID, requestID string, msgSize uint64) bool {
	if !m.cfg.Enable {
		return true
	}

	limit := m.collector.Limit()
	current := m.collector.Current()
	m.mu.Lock()
	estimate := m.estimateUsage
	m.mu.Unlock()

	high := uint64(float64(limit) * m.cfg.HighThreshold)
	low := uint64(float64(limit) * m.cfg.LowThreshold)

	logging.Op().Debug("agent: memory usage", "request_id", requestID, "instance", instanceID,
		"current", current, "estimate", estimate, "limit", limit, "msg_size", msgSize)

	if saturatingAdd(current, msgSize) > high {
		logging.Op().Warn("agent: memory at high threshold, reject", "request_id", requestID, "instance", instanceID)
		metrics.MemoryAdmissionRejects.WithLabelValues("high_watermark").Inc()
		return false
	}
	if msgSize <= m.cfg.MsgSizeThreshold {
		return true
	}

	if current <= low && estimate <= low {
		m.allocate(instanceID, requestID, msgSize)
		return true
	}

	instanceUsage := m.instanceUsageOf(instanceID)
	average := m.averageUsage(estimate)
	if instanceUsage == 0 || instanceUsage <= average {
		m.allocate(instanceID, requestID, msgSize)
		return true
	}

	logging.Op().Warn("agent: memory at low threshold, instance share exceeds average, reject",
		"request_id", requestID, "instance", instanceID, "instance_usage", instanceUsage, "average", average)
	metrics.MemoryAdmissionRejects.WithLabelValues("instance_share").Inc()
	return false
}

// AllowErr wraps Allow with the spec §8 edge-case error code
// (ERR_INVOKE_RATE_LIMITED on rejection).
func (m *Monitor) AllowErr(instanceID, requestID string, msgSize uint64) error {
	if m.Allow(instanceID, requestID, msgSize) {
		return nil
	}
	return errs.New(errs.CodeInvokeRateLimited, "memory admission rejected")
}

func (m *Monitor) allocate(instanceID, requestID string, msgSize uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estimateUsage = saturatingAdd(m.estimateUsage, msgSize)
	m.instanceUsage[instanceID] = saturatingAdd(m.instanceUsage[instanceID], msgSize)
	m.requestSize[requestID] = msgSize
}

// Release reverses Allow's accounting for requestID on terminal ack,
// matching the original's ReleaseEstimateMemory.
func (m *Monitor) Release(instanceID, requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgSize, ok := m.requestSize[requestID]
	if !ok {
		return
	}
	if m.estimateUsage < msgSize {
		m.estimateUsage = 0
	} else {
		m.estimateUsage -= msgSize
	}
	if cur, ok := m.instanceUsage[instanceID]; ok {
		if cur <= msgSize {
			delete(m.instanceUsage, instanceID)
		} else {
			m.instanceUsage[instanceID] = cur - msgSize
		}
	}
	delete(m.requestSize, requestID)
}

func (m *Monitor) instanceUsageOf(instanceID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instanceUsage[instanceID]
}

func (m *Monitor) averageUsage(estimate uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return estimate / uint64(len(m.instanceUsage)+1)
}

// EstimateUsage exposes the current estimate counter (for tests and
// metrics export), matching the original's test-only GetEstimateUsage.
func (m *Monitor) EstimateUsage() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimateUsage
}

// saturatingAdd clamps a+b at math.MaxUint64 instead of wrapping, matching
// the original's explicit UINT64_MAX saturation checks.
func saturatingAdd(a, b uint64) uint64 {
	if math.MaxUint64-a < b {
		return math.MaxUint64
	}
	return a + b
}
