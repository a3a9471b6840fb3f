package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fixedCollector struct {
	limit, current uint64
}

func (f *fixedCollector) Limit() uint64            { return f.limit }
func (f *fixedCollector) Current() uint64          { return f.current }
func (f *fixedCollector) Refresh(ctx context.Context) {}
func (f *fixedCollector) Stop()                    {}

// TestMemoryMonitorRejection is spec §8 concrete scenario 5, using the same
// limit/current/threshold values and multi-instance request sequence as the
// original's own AllowAtLowThreshold test: with current already above low
// watermark, admission falls through to the per-instance-vs-average
// comparison, and an instance whose own usage already exceeds the average
// (the estimate divided by the number of instances holding usage plus one,
// here 105000 / 3 = 35000) gets rejected while a lighter instance does not.
func TestMemoryMonitorRejection(t *testing.T) {
	collector := &fixedCollector{limit: 51_200_000_000, current: 33_280_000_000}
	m := NewMonitor(MemoryConfig{
		Enable:           true,
		HighThreshold:    0.8,
		LowThreshold:     0.6,
		MsgSizeThreshold: 20480,
	}, collector)

	require.True(t, m.Allow("instance_1", "req-1", 10000), "under msgSizeThreshold, fast-accepted without affecting the estimate")
	require.True(t, m.Allow("instance_2", "req-2", 80000), "instance_2 has no usage yet, so it is its own average")
	require.True(t, m.Allow("instance_3", "req-3", 25000), "instance_3 has no usage yet either")
	require.EqualValues(t, 105000, m.EstimateUsage())

	require.False(t, m.Allow("instance_2", "req-4", 25000), "instance_2's 80000 usage exceeds the 35000 average (105000 / (2 instances + 1))")
	require.True(t, m.Allow("instance_3", "req-5", 25000), "instance_3's 25000 usage is still at or below the average")
}

func TestMemoryMonitorDisabledAlwaysAllows(t *testing.T) {
	m := NewMonitor(MemoryConfig{Enable: false}, nil)
	require.True(t, m.Allow("inst-1", "req-1", 1<<40))
}

// TestMemoryMonitorAllocateReleaseSymmetry is spec §8 universal invariant 7:
// the estimate counter is incremented by exactly s on admit and decremented
// by exactly s on release.
func TestMemoryMonitorAllocateReleaseSymmetry(t *testing.T) {
	collector := &fixedCollector{limit: 1e10, current: 0}
	m := NewMonitor(MemoryConfig{Enable: true, HighThreshold: 0.8, LowThreshold: 0.6, MsgSizeThreshold: 100}, collector)

	require.True(t, m.Allow("inst-1", "req-1", 5000))
	require.EqualValues(t, 5000, m.EstimateUsage())

	m.Release("inst-1", "req-1")
	require.EqualValues(t, 0, m.EstimateUsage())
}

func TestMemoryMonitorHighThresholdRejectsImmediately(t *testing.T) {
	collector := &fixedCollector{limit: 1000, current: 900}
	m := NewMonitor(MemoryConfig{Enable: true, HighThreshold: 0.8, LowThreshold: 0.6, MsgSizeThreshold: 10}, collector)
	require.False(t, m.Allow("inst-1", "req-1", 50))
}

func TestMemoryMonitorBelowMsgSizeThresholdAlwaysAllowed(t *testing.T) {
	collector := &fixedCollector{limit: 1000, current: 0}
	m := NewMonitor(MemoryConfig{Enable: true, HighThreshold: 0.8, LowThreshold: 0.6, MsgSizeThreshold: 500}, collector)
	require.True(t, m.Allow("inst-1", "req-1", 10))
	require.EqualValues(t, 0, m.EstimateUsage(), "requests under msgSizeThreshold never affect the estimate")
}

func TestSaturatingAdd(t *testing.T) {
	const max = ^uint64(0)
	require.Equal(t, max, saturatingAdd(max-1, 5))
	require.Equal(t, uint64(10), saturatingAdd(4, 6))
}
