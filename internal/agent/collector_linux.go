//go:build linux

package agent

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/oriys/corefn/internal/logging"
)

// sysinfoCollector refreshes the process RSS from /proc/self/status and the
// host memory limit from unix.Sysinfo, following the teacher's own use of
// golang.org/x/sys/unix for host-level syscalls (cmd/agent/mount_linux.go),
// generalized here from mount(2) to sysinfo(2).
type sysinfoCollector struct {
	limitFraction float64

	limit   uint64
	current atomic.Uint64

	stop chan struct{}
}

// NewCollector constructs the platform memory collector. limitFraction
// scales the host's total RAM down to the process's configured ceiling
// (spec §6 "memory limit fraction").
func NewCollector(limitFraction float64) Collector {
	var info unix.Sysinfo_t
	var limit uint64
	if err := unix.Sysinfo(&info); err != nil {
		logging.Op().Warn("agent: sysinfo failed, memory monitor limit defaults to 0", "err", err)
	} else {
		limit = uint64(float64(info.Totalram) * float64(info.Unit) * limitFraction)
	}
	c := &sysinfoCollector{limitFraction: limitFraction, limit: limit, stop: make(chan struct{})}
	c.current.Store(readRSS())
	return c
}

func (c *sysinfoCollector) Limit() uint64   { return c.limit }
func (c *sysinfoCollector) Current() uint64 { return c.current.Load() }

// Refresh starts a background ticker re-reading RSS every second until
// Stop is called or ctx is cancelled, matching the original's
// RefreshActualMemoryUsage/StopRefreshActualMemoryUsage pair.
func (c *sysinfoCollector) Refresh(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.current.Store(readRSS())
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *sysinfoCollector) Stop() {
	close(c.stop)
}

// readRSS reads VmRSS from /proc/self/status, returning bytes.
func readRSS() uint64 {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
