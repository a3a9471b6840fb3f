package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDeployer struct {
	deployed map[string]int
	cleared  []string
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{deployed: make(map[string]int)}
}

func (d *fakeDeployer) Deploy(dest string, artefact Artefact) error {
	d.deployed[dest]++
	return nil
}

func (d *fakeDeployer) Clear(dest, objectKey string) error {
	d.cleared = append(d.cleared, dest)
	return nil
}

func TestDestinationCacheAttachDetachRefcount(t *testing.T) {
	c := NewDestinationCache(10 * time.Millisecond)
	d := newFakeDeployer()

	c.Attach("/deploy/dest-a", "obj-a", "inst-1", d)
	c.Attach("/deploy/dest-a", "obj-a", "inst-2", d)
	require.Equal(t, 2, c.RefCount("/deploy/dest-a"))

	c.Detach("/deploy/dest-a", "inst-1")
	require.Equal(t, 1, c.RefCount("/deploy/dest-a"))

	c.Detach("/deploy/dest-a", "inst-2")
	require.Equal(t, 0, c.RefCount("/deploy/dest-a"))
}

// TestDestinationCacheGracePeriodClear is spec §8 universal invariant 8: a
// destination is cleared iff its reference set has been empty for at least
// clearCodePackageInterval.
func TestDestinationCacheGracePeriodClear(t *testing.T) {
	c := NewDestinationCache(20 * time.Millisecond)
	d := newFakeDeployer()

	c.Attach("/deploy/dest-a", "obj-a", "inst-1", d)
	c.Detach("/deploy/dest-a", "inst-1")

	c.Sweep()
	require.Equal(t, 1, c.Size(), "not yet past grace period")

	time.Sleep(30 * time.Millisecond)
	c.Sweep()
	require.Eventually(t, func() bool { return c.Size() == 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(d.cleared) == 1 }, time.Second, time.Millisecond)
}

func TestDestinationCacheMonopolyNeverReportedDeployed(t *testing.T) {
	c := NewDestinationCache(time.Second)
	d := newFakeDeployer()
	c.Attach("/deploy/dest-mono", "obj", "inst-1", d)

	require.True(t, c.IsDeployed("/deploy/dest-mono", false))
	require.False(t, c.IsDeployed("/deploy/dest-mono", true), "monopoly instances always re-extract")
}

func TestDestinationPathLayout(t *testing.T) {
	got := Destination("/var/lib/corefn/deploy", "bucket-1", "a/b/c", true)
	require.Contains(t, got, "layer")
	require.Contains(t, got, "func")
	require.Contains(t, got, "bucket-1")
	require.NotContains(t, got, "a/b/c", "object id path separators must be flattened")
}
