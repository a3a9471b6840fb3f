// Reference-counted deploy-destination cache (spec §4.6 "Reference
// counting"), grounded on the teacher's internal/codeloader.LayerCache for
// the content-addressed on-disk cache shape, and internal/scheduler.go for
// the robfig/cron/v3-driven periodic sweep that expires empty entries.
package agent

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oriys/corefn/internal/logging"
	"github.com/oriys/corefn/internal/metrics"
	"github.com/oriys/corefn/internal/pkg/crypto"
)

// Deployer produces and clears one deploy destination, matching the
// original's Deployer::Deploy/Clear pair (remote_deployer.h/.cpp).
type Deployer interface {
	Deploy(dest string, artefact Artefact) error
	Clear(dest, objectKey string) error
}

type destEntry struct {
	refs       map[string]struct{} // instance id -> present
	deployer   Deployer
	objectKey  string
	lastAccess time.Time
	emptySince time.Time
}

// DestinationCache is the single per-process map keyed by destination
// spec §5 names ("Shared resources"): one lock, brief readers and writers.
type DestinationCache struct {
	mu          sync.Mutex
	entries     map[string]*destEntry
	gracePeriod time.Duration

	cronSched *cron.Cron
	sweepID   cron.EntryID
}

// NewDestinationCache constructs an empty cache. gracePeriod is
// clearCodePackageInterval (spec §4.6, default 5s).
func NewDestinationCache(gracePeriod time.Duration) *DestinationCache {
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Second
	}
	return &DestinationCache{
		entries:     make(map[string]*destEntry),
		gracePeriod: gracePeriod,
	}
}

// StartSweep arms a cron job at spec that calls Sweep; "@every 1s" is the
// conventional spec for a grace-period cache this short-lived.
func (c *DestinationCache) StartSweep(spec string) error {
	if spec == "" {
		spec = "@every 1s"
	}
	c.cronSched = cron.New()
	id, err := c.cronSched.AddFunc(spec, c.Sweep)
	if err != nil {
		return err
	}
	c.sweepID = id
	c.cronSched.Start()
	return nil
}

// Stop halts the sweep cron, if armed.
func (c *DestinationCache) Stop() {
	if c.cronSched != nil {
		c.cronSched.Stop()
	}
}

// IsDeployed reports whether destination is already materialised and
// attached, honouring the monopoly-instance fresh-extract rule (spec §4.6
// step 2, original_source remote_deployer.cpp IsDeployed): a monopoly
// instance must never reuse an existing destination.
func (c *DestinationCache) IsDeployed(destination string, isMonopoly bool) bool {
	if isMonopoly {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[destination]
	return ok
}

// Attach records instanceID as a referrer of destination, created by
// deployer for objectKey's eventual Clear call. Called on instance-start
// success (spec §4.6 "Reference counting").
func (c *DestinationCache) Attach(destination, objectKey, instanceID string, deployer Deployer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[destination]
	if !ok {
		e = &destEntry{refs: make(map[string]struct{}), deployer: deployer, objectKey: objectKey}
		c.entries[destination] = e
	}
	e.refs[instanceID] = struct{}{}
	e.lastAccess = time.Now()
	e.emptySince = time.Time{}
	metrics.DestinationCacheSize.Set(float64(len(c.entries)))
}

// Detach removes instanceID as a referrer of destination. When the
// reference set becomes empty, a grace-period timer starts (spec §4.6).
func (c *DestinationCache) Detach(destination, instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[destination]
	if !ok {
		return
	}
	delete(e.refs, instanceID)
	if len(e.refs) == 0 {
		e.emptySince = time.Now()
	}
}

// Sweep clears every destination whose reference set has been empty for at
// least gracePeriod (spec §8 property 8).
func (c *DestinationCache) Sweep() {
	c.mu.Lock()
	var expired []string
	for dest, e := range c.entries {
		if len(e.refs) == 0 && !e.emptySince.IsZero() && time.Since(e.emptySince) >= c.gracePeriod {
			expired = append(expired, dest)
		}
	}
	for _, dest := range expired {
		e := c.entries[dest]
		delete(c.entries, dest)
		go func(dest, key string, d Deployer) {
			if err := d.Clear(dest, key); err != nil {
				logging.Op().Warn("agent: clear destination failed", "dest", dest, "err", err)
			} else {
				logging.Op().Info("agent: destination cleared after grace period", "dest", dest)
			}
		}(dest, e.objectKey, e.deployer)
	}
	metrics.DestinationCacheSize.Set(float64(len(c.entries)))
	c.mu.Unlock()
}

// Size returns the number of tracked destinations (spec §8 test hook).
func (c *DestinationCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RefCount returns the current reference count for destination, or 0 if
// untracked.
func (c *DestinationCache) RefCount(destination string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[destination]
	if !ok {
		return 0
	}
	return len(e.refs)
}

// Destination computes the on-disk cache path for an artefact, following
// spec §6's documented layout: <deployDir>/layer[/func]/<bucketID>/<hash>.
// The object id is content-addressed via crypto.HashString rather than
// TransMultiLevelDirToSingle's separator-replacement, so a multi-segment or
// arbitrarily long object key can never collide with another or exceed a
// filesystem's path-component length limit.
func Destination(deployDir, bucketID, objectID string, isFunc bool) string {
	layerDir := filepath.Join(deployDir, "layer")
	if isFunc {
		layerDir = filepath.Join(layerDir, "func")
	}
	return filepath.Join(layerDir, bucketID, crypto.HashString(objectID))
}
