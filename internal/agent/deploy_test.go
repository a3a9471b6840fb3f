package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flakyDeployer struct {
	mu         sync.Mutex
	failCount  map[string]int
	failTimes  int
	callsByKey map[string]int
	delay      time.Duration
}

func newFlakyDeployer(failTimes int) *flakyDeployer {
	return &flakyDeployer{failCount: make(map[string]int), failTimes: failTimes, callsByKey: make(map[string]int)}
}

func (d *flakyDeployer) Deploy(dest string, artefact Artefact) error {
	d.mu.Lock()
	d.callsByKey[dest]++
	delay := d.delay
	shouldFail := d.failCount[dest] < d.failTimes
	if shouldFail {
		d.failCount[dest]++
	}
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if shouldFail {
		return errors.New("transient download failure")
	}
	return nil
}

func (d *flakyDeployer) Clear(dest, objectKey string) error { return nil }

// TestDeployPipelineRetryThenSucceed is spec §8 concrete scenario 6:
// configure download to fail twice then succeed; deploy must eventually
// succeed.
func TestDeployPipelineRetryThenSucceed(t *testing.T) {
	cache := NewDestinationCache(5 * time.Second)
	deployer := newFlakyDeployer(2)
	pipeline := NewDeployPipeline(cache, deployer, 3, 5*time.Millisecond, false)

	req := DeployRequest{
		InstanceID: "inst-1",
		RequestID:  "req-1",
		Artefacts: []Artefact{
			{Kind: ArtefactFunction, BucketID: "b", ObjectID: "fn.zip", Destination: "/deploy/fn"},
		},
	}

	materialised, err := pipeline.Deploy(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []string{"/deploy/fn"}, materialised)
	require.Equal(t, 3, deployer.callsByKey["/deploy/fn"])

	cache.Attach("/deploy/fn", "fn.zip", "inst-1", deployer)
	require.Equal(t, 1, cache.RefCount("/deploy/fn"))
}

func TestDeployPipelineExhaustsRetriesAndFails(t *testing.T) {
	cache := NewDestinationCache(5 * time.Second)
	deployer := newFlakyDeployer(10)
	pipeline := NewDeployPipeline(cache, deployer, 2, time.Millisecond, false)

	req := DeployRequest{
		InstanceID: "inst-1",
		RequestID:  "req-1",
		Artefacts: []Artefact{
			{Kind: ArtefactFunction, BucketID: "b", ObjectID: "fn.zip", Destination: "/deploy/fn"},
		},
	}

	_, err := pipeline.Deploy(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, 0, cache.Size(), "a destination that never got attached must not linger in the cache")
}

func TestDeployPipelineConcurrentCallersShareOnePromise(t *testing.T) {
	cache := NewDestinationCache(5 * time.Second)
	deployer := newFlakyDeployer(0)
	deployer.delay = 20 * time.Millisecond
	pipeline := NewDeployPipeline(cache, deployer, 3, time.Millisecond, false)

	var wg sync.WaitGroup
	var successes int64
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := DeployRequest{
				InstanceID: "inst-1",
				RequestID:  "req-shared",
				Artefacts: []Artefact{
					{Kind: ArtefactFunction, BucketID: "b", ObjectID: "shared.zip", Destination: "/deploy/shared"},
				},
			}
			if _, err := pipeline.Deploy(context.Background(), req); err == nil {
				atomic.AddInt64(&successes, 1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 5, successes)
	require.Equal(t, 1, deployer.callsByKey["/deploy/shared"], "concurrent callers for the same destination must share one download")
}
