// Deploy pipeline (spec §4.6 "Deployment state machine per (instance,
// request)"), grounded on original_source's remote_deployer.{h,cpp} for the
// per-artefact Deploy/IsDeployed/Clear contract and agent_service_actor.h
// for the retry-count/back-off constants (gDownloadCodeRetryCount=3,
// DOWNLOAD_CODE_RETRY_INTERVAL=3000ms), made constructor parameters per
// SPEC_FULL §6's Open Question resolution instead of package constants.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/corefn/internal/logging"
	"github.com/oriys/corefn/internal/metrics"
)

// ArtefactKind distinguishes the triples spec §4.6 step 1 parses a deploy
// request into.
type ArtefactKind string

const (
	ArtefactFunction ArtefactKind = "function"
	ArtefactLayer    ArtefactKind = "layer"
	ArtefactWorkdir  ArtefactKind = "workdir"
)

// Artefact is one (deployer, destination, payload) triple.
type Artefact struct {
	Kind        ArtefactKind
	BucketID    string
	ObjectID    string
	Destination string
	IsMonopoly  bool
}

// DeployRequest names the (instance, request) pair the pipeline state
// machine is keyed by, plus its artefact sequence.
type DeployRequest struct {
	InstanceID string
	RequestID  string
	Artefacts  []Artefact
}

// promise is the single-shot shared future concurrent callers for the same
// destination wait on (spec §4.6 step 2: "concurrent calls for the same
// destination share that promise").
type promise struct {
	done chan struct{}
	err  error
}

// DeployPipeline runs the deploy state machine: parse -> per-artefact
// download (deduplicated by destination, retried) -> start -> attach, or
// fail-and-clean on any artefact error.
type DeployPipeline struct {
	cache    *DestinationCache
	deployer Deployer

	retryCount    int
	retryInterval time.Duration

	enableSignatureValidation bool

	mu       sync.Mutex
	inflight map[string]*promise // destination -> shared download promise
}

// NewDeployPipeline constructs a DeployPipeline. retryCount<=0 defaults to
// 3, retryInterval<=0 defaults to 3s, matching spec §4.6 step 4's defaults.
func NewDeployPipeline(cache *DestinationCache, deployer Deployer, retryCount int, retryInterval time.Duration, enableSignatureValidation bool) *DeployPipeline {
	if retryCount <= 0 {
		retryCount = 3
	}
	if retryInterval <= 0 {
		retryInterval = 3 * time.Second
	}
	return &DeployPipeline{
		cache:                     cache,
		deployer:                  deployer,
		retryCount:                retryCount,
		retryInterval:             retryInterval,
		enableSignatureValidation: enableSignatureValidation,
		inflight:                  make(map[string]*promise),
	}
}

// Deploy runs the full state machine for req, returning the destinations
// it successfully materialised even on error, so the caller can still
// attach/clean up whatever partially succeeded (spec §4.6 step 3).
func (p *DeployPipeline) Deploy(ctx context.Context, req DeployRequest) ([]string, error) {
	var materialised []string
	start := time.Now()

	for _, artefact := range req.Artefacts {
		if p.cache.IsDeployed(artefact.Destination, artefact.IsMonopoly) {
			materialised = append(materialised, artefact.Destination)
			continue
		}

		if err := p.downloadShared(ctx, artefact); err != nil {
			metrics.DeployDurationSeconds.WithLabelValues("error").Observe(time.Since(start).Seconds())
			p.cleanEmpty(materialised)
			return materialised, fmt.Errorf("agent: deploy request %s failed on artefact %s: %w", req.RequestID, artefact.Destination, err)
		}
		materialised = append(materialised, artefact.Destination)
	}

	metrics.DeployDurationSeconds.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	logging.Op().Info("agent: deploy request materialised", "request_id", req.RequestID, "instance", req.InstanceID, "artefacts", len(materialised))
	return materialised, nil
}

// downloadShared runs (or joins) the single-flight download+unpack for
// artefact.Destination, retrying up to p.retryCount times with
// p.retryInterval between attempts (spec §4.6 step 4).
func (p *DeployPipeline) downloadShared(ctx context.Context, artefact Artefact) error {
	p.mu.Lock()
	if pr, ok := p.inflight[artefact.Destination]; ok {
		p.mu.Unlock()
		<-pr.done
		return pr.err
	}
	pr := &promise{done: make(chan struct{})}
	p.inflight[artefact.Destination] = pr
	p.mu.Unlock()

	var err error
	for attempt := 0; attempt <= p.retryCount; attempt++ {
		err = p.deployer.Deploy(artefact.Destination, artefact)
		if err == nil {
			break
		}
		if attempt == p.retryCount {
			break
		}
		logging.Op().Warn("agent: download failed, retrying", "dest", artefact.Destination, "attempt", attempt+1, "err", err)
		timer := time.NewTimer(p.retryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
			attempt = p.retryCount // stop retrying on cancellation
		}
	}

	p.mu.Lock()
	delete(p.inflight, artefact.Destination)
	p.mu.Unlock()

	pr.err = err
	close(pr.done)
	return err
}

// cleanEmpty asks the cache to drop any destination in dests that ended up
// with a zero reference count (spec §4.6 step 3: "clean the
// partially-materialised destinations whose reference counts drop to
// zero"). Since Deploy never attaches a reference itself (Attach happens on
// instance-start success, a separate step), every entry it just
// materialised but never attached already has a zero ref count.
func (p *DeployPipeline) cleanEmpty(dests []string) {
	for _, dest := range dests {
		if p.cache.RefCount(dest) == 0 {
			p.cache.mu.Lock()
			delete(p.cache.entries, dest)
			p.cache.mu.Unlock()
		}
	}
}
