package placement

import (
	"container/heap"
	"sync"

	"github.com/oriys/corefn/internal/errs"
	"github.com/oriys/corefn/internal/metrics"
)

// FeasibleUnit is one ranked result of SelectFeasible.
type FeasibleUnit struct {
	UnitID              string
	Score               int64
	AvailableForRequest int64
	HeteroTag           string
}

// feasibleHeap is a max-heap by Score (container/heap replaces the
// original's std::priority_queue, per spec §9).
type feasibleHeap []FeasibleUnit

func (h feasibleHeap) Len() int            { return len(h) }
func (h feasibleHeap) Less(i, j int) bool  { return h[i].Score > h[j].Score }
func (h feasibleHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *feasibleHeap) Push(x interface{}) { *h = append(*h, x.(FeasibleUnit)) }
func (h *feasibleHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Framework registers plugins and runs the prefilter/filter/score pipeline
// once per request (spec §4.4).
type Framework struct {
	mu         sync.RWMutex
	prefilters []PrefilterPlugin
	filters    []FilterPlugin
	scorers    []ScorePlugin
	binders    []BindPlugin
	weights    map[string]float64

	// relaxed is the framework-configured early-stop threshold; -1
	// disables early stop entirely (exhaustive scan), per spec §4.4.
	relaxed int

	lastMu       sync.Mutex
	lastSelected map[string]string // top-level unit id -> last-visited child id
}

// NewFramework constructs an empty Framework. relaxed is the default
// early-stop threshold (-1 disables it).
func NewFramework(relaxed int) *Framework {
	return &Framework{
		weights:      make(map[string]float64),
		relaxed:      relaxed,
		lastSelected: make(map[string]string),
	}
}

// RegisterPrefilter appends a prefilter plugin, preserving registration
// order for PrefilterMatched probing (spec §9 "explicit registry object").
func (f *Framework) RegisterPrefilter(p PrefilterPlugin) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefilters = append(f.prefilters, p)
}

// RegisterFilter appends a filter plugin, preserving registration order —
// filters run in this order and the first fatal one aborts (spec §4.4).
func (f *Framework) RegisterFilter(p FilterPlugin) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, p)
}

// RegisterScore appends a score plugin with an optional weight override
// (0 uses the default weight rule: 100.0 for the "labelled-affinity"
// family, 1.0 otherwise).
func (f *Framework) RegisterScore(p ScorePlugin, weight float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scorers = append(f.scorers, p)
	if weight != 0 {
		f.weights[p.Name()] = weight
	}
}

// RegisterBind appends a bind plugin (informational only, spec §4.4).
func (f *Framework) RegisterBind(p BindPlugin) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binders = append(f.binders, p)
}

func (f *Framework) weightFor(name string) float64 {
	if w, ok := f.weights[name]; ok {
		return w
	}
	if len(name) >= len("affinity") && name[len(name)-len("affinity"):] == "affinity" {
		return labelledAffinityWeight
	}
	return defaultWeight
}

// SelectFeasible runs the pipeline once for instance against unit,
// returning a score-descending heap of feasible children. expectedFeasible
// is the caller-requested minimum before early stop may apply; see spec
// §4.4's "Main loop" and "Cyclic reset".
func (f *Framework) SelectFeasible(instance InstanceInfo, unit *ResourceUnit, expectedFeasible int) ([]FeasibleUnit, error) {
	f.mu.RLock()
	prefilters := f.prefilters
	filters := f.filters
	scorers := f.scorers
	f.mu.RUnlock()

	var matched PrefilterPlugin
	for _, p := range prefilters {
		if p.PrefilterMatched(instance) {
			matched = p
			break
		}
	}
	if matched == nil {
		metrics.SchedulerSelections.WithLabelValues("no_prefilter").Inc()
		return nil, errs.New(errs.CodeSchedulePluginConfig, "no prefilter matched this request")
	}
	if len(filters) == 0 {
		metrics.SchedulerSelections.WithLabelValues("no_filters").Inc()
		return nil, errs.New(errs.CodeSchedulePluginConfig, "no filter plugins registered")
	}

	iter := matched.Prefilter(instance, unit)
	f.lastMu.Lock()
	cur := f.lastSelected[unit.ID]
	f.lastMu.Unlock()
	candidates := iter.Reset(cur)

	disableEarlyStop := f.relaxed == -1
	threshold := f.relaxed
	if expectedFeasible > threshold {
		threshold = expectedFeasible
	}

	aggregated := newAggregatedStatus()
	h := &feasibleHeap{}
	heap.Init(h)

	var lastVisited string

candidateLoop:
	for _, id := range candidates {
		lastVisited = id
		child := unit.Fragment[id]
		if !child.Eligible() {
			aggregated.Record(id, "not NORMAL")
			continue
		}

		var minAvail int64 = -1
		for _, filt := range filters {
			res := filt.Filter(instance, child)
			switch res.Verdict {
			case FilterFatal:
				metrics.SchedulerSelections.WithLabelValues("fatal").Inc()
				return nil, errs.New(errs.CodeSchedulePluginConfig, res.RequiredSummary)
			case FilterUnfeasible:
				aggregated.Record(id, res.RequiredSummary)
				metrics.SchedulerFilterRejections.WithLabelValues(filt.Name()).Inc()
				continue candidateLoop
			case FilterOK:
				if res.AvailableForRequest > 0 && (minAvail == -1 || res.AvailableForRequest < minAvail) {
					minAvail = res.AvailableForRequest
				}
			}
		}

		var score int64
		var heteroTag string
		for _, sc := range scorers {
			s, tag := sc.Score(instance, child)
			score += int64(float64(s) * f.weightFor(sc.Name()))
			if tag != "" {
				heteroTag = tag
			}
		}

		heap.Push(h, FeasibleUnit{UnitID: id, Score: score, AvailableForRequest: minAvail, HeteroTag: heteroTag})

		if !disableEarlyStop && h.Len() >= threshold && threshold > 0 {
			break
		}
	}

	f.lastMu.Lock()
	f.lastSelected[unit.ID] = lastVisited
	f.lastMu.Unlock()

	metrics.SchedulerHeapSize.Observe(float64(h.Len()))

	if h.Len() == 0 {
		metrics.SchedulerSelections.WithLabelValues("resource_not_enough").Inc()
		return nil, errs.New(errs.CodeResourceNotEnough, aggregated.Reason())
	}

	out := make([]FeasibleUnit, 0, h.Len())
	for h.Len() > 0 {
		out = append(out, heap.Pop(h).(FeasibleUnit))
	}
	metrics.SchedulerSelections.WithLabelValues("ok").Inc()
	return out, nil
}
