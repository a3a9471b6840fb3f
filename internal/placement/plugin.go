package placement

// FilterVerdict is the tri-state result of a Filter plugin (spec §4.4).
type FilterVerdict int

const (
	FilterOK FilterVerdict = iota
	FilterUnfeasible
	FilterFatal
)

// FilterResult is what a Filter plugin returns for one candidate unit.
type FilterResult struct {
	Verdict           FilterVerdict
	AvailableForRequest int64 // only meaningful when Verdict == FilterOK
	RequiredSummary   string  // reason text, used for unfeasible/fatal accumulation
}

// PrefilterIterator yields candidate child-unit ids with cyclic-reset
// fairness (spec §4.4 "Cyclic reset"): Reset(cur) restarts iteration at the
// element after cur, wraps back to the beginning, and stops at cur's
// original position. If cur is not present, iteration order is unchanged.
type PrefilterIterator interface {
	// Reset repositions the iterator as described above and returns the
	// full permutation it will yield.
	Reset(cur string) []string
}

// PrefilterPlugin narrows the candidate set, typically by affinity scope
// or tag (spec §4.4). PrefilterMatched selects exactly one prefilter per
// request.
type PrefilterPlugin interface {
	Name() string
	PrefilterMatched(instance InstanceInfo) bool
	Prefilter(instance InstanceInfo, unit *ResourceUnit) PrefilterIterator
}

// FilterPlugin narrows further by feasibility (spec §4.4).
type FilterPlugin interface {
	Name() string
	Filter(instance InstanceInfo, unit *ResourceUnit) FilterResult
}

// ScorePlugin ranks a feasible unit (spec §4.4). HeteroTag is an optional
// hetero-product discriminator carried alongside the score.
type ScorePlugin interface {
	Name() string
	Score(instance InstanceInfo, unit *ResourceUnit) (score int64, heteroTag string)
}

// BindPlugin is informational only (spec §4.4): it observes the final
// selection but cannot veto it.
type BindPlugin interface {
	Name() string
	Bind(instance InstanceInfo, unitID string)
}

// defaultWeight applies to every score plugin that has no weight override
// in the Framework and whose name does not end in "affinity" (spec §4.4:
// "labelled-affinity family = 100.0, others = 1.0").
const defaultWeight = 1.0

// labelledAffinityWeight is the weight for plugins in the labelled-affinity
// family.
const labelledAffinityWeight = 100.0
