package placement

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type alwaysPrefilter struct{ order []string }

func (p *alwaysPrefilter) Name() string                                { return "always" }
func (p *alwaysPrefilter) PrefilterMatched(InstanceInfo) bool          { return true }
func (p *alwaysPrefilter) Prefilter(InstanceInfo, *ResourceUnit) PrefilterIterator {
	return NewMapIterator(p.order)
}

type acceptFilter struct{}

func (acceptFilter) Name() string { return "accept" }
func (acceptFilter) Filter(InstanceInfo, *ResourceUnit) FilterResult {
	return FilterResult{Verdict: FilterOK, AvailableForRequest: 1}
}

type equalScore struct{}

func (equalScore) Name() string { return "equal" }
func (equalScore) Score(InstanceInfo, *ResourceUnit) (int64, string) { return 10, "" }

func buildUnit(ids ...string) *ResourceUnit {
	u := &ResourceUnit{ID: "root", Fragment: make(map[string]*ResourceUnit)}
	for _, id := range ids {
		u.Fragment[id] = &ResourceUnit{ID: id, Status: StatusNormal}
	}
	return u
}

func TestCyclicFairnessAcrossCalls(t *testing.T) {
	fw := NewFramework(1)
	fw.RegisterPrefilter(&alwaysPrefilter{order: []string{"a", "b", "c"}})
	fw.RegisterFilter(acceptFilter{})
	fw.RegisterScore(equalScore{}, 0)

	unit := buildUnit("a", "b", "c")
	var tops []string
	for i := 0; i < 3; i++ {
		out, err := fw.SelectFeasible(InstanceInfo{}, unit, 0)
		require.NoError(t, err)
		require.NotEmpty(t, out)
		tops = append(tops, out[0].UnitID)
	}
	require.Equal(t, []string{"a", "b", "c"}, tops)
}

func TestMapIteratorResetPermutation(t *testing.T) {
	it := NewMapIterator([]string{"a", "b", "c", "d"})
	require.Equal(t, []string{"c", "d", "a", "b"}, it.Reset("b"))
	require.Equal(t, []string{"a", "b", "c", "d"}, it.Reset("missing"))
}

type fatalAfterFirstFilter struct{ calls int }

func (f *fatalAfterFirstFilter) Name() string { return "fatal-second" }
func (f *fatalAfterFirstFilter) Filter(InstanceInfo, *ResourceUnit) FilterResult {
	f.calls++
	if f.calls > 1 {
		return FilterResult{Verdict: FilterFatal, RequiredSummary: "boom"}
	}
	return FilterResult{Verdict: FilterOK, AvailableForRequest: 1}
}

func TestFatalFilterAbortsSelection(t *testing.T) {
	fw := NewFramework(-1)
	fw.RegisterPrefilter(&alwaysPrefilter{order: []string{"a", "b"}})
	fw.RegisterFilter(&fatalAfterFirstFilter{})
	fw.RegisterScore(equalScore{}, 0)

	unit := buildUnit("a", "b")
	_, err := fw.SelectFeasible(InstanceInfo{}, unit, 0)
	require.Error(t, err)
}

func TestResourceNotEnoughOnEmptyHeap(t *testing.T) {
	fw := NewFramework(-1)
	fw.RegisterPrefilter(&alwaysPrefilter{order: []string{"a"}})
	fw.RegisterFilter(rejectFilter{})
	fw.RegisterScore(equalScore{}, 0)

	unit := buildUnit("a")
	_, err := fw.SelectFeasible(InstanceInfo{}, unit, 0)
	require.Error(t, err)
}

type rejectFilter struct{}

func (rejectFilter) Name() string { return "reject" }
func (rejectFilter) Filter(InstanceInfo, *ResourceUnit) FilterResult {
	return FilterResult{Verdict: FilterUnfeasible, RequiredSummary: "needs gpu"}
}

func TestNonNormalUnitNeverParticipates(t *testing.T) {
	fw := NewFramework(-1)
	fw.RegisterPrefilter(&alwaysPrefilter{order: []string{"a"}})
	fw.RegisterFilter(acceptFilter{})
	fw.RegisterScore(equalScore{}, 0)

	unit := &ResourceUnit{ID: "root", Fragment: map[string]*ResourceUnit{
		"a": {ID: "a", Status: StatusEvicting},
	}}
	_, err := fw.SelectFeasible(InstanceInfo{}, unit, 0)
	require.Error(t, err)
}
