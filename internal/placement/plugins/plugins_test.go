package plugins

import (
	"testing"

	"github.com/oriys/corefn/internal/placement"
	"github.com/stretchr/testify/require"
)

func buildUnit() *placement.ResourceUnit {
	return &placement.ResourceUnit{
		ID: "root",
		Fragment: map[string]*placement.ResourceUnit{
			"a": {ID: "a", Status: placement.StatusNormal, Labels: map[string]string{"zone": "us-east"}, Capacity: map[string]int64{"cpu": 4}},
			"b": {ID: "b", Status: placement.StatusNormal, Labels: map[string]string{"zone": "us-west"}, Capacity: map[string]int64{"cpu": 4}},
			"c": {ID: "c", Status: placement.StatusEvicting, Labels: map[string]string{"zone": "us-east"}, Capacity: map[string]int64{"cpu": 4}},
		},
	}
}

func TestLabelAffinityPrefilterNoAffinityYieldsAll(t *testing.T) {
	p := &LabelAffinityPrefilter{Key: "zone"}
	unit := buildUnit()
	it := p.Prefilter(placement.InstanceInfo{}, unit)
	require.ElementsMatch(t, []string{"a", "b", "c"}, it.Reset("missing"))
}

func TestLabelAffinityPrefilterNarrowsByZone(t *testing.T) {
	p := &LabelAffinityPrefilter{Key: "zone"}
	unit := buildUnit()
	instance := placement.InstanceInfo{Affinity: placement.Affinity{Kind: "resource", Value: "us-east"}}
	it := p.Prefilter(instance, unit)
	require.ElementsMatch(t, []string{"a", "c"}, it.Reset("missing"))
}

func TestLabelAffinityFilterRejectsNonNormal(t *testing.T) {
	f := &LabelAffinityFilter{}
	unit := buildUnit()
	result := f.Filter(placement.InstanceInfo{}, unit.Fragment["c"])
	require.Equal(t, placement.FilterUnfeasible, result.Verdict)
}

func TestLabelAffinityFilterChecksCapacityAndConstraints(t *testing.T) {
	f := &LabelAffinityFilter{}
	unit := buildUnit()

	ok := f.Filter(placement.InstanceInfo{Resource: map[string]int64{"cpu": 2}, Constraints: map[string]string{"zone": "us-east"}}, unit.Fragment["a"])
	require.Equal(t, placement.FilterOK, ok.Verdict)
	require.Equal(t, int64(2), ok.AvailableForRequest)

	tooBig := f.Filter(placement.InstanceInfo{Resource: map[string]int64{"cpu": 8}}, unit.Fragment["a"])
	require.Equal(t, placement.FilterUnfeasible, tooBig.Verdict)

	wrongLabel := f.Filter(placement.InstanceInfo{Constraints: map[string]string{"zone": "eu-west"}}, unit.Fragment["a"])
	require.Equal(t, placement.FilterUnfeasible, wrongLabel.Verdict)
}

func TestResourcePressureScorePrefersLighterLoad(t *testing.T) {
	s := &ResourcePressureScore{}
	light := &placement.ResourceUnit{Capacity: map[string]int64{"cpu_usage_pct": 10, "mem_usage_pct": 10, "io_pressure_pct": 10}}
	heavy := &placement.ResourceUnit{Capacity: map[string]int64{"cpu_usage_pct": 90, "mem_usage_pct": 90, "io_pressure_pct": 90}}

	lightScore, _ := s.Score(placement.InstanceInfo{}, light)
	heavyScore, _ := s.Score(placement.InstanceInfo{}, heavy)
	require.Greater(t, lightScore, heavyScore)
}

func TestResourcePressureScoreClampsOutOfRange(t *testing.T) {
	s := &ResourcePressureScore{}
	over := &placement.ResourceUnit{Capacity: map[string]int64{"cpu_usage_pct": 500}}
	score, _ := s.Score(placement.InstanceInfo{}, over)
	require.Equal(t, int64(0), score)
}
