// Package plugins holds the built-in Prefilter/Filter/Score plugins wired
// into internal/placement.Framework by cmd/schedulerd, grounded on the
// original implementation's policy.h plugin registry and on the teacher's
// internal/cluster/node.go for the resource-pressure scoring idiom (see
// DESIGN.md C4).
package plugins

import (
	"sort"

	"github.com/oriys/corefn/internal/placement"
)

// LabelAffinityPrefilter narrows candidates to units whose Labels[key]
// equals instance.Affinity.Value when Affinity.Kind == "resource", matching
// the "narrows by affinity scope or tag" prefilter role (spec §4.4).
// Reverts to evaluating all fragments when the instance carries no
// resource affinity so it may still be selected as the framework's single
// prefilter.
type LabelAffinityPrefilter struct {
	// Key is the label name consulted for an affinity match, e.g. "zone".
	Key string
}

func (p *LabelAffinityPrefilter) Name() string { return "LabelAffinity" }

// PrefilterMatched reports true unconditionally: this is the default
// prefilter when no more specific one is registered (spec §4.4 "Exactly
// one prefilter is selected by a PrefilterMatched(instance) probe").
func (p *LabelAffinityPrefilter) PrefilterMatched(instance placement.InstanceInfo) bool {
	return true
}

func (p *LabelAffinityPrefilter) Prefilter(instance placement.InstanceInfo, unit *placement.ResourceUnit) placement.PrefilterIterator {
	frags := unit.Fragments()
	keys := make([]string, 0, len(frags))
	want := ""
	filterByAffinity := instance.Affinity.Kind == "resource" && instance.Affinity.Value != ""
	if filterByAffinity {
		want = instance.Affinity.Value
	}
	for id, frag := range frags {
		if filterByAffinity {
			if frag == nil || frag.Labels[p.Key] != want {
				continue
			}
		}
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return placement.NewMapIterator(keys)
}

// LabelAffinityFilter rejects a candidate whose labels don't satisfy every
// key/value pair in instance.Constraints, and checks named-scalar capacity
// against instance.Resource. As a filter it carries no score weight; no
// score plugin in this package belongs to the labelled-affinity family the
// framework weights at 100.0.
type LabelAffinityFilter struct{}

func (f *LabelAffinityFilter) Name() string { return "LabelAffinity" }

func (f *LabelAffinityFilter) Filter(instance placement.InstanceInfo, unit *placement.ResourceUnit) placement.FilterResult {
	if !unit.Eligible() {
		return placement.FilterResult{Verdict: placement.FilterUnfeasible, RequiredSummary: "not NORMAL"}
	}
	for k, v := range instance.Constraints {
		if unit.Labels[k] != v {
			return placement.FilterResult{Verdict: placement.FilterUnfeasible, RequiredSummary: "label " + k + "=" + v}
		}
	}
	available := int64(-1)
	for name, want := range instance.Resource {
		have, ok := unit.Capacity[name]
		if !ok || have < want {
			return placement.FilterResult{Verdict: placement.FilterUnfeasible, RequiredSummary: "capacity " + name}
		}
		remaining := have - want
		if available < 0 || remaining < available {
			available = remaining
		}
	}
	if available < 0 {
		available = 1
	}
	return placement.FilterResult{Verdict: placement.FilterOK, AvailableForRequest: available}
}

// ResourcePressureScore ranks feasible units by how lightly loaded they
// are, adapted from the teacher's Node.ResourcePressureScore() (spec §4.4
// Score plugin role): cpu_usage_pct/mem_usage_pct/io_pressure_pct are
// read from the unit's Capacity map as 0-100 values (absent = 0, i.e. no
// observed pressure). Higher Score means more preferred, so the composite
// pressure is inverted.
type ResourcePressureScore struct{}

func (s *ResourcePressureScore) Name() string { return "ResourcePressure" }

const (
	cpuWeight = 0.4
	memWeight = 0.35
	ioWeight  = 0.25
	// scale turns the inverted 0-1 pressure fraction into an integer score
	// in [0, scale], matching the framework's int64 Score contract.
	scale = 1000
)

func (s *ResourcePressureScore) Score(instance placement.InstanceInfo, unit *placement.ResourceUnit) (int64, string) {
	cpu := float64(unit.Capacity["cpu_usage_pct"])
	mem := float64(unit.Capacity["mem_usage_pct"])
	io := float64(unit.Capacity["io_pressure_pct"])
	pressure := (cpu*cpuWeight + mem*memWeight + io*ioWeight) / 100.0
	if pressure > 1.0 {
		pressure = 1.0
	}
	if pressure < 0 {
		pressure = 0
	}
	return int64((1.0 - pressure) * scale), ""
}
