package placement

import (
	"fmt"
	"sort"
)

// AggregatedStatus accumulates why candidate units were rejected during one
// SelectFeasible call, so an empty-feasible-heap failure can report a
// meaningful reason instead of a bare "nothing matched" (spec §4.4
// "Failure surface", grounded on framework_impl.cpp's AggregatedStatus).
type AggregatedStatus struct {
	byReason map[string][]string // reason -> unit ids rejected for it
}

func newAggregatedStatus() *AggregatedStatus {
	return &AggregatedStatus{byReason: make(map[string][]string)}
}

// Record notes that unitID was rejected for reason.
func (a *AggregatedStatus) Record(unitID, reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	a.byReason[reason] = append(a.byReason[reason], unitID)
}

// Empty reports whether nothing was ever recorded.
func (a *AggregatedStatus) Empty() bool {
	return len(a.byReason) == 0
}

// Reason renders the single most frequent rejection reason as
// "N units with <reason> requirements: [<unit ids>]", listing the sorted
// ids of the units rejected for that reason (spec §4.4).
func (a *AggregatedStatus) Reason() string {
	if a.Empty() {
		return "0 units with unknown requirements: []"
	}
	var bestReason string
	var bestUnits []string
	for reason, units := range a.byReason {
		if len(units) > len(bestUnits) || (len(units) == len(bestUnits) && reason < bestReason) {
			bestReason = reason
			bestUnits = units
		}
	}
	sorted := append([]string(nil), bestUnits...)
	sort.Strings(sorted)
	return fmt.Sprintf("%d units with %s requirements: %v", len(sorted), bestReason, sorted)
}
