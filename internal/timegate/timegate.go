// Package timegate decides which dose phases may be dispensed at a given wall-clock hour.
package timegate

import (
	"sort"

	"medication-dispenser/internal/dose"
)

// Boundaries between slots, in hours. Before MorningStart nothing may be dispensed.
const (
	MorningStart   = 6
	AfternoonStart = 12
	EveningStart   = 18
)

// CurrentSlot maps an hour (0-23) to the active slot. It returns false between
// midnight and MorningStart, when dispensing is disallowed.
func CurrentSlot(hour int) (dose.TimeOfDay, bool) {
	switch {
	case hour >= MorningStart && hour < AfternoonStart:
		return dose.Morning, true
	case hour >= AfternoonStart && hour < EveningStart:
		return dose.Afternoon, true
	case hour >= EveningStart && hour < 24:
		return dose.Evening, true
	default:
		return "", false
	}
}

// AllowedPhases returns the phases that may still be dispensed during slot: the slot
// itself and every later one. An unknown or empty slot allows nothing.
func AllowedPhases(slot dose.TimeOfDay) map[dose.TimeOfDay]bool {
	allowed := make(map[dose.TimeOfDay]bool, 3)
	start, ok := slot.Ordinal()
	if !ok {
		return allowed
	}
	for _, t := range dose.All[start:] {
		allowed[t] = true
	}
	return allowed
}

// Filter keeps the phases allowed during slot, dropping any with a missing or
// unrecognised time of day, and returns them in canonical order. Duplicate
// times of day are kept side by side in their original relative order.
func Filter(schedule []dose.Phase, slot dose.TimeOfDay) []dose.Phase {
	allowed := AllowedPhases(slot)
	out := make([]dose.Phase, 0, len(schedule))
	for _, p := range schedule {
		if !p.TimeOfDay.Valid() || !allowed[p.TimeOfDay] {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		oi, _ := out[i].TimeOfDay.Ordinal()
		oj, _ := out[j].TimeOfDay.Ordinal()
		return oi < oj
	})
	return out
}
