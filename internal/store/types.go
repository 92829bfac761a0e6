package store

import (
	"sort"
	"strings"

	"medication-dispenser/internal/model"
)

// JoinEvents normalises a list of event kinds into the stored column form.
func JoinEvents(kinds []string) string {
	seen := make(map[string]bool, len(kinds))
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// SplitEvents is the inverse of JoinEvents.
func SplitEvents(column string) []string {
	if column == "" {
		return []string{}
	}
	return strings.Split(column, ",")
}

// Wants reports whether sub asked for events of the given kind.
func Wants(sub model.PushSubscription, kind string) bool {
	if sub.Events == "" {
		return true
	}
	for _, k := range SplitEvents(sub.Events) {
		if k == kind {
			return true
		}
	}
	return false
}
