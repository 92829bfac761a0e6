// Package summary polls the backend for the read-only display data (users,
// inventory, today's schedule, recent history) and keeps the latest copy in memory.
// It never touches the serial port or the dispense loop.
package summary

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"medication-dispenser/internal/backend"
)

// Kind names one of the cached summaries.
type Kind string

const (
	Users     Kind = "users"
	Slots     Kind = "slots"
	Schedules Kind = "schedules"
	History   Kind = "history"
)

// Kinds lists every summary in display order.
var Kinds = []Kind{Users, Slots, Schedules, History}

// ParseKind validates a kind taken from a request path.
func ParseKind(raw string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == raw {
			return k, true
		}
	}
	return "", false
}

// Source is the backend query surface the poller needs.
type Source interface {
	Users(ctx context.Context, machineID string) ([]backend.User, error)
	Slots(ctx context.Context, machineID string) ([]backend.Slot, error)
	TodaySchedules(ctx context.Context, machineID string) ([]backend.ScheduleEntry, error)
	DoseHistory(ctx context.Context, machineID string, since time.Time) ([]backend.HistoryEntry, error)
}

// Entry is a cached summary with the time it was fetched.
type Entry struct {
	Kind      Kind      `json:"kind"`
	Data      any       `json:"data"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Poller refreshes every summary on a fixed interval.
type Poller struct {
	src       Source
	machineID string
	interval  time.Duration
	loc       *time.Location
	cache     *cache.Cache
	now       func() time.Time
}

// New creates a poller. Entries that are not refreshed for three intervals expire.
func New(src Source, machineID string, interval time.Duration, loc *time.Location) *Poller {
	if loc == nil {
		loc = time.Local
	}
	return &Poller{
		src:       src,
		machineID: machineID,
		interval:  interval,
		loc:       loc,
		cache:     cache.New(3*interval, 10*interval),
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	log.Info().Dur("interval", p.interval).Msg("starting summary poller")

	p.PollOnce(ctx)

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("summary poller shutting down")
			return
		case <-timer.C:
			p.PollOnce(ctx)
			timer.Reset(p.interval)
		}
	}
}

// PollOnce refreshes each summary. A failed query keeps the previous copy of that
// summary and does not stop the others.
func (p *Poller) PollOnce(ctx context.Context) {
	now := p.now()
	fetch := func(kind Kind, get func() (any, error)) {
		data, err := get()
		if err != nil {
			log.Warn().Err(err).Str("kind", string(kind)).Msg("summary refresh failed")
			return
		}
		p.cache.SetDefault(string(kind), Entry{Kind: kind, Data: data, FetchedAt: now})
	}

	fetch(Users, func() (any, error) { return p.src.Users(ctx, p.machineID) })
	fetch(Slots, func() (any, error) { return p.src.Slots(ctx, p.machineID) })
	fetch(Schedules, func() (any, error) { return p.src.TodaySchedules(ctx, p.machineID) })
	fetch(History, func() (any, error) {
		yesterday := now.In(p.loc).AddDate(0, 0, -1)
		entries, err := p.src.DoseHistory(ctx, p.machineID, yesterday)
		if err != nil {
			return nil, err
		}
		return Condense(entries, p.loc), nil
	})
}

// Get returns the cached summary of kind.
func (p *Poller) Get(kind Kind) (Entry, bool) {
	v, ok := p.cache.Get(string(kind))
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// HistoryLine is one user's dispenses on one local day.
type HistoryLine struct {
	UserName string `json:"user_name"`
	Day      string `json:"day,omitempty"`
	// BadTime marks an entry whose timestamp could not be parsed.
	BadTime bool `json:"bad_time,omitempty"`
}

const unknownUser = "unknown user"

// Condense turns raw history into one line per (user, local day), newest first.
func Condense(entries []backend.HistoryEntry, loc *time.Location) []HistoryLine {
	sorted := make([]backend.HistoryEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].DispensedAt > sorted[j].DispensedAt })

	seen := make(map[[2]string]bool)
	lines := make([]HistoryLine, 0, len(sorted))
	for _, e := range sorted {
		name := e.UserName
		if name == "" {
			name = unknownUser
		}
		at, err := parseTimestamp(e.DispensedAt)
		if err != nil {
			lines = append(lines, HistoryLine{UserName: name, BadTime: true})
			continue
		}
		day := at.In(loc).Format(time.DateOnly)
		key := [2]string{name, day}
		if seen[key] {
			continue
		}
		seen[key] = true
		lines = append(lines, HistoryLine{UserName: name, Day: day})
	}
	return lines
}

// parseTimestamp accepts RFC 3339 with or without an offset; a missing offset means UTC.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", raw, time.UTC)
}
