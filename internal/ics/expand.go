package ics

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"calsync/internal/domain"
)

// Safety cap so a pathological rule cannot blow up a listing request.
const maxOccurrencesPerEvent = 1000

// Occurrence is one concrete instance of an event within a query window.
type Occurrence struct {
	Event    *domain.Event
	StartsAt time.Time
	EndsAt   time.Time
}

// ExpandOccurrences turns stored events into concrete occurrences within
// [from, to]. Non-recurring events contribute at most one occurrence;
// recurring events are expanded through their RRULE with the original
// duration preserved. Events whose rule fails to parse fall back to their
// stored start time. Results are ordered by start time.
func ExpandOccurrences(events []*domain.Event, from, to time.Time) []Occurrence {
	var out []Occurrence

	for _, e := range events {
		dur := e.EndsAt.Sub(e.StartsAt)
		if e.EndsAt.IsZero() || dur < 0 {
			dur = 0
		}

		if !e.Recurring() {
			if overlaps(e.StartsAt, e.EndsAt, from, to) {
				out = append(out, Occurrence{Event: e, StartsAt: e.StartsAt, EndsAt: e.EndsAt})
			}
			continue
		}

		r, err := rrule.StrToRRule(e.RRule)
		if err != nil {
			if overlaps(e.StartsAt, e.EndsAt, from, to) {
				out = append(out, Occurrence{Event: e, StartsAt: e.StartsAt, EndsAt: e.EndsAt})
			}
			continue
		}
		r.DTStart(e.StartsAt)

		starts := r.Between(from.Add(-dur), to, true)
		if len(starts) > maxOccurrencesPerEvent {
			starts = starts[:maxOccurrencesPerEvent]
		}
		for _, s := range starts {
			end := time.Time{}
			if !e.EndsAt.IsZero() {
				end = s.Add(dur)
			}
			if !overlaps(s, end, from, to) {
				continue
			}
			out = append(out, Occurrence{Event: e, StartsAt: s, EndsAt: end})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out
}

func overlaps(start, end, from, to time.Time) bool {
	if end.IsZero() {
		end = start
	}
	return !start.After(to) && !end.Before(from)
}
