// Package ics decodes and encodes iCalendar (RFC 5545) event data for CalDAV
// sync. Line unfolding, text escaping and the property grammar come from
// emersion/go-ical; this package adds the date-form handling and field mapping
// the sync engine needs.
package ics

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// RemoteEvent is one decoded VEVENT. Transient: it exists only within a single
// sync pass.
type RemoteEvent struct {
	UID         string
	Summary     string
	Description string
	Location    string
	StartsAt    time.Time
	EndsAt      time.Time
	AllDay      bool
	RRule       string
	Status      string
	ETag        string
}

// Usable reports whether the event carries the minimum fields sync needs.
func (e *RemoteEvent) Usable() bool {
	return e.UID != "" && e.Summary != "" && !e.StartsAt.IsZero()
}

// DecodeEvents decodes every VEVENT in a calendar-data body, attaching etag to
// each. A single CalDAV resource may embed multiple VEVENTs (recurrence
// overrides). Blocks lacking UID, SUMMARY or DTSTART are dropped without
// comment; blocks with malformed dates or rules are reported in skipped so the
// caller can log them. Only an unreadable body yields a non-nil error.
func DecodeEvents(calendarData, etag string) (events []RemoteEvent, skipped []error, err error) {
	data := strings.TrimSpace(calendarData)
	if data == "" {
		return nil, nil, fmt.Errorf("empty calendar data")
	}
	// Tolerate a bare VEVENT block by wrapping it.
	if strings.HasPrefix(data, "BEGIN:VEVENT") {
		data = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//calsync//CalDAV Sync//EN\r\n" + data + "\r\nEND:VCALENDAR\r\n"
	}

	dec := ical.NewDecoder(strings.NewReader(data))
	for {
		cal, derr := dec.Decode()
		if derr == io.EOF {
			break
		}
		if derr != nil {
			if len(events) > 0 || len(skipped) > 0 {
				break
			}
			return nil, nil, fmt.Errorf("decode calendar: %w", derr)
		}

		for _, comp := range cal.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			ev, cerr := decodeComponent(comp, etag)
			if cerr != nil {
				skipped = append(skipped, cerr)
				continue
			}
			if !ev.Usable() {
				continue
			}
			events = append(events, ev)
		}
	}

	return events, skipped, nil
}

func decodeComponent(comp *ical.Component, etag string) (RemoteEvent, error) {
	ev := RemoteEvent{ETag: etag}

	if p := comp.Props.Get(ical.PropUID); p != nil {
		ev.UID = p.Value
	}
	ev.Summary = textProp(comp, ical.PropSummary)
	ev.Description = textProp(comp, ical.PropDescription)
	ev.Location = textProp(comp, ical.PropLocation)
	if p := comp.Props.Get(ical.PropStatus); p != nil {
		ev.Status = p.Value
	}

	if p := comp.Props.Get(ical.PropDateTimeStart); p != nil {
		t, allDay, err := parseDateProp(p)
		if err != nil {
			return ev, fmt.Errorf("event %q: DTSTART %q: %w", ev.UID, p.Value, err)
		}
		ev.StartsAt = t
		ev.AllDay = allDay
	}
	if p := comp.Props.Get(ical.PropDateTimeEnd); p != nil {
		t, _, err := parseDateProp(p)
		if err != nil {
			return ev, fmt.Errorf("event %q: DTEND %q: %w", ev.UID, p.Value, err)
		}
		ev.EndsAt = t
	}

	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		if _, err := rrule.StrToRRule(p.Value); err != nil {
			// Keep the event, drop the unusable rule.
			return ev, nil
		}
		ev.RRule = p.Value
	}

	return ev, nil
}

// textProp returns the unescaped text value of a property, falling back to
// the raw value when the property does not carry a TEXT type.
func textProp(comp *ical.Component, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	if s, err := p.Text(); err == nil {
		return s
	}
	return p.Value
}

// parseDateProp handles the three DTSTART/DTEND value forms:
//
//	YYYYMMDD               all-day date, midnight UTC
//	YYYYMMDDTHHMMSS[Z]     date-time, UTC when Z or no offset
//	YYYYMMDDTHHMMSS±HHMM   date-time with preserved offset
func parseDateProp(p *ical.Prop) (time.Time, bool, error) {
	v := strings.TrimSpace(p.Value)

	isDate := p.Params.Get(ical.ParamValue) == string(ical.ValueDate)
	if isDate || (len(v) == 8 && !strings.Contains(v, "T")) {
		t, err := time.ParseInLocation("20060102", v, time.UTC)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, true, nil
	}

	if !strings.Contains(v, "T") {
		return time.Time{}, false, fmt.Errorf("unrecognized date form")
	}

	// Offset-carrying or Z-suffixed form first.
	if t, err := time.Parse("20060102T150405Z0700", v); err == nil {
		return t, false, nil
	}
	// Floating local time is treated as UTC.
	t, err := time.ParseInLocation("20060102T150405", v, time.UTC)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, false, nil
}
