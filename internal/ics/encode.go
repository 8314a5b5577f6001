package ics

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"calsync/internal/domain"
)

const prodID = "-//calsync//CalDAV Sync//EN"

// EncodeEvent renders a local event as a complete VCALENDAR document ready
// for a CalDAV PUT. All-day events use VALUE=DATE forms, timed events full
// UTC timestamps. The UID is the event's external id when it has one, else
// its local id. The push path records external_id = local id, so the UID a
// later fetch reports back resolves to this same row instead of minting a
// duplicate. A fresh uuid is used only for events never persisted.
func EncodeEvent(e *domain.Event) (string, error) {
	if e.Title == "" {
		return "", fmt.Errorf("event %d has no title", e.ID)
	}
	if e.StartsAt.IsZero() {
		return "", fmt.Errorf("event %d has no start time", e.ID)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)

	vevent := ical.NewEvent()

	var uid string
	switch {
	case e.ExternalID != nil && *e.ExternalID != "":
		uid = *e.ExternalID
	case e.ID > 0:
		uid = strconv.FormatInt(e.ID, 10)
	default:
		uid = uuid.NewString()
	}
	vevent.Props.SetText(ical.PropUID, uid)
	vevent.Props.SetText(ical.PropSummary, e.Title)
	if e.Description != "" {
		vevent.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		vevent.Props.SetText(ical.PropLocation, e.Location)
	}
	if e.Status != "" {
		vevent.Props.SetText(ical.PropStatus, e.Status)
	}

	if e.AllDay {
		vevent.Props.SetDate(ical.PropDateTimeStart, e.StartsAt)
		if !e.EndsAt.IsZero() {
			vevent.Props.SetDate(ical.PropDateTimeEnd, e.EndsAt)
		}
	} else {
		vevent.Props.SetDateTime(ical.PropDateTimeStart, e.StartsAt.UTC())
		if !e.EndsAt.IsZero() {
			vevent.Props.SetDateTime(ical.PropDateTimeEnd, e.EndsAt.UTC())
		}
	}

	if e.RRule != "" {
		// RRULE is a RECUR value; SetText would escape its semicolons.
		rr := ical.NewProp(ical.PropRecurrenceRule)
		rr.Value = e.RRule
		vevent.Props.Set(rr)
	}

	vevent.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	if !e.CreatedAt.IsZero() {
		vevent.Props.SetDateTime(ical.PropCreated, e.CreatedAt.UTC())
	}
	if !e.UpdatedAt.IsZero() {
		vevent.Props.SetDateTime(ical.PropLastModified, e.UpdatedAt.UTC())
	}

	cal.Children = append(cal.Children, vevent.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("encode event %d: %w", e.ID, err)
	}
	return buf.String(), nil
}
