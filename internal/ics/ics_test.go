package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/domain"
)

func wrap(vevent string) string {
	return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
		vevent + "END:VCALENDAR\r\n"
}

func TestDecodeEvents(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantCount int
		check     func(t *testing.T, events []RemoteEvent)
	}{
		{
			name: "timed utc event",
			data: wrap("BEGIN:VEVENT\r\n" +
				"UID:ev-1\r\n" +
				"SUMMARY:Standup\r\n" +
				"DTSTART:20250301T140000Z\r\n" +
				"DTEND:20250301T143000Z\r\n" +
				"LOCATION:Room 4\r\n" +
				"END:VEVENT\r\n"),
			wantCount: 1,
			check: func(t *testing.T, events []RemoteEvent) {
				e := events[0]
				assert.Equal(t, "ev-1", e.UID)
				assert.Equal(t, "Standup", e.Summary)
				assert.Equal(t, "Room 4", e.Location)
				assert.Equal(t, time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC), e.StartsAt.UTC())
				assert.Equal(t, time.Date(2025, 3, 1, 14, 30, 0, 0, time.UTC), e.EndsAt.UTC())
				assert.False(t, e.AllDay)
			},
		},
		{
			name: "all-day date form",
			data: wrap("BEGIN:VEVENT\r\n" +
				"UID:ev-2\r\n" +
				"SUMMARY:Holiday\r\n" +
				"DTSTART;VALUE=DATE:20250301\r\n" +
				"DTEND;VALUE=DATE:20250302\r\n" +
				"END:VEVENT\r\n"),
			wantCount: 1,
			check: func(t *testing.T, events []RemoteEvent) {
				e := events[0]
				assert.True(t, e.AllDay)
				assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), e.StartsAt.UTC())
			},
		},
		{
			name: "bare eight digit value is all-day",
			data: wrap("BEGIN:VEVENT\r\n" +
				"UID:ev-3\r\n" +
				"SUMMARY:Anniversary\r\n" +
				"DTSTART:20250301\r\n" +
				"END:VEVENT\r\n"),
			wantCount: 1,
			check: func(t *testing.T, events []RemoteEvent) {
				assert.True(t, events[0].AllDay)
				assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), events[0].StartsAt.UTC())
			},
		},
		{
			name: "offset suffix preserved",
			data: wrap("BEGIN:VEVENT\r\n" +
				"UID:ev-4\r\n" +
				"SUMMARY:Call\r\n" +
				"DTSTART:20250301T090000-0500\r\n" +
				"END:VEVENT\r\n"),
			wantCount: 1,
			check: func(t *testing.T, events []RemoteEvent) {
				// 09:00 -0500 is 14:00 UTC.
				assert.Equal(t, time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC), events[0].StartsAt.UTC())
				assert.False(t, events[0].AllDay)
			},
		},
		{
			name: "escaped text values",
			data: wrap("BEGIN:VEVENT\r\n" +
				"UID:ev-5\r\n" +
				"SUMMARY:Lunch\\, then sync\r\n" +
				"DESCRIPTION:line one\\nline two\\; done\r\n" +
				"DTSTART:20250301T120000Z\r\n" +
				"END:VEVENT\r\n"),
			wantCount: 1,
			check: func(t *testing.T, events []RemoteEvent) {
				assert.Equal(t, "Lunch, then sync", events[0].Summary)
				assert.Equal(t, "line one\nline two; done", events[0].Description)
			},
		},
		{
			name: "folded line unfolds",
			data: wrap("BEGIN:VEVENT\r\n" +
				"UID:ev-6\r\n" +
				"SUMMARY:A rather long meeting na\r\n me continues here\r\n" +
				"DTSTART:20250301T120000Z\r\n" +
				"END:VEVENT\r\n"),
			wantCount: 1,
			check: func(t *testing.T, events []RemoteEvent) {
				assert.Equal(t, "A rather long meeting name continues here", events[0].Summary)
			},
		},
		{
			name: "multiple vevents in one resource",
			data: wrap("BEGIN:VEVENT\r\n" +
				"UID:series\r\n" +
				"SUMMARY:Weekly\r\n" +
				"DTSTART:20250303T100000Z\r\n" +
				"RRULE:FREQ=WEEKLY;BYDAY=MO\r\n" +
				"END:VEVENT\r\n" +
				"BEGIN:VEVENT\r\n" +
				"UID:series\r\n" +
				"SUMMARY:Weekly (moved)\r\n" +
				"DTSTART:20250311T100000Z\r\n" +
				"RECURRENCE-ID:20250310T100000Z\r\n" +
				"END:VEVENT\r\n"),
			wantCount: 2,
			check: func(t *testing.T, events []RemoteEvent) {
				assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", events[0].RRule)
				assert.Equal(t, "Weekly (moved)", events[1].Summary)
			},
		},
		{
			name: "missing summary is dropped",
			data: wrap("BEGIN:VEVENT\r\n" +
				"UID:ev-7\r\n" +
				"DTSTART:20250301T120000Z\r\n" +
				"END:VEVENT\r\n"),
			wantCount: 0,
		},
		{
			name: "missing uid is dropped",
			data: wrap("BEGIN:VEVENT\r\n" +
				"SUMMARY:No id\r\n" +
				"DTSTART:20250301T120000Z\r\n" +
				"END:VEVENT\r\n"),
			wantCount: 0,
		},
		{
			name: "invalid rrule dropped but event kept",
			data: wrap("BEGIN:VEVENT\r\n" +
				"UID:ev-8\r\n" +
				"SUMMARY:Oddly recurring\r\n" +
				"DTSTART:20250301T120000Z\r\n" +
				"RRULE:FREQ=NEVERLY\r\n" +
				"END:VEVENT\r\n"),
			wantCount: 1,
			check: func(t *testing.T, events []RemoteEvent) {
				assert.Empty(t, events[0].RRule)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, _, err := DecodeEvents(tt.data, `"etag-1"`)
			require.NoError(t, err)
			require.Len(t, events, tt.wantCount)
			for _, e := range events {
				assert.Equal(t, `"etag-1"`, e.ETag)
			}
			if tt.check != nil {
				tt.check(t, events)
			}
		})
	}
}

func TestDecodeEventsMalformedDateSkips(t *testing.T) {
	data := wrap("BEGIN:VEVENT\r\n" +
		"UID:bad\r\n" +
		"SUMMARY:Broken\r\n" +
		"DTSTART:20251301T990000Z\r\n" +
		"END:VEVENT\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:good\r\n" +
		"SUMMARY:Fine\r\n" +
		"DTSTART:20250301T120000Z\r\n" +
		"END:VEVENT\r\n")

	events, skipped, err := DecodeEvents(data, "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "good", events[0].UID)
	require.Len(t, skipped, 1)
	assert.Contains(t, skipped[0].Error(), "bad")
}

func TestDecodeEventsBareVEventBlock(t *testing.T) {
	data := "BEGIN:VEVENT\r\n" +
		"UID:bare\r\n" +
		"SUMMARY:No wrapper\r\n" +
		"DTSTART:20250301T120000Z\r\n" +
		"END:VEVENT"

	events, _, err := DecodeEvents(data, "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "bare", events[0].UID)
}

func TestDecodeEventsEmptyBody(t *testing.T) {
	_, _, err := DecodeEvents("   ", "")
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ext := "roundtrip-1"
	tests := []struct {
		name  string
		event domain.Event
	}{
		{
			name: "timed event with special characters",
			event: domain.Event{
				ID:          42,
				Title:       "Planning; with commas, and\nnewlines",
				Description: "back\\slash and; semicolon",
				Location:    "Floor 2, Room B",
				StartsAt:    time.Date(2025, 6, 10, 9, 30, 0, 0, time.UTC),
				EndsAt:      time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC),
				ExternalID:  &ext,
				CreatedAt:   time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
				UpdatedAt:   time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC),
			},
		},
		{
			name: "all-day event",
			event: domain.Event{
				ID:       43,
				Title:    "Conference day",
				StartsAt: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
				EndsAt:   time.Date(2025, 9, 2, 0, 0, 0, 0, time.UTC),
				AllDay:   true,
			},
		},
		{
			name: "recurring event",
			event: domain.Event{
				ID:       44,
				Title:    "Weekly review",
				StartsAt: time.Date(2025, 6, 9, 16, 0, 0, 0, time.UTC),
				EndsAt:   time.Date(2025, 6, 9, 16, 30, 0, 0, time.UTC),
				RRule:    "FREQ=WEEKLY;BYDAY=MO",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeEvent(&tt.event)
			require.NoError(t, err)
			assert.Contains(t, encoded, "BEGIN:VCALENDAR")
			assert.Contains(t, encoded, "PRODID:"+prodID)

			decoded, skipped, err := DecodeEvents(encoded, "")
			require.NoError(t, err)
			require.Empty(t, skipped)
			require.Len(t, decoded, 1)

			got := decoded[0]
			assert.Equal(t, tt.event.Title, got.Summary)
			assert.Equal(t, tt.event.Description, got.Description)
			assert.Equal(t, tt.event.Location, got.Location)
			assert.True(t, got.StartsAt.Equal(tt.event.StartsAt), "start: got %v want %v", got.StartsAt, tt.event.StartsAt)
			assert.True(t, got.EndsAt.Equal(tt.event.EndsAt), "end: got %v want %v", got.EndsAt, tt.event.EndsAt)
			assert.Equal(t, tt.event.AllDay, got.AllDay)
			assert.Equal(t, tt.event.RRule, got.RRule)
		})
	}
}

func TestEncodeEventUsesExternalID(t *testing.T) {
	ext := "keep-this-uid"
	e := domain.Event{
		Title:      "Pinned uid",
		StartsAt:   time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC),
		ExternalID: &ext,
	}
	encoded, err := EncodeEvent(&e)
	require.NoError(t, err)
	assert.Contains(t, encoded, "UID:keep-this-uid")
}

func TestEncodeEventUsesLocalIDAsUID(t *testing.T) {
	e := domain.Event{
		ID:       42,
		Title:    "Stable uid",
		StartsAt: time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC),
	}
	encoded, err := EncodeEvent(&e)
	require.NoError(t, err)
	// The UID must match the external_id recorded after a push, so a later
	// fetch of the pushed resource resolves to the same local row.
	assert.Contains(t, encoded, "UID:42")
}

func TestEncodeEventGeneratesUID(t *testing.T) {
	e := domain.Event{
		Title:    "Fresh",
		StartsAt: time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC),
	}
	encoded, err := EncodeEvent(&e)
	require.NoError(t, err)
	assert.Contains(t, encoded, "UID:")
	// Two encodes must not share a generated uid.
	encoded2, err := EncodeEvent(&e)
	require.NoError(t, err)
	uid1 := extractLine(encoded, "UID:")
	uid2 := extractLine(encoded2, "UID:")
	assert.NotEqual(t, uid1, uid2)
}

func TestEncodeEventRejectsIncomplete(t *testing.T) {
	_, err := EncodeEvent(&domain.Event{StartsAt: time.Now()})
	assert.Error(t, err)
	_, err = EncodeEvent(&domain.Event{Title: "no start"})
	assert.Error(t, err)
}

func extractLine(s, prefix string) string {
	for _, line := range strings.Split(s, "\r\n") {
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
	return ""
}
