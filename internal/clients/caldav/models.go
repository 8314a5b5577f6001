package caldav

import "github.com/samber/mo"

// Calendar is a discovered remote calendar collection. Rediscovered on every
// full sync; only the active calendar's href and ctag are persisted.
type Calendar struct {
	Href        string
	DisplayName string
	CTag        string
	Components  []string
}

// Object is one calendar resource returned by a calendar-query REPORT.
type Object struct {
	Href         string
	ETag         string
	CalendarData string
}

// propSet carries the DAV properties this client cares about. CalDAV servers
// routinely omit properties, so each one is optional.
type propSet struct {
	DisplayName  mo.Option[string]
	CTag         mo.Option[string]
	ETag         mo.Option[string]
	CalendarData mo.Option[string]
	Components   []string
}

// response is one <response> element of a multistatus body.
type response struct {
	Href  string
	Props propSet
}
