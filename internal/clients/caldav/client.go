// Package caldav is a CalDAV client for iCloud-style servers: calendar
// discovery over PROPFIND, time-ranged calendar-query REPORTs and conditional
// PUT writes, all over Basic authentication with an app-specific password.
package caldav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	webcaldav "github.com/emersion/go-webdav/caldav"
)

const (
	// Apple iCloud CalDAV endpoint
	DefaultiCloudURL = "https://caldav.icloud.com"

	defaultTimeout = 30 * time.Second

	// CalDAV UTC basic format for time-range filters.
	timeRangeFormat = "20060102T150405Z"
)

// ErrPreconditionFailed is returned by PutEvent when the target resource
// already exists remotely (HTTP 412 against If-None-Match: *).
var ErrPreconditionFailed = fmt.Errorf("remote resource already exists")

// StatusError is any non-2xx, non-412 CalDAV response. The transport never
// retries; callers decide retry/skip policy.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, body)
}

// Client is a CalDAV client bound to one account.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewClient creates a client for the given server and credentials. An empty
// baseURL defaults to iCloud.
func NewClient(baseURL, username, password string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultiCloudURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: username,
		password: password,
		http: &http.Client{
			Transport: &basicAuthTransport{username: username, password: password},
			Timeout:   timeout,
		},
	}
}

// IsConfigured returns true if the client has credentials.
func (c *Client) IsConfigured() bool {
	return c.username != "" && c.password != ""
}

// basicAuthTransport adds Basic Auth to every request.
type basicAuthTransport struct {
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	return http.DefaultTransport.RoundTrip(req)
}

// calendarHome resolves the account's calendar-home collection. The principal
// lookup handles servers that shard accounts across hosts (iCloud redirects to
// pXX-caldav endpoints); when it fails the conventional
// /{username}/calendars/ path is used instead.
func (c *Client) calendarHome(ctx context.Context) string {
	dav, err := webcaldav.NewClient(c.http, c.baseURL)
	if err == nil {
		principal, perr := dav.FindCurrentUserPrincipal(ctx)
		if perr == nil {
			home, herr := dav.FindCalendarHomeSet(ctx, principal)
			if herr == nil && home != "" {
				return home
			}
		}
	}
	return "/" + c.username + "/calendars/"
}

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:cs="http://calendarserver.org/ns/">
  <d:prop>
    <d:displayname/>
    <c:calendar-description/>
    <c:supported-calendar-component-set/>
    <cs:getctag/>
  </d:prop>
</d:propfind>`

// FindCalendars enumerates the account's calendar collections. Only entries
// that look like calendars (href ending in /, with both a display name and a
// ctag) are returned; the rest are skipped silently. An empty result is valid.
func (c *Client) FindCalendars(ctx context.Context) ([]Calendar, error) {
	home := c.calendarHome(ctx)

	body, err := c.request(ctx, "PROPFIND", home, propfindBody)
	if err != nil {
		return nil, err
	}

	responses, err := parseMultistatus(body)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	var calendars []Calendar
	for _, resp := range responses {
		if !strings.HasSuffix(resp.Href, "/") {
			continue
		}
		name, okName := resp.Props.DisplayName.Get()
		ctag, okCTag := resp.Props.CTag.Get()
		if !okName || !okCTag || name == "" || ctag == "" {
			continue
		}
		calendars = append(calendars, Calendar{
			Href:        resp.Href,
			DisplayName: name,
			CTag:        ctag,
			Components:  resp.Props.Components,
		})
	}
	return calendars, nil
}

const reportBodyFmt = `<?xml version="1.0" encoding="utf-8" ?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:getetag/>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT">
        <c:time-range start="%s" end="%s"/>
      </c:comp-filter>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`

// QueryEvents issues a calendar-query REPORT for VEVENTs within [start, end]
// and returns every resource that carries calendar-data.
func (c *Client) QueryEvents(ctx context.Context, calendarHref string, start, end time.Time) ([]Object, error) {
	reportBody := fmt.Sprintf(reportBodyFmt,
		start.UTC().Format(timeRangeFormat), end.UTC().Format(timeRangeFormat))

	body, err := c.request(ctx, "REPORT", calendarHref, reportBody)
	if err != nil {
		return nil, err
	}

	responses, err := parseMultistatus(body)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	var objects []Object
	for _, resp := range responses {
		data, ok := resp.Props.CalendarData.Get()
		if !ok || strings.TrimSpace(data) == "" {
			continue
		}
		objects = append(objects, Object{
			Href:         resp.Href,
			ETag:         resp.Props.ETag.OrElse(""),
			CalendarData: data,
		})
	}
	return objects, nil
}

// PutEvent creates a calendar resource at href with create-only semantics
// (If-None-Match: *). It returns the response ETag on success and
// ErrPreconditionFailed when the resource already exists.
func (c *Client) PutEvent(ctx context.Context, href, icsBody string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.resolve(href), strings.NewReader(icsBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	req.Header.Set("If-None-Match", "*")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("PUT %s: %w", href, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPreconditionFailed {
		return "", ErrPreconditionFailed
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{Method: "PUT", URL: href, StatusCode: resp.StatusCode, Body: string(body)}
	}

	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

// request performs a Depth:1 XML-bodied CalDAV call and returns the raw
// multistatus body.
func (c *Client) request(ctx context.Context, method, href, body string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(href), strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "1")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", method, href, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%s %s: read body: %w", method, href, err)
	}

	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return "", &StatusError{Method: method, URL: href, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return string(raw), nil
}

// resolve joins an href (absolute or server-relative) with the base URL.
// iCloud home sets come back as absolute URLs on a different host.
func (c *Client) resolve(href string) string {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return c.baseURL + href
	}
	return base.ResolveReference(ref).String()
}
