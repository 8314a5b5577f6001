package caldav

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const calendarListFixture = `<?xml version="1.0" encoding="UTF-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:cs="http://calendarserver.org/ns/">
  <d:response>
    <d:href>/123456/calendars/</d:href>
    <d:propstat>
      <d:prop>
        <d:displayname>Calendars</d:displayname>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/123456/calendars/home/</d:href>
    <d:propstat>
      <d:prop>
        <d:displayname>Home</d:displayname>
        <cs:getctag>ctag-home-7</cs:getctag>
        <c:supported-calendar-component-set>
          <c:comp name="VEVENT"/>
          <c:comp name="VTODO"/>
        </c:supported-calendar-component-set>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/123456/calendars/work/</d:href>
    <d:propstat>
      <d:prop>
        <d:displayname>Work &amp; Travel</d:displayname>
        <cs:getctag>ctag-work-3</cs:getctag>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`

const reportFixture = `<?xml version="1.0" encoding="UTF-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/123456/calendars/home/ev-1.ics</d:href>
    <d:propstat>
      <d:prop>
        <d:getetag>"etag-1"</d:getetag>
        <c:calendar-data>BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
UID:ev-1
SUMMARY:Standup
DTSTART:20250301T140000Z
END:VEVENT
END:VCALENDAR</c:calendar-data>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`

// Both parse paths must agree on the same fixtures: malformed multistatus
// bodies are common enough that the regex fallback has to stay honest.
func TestParseMultistatusBothPaths(t *testing.T) {
	parsers := map[string]func(string) []response{
		"xml": func(body string) []response {
			out, err := parseMultistatusXML(body)
			require.NoError(t, err)
			return out
		},
		"regex": parseMultistatusRegex,
	}

	for name, parse := range parsers {
		t.Run(name+" calendar list", func(t *testing.T) {
			responses := parse(calendarListFixture)
			require.Len(t, responses, 3)

			root := responses[0]
			assert.Equal(t, "/123456/calendars/", root.Href)
			assert.False(t, root.Props.CTag.IsPresent())

			home := responses[1]
			assert.Equal(t, "Home", home.Props.DisplayName.OrElse(""))
			assert.Equal(t, "ctag-home-7", home.Props.CTag.OrElse(""))

			work := responses[2]
			assert.Equal(t, "Work & Travel", work.Props.DisplayName.OrElse(""))
			assert.Equal(t, "ctag-work-3", work.Props.CTag.OrElse(""))
		})

		t.Run(name+" report", func(t *testing.T) {
			responses := parse(reportFixture)
			require.Len(t, responses, 1)

			r := responses[0]
			assert.Equal(t, "/123456/calendars/home/ev-1.ics", r.Href)
			assert.Equal(t, "etag-1", r.Props.ETag.OrElse(""))
			data := r.Props.CalendarData.OrElse("")
			assert.Contains(t, data, "UID:ev-1")
			assert.Contains(t, data, "SUMMARY:Standup")
		})
	}
}

func TestParseMultistatusComponentSet(t *testing.T) {
	responses, err := parseMultistatusXML(calendarListFixture)
	require.NoError(t, err)
	assert.Equal(t, []string{"VEVENT", "VTODO"}, responses[1].Props.Components)
}

func TestParseMultistatusFallsBackOnBrokenXML(t *testing.T) {
	// Unclosed propstat: the XML parse fails, the regex path still finds
	// the href/ctag pairs.
	broken := `<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/u/calendars/main/</d:href>
    <d:propstat>
      <d:prop>
        <d:displayname>Main</d:displayname>
        <cs:getctag>ctag-9</cs:getctag>
      </d:prop>
  </d:response>
</d:multistatus>`

	_, err := parseMultistatusXML(broken)
	require.Error(t, err)

	responses, err := parseMultistatus(broken)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "/u/calendars/main/", responses[0].Href)
	assert.Equal(t, "ctag-9", responses[0].Props.CTag.OrElse(""))
}

func TestParseMultistatusRejectsGarbage(t *testing.T) {
	_, err := parseMultistatus("not xml at all")
	assert.Error(t, err)
}

func TestParseMultistatusNon200PropstatIgnored(t *testing.T) {
	body := `<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:response>
    <d:href>/u/calendars/main/</d:href>
    <d:propstat>
      <d:prop><d:displayname>Main</d:displayname></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
    <d:propstat>
      <d:prop><cs:getctag/></d:prop>
      <d:status>HTTP/1.1 404 Not Found</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`

	responses, err := parseMultistatusXML(body)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "Main", responses[0].Props.DisplayName.OrElse(""))
	assert.False(t, responses[0].Props.CTag.IsPresent())
}
