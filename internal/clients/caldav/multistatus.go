package caldav

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/beevik/etree"
	"github.com/samber/mo"
)

// parseMultistatus parses a CalDAV multistatus body. The primary path is a
// real XML parse with etree, matching tags by local name so namespace prefix
// choices (d:, D:, none) don't matter. Malformed multistatus bodies are common
// across CalDAV server implementations, so when the XML parse fails the
// degraded regex path extracts the property pairs directly.
func parseMultistatus(body string) ([]response, error) {
	responses, err := parseMultistatusXML(body)
	if err == nil {
		return responses, nil
	}

	responses = parseMultistatusRegex(body)
	if len(responses) == 0 {
		return nil, fmt.Errorf("parse multistatus: %w", err)
	}
	return responses, nil
}

func parseMultistatusXML(body string) ([]response, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(body); err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty document")
	}
	if !strings.EqualFold(root.Tag, "multistatus") {
		return nil, fmt.Errorf("unexpected root element %q", root.Tag)
	}

	var out []response
	for _, respElem := range root.SelectElements("response") {
		resp := response{}
		if href := respElem.SelectElement("href"); href != nil {
			resp.Href = strings.TrimSpace(href.Text())
		}

		for _, propstat := range respElem.SelectElements("propstat") {
			if status := propstat.SelectElement("status"); status != nil {
				if !strings.Contains(status.Text(), "200") {
					continue
				}
			}
			prop := propstat.SelectElement("prop")
			if prop == nil {
				continue
			}
			for _, child := range prop.ChildElements() {
				switch strings.ToLower(child.Tag) {
				case "displayname":
					resp.Props.DisplayName = mo.Some(strings.TrimSpace(child.Text()))
				case "getctag":
					resp.Props.CTag = mo.Some(strings.TrimSpace(child.Text()))
				case "getetag":
					resp.Props.ETag = mo.Some(strings.Trim(strings.TrimSpace(child.Text()), `"`))
				case "calendar-data":
					resp.Props.CalendarData = mo.Some(child.Text())
				case "supported-calendar-component-set":
					for _, comp := range child.ChildElements() {
						if name := comp.SelectAttrValue("name", ""); name != "" {
							resp.Props.Components = append(resp.Props.Components, name)
						}
					}
				}
			}
		}
		out = append(out, resp)
	}
	return out, nil
}

var (
	responseRe = regexp.MustCompile(`(?s)<(?:[A-Za-z0-9_-]+:)?response[\s>](.*?)</(?:[A-Za-z0-9_-]+:)?response>`)
	hrefRe     = regexp.MustCompile(`(?s)<(?:[A-Za-z0-9_-]+:)?href[^>]*>(.*?)</(?:[A-Za-z0-9_-]+:)?href>`)
	propRes    = map[string]*regexp.Regexp{
		"displayname":   regexp.MustCompile(`(?s)<(?:[A-Za-z0-9_-]+:)?displayname[^>]*>(.*?)</(?:[A-Za-z0-9_-]+:)?displayname>`),
		"getctag":       regexp.MustCompile(`(?s)<(?:[A-Za-z0-9_-]+:)?getctag[^>]*>(.*?)</(?:[A-Za-z0-9_-]+:)?getctag>`),
		"getetag":       regexp.MustCompile(`(?s)<(?:[A-Za-z0-9_-]+:)?getetag[^>]*>(.*?)</(?:[A-Za-z0-9_-]+:)?getetag>`),
		"calendar-data": regexp.MustCompile(`(?s)<(?:[A-Za-z0-9_-]+:)?calendar-data[^>]*>(.*?)</(?:[A-Za-z0-9_-]+:)?calendar-data>`),
	}
)

// parseMultistatusRegex is the degraded path: it scoops response blocks and
// the handful of properties sync needs out of a body the XML parser rejected.
func parseMultistatusRegex(body string) []response {
	var out []response
	for _, m := range responseRe.FindAllStringSubmatch(body, -1) {
		block := m[1]
		resp := response{}
		if h := hrefRe.FindStringSubmatch(block); h != nil {
			resp.Href = strings.TrimSpace(xmlUnescape(h[1]))
		}
		if v := propRes["displayname"].FindStringSubmatch(block); v != nil {
			resp.Props.DisplayName = mo.Some(strings.TrimSpace(xmlUnescape(v[1])))
		}
		if v := propRes["getctag"].FindStringSubmatch(block); v != nil {
			resp.Props.CTag = mo.Some(strings.TrimSpace(xmlUnescape(v[1])))
		}
		if v := propRes["getetag"].FindStringSubmatch(block); v != nil {
			resp.Props.ETag = mo.Some(strings.Trim(strings.TrimSpace(xmlUnescape(v[1])), `"`))
		}
		if v := propRes["calendar-data"].FindStringSubmatch(block); v != nil {
			resp.Props.CalendarData = mo.Some(xmlUnescape(stripCDATA(v[1])))
		}
		out = append(out, resp)
	}
	return out
}

func stripCDATA(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<![CDATA[") && strings.HasSuffix(s, "]]>") {
		return s[len("<![CDATA[") : len(s)-len("]]>")]
	}
	return s
}

var xmlUnescaper = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&#13;", "\r",
	"&#10;", "\n",
	"&amp;", "&",
)

func xmlUnescape(s string) string {
	return xmlUnescaper.Replace(s)
}
