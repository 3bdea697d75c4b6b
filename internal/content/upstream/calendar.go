package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
)

// Event is one VEVENT occurrence on the requested day.
type Event struct {
	Title  string
	Start  time.Time
	AllDay bool
}

// ICS fetches an iCalendar feed and extracts the events of one day.
type ICS struct {
	URL  string
	HTTP *http.Client
}

func NewICS(url string, hc *http.Client) *ICS {
	return &ICS{URL: strings.TrimSpace(url), HTTP: orDefault(hc)}
}

// Day returns the events starting on day (in day's location), sorted by start.
// An empty URL argument falls back to the configured feed.
func (c *ICS) Day(ctx context.Context, url string, day time.Time) ([]Event, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		url = c.URL
	}
	if url == "" {
		return nil, fmt.Errorf("%w: calendar url", ErrNotConfigured)
	}
	// webcal:// is plain https in practice.
	if strings.HasPrefix(url, "webcal://") {
		url = "https://" + strings.TrimPrefix(url, "webcal://")
	}
	body, err := get(ctx, c.HTTP, url)
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}
	events, err := ParseICS(body, day.Location())
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}
	y, m, d := day.Date()
	out := events[:0]
	for _, e := range events {
		ey, em, ed := e.Start.Date()
		if ey == y && em == m && ed == d {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

var errNoCalendar = errors.New("not an iCalendar document")

// ParseICS extracts SUMMARY and DTSTART from every VEVENT in data.
// Floating times and all-day dates are interpreted in loc. Recurrence rules
// are not expanded; events without a usable DTSTART are skipped.
func ParseICS(data []byte, loc *time.Location) ([]Event, error) {
	if loc == nil {
		loc = time.Local
	}
	head := bytes.TrimLeft(bytes.TrimPrefix(data, []byte("\ufeff")), " \t\r\n")
	if len(head) < len("BEGIN:VCALENDAR") || !strings.EqualFold(string(head[:len("BEGIN:VCALENDAR")]), "BEGIN:VCALENDAR") {
		return nil, errNoCalendar
	}
	cal, err := ics.ParseCalendar(bytes.NewReader(head))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoCalendar, err)
	}

	var out []Event
	for _, ev := range cal.Events() {
		prop := ev.GetProperty(ics.ComponentPropertyDtStart)
		if prop == nil {
			continue
		}
		start, err := ev.GetStartAt()
		if err != nil {
			continue
		}
		e := Event{Title: "Event", AllDay: isDate(prop)}
		if !hasZone(prop) {
			// Floating and date values come back in time.Local; keep the wall clock.
			start = time.Date(start.Year(), start.Month(), start.Day(), start.Hour(), start.Minute(), start.Second(), 0, loc)
		}
		e.Start = start.In(loc)
		if s := ev.GetProperty(ics.ComponentPropertySummary); s != nil {
			if title := unescapeText(s.Value); title != "" {
				e.Title = title
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func isDate(p *ics.IANAProperty) bool {
	for _, v := range p.ICalParameters[string(ics.ParameterValue)] {
		if strings.EqualFold(v, "DATE") {
			return true
		}
	}
	return len(strings.TrimSpace(p.Value)) == len("20060102")
}

func hasZone(p *ics.IANAProperty) bool {
	if len(p.ICalParameters[string(ics.ParameterTzid)]) > 0 {
		return true
	}
	return strings.HasSuffix(strings.TrimSpace(p.Value), "Z")
}

// The parser keeps RFC 5545 text escapes in property values.
var textUnescaper = strings.NewReplacer(`\n`, " ", `\N`, " ", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string { return strings.TrimSpace(textUnescaper.Replace(s)) }
