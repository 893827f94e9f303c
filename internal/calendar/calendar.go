// Package calendar knows the conference week layout and exports a room
// schedule as iCalendar.
package calendar

import (
	"errors"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"signage/internal/model"
)

// DayNames are the schedule days in fetch order. The data service addresses
// per-day room schedules by these lowercase names.
var DayNames = []string{"monday", "tuesday", "wednesday", "thursday", "friday"}

var weekdays = []rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR}

// ConferenceDays returns the dates of the first n weekdays (Monday to
// Friday) on or after start, at start's time of day and location.
func ConferenceDays(start time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	if start.IsZero() {
		return nil, errors.New("calendar: start date is zero")
	}
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.DAILY,
		Dtstart:   start,
		Count:     n,
		Byweekday: weekdays,
	})
	if err != nil {
		return nil, err
	}
	return r.All(), nil
}

// DayName returns the schedule day name of t, or "" on weekends.
func DayName(t time.Time) string {
	wd := t.Weekday()
	if wd < time.Monday || wd > time.Friday {
		return ""
	}
	return DayNames[wd-time.Monday]
}

// WriteICS writes list as an iCalendar document: one VEVENT per
// presentation with the session id as UID.
func WriteICS(w io.Writer, roomName string, list []*model.Presentation) error {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//signage//room schedule//EN")
	if roomName != "" {
		cal.SetXWRCalName(roomName)
	}

	stamp := time.Now().UTC()
	for _, p := range list {
		if p == nil {
			continue
		}
		ev := cal.AddEvent(p.ID)
		ev.SetDtStampTime(stamp)
		ev.SetStartAt(p.Start)
		ev.SetEndAt(p.End)
		ev.SetSummary(p.Title)
		if p.Room != "" {
			ev.SetLocation(p.Room)
		}

		desc := strings.TrimSpace(strings.Join(nonEmpty(p.SpeakerList(), p.Summary), "\n\n"))
		if desc != "" {
			ev.SetDescription(desc)
		}
		if cats := nonEmpty(p.Track, p.Type); len(cats) > 0 {
			ev.AddProperty(ical.ComponentPropertyCategories, strings.Join(cats, ","))
		}
	}

	return cal.SerializeTo(w)
}

func nonEmpty(vals ...string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
