package calendar

import (
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "rstrack/internal/log"
	"rstrack/internal/model"
	"rstrack/internal/status"
)

// ExportICS renders events as an iCalendar feed. Each VEVENT carries the
// event's current status as a CATEGORIES value so calendar apps can color
// or filter on it. Events whose times cannot be read are skipped.
func ExportICS(events []model.Event, r status.Resolver, name string) string {
	loc := r.Location
	if loc == nil {
		loc = status.LoadLocation(status.DefaultTimezone)
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	at := now()

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//rstrack//Return Service events//EN")
	cal.SetXWRTimezone(loc.String())
	if name != "" {
		cal.SetXWRCalName(name)
	}

	for _, ev := range events {
		start, end, err := status.Window(ev.Date, ev.TimeFrom, ev.TimeTo, loc)
		if err != nil {
			appLog.Warn("calendar: skipping event with unreadable times", "event_id", ev.ID, "reason", err.Error())
			continue
		}

		st := r.StatusAt(ev, at)

		vev := cal.AddEvent(ev.ID + "@rstrack")
		vev.SetDtStampTime(at.UTC())
		if !ev.CreatedAt.IsZero() {
			vev.SetCreatedTime(ev.CreatedAt.UTC())
		}
		vev.SetStartAt(start.UTC())
		vev.SetEndAt(end.UTC())
		vev.SetSummary(ev.Name)
		if ev.Location != "" {
			vev.SetLocation(ev.Location)
		}
		if ev.Description != "" {
			vev.SetDescription(ev.Description)
		}
		vev.AddProperty(ical.ComponentPropertyCategories, strings.ToUpper(st.String()))
		vev.SetColor(status.DotColor(st))
	}

	return cal.Serialize()
}
