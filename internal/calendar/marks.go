package calendar

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"rstrack/internal/model"
	"rstrack/internal/status"
)

const dayLayout = "2006-01-02"

// Dot is one event marker on a calendar day.
type Dot struct {
	EventID string `json:"event_id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Color   string `json:"color"`
}

// Day groups the markers of one civil date.
type Day struct {
	Date string `json:"date"`
	Dots []Dot  `json:"dots"`
}

// MonthMarks returns one Day per date of the month containing month (in
// r.Location), each with a dot per event on that date. Days without
// events are included with an empty Dots slice.
func MonthMarks(events []model.Event, month time.Time, r status.Resolver) ([]Day, error) {
	loc := r.Location
	if loc == nil {
		loc = status.LoadLocation(status.DefaultTimezone)
	}
	month = month.In(loc)
	first := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, loc)
	last := first.AddDate(0, 1, -1)

	rule, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: first,
		Until:   last,
	})
	if err != nil {
		return nil, fmt.Errorf("calendar: build day rule: %w", err)
	}

	byDate := make(map[string][]model.Event)
	for _, ev := range events {
		byDate[ev.Date] = append(byDate[ev.Date], ev)
	}

	now := r.Now
	if now == nil {
		now = time.Now
	}
	at := now()

	days := rule.All()
	if len(days) == 0 {
		return nil, errors.New("calendar: empty month")
	}
	out := make([]Day, 0, len(days))
	for _, d := range days {
		key := d.In(loc).Format(dayLayout)
		evs := byDate[key]
		sort.SliceStable(evs, func(i, j int) bool {
			return status.ExtractClock(evs[i].TimeFrom) < status.ExtractClock(evs[j].TimeFrom)
		})

		dots := make([]Dot, 0, len(evs))
		for _, ev := range evs {
			st := r.StatusAt(ev, at)
			dots = append(dots, Dot{
				EventID: ev.ID,
				Name:    ev.Name,
				Status:  st.String(),
				Color:   status.DotColor(st),
			})
		}
		out = append(out, Day{Date: key, Dots: dots})
	}
	return out, nil
}

// ParseMonth parses "YYYY-MM" in loc. An empty value means the current month.
func ParseMonth(v string, now time.Time, loc *time.Location) (time.Time, error) {
	if v == "" {
		return now.In(loc), nil
	}
	t, err := time.ParseInLocation("2006-01", v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("calendar: invalid month %q", v)
	}
	return t, nil
}
