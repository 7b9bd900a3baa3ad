package status

import (
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "rstrack/internal/log"
	"rstrack/internal/model"
)

// DefaultTimezone is the zone the Return Service schedule is published in.
const DefaultTimezone = "Asia/Manila"

const dateLayout = "2006-01-02"

var timeLayouts = []string{"15:04:05", "15:04"}

// ParseError describes an event field the resolver could not read. The
// status returned alongside it is always StatusPrevious.
type ParseError struct {
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("status: cannot parse %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Resolve computes the temporal status of an event.
//
// eventDate is a civil date ("2006-01-02"). timeFrom and timeTo are either
// bare times of day or "YYYY-MM-DD HH:MM:SS" timestamps; only the part after
// the space is used. The comparison happens on wall-clock time in loc; a nil
// loc means DefaultTimezone.
//
// On malformed input Resolve returns StatusPrevious and a *ParseError, so
// callers that gate actions on the status stay disabled.
func Resolve(eventDate, timeFrom, timeTo string, now time.Time, loc *time.Location) (model.EventStatus, error) {
	if loc == nil {
		loc = LoadLocation(DefaultTimezone)
	}
	now = now.In(loc)

	start, end, err := Window(eventDate, timeFrom, timeTo, loc)
	if err != nil {
		return model.StatusPrevious, err
	}
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	switch {
	case day.Before(today):
		return model.StatusPrevious, nil
	case day.After(today):
		return model.StatusUpcoming, nil
	}

	switch {
	case !now.Before(start) && !now.After(end):
		return model.StatusOngoing, nil
	case now.Before(start):
		return model.StatusUpcoming, nil
	default:
		return model.StatusPrevious, nil
	}
}

// Window returns the start and end instants of an event day in loc.
// Only the same civil day is considered: an end before the start is kept
// as-is rather than rolled over to the next day.
func Window(eventDate, timeFrom, timeTo string, loc *time.Location) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation(dateLayout, strings.TrimSpace(eventDate), loc)
	if err != nil {
		return time.Time{}, time.Time{}, &ParseError{Field: "date", Value: eventDate, Err: err}
	}
	from, err := parseClock(timeFrom)
	if err != nil {
		return time.Time{}, time.Time{}, &ParseError{Field: "time_from", Value: timeFrom, Err: err}
	}
	to, err := parseClock(timeTo)
	if err != nil {
		return time.Time{}, time.Time{}, &ParseError{Field: "time_to", Value: timeTo, Err: err}
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), from.Hour(), from.Minute(), 0, 0, loc)
	end := time.Date(day.Year(), day.Month(), day.Day(), to.Hour(), to.Minute(), 0, 0, loc)
	return start, end, nil
}

// ExtractClock returns the time-of-day portion of a "date time" value, or
// the value itself when it has no space.
func ExtractClock(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.LastIndexByte(v, ' '); i >= 0 {
		return v[i+1:]
	}
	return v
}

func parseClock(v string) (time.Time, error) {
	clock := ExtractClock(v)
	if clock == "" {
		return time.Time{}, errors.New("empty time")
	}
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, clock)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// IsActive reports whether proof capture is allowed for an event in st.
// Only the event's own time window on its own day counts as active.
func IsActive(st model.EventStatus) bool {
	return st == model.StatusOngoing
}

// Calendar dot colors.
const (
	ColorPrevious = "#9e9e9e"
	ColorOngoing  = "#2e7d32"
	ColorUpcoming = "#1565c0"
)

// DotColor returns the calendar marker color for st.
func DotColor(st model.EventStatus) string {
	switch st {
	case model.StatusOngoing:
		return ColorOngoing
	case model.StatusUpcoming:
		return ColorUpcoming
	default:
		return ColorPrevious
	}
}

// LoadLocation loads an IANA zone, falling back to DefaultTimezone and
// then a fixed +08:00 zone when the zone database does not know the name.
func LoadLocation(name string) *time.Location {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc
	}
	appLog.Error("failed to load timezone; falling back", err, "name", name)
	if name != DefaultTimezone {
		if loc, err := time.LoadLocation(DefaultTimezone); err == nil {
			return loc
		}
	}
	// Manila has no DST; a fixed offset is exact.
	return time.FixedZone(DefaultTimezone, 8*60*60)
}
