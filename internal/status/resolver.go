package status

import (
	"time"

	appLog "rstrack/internal/log"
	"rstrack/internal/model"
)

// Resolver binds Resolve to a zone and a clock so that screens and
// handlers can ask for the status of an event without threading "now"
// through every call.
type Resolver struct {
	Location *time.Location
	Now      func() time.Time
}

// NewResolver returns a Resolver for loc using the wall clock.
func NewResolver(loc *time.Location) Resolver {
	if loc == nil {
		loc = LoadLocation(DefaultTimezone)
	}
	return Resolver{Location: loc, Now: time.Now}
}

// Status evaluates ev at the current instant. Parse failures are logged
// and yield StatusPrevious.
func (r Resolver) Status(ev model.Event) model.EventStatus {
	return r.StatusAt(ev, r.now())
}

// StatusAt evaluates ev at now.
func (r Resolver) StatusAt(ev model.Event, now time.Time) model.EventStatus {
	st, err := Resolve(ev.Date, ev.TimeFrom, ev.TimeTo, now, r.Location)
	if err != nil {
		appLog.Warn("event status unresolvable; treating as previous",
			"event_id", ev.ID,
			"reason", err.Error(),
		)
	}
	return st
}

// Active reports whether proof capture is currently allowed for ev.
func (r Resolver) Active(ev model.Event) bool {
	return IsActive(r.Status(ev))
}

func (r Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}
