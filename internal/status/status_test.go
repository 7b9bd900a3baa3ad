package status

import (
	"errors"
	"testing"
	"time"

	"rstrack/internal/model"
)

func manila(t *testing.T) *time.Location {
	t.Helper()
	return LoadLocation(DefaultTimezone)
}

func at(loc *time.Location, y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, loc)
}

func TestResolveSameDayWindow(t *testing.T) {
	loc := manila(t)

	tests := []struct {
		name string
		now  time.Time
		want model.EventStatus
	}{
		{"inside window", at(loc, 2024, 1, 7, 9, 30), model.StatusOngoing},
		{"window start inclusive", at(loc, 2024, 1, 7, 9, 0), model.StatusOngoing},
		{"window end inclusive", at(loc, 2024, 1, 7, 10, 0), model.StatusOngoing},
		{"before start", at(loc, 2024, 1, 7, 8, 59), model.StatusUpcoming},
		{"after end", at(loc, 2024, 1, 7, 10, 1), model.StatusPrevious},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve("2024-01-07", "09:00", "10:00", tt.now, loc)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveOtherDays(t *testing.T) {
	loc := manila(t)

	got, _ := Resolve("2024-01-07", "09:00", "10:00", at(loc, 2024, 1, 6, 23, 59), loc)
	if got != model.StatusUpcoming {
		t.Fatalf("day before: got %v, want upcoming", got)
	}

	got, _ = Resolve("2024-01-07", "09:00", "10:00", at(loc, 2024, 1, 8, 0, 0), loc)
	if got != model.StatusPrevious {
		t.Fatalf("day after: got %v, want previous", got)
	}

	// Even a window covering the whole day does not make another day ongoing.
	got, _ = Resolve("2024-01-07", "00:00", "23:59", at(loc, 2024, 3, 1, 12, 0), loc)
	if got != model.StatusPrevious {
		t.Fatalf("months later: got %v, want previous", got)
	}
}

func TestResolveNormalizesNowIntoZone(t *testing.T) {
	loc := manila(t)

	// 2024-01-07 01:30 UTC is 09:30 in Manila.
	now := time.Date(2024, 1, 7, 1, 30, 0, 0, time.UTC)
	got, err := Resolve("2024-01-07", "09:00", "10:00", now, loc)
	if err != nil {
		t.Fatal(err)
	}
	if got != model.StatusOngoing {
		t.Fatalf("got %v, want ongoing", got)
	}

	// 2024-01-06 23:00 UTC is already the 7th in Manila.
	now = time.Date(2024, 1, 6, 23, 0, 0, 0, time.UTC)
	got, _ = Resolve("2024-01-07", "09:00", "10:00", now, loc)
	if got != model.StatusUpcoming {
		t.Fatalf("got %v, want upcoming", got)
	}
}

func TestResolveNilLocationUsesManila(t *testing.T) {
	now := time.Date(2024, 1, 7, 1, 30, 0, 0, time.UTC)
	got, err := Resolve("2024-01-07", "09:00", "10:00", now, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != model.StatusOngoing {
		t.Fatalf("got %v, want ongoing", got)
	}
}

func TestResolveTimestampFormsMatchBareTimes(t *testing.T) {
	loc := manila(t)
	nows := []time.Time{
		at(loc, 2024, 1, 7, 8, 59),
		at(loc, 2024, 1, 7, 9, 0),
		at(loc, 2024, 1, 7, 9, 45),
		at(loc, 2024, 1, 7, 10, 1),
	}
	for _, now := range nows {
		bare, err1 := Resolve("2024-01-07", "09:00:00", "10:00:00", now, loc)
		full, err2 := Resolve("2024-01-07", "2024-01-07 09:00:00", "2024-01-07 10:00:00", now, loc)
		if err1 != nil || err2 != nil {
			t.Fatalf("unexpected errors: %v, %v", err1, err2)
		}
		if bare != full {
			t.Fatalf("at %s: bare=%v full=%v", now.Format(time.Kitchen), bare, full)
		}
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	loc := manila(t)
	now := at(loc, 2024, 1, 7, 9, 30)
	first, _ := Resolve("2024-01-07", "09:00", "10:00", now, loc)
	second, _ := Resolve("2024-01-07", "09:00", "10:00", now, loc)
	if first != second {
		t.Fatalf("results differ: %v vs %v", first, second)
	}
}

func TestResolveMalformedInputFailsClosed(t *testing.T) {
	loc := manila(t)
	now := at(loc, 2024, 1, 7, 9, 30)

	tests := []struct {
		name, date, from, to, field string
	}{
		{"bad date", "07/01/2024", "09:00", "10:00", "date"},
		{"bad from", "2024-01-07", "nine", "10:00", "time_from"},
		{"bad to", "2024-01-07", "09:00", "25:99", "time_to"},
		{"empty from", "2024-01-07", "", "10:00", "time_from"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.date, tt.from, tt.to, now, loc)
			if got != model.StatusPrevious {
				t.Fatalf("got %v, want previous", got)
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got %v", err)
			}
			if pe.Field != tt.field {
				t.Fatalf("field = %q, want %q", pe.Field, tt.field)
			}
		})
	}
}

func TestResolveMidnightCrossingIsSameDayOnly(t *testing.T) {
	loc := manila(t)
	got, err := Resolve("2024-01-07", "22:00", "02:00", at(loc, 2024, 1, 7, 23, 0), loc)
	if err != nil {
		t.Fatal(err)
	}
	if got != model.StatusPrevious {
		t.Fatalf("got %v, want previous", got)
	}
}

func TestExtractClock(t *testing.T) {
	cases := map[string]string{
		"2024-01-07 09:00:00": "09:00:00",
		"09:00:00":            "09:00:00",
		" 09:00 ":             "09:00",
		"":                    "",
	}
	for in, want := range cases {
		if got := ExtractClock(in); got != want {
			t.Errorf("ExtractClock(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsActiveAndDotColor(t *testing.T) {
	if !IsActive(model.StatusOngoing) {
		t.Error("ongoing should be active")
	}
	if IsActive(model.StatusUpcoming) || IsActive(model.StatusPrevious) {
		t.Error("only ongoing is active")
	}
	if DotColor(model.StatusOngoing) != ColorOngoing ||
		DotColor(model.StatusUpcoming) != ColorUpcoming ||
		DotColor(model.StatusPrevious) != ColorPrevious {
		t.Error("unexpected dot colors")
	}
}

func TestResolverUsesInjectedClock(t *testing.T) {
	loc := manila(t)
	r := Resolver{Location: loc, Now: func() time.Time { return at(loc, 2024, 1, 7, 9, 15) }}
	ev := model.Event{ID: "ev-1", Date: "2024-01-07", TimeFrom: "2024-01-07 09:00:00", TimeTo: "10:00:00"}

	if got := r.Status(ev); got != model.StatusOngoing {
		t.Fatalf("Status() = %v, want ongoing", got)
	}
	if !r.Active(ev) {
		t.Fatal("Active() = false, want true")
	}

	ev.TimeTo = "garbage"
	if r.Active(ev) {
		t.Fatal("malformed event must not be active")
	}
}
