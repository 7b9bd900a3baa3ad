package queue

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/robfig/cron/v3"

	"rstrack/internal/api"
	"rstrack/internal/model"
)

func rec(id string) model.CaptureRecord {
	return model.CaptureRecord{Image: "data:image/jpeg;base64,/9j/4AAQ", Location: "Manila", CapturedAt: "09:30:00", UUID: id}
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	a, err := q.Enqueue(Entry{EventID: "ev-1", ScholarID: "s", Phase: PhaseTimeIn, Record: rec("a")})
	if err != nil {
		t.Fatal(err)
	}
	b, err := q.Enqueue(Entry{EventID: "ev-1", ScholarID: "s", Phase: PhaseTimeOut, Record: rec("b")})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == "" || a.QueuedAt.IsZero() {
		t.Fatalf("entry not stamped: %+v", a)
	}
	if err := q.Ack(a.ID); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	pending := reopened.Pending()
	if len(pending) != 1 || pending[0].ID != b.ID || pending[0].Record.UUID != "b" {
		t.Fatalf("pending after reopen = %+v", pending)
	}
}

func TestQueueTruncatesWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	q, _ := Open(dir)
	e, _ := q.Enqueue(Entry{EventID: "ev-1", Phase: PhaseTimeIn, Record: rec("a")})
	if err := q.Ack(e.ID); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, "pending.log"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Fatalf("log size = %d, want 0", info.Size())
	}
}

func TestQueueSkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	q, _ := Open(dir)
	if _, err := q.Enqueue(Entry{EventID: "ev-1", Phase: PhaseTimeIn, Record: rec("a")}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "pending.log"), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"op":"enqueue","entry":{"id":`)
	f.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reopened.Len())
	}

	// A capture queued after the torn line must survive the next reopen.
	if _, err := reopened.Enqueue(Entry{EventID: "ev-2", Phase: PhaseTimeIn, Record: rec("b")}); err != nil {
		t.Fatal(err)
	}
	again, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	pending := again.Pending()
	if len(pending) != 2 || pending[1].EventID != "ev-2" {
		t.Fatalf("pending after reopen = %+v", pending)
	}
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	q, _ := Open(t.TempDir())
	if _, err := q.Enqueue(Entry{Phase: PhaseTimeIn}); err == nil {
		t.Fatal("expected error for missing event id")
	}
	if _, err := q.Enqueue(Entry{EventID: "ev", Phase: "lunch"}); err == nil {
		t.Fatal("expected error for unknown phase")
	}
}

type fakeSender struct {
	mu       sync.Mutex
	checks   map[string]model.SubmissionCheck
	failNext error
	timeIns  []api.TimeInRequest
	timeOuts []api.TimeOutRequest
}

func (s *fakeSender) CheckSubmission(ctx context.Context, eventID string) (model.SubmissionCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks[eventID], nil
}

func (s *fakeSender) SubmitTimeIn(ctx context.Context, req api.TimeInRequest) (api.TimeInResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return api.TimeInResponse{}, err
	}
	s.timeIns = append(s.timeIns, req)
	return api.TimeInResponse{SubmissionID: "sub-" + req.EventID}, nil
}

func (s *fakeSender) SubmitTimeOut(ctx context.Context, req api.TimeOutRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	s.timeOuts = append(s.timeOuts, req)
	return nil
}

func TestDrainSendsInOrder(t *testing.T) {
	q, _ := Open(t.TempDir())
	_, _ = q.Enqueue(Entry{EventID: "ev-1", ScholarID: "s", Phase: PhaseTimeIn, Record: rec("in"), Description: "d"})
	_, _ = q.Enqueue(Entry{EventID: "ev-1", ScholarID: "s", Phase: PhaseTimeOut, Record: rec("out")})

	s := &fakeSender{}
	d := &Drainer{Queue: q, Sender: s}
	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 2 || res.Left != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(s.timeIns) != 1 || s.timeIns[0].Description != "d" {
		t.Fatalf("time-ins = %+v", s.timeIns)
	}
	if len(s.timeOuts) != 1 || s.timeOuts[0].SubmissionID != "sub-ev-1" {
		t.Fatalf("time-outs = %+v", s.timeOuts)
	}
}

func TestDrainStopsOnTransientFailure(t *testing.T) {
	q, _ := Open(t.TempDir())
	_, _ = q.Enqueue(Entry{EventID: "ev-1", Phase: PhaseTimeIn, Record: rec("in")})
	_, _ = q.Enqueue(Entry{EventID: "ev-1", Phase: PhaseTimeOut, Record: rec("out")})

	s := &fakeSender{failNext: errors.New("dial tcp: network is unreachable")}
	d := &Drainer{Queue: q, Sender: s}
	res, err := d.Drain(context.Background())
	if err == nil {
		t.Fatal("expected drain error")
	}
	if res.Left != 2 || len(s.timeOuts) != 0 {
		t.Fatalf("result=%+v timeOuts=%d", res, len(s.timeOuts))
	}

	res, err = d.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 2 || q.Len() != 0 {
		t.Fatalf("second drain result = %+v", res)
	}
}

func TestDrainSkipsAlreadySubmitted(t *testing.T) {
	q, _ := Open(t.TempDir())
	_, _ = q.Enqueue(Entry{EventID: "ev-1", Phase: PhaseTimeIn, Record: rec("in")})
	_, _ = q.Enqueue(Entry{EventID: "ev-2", Phase: PhaseTimeOut, Record: rec("out")})

	s := &fakeSender{checks: map[string]model.SubmissionCheck{
		"ev-1": {HasSubmission: true, SubmissionID: "sub-existing", TimeIn: &model.CaptureRecord{}},
		"ev-2": {HasSubmission: true, SubmissionID: "sub-2", TimeIn: &model.CaptureRecord{}, TimeOut: &model.CaptureRecord{}},
	}}
	d := &Drainer{Queue: q, Sender: s}
	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 2 || len(s.timeIns) != 0 || len(s.timeOuts) != 0 {
		t.Fatalf("result=%+v timeIns=%d timeOuts=%d", res, len(s.timeIns), len(s.timeOuts))
	}
}

func TestDrainSkipsTimeInWithoutSubmissionID(t *testing.T) {
	q, _ := Open(t.TempDir())
	_, _ = q.Enqueue(Entry{EventID: "ev-1", Phase: PhaseTimeIn, Record: rec("in")})

	s := &fakeSender{checks: map[string]model.SubmissionCheck{
		"ev-1": {HasSubmission: true, TimeIn: &model.CaptureRecord{CapturedAt: "09:05:00"}},
	}}
	d := &Drainer{Queue: q, Sender: s}
	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 1 || len(s.timeIns) != 0 || q.Len() != 0 {
		t.Fatalf("result=%+v timeIns=%d", res, len(s.timeIns))
	}
}

func TestDrainDropsRejectedEntries(t *testing.T) {
	q, _ := Open(t.TempDir())
	_, _ = q.Enqueue(Entry{EventID: "ev-1", Phase: PhaseTimeIn, Record: rec("in")})
	_, _ = q.Enqueue(Entry{EventID: "ev-2", Phase: PhaseTimeIn, Record: rec("in2")})

	s := &fakeSender{failNext: &api.StatusError{Op: "submit time-in", Code: http.StatusUnprocessableEntity}}
	d := &Drainer{Queue: q, Sender: s}
	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Rejected != 1 || res.Sent != 1 || q.Len() != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestDrainHoldsTimeOutWithoutSubmission(t *testing.T) {
	q, _ := Open(t.TempDir())
	_, _ = q.Enqueue(Entry{EventID: "ev-1", Phase: PhaseTimeOut, Record: rec("out")})

	d := &Drainer{Queue: q, Sender: &fakeSender{}}
	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Left != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestSchedule(t *testing.T) {
	q, _ := Open(t.TempDir())
	d := &Drainer{Queue: q, Sender: &fakeSender{}}
	c := cron.New()
	if _, err := d.Schedule(c, "*/5 * * * *"); err != nil {
		t.Fatal(err)
	}
	if len(c.Entries()) != 1 {
		t.Fatalf("entries = %d", len(c.Entries()))
	}
	if _, err := d.Schedule(c, "not a schedule"); err == nil {
		t.Fatal("expected error for bad cron spec")
	}
}
