package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rstrack/internal/api"
	appLog "rstrack/internal/log"
	"rstrack/internal/model"
	"rstrack/internal/status"
)

// State of a proof submission session.
type State int

const (
	Idle State = iota
	ReadyForTimeIn
	TimeInCaptured
	ReadyForTimeOut
	Completed
	Blocked
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ReadyForTimeIn:
		return "ready_for_time_in"
	case TimeInCaptured:
		return "time_in_captured"
	case ReadyForTimeOut:
		return "ready_for_time_out"
	case Completed:
		return "completed"
	case Blocked:
		return "blocked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Policy violations. They are returned before any I/O is attempted.
var (
	ErrNotStarted     = errors.New("workflow: existence check has not completed")
	ErrNotActive      = errors.New("workflow: event is not active")
	ErrNoTimeIn       = errors.New("workflow: time-out requires a recorded time-in")
	ErrAlreadyTimedIn = errors.New("workflow: time-in already recorded")
	ErrCompleted      = errors.New("workflow: submission already completed")
	ErrBusy           = errors.New("workflow: another request is in flight")
	// ErrNoSubmissionID blocks a workflow whose Time-In exists on the server
	// but whose check response carried no submission id to close it with.
	ErrNoSubmissionID = errors.New("workflow: existing time-in has no submission id")
)

// PersistError wraps a failed collaborator call. The workflow stays in the
// state it was in, so the same operation can be retried.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string { return "workflow: " + e.Op + ": " + e.Err.Error() }
func (e *PersistError) Unwrap() error { return e.Err }

// Backend is the persistence collaborator.
type Backend interface {
	CheckSubmission(ctx context.Context, eventID string) (model.SubmissionCheck, error)
	SubmitTimeIn(ctx context.Context, req api.TimeInRequest) (api.TimeInResponse, error)
	SubmitTimeOut(ctx context.Context, req api.TimeOutRequest) error
}

// Capturer produces a proof record (photo, location, time, uuid).
type Capturer interface {
	Acquire(ctx context.Context) (model.CaptureRecord, error)
}

// Deps are the collaborators of a Workflow.
type Deps struct {
	Backend  Backend
	Capturer Capturer
	Resolver status.Resolver
}

// Options tune a Workflow.
type Options struct {
	// Timeout bounds each collaborator call. Zero means 30s.
	Timeout time.Duration
}

// Workflow drives one scholar through Time-In and Time-Out for one event.
// It owns its draft; the draft is dropped with the Workflow.
type Workflow struct {
	event   model.Event
	deps    Deps
	timeout time.Duration

	mu       sync.Mutex
	state    State
	draft    model.Draft
	inFlight bool
	blocked  error
}

func New(ev model.Event, scholarID string, deps Deps, opts Options) *Workflow {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Workflow{
		event:   ev,
		deps:    deps,
		timeout: timeout,
		state:   Idle,
		draft:   model.Draft{EventID: ev.ID, ScholarID: scholarID},
	}
}

// State returns the current state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Draft returns a copy of the draft.
func (w *Workflow) Draft() model.Draft {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := w.draft
	if d.TimeIn != nil {
		ti := *d.TimeIn
		d.TimeIn = &ti
	}
	if d.TimeOut != nil {
		to := *d.TimeOut
		d.TimeOut = &to
	}
	return d
}

// BlockReason explains a Blocked state; nil otherwise.
func (w *Workflow) BlockReason() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Blocked {
		return nil
	}
	return w.blocked
}

// CanCaptureTimeIn reports whether the Time-In affordance should be enabled.
func (w *Workflow) CanCaptureTimeIn() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.inFlight && w.state == ReadyForTimeIn && w.deps.Resolver.Active(w.event)
}

// CanCaptureTimeOut reports whether the Time-Out affordance should be enabled.
func (w *Workflow) CanCaptureTimeOut() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.inFlight && w.hasTimeIn() && w.deps.Resolver.Active(w.event)
}

func (w *Workflow) hasTimeIn() bool {
	return w.draft.SubmissionID != "" && (w.state == TimeInCaptured || w.state == ReadyForTimeOut)
}

// Start runs the existence check. It may be called again after a failure
// or while Blocked on an inactive event.
func (w *Workflow) Start(ctx context.Context) error {
	w.mu.Lock()
	switch {
	case w.inFlight:
		w.mu.Unlock()
		return ErrBusy
	case w.state == Completed:
		w.mu.Unlock()
		return ErrCompleted
	case w.state != Idle && w.state != Blocked:
		w.mu.Unlock()
		return nil
	}
	w.inFlight = true
	w.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	check, err := w.deps.Backend.CheckSubmission(cctx, w.event.ID)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight = false

	if err != nil {
		appLog.Error("submission check failed", err, "event_id", w.event.ID)
		return &PersistError{Op: "check submission", Err: err}
	}

	switch {
	case check.HasSubmission && check.TimeIn != nil && check.TimeOut != nil:
		w.draft.SubmissionID = check.SubmissionID
		w.draft.TimeIn = check.TimeIn
		w.draft.TimeOut = check.TimeOut
		w.setState(Completed)
	case (check.HasSubmission || check.TimeIn != nil) && check.SubmissionID != "":
		w.draft.SubmissionID = check.SubmissionID
		w.draft.TimeIn = check.TimeIn
		w.setState(TimeInCaptured)
	case check.HasSubmission || check.TimeIn != nil:
		// A Time-In exists, so another one must not be offered, and a
		// Time-Out cannot be sent without the id.
		w.draft.TimeIn = check.TimeIn
		w.block(ErrNoSubmissionID)
	case w.deps.Resolver.Active(w.event):
		w.setState(ReadyForTimeIn)
	default:
		w.block(ErrNotActive)
	}
	return nil
}

// CaptureTimeIn captures and immediately persists the Time-In. On any
// failure the draft's Time-In stays unset; a retry captures a new photo.
func (w *Workflow) CaptureTimeIn(ctx context.Context, description string) error {
	w.mu.Lock()
	if err := w.timeInGuard(); err != nil {
		w.mu.Unlock()
		return err
	}
	w.inFlight = true
	w.mu.Unlock()

	rec, sid, err := w.captureAndSubmitTimeIn(ctx, description)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight = false
	if err != nil {
		return err
	}

	w.draft.TimeIn = &rec
	w.draft.SubmissionID = sid
	w.draft.Description = description
	w.setState(TimeInCaptured)
	return nil
}

// timeInGuard must be called with w.mu held.
func (w *Workflow) timeInGuard() error {
	if w.inFlight {
		return ErrBusy
	}
	switch w.state {
	case Idle:
		return ErrNotStarted
	case Completed:
		return ErrCompleted
	case TimeInCaptured, ReadyForTimeOut:
		return ErrAlreadyTimedIn
	case Blocked:
		return w.blocked
	}
	if !w.deps.Resolver.Active(w.event) {
		w.block(ErrNotActive)
		return ErrNotActive
	}
	return nil
}

func (w *Workflow) captureAndSubmitTimeIn(ctx context.Context, description string) (model.CaptureRecord, string, error) {
	rec, err := w.acquire(ctx)
	if err != nil {
		return rec, "", err
	}

	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	resp, err := w.deps.Backend.SubmitTimeIn(cctx, api.NewTimeInRequest(w.event.ID, w.draft.ScholarID, description, rec))
	if err != nil {
		appLog.Error("time-in submission failed", err, "event_id", w.event.ID)
		return rec, "", &PersistError{Op: "submit time-in", Err: err}
	}
	appLog.Info("time-in recorded", "event_id", w.event.ID, "submission_id", resp.SubmissionID, "captured_at", rec.CapturedAt)
	return rec, resp.SubmissionID, nil
}

// CaptureTimeOut captures and persists the Time-Out for the open
// submission. It is rejected without I/O unless a submission id exists.
func (w *Workflow) CaptureTimeOut(ctx context.Context) error {
	w.mu.Lock()
	if err := w.timeOutGuard(); err != nil {
		w.mu.Unlock()
		return err
	}
	w.inFlight = true
	sid := w.draft.SubmissionID
	w.mu.Unlock()

	rec, err := w.captureAndSubmitTimeOut(ctx, sid)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight = false
	if err != nil {
		return err
	}

	w.draft.TimeOut = &rec
	w.setState(Completed)
	return nil
}

// timeOutGuard must be called with w.mu held.
func (w *Workflow) timeOutGuard() error {
	if w.inFlight {
		return ErrBusy
	}
	if w.state == Completed {
		return ErrCompleted
	}
	if w.state == Blocked && (w.draft.SubmissionID != "" || w.draft.TimeIn != nil) {
		return w.blocked
	}
	if !w.hasTimeIn() {
		return ErrNoTimeIn
	}
	if w.state == TimeInCaptured {
		w.setState(ReadyForTimeOut)
	}
	if !w.deps.Resolver.Active(w.event) {
		w.block(ErrNotActive)
		return ErrNotActive
	}
	return nil
}

func (w *Workflow) captureAndSubmitTimeOut(ctx context.Context, submissionID string) (model.CaptureRecord, error) {
	rec, err := w.acquire(ctx)
	if err != nil {
		return rec, err
	}

	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.deps.Backend.SubmitTimeOut(cctx, api.NewTimeOutRequest(submissionID, rec)); err != nil {
		appLog.Error("time-out submission failed", err, "event_id", w.event.ID, "submission_id", submissionID)
		return rec, &PersistError{Op: "submit time-out", Err: err}
	}
	appLog.Info("time-out recorded", "event_id", w.event.ID, "submission_id", submissionID, "captured_at", rec.CapturedAt)
	return rec, nil
}

func (w *Workflow) acquire(ctx context.Context) (model.CaptureRecord, error) {
	if w.deps.Capturer == nil {
		return model.CaptureRecord{}, errors.New("workflow: no capturer configured")
	}
	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	rec, err := w.deps.Capturer.Acquire(cctx)
	if err != nil {
		return rec, fmt.Errorf("workflow: capture: %w", err)
	}
	return rec, nil
}

// setState and block must be called with w.mu held.
func (w *Workflow) setState(s State) {
	if w.state != s {
		appLog.Debug("workflow transition", "event_id", w.event.ID, "from", w.state.String(), "to", s.String())
	}
	w.state = s
}

func (w *Workflow) block(reason error) {
	w.blocked = reason
	w.setState(Blocked)
}
