package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rstrack/internal/api"
	appLog "rstrack/internal/log"
	"rstrack/internal/model"
)

// Sender is the subset of the backend used to replay queued captures.
type Sender interface {
	CheckSubmission(ctx context.Context, eventID string) (model.SubmissionCheck, error)
	SubmitTimeIn(ctx context.Context, req api.TimeInRequest) (api.TimeInResponse, error)
	SubmitTimeOut(ctx context.Context, req api.TimeOutRequest) error
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Sent     int `json:"sent"`
	Skipped  int `json:"skipped"`
	Rejected int `json:"rejected"`
	Left     int `json:"left"`
}

// Drainer replays queued captures, oldest first.
type Drainer struct {
	Queue  *Queue
	Sender Sender
	// Timeout bounds each backend call. Zero means 30s.
	Timeout time.Duration

	running sync.Mutex
}

// ErrDrainRunning is returned when a drain is requested while one runs.
var ErrDrainRunning = errors.New("queue: drain already running")

// Drain sends pending entries in order. It stops at the first transient
// failure so that a Time-Out is never sent ahead of its Time-In; entries
// the backend rejects outright are dropped.
func (d *Drainer) Drain(ctx context.Context) (DrainResult, error) {
	if !d.running.TryLock() {
		return DrainResult{}, ErrDrainRunning
	}
	defer d.running.Unlock()

	var res DrainResult
	submissions := make(map[string]string) // event id -> submission id
	// Events whose Time-In could not be sent; their Time-Outs wait.
	waiting := make(map[string]bool)

	for _, e := range d.Queue.Pending() {
		if err := ctx.Err(); err != nil {
			res.Left = d.Queue.Len()
			return res, err
		}
		if waiting[e.EventID] {
			continue
		}

		outcome, err := d.send(ctx, e, submissions)
		switch {
		case err == nil:
		case permanent(err):
			appLog.Error("queue: backend rejected capture; dropping", err, "id", e.ID, "event_id", e.EventID, "phase", string(e.Phase))
			outcome = outcomeRejected
		case errors.Is(err, errNoSubmission):
			waiting[e.EventID] = true
			continue
		default:
			res.Left = d.Queue.Len()
			return res, fmt.Errorf("queue: drain %s: %w", e.ID, err)
		}

		if err := d.Queue.Ack(e.ID); err != nil {
			res.Left = d.Queue.Len()
			return res, err
		}
		switch outcome {
		case outcomeSent:
			res.Sent++
		case outcomeSkipped:
			res.Skipped++
		case outcomeRejected:
			res.Rejected++
		}
	}

	res.Left = d.Queue.Len()
	if res.Sent+res.Skipped+res.Rejected > 0 {
		appLog.Info("queue: drain finished", "sent", res.Sent, "skipped", res.Skipped, "rejected", res.Rejected, "left", res.Left)
	}
	return res, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeRejected
)

var errNoSubmission = errors.New("queue: no submission to attach time-out to")

func (d *Drainer) send(ctx context.Context, e Entry, submissions map[string]string) (outcome, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	call := func() (context.Context, context.CancelFunc) { return context.WithTimeout(ctx, timeout) }

	switch e.Phase {
	case PhaseTimeIn:
		cctx, cancel := call()
		check, err := d.Sender.CheckSubmission(cctx, e.EventID)
		cancel()
		if err != nil {
			return 0, err
		}
		// Already on the server, e.g. sent by an earlier drain whose ack was lost.
		if check.HasSubmission || check.TimeIn != nil {
			if check.SubmissionID != "" {
				submissions[e.EventID] = check.SubmissionID
			}
			return outcomeSkipped, nil
		}

		cctx, cancel = call()
		resp, err := d.Sender.SubmitTimeIn(cctx, api.NewTimeInRequest(e.EventID, e.ScholarID, e.Description, e.Record))
		cancel()
		if err != nil {
			return 0, err
		}
		submissions[e.EventID] = resp.SubmissionID
		return outcomeSent, nil

	case PhaseTimeOut:
		sid := e.SubmissionID
		if sid == "" {
			sid = submissions[e.EventID]
		}

		cctx, cancel := call()
		check, err := d.Sender.CheckSubmission(cctx, e.EventID)
		cancel()
		if err != nil {
			return 0, err
		}
		if check.TimeOut != nil {
			return outcomeSkipped, nil
		}
		if sid == "" {
			sid = check.SubmissionID
		}
		if sid == "" {
			return 0, errNoSubmission
		}

		cctx, cancel = call()
		err = d.Sender.SubmitTimeOut(cctx, api.NewTimeOutRequest(sid, e.Record))
		cancel()
		if err != nil {
			return 0, err
		}
		return outcomeSent, nil

	default:
		return 0, fmt.Errorf("%w: unknown phase %q", api.ErrInvalidRequest, e.Phase)
	}
}

// permanent reports whether retrying err can never succeed.
func permanent(err error) bool {
	if errors.Is(err, api.ErrInvalidRequest) {
		return true
	}
	var se *api.StatusError
	if errors.As(err, &se) {
		return !se.Temporary() && se.Code != http.StatusUnauthorized && se.Code != http.StatusForbidden
	}
	return false
}

// Schedule registers a periodic drain on c.
func (d *Drainer) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		if d.Queue.Len() == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := d.Drain(ctx); err != nil && !errors.Is(err, ErrDrainRunning) {
			appLog.Error("queue: scheduled drain failed", err, "left", d.Queue.Len())
		}
	})
}
