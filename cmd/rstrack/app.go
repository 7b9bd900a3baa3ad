package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"rstrack/internal/api"
	"rstrack/internal/auth"
	"rstrack/internal/capture"
	"rstrack/internal/config"
	appLog "rstrack/internal/log"
	"rstrack/internal/queue"
	"rstrack/internal/status"
	"rstrack/internal/web"
	"rstrack/internal/workflow"
)

// app wires the collaborators shared by all commands.
type app struct {
	conf     *config.Config
	env      config.Env
	tokens   *auth.Store
	client   *api.Client
	resolver status.Resolver
	queue    *queue.Queue   // nil unless offline mode is enabled
	drainer  *queue.Drainer // nil unless offline mode is enabled
}

func newApp(conf *config.Config, env config.Env) (*app, error) {
	a := &app{
		conf:     conf,
		env:      env,
		tokens:   auth.NewStore(conf.TokenPath()),
		resolver: status.NewResolver(status.LoadLocation(conf.Timezone)),
	}

	var tokens api.TokenSource = a.tokens
	if env.Token != "" {
		tokens = api.StaticToken(env.Token)
	}
	client, err := api.NewClient(api.Options{
		BaseURL:  conf.API.BaseURL,
		Token:    tokens,
		Timeout:  conf.Timeout(),
		CacheDir: conf.CacheDir(),
	})
	if err != nil {
		return nil, err
	}
	a.client = client

	if conf.Offline.Enabled {
		q, err := queue.Open(conf.QueueDir())
		if err != nil {
			return nil, fmt.Errorf("open offline queue: %w", err)
		}
		a.queue = q
		a.drainer = &queue.Drainer{Queue: q, Sender: client, Timeout: conf.Timeout()}
	}
	return a, nil
}

func (a *app) serve(ctx context.Context) error {
	srv := web.NewServer(a.conf, web.Deps{
		Events:   a.client,
		Resolver: a.resolver,
		Queue:    a.queue,
		Drainer:  a.drainer,
	})

	c := cron.New(
		cron.WithLocation(a.resolver.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(a.conf.RefreshCron, func() {
		rctx, cancel := context.WithTimeout(ctx, a.conf.Timeout())
		defer cancel()
		if err := srv.RefreshEvents(rctx); err != nil {
			appLog.Error("scheduled feed refresh failed", err)
		}
	}); err != nil {
		return fmt.Errorf("refresh schedule %q: %w", a.conf.RefreshCron, err)
	}
	if a.drainer != nil {
		if _, err := a.drainer.Schedule(c, a.conf.Offline.DrainCron); err != nil {
			return fmt.Errorf("drain schedule %q: %w", a.conf.Offline.DrainCron, err)
		}
		appLog.Info("offline queue enabled", "pending", a.queue.Len(), "drain", a.conf.Offline.DrainCron)
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
	}()

	err := srv.ListenAndServe(ctx)
	appLog.Info("rstrack exiting")
	return err
}

func (a *app) status(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("status needs exactly one EVENT_ID")
	}
	ev, err := a.client.GetEvent(ctx, args[0])
	if err != nil {
		return err
	}
	st := a.resolver.Status(ev)
	fmt.Printf("event:     %s (%s)\n", ev.Name, ev.ID)
	fmt.Printf("schedule:  %s %s-%s\n", ev.Date, status.ExtractClock(ev.TimeFrom), status.ExtractClock(ev.TimeTo))
	fmt.Printf("status:    %s (%s)\n", st, status.DotColor(st))
	fmt.Printf("capture:   %v\n", status.IsActive(st))

	check, err := a.client.CheckSubmission(ctx, ev.ID)
	if err != nil {
		// The event part is still useful offline.
		fmt.Printf("submission: unknown (%v)\n", err)
		return nil
	}
	switch {
	case !check.HasSubmission:
		fmt.Println("submission: none")
	case check.TimeOut != nil:
		fmt.Printf("submission: %s completed (out %s)\n", check.SubmissionID, check.TimeOut.CapturedAt)
	default:
		fmt.Printf("submission: %s awaiting time-out\n", check.SubmissionID)
	}
	if a.queue != nil {
		for _, e := range a.queue.Pending() {
			if e.EventID == ev.ID {
				fmt.Printf("queued:    %s captured %s\n", e.Phase, e.Record.CapturedAt)
			}
		}
	}
	return nil
}

func (a *app) submit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	photo := fs.String("photo", "", "Path to the proof photo (a <photo>.gps.json sidecar is used when present)")
	description := fs.String("description", "", "Activity description sent with the time-in")
	offline := fs.Bool("offline", false, "Queue the capture instead of sending it")
	phase := fs.String("phase", string(queue.PhaseTimeIn), "Phase to queue with -offline: time_in or time_out")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if fs.NArg() != 1 || *photo == "" {
		return usageError("submit needs -photo PATH and exactly one EVENT_ID")
	}
	eventID := fs.Arg(0)

	scholarID, err := a.scholarID()
	if err != nil {
		return err
	}
	acq := a.acquirer(*photo)

	if *offline {
		return a.enqueue(ctx, eventID, scholarID, queue.Phase(*phase), *description, acq)
	}

	ev, err := a.client.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	wf := workflow.New(ev, scholarID, workflow.Deps{
		Backend:  a.client,
		Capturer: acq,
		Resolver: a.resolver,
	}, workflow.Options{Timeout: a.conf.Timeout()})

	if err := wf.Start(ctx); err != nil {
		return err
	}
	switch wf.State() {
	case workflow.ReadyForTimeIn:
		err = wf.CaptureTimeIn(ctx, *description)
	case workflow.TimeInCaptured, workflow.ReadyForTimeOut:
		err = wf.CaptureTimeOut(ctx)
	case workflow.Completed:
		fmt.Printf("submission %s is already complete\n", wf.Draft().SubmissionID)
		return nil
	case workflow.Blocked:
		return wf.BlockReason()
	}
	if err != nil {
		return err
	}

	d := wf.Draft()
	switch {
	case d.TimeOut != nil:
		fmt.Printf("time-out recorded at %s for submission %s\n", d.TimeOut.CapturedAt, d.SubmissionID)
	case d.TimeIn != nil:
		fmt.Printf("time-in recorded at %s, submission %s\n", d.TimeIn.CapturedAt, d.SubmissionID)
	}
	return nil
}

// enqueue captures a record for later delivery. The active-window gate is
// evaluated against the event as last cached, so it still applies offline.
func (a *app) enqueue(ctx context.Context, eventID, scholarID string, phase queue.Phase, description string, acq *capture.Acquirer) error {
	if a.queue == nil {
		return errors.New("offline mode is disabled (offline.enabled in config)")
	}
	if phase != queue.PhaseTimeIn && phase != queue.PhaseTimeOut {
		return usageError(fmt.Sprintf("unknown phase %q", phase))
	}

	ev, err := a.client.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("event %s is not cached: %w", eventID, err)
	}
	if !a.resolver.Active(ev) {
		return fmt.Errorf("%w: %s is %s", workflow.ErrNotActive, ev.ID, a.resolver.Status(ev))
	}

	cctx, cancel := context.WithTimeout(ctx, a.conf.Timeout())
	rec, err := acq.Acquire(cctx)
	cancel()
	if err != nil {
		return err
	}

	e, err := a.queue.Enqueue(queue.Entry{
		EventID:     ev.ID,
		ScholarID:   scholarID,
		Phase:       phase,
		Record:      rec,
		Description: description,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s queued at %s (%s), %d pending\n", phase, rec.CapturedAt, e.ID, a.queue.Len())
	return nil
}

func (a *app) drain(ctx context.Context) error {
	if a.drainer == nil {
		return errors.New("offline mode is disabled (offline.enabled in config)")
	}
	res, err := a.drainer.Drain(ctx)
	fmt.Printf("sent %d, skipped %d, rejected %d, left %d\n", res.Sent, res.Skipped, res.Rejected, res.Left)
	return err
}

func (a *app) acquirer(photoPath string) *capture.Acquirer {
	acq := &capture.Acquirer{
		Camera: capture.FileCamera{Path: photoPath},
		Processor: &capture.Processor{
			MaxWidth: a.conf.Photo.MaxWidth,
			Format:   a.conf.Photo.Format,
			Quality:  a.conf.Photo.Quality,
		},
		Location: a.resolver.Location,
		Now:      time.Now,
	}
	if a.conf.Geocoder.URL != "" {
		acq.Geocoder = capture.NewHTTPGeocoder(a.conf.Geocoder.URL, a.conf.Geocoder.UserAgent)
	}
	return acq
}

// scholarID prefers the configured id, then the token's claims.
func (a *app) scholarID() (string, error) {
	if a.conf.ScholarID != "" {
		return a.conf.ScholarID, nil
	}
	if a.env.Token != "" {
		c, err := auth.Inspect(a.env.Token)
		if err == nil && c.ScholarID != "" {
			return c.ScholarID, nil
		}
	}
	id, err := a.tokens.ScholarID()
	if err != nil {
		return "", fmt.Errorf("scholar id: set scholar_id or log in with a token that carries one: %w", err)
	}
	return id, nil
}

func runLogin(conf *config.Config, args []string) error {
	if len(args) != 1 {
		return usageError("login needs exactly one TOKEN (use - to read stdin)")
	}
	token := args[0]
	if token == "-" {
		data, err := readAllStdin()
		if err != nil {
			return err
		}
		token = data
	}

	store := auth.NewStore(conf.TokenPath())
	if err := store.Set(token); err != nil {
		return err
	}
	if c, err := auth.Inspect(token); err == nil {
		appLog.Info("token stored", "scholar_id", c.ScholarID, "expires", c.ExpiresAt.Format(time.RFC3339))
		if !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt) {
			appLog.Warn("stored token is already expired")
		}
	} else {
		appLog.Info("opaque token stored", "path", conf.TokenPath())
	}
	return nil
}

func runLogout(conf *config.Config) error {
	if err := auth.NewStore(conf.TokenPath()).Clear(); err != nil {
		return err
	}
	appLog.Info("token removed", "path", conf.TokenPath())
	return nil
}

func readAllStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
