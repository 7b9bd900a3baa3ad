package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	appLog "rstrack/internal/log"
	"rstrack/internal/model"
)

// ErrInvalidRequest wraps validation failures. No request is sent when it
// is returned.
var ErrInvalidRequest = errors.New("api: invalid request")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: %s: %d %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %s: %d %s", e.Op, e.Code, http.StatusText(e.Code))
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource for a fixed token.
type StaticToken string

func (t StaticToken) Token() (string, error) { return string(t), nil }

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   TokenSource
	// Timeout bounds every HTTP exchange. Zero means 20s.
	Timeout time.Duration
	// CacheDir enables the disk cache for event reads when non-empty.
	CacheDir string
}

// Client talks to the scholarship backend.
type Client struct {
	baseURL  string
	token    TokenSource
	http     *http.Client
	cache    *diskCache
	validate *validator.Validate
}

func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api: invalid base URL %q", opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	c := &Client{
		baseURL:  strings.TrimRight(u.String(), "/"),
		token:    opts.Token,
		http:     &http.Client{Timeout: timeout},
		validate: validator.New(),
	}
	if opts.CacheDir != "" {
		c.cache = &diskCache{dir: opts.CacheDir}
	}
	return c, nil
}

// TimeInRequest opens a submission.
type TimeInRequest struct {
	EventID      string `json:"eventId" validate:"required"`
	ScholarID    string `json:"scholarId" validate:"required"`
	ImageUUID    string `json:"imageUuid" validate:"required,uuid4"`
	Location     string `json:"location" validate:"required"`
	Image        string `json:"image" validate:"required,datauri"`
	CapturedTime string `json:"capturedTime" validate:"required"`
	Description  string `json:"description"`
}

// TimeOutRequest closes the submission opened by a Time-In.
type TimeOutRequest struct {
	SubmissionID string `json:"submissionId" validate:"required"`
	ImageUUID    string `json:"imageUuid" validate:"required,uuid4"`
	Location     string `json:"location" validate:"required"`
	Image        string `json:"image" validate:"required,datauri"`
	CapturedTime string `json:"capturedTime" validate:"required"`
}

// TimeInResponse carries the server-issued submission id.
type TimeInResponse struct {
	SubmissionID string `json:"submissionId"`
}

type timeOutResponse struct {
	OK bool `json:"ok"`
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// NewTimeInRequest builds a request from a capture record.
func NewTimeInRequest(eventID, scholarID, description string, rec model.CaptureRecord) TimeInRequest {
	return TimeInRequest{
		EventID:      eventID,
		ScholarID:    scholarID,
		ImageUUID:    rec.UUID,
		Location:     rec.Location,
		Image:        rec.Image,
		CapturedTime: rec.CapturedAt,
		Description:  description,
	}
}

// NewTimeOutRequest builds a request from a capture record.
func NewTimeOutRequest(submissionID string, rec model.CaptureRecord) TimeOutRequest {
	return TimeOutRequest{
		SubmissionID: submissionID,
		ImageUUID:    rec.UUID,
		Location:     rec.Location,
		Image:        rec.Image,
		CapturedTime: rec.CapturedAt,
	}
}

// CheckSubmission asks whether the current scholar already submitted for eventID.
func (c *Client) CheckSubmission(ctx context.Context, eventID string) (model.SubmissionCheck, error) {
	var out model.SubmissionCheck
	if eventID == "" {
		return out, fmt.Errorf("%w: empty event id", ErrInvalidRequest)
	}
	err := c.doJSON(ctx, "check submission", http.MethodGet, "/submissions/check/"+url.PathEscape(eventID), nil, &out)
	return out, err
}

// SubmitTimeIn persists a Time-In and returns the new submission id.
func (c *Client) SubmitTimeIn(ctx context.Context, req TimeInRequest) (TimeInResponse, error) {
	var out TimeInResponse
	if err := c.validate.Struct(req); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := c.doJSON(ctx, "submit time-in", http.MethodPost, "/submissions/time-in", req, &out); err != nil {
		return out, err
	}
	if out.SubmissionID == "" {
		return out, errors.New("api: submit time-in: response has no submissionId")
	}
	return out, nil
}

// SubmitTimeOut persists the Time-Out of an open submission.
func (c *Client) SubmitTimeOut(ctx context.Context, req TimeOutRequest) error {
	if err := c.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var out timeOutResponse
	if err := c.doJSON(ctx, "submit time-out", http.MethodPost, "/submissions/time-out", req, &out); err != nil {
		return err
	}
	if !out.OK {
		return errors.New("api: submit time-out: server did not acknowledge")
	}
	return nil
}

// GetEvent fetches a single event. With a cache directory configured the
// last good copy is served when the backend cannot be reached.
func (c *Client) GetEvent(ctx context.Context, eventID string) (model.Event, error) {
	var ev model.Event
	if eventID == "" {
		return ev, fmt.Errorf("%w: empty event id", ErrInvalidRequest)
	}
	body, err := c.getCached(ctx, "get event", "/events/"+url.PathEscape(eventID))
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("api: get event: decode: %w", err)
	}
	return ev, nil
}

// ListEvents fetches the event feed.
func (c *Client) ListEvents(ctx context.Context) ([]model.Event, error) {
	body, err := c.getCached(ctx, "list events", "/events")
	if err != nil {
		return nil, err
	}
	var evs []model.Event
	if err := json.Unmarshal(body, &evs); err != nil {
		return nil, fmt.Errorf("api: list events: decode: %w", err)
	}
	return evs, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		tok, err := c.token.Token()
		if err != nil {
			return nil, fmt.Errorf("api: token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return fmt.Errorf("api: %s: %w", op, err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		appLog.Error("api request failed", err, "op", op, "path", path)
		return fmt.Errorf("api: %s: %w", op, err)
	}
	defer resp.Body.Close()

	appLog.Debug("api request", "op", op, "status", resp.StatusCode, "elapsed", time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: %s: decode: %w", op, err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	se := &StatusError{Op: op, Code: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		se.Message = eb.Message
		if se.Message == "" {
			se.Message = eb.Error
		}
	}
	return se
}
