package queue

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	appLog "rstrack/internal/log"
	"rstrack/internal/model"
)

// Phase of a queued capture.
type Phase string

const (
	PhaseTimeIn  Phase = "time_in"
	PhaseTimeOut Phase = "time_out"
)

// Entry is a capture waiting to be sent.
type Entry struct {
	ID          string              `json:"id"`
	EventID     string              `json:"event_id"`
	ScholarID   string              `json:"scholar_id"`
	Phase       Phase               `json:"phase"`
	Record      model.CaptureRecord `json:"record"`
	Description string              `json:"description,omitempty"`
	// SubmissionID is known for Time-Outs queued after an online Time-In.
	SubmissionID string    `json:"submission_id,omitempty"`
	QueuedAt     time.Time `json:"queued_at"`
}

// logLine is one record of the append-only log: either a new entry or an
// acknowledgement of an earlier one.
type logLine struct {
	Op    string `json:"op"`
	Entry *Entry `json:"entry,omitempty"`
	ID    string `json:"id,omitempty"`
}

const (
	opEnqueue = "enqueue"
	opAck     = "ack"
)

// Queue is a durable FIFO of pending captures backed by a JSON-lines log.
type Queue struct {
	path string

	mu      sync.Mutex
	pending []Entry
}

// Open replays the log under dir, creating it on first use.
func Open(dir string) (*Queue, error) {
	if dir == "" {
		return nil, errors.New("queue: empty directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	q := &Queue{path: filepath.Join(dir, "pending.log")}
	if err := q.replay(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) replay() error {
	f, err := os.Open(q.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	var (
		lineNo   int
		offset   int64
		complete int64 // end of the last newline-terminated line
	)
	for sc.Scan() {
		lineNo++
		offset += int64(len(sc.Bytes())) + 1
		if offset <= info.Size() {
			complete = offset
		}
		var ln logLine
		if err := json.Unmarshal(sc.Bytes(), &ln); err != nil {
			// A torn final write is the only expected corruption.
			appLog.Warn("queue: skipping unreadable log line", "line", lineNo, "reason", err.Error())
			continue
		}
		switch ln.Op {
		case opEnqueue:
			if ln.Entry != nil {
				q.pending = append(q.pending, *ln.Entry)
			}
		case opAck:
			q.remove(ln.ID)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	// Cut an unterminated tail so the next append starts on a fresh line.
	if complete < info.Size() {
		appLog.Warn("queue: truncating torn log tail", "bytes", info.Size()-complete)
		if err := os.Truncate(q.path, complete); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue appends e, assigning an id and timestamp when missing.
func (q *Queue) Enqueue(e Entry) (Entry, error) {
	if e.EventID == "" || (e.Phase != PhaseTimeIn && e.Phase != PhaseTimeOut) {
		return e, fmt.Errorf("queue: invalid entry (event=%q phase=%q)", e.EventID, e.Phase)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.QueuedAt.IsZero() {
		e.QueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.append(logLine{Op: opEnqueue, Entry: &e}); err != nil {
		return e, err
	}
	q.pending = append(q.pending, e)
	appLog.Info("queue: capture queued", "id", e.ID, "event_id", e.EventID, "phase", string(e.Phase))
	return e, nil
}

// Ack marks an entry as sent. Acking an unknown id is a no-op.
func (q *Queue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.remove(id) {
		return nil
	}
	if err := q.append(logLine{Op: opAck, ID: id}); err != nil {
		return err
	}
	if len(q.pending) == 0 {
		return q.truncate()
	}
	return nil
}

// Pending returns a snapshot of the unsent entries, oldest first.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.pending))
	copy(out, q.pending)
	return out
}

// Len returns the number of unsent entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// remove must be called with q.mu held.
func (q *Queue) remove(id string) bool {
	for i, e := range q.pending {
		if e.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// append must be called with q.mu held.
func (q *Queue) append(ln logLine) error {
	data, err := json.Marshal(ln)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// truncate drops the log once everything in it has been acknowledged.
// Must be called with q.mu held.
func (q *Queue) truncate() error {
	if err := os.Truncate(q.path, 0); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
