// Package capture buffers key events on the client and flushes them to the
// collector as one batch.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"perimeter/pkg/structlog"
	"perimeter/pkg/typing"
)

// DefaultMaxEvents caps the buffer when WithMaxEvents is not given.
const DefaultMaxEvents = 10000

var ErrNoSender = errors.New("capture: recorder has no sender")

// FlushResult describes one flushed batch.
type FlushResult struct {
	UserID   string
	Events   int
	Response *Response
}

type Option func(*Recorder)

// WithMaxEvents sets the buffer cap; n <= 0 keeps the default.
func WithMaxEvents(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.max = n
		}
	}
}

func WithLogger(l *structlog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithClock replaces time.Now for Record.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder is an ordered key event buffer. When full, the oldest event is
// evicted. Safe for concurrent use.
type Recorder struct {
	sender Sender
	logger *structlog.Logger
	now    func() time.Time
	max    int

	mu          sync.Mutex
	buf         []typing.Event
	head        int
	dropped     uint64
	overflowing bool
}

func NewRecorder(sender Sender, opts ...Option) *Recorder {
	r := &Recorder{
		sender: sender,
		logger: structlog.Default(),
		now:    time.Now,
		max:    DefaultMaxEvents,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Recorder) RecordKeyDown(key string, timestamp int64) {
	r.append(typing.Event{Key: key, Timestamp: timestamp, Keydown: true})
}

func (r *Recorder) RecordKeyUp(key string, timestamp int64) {
	r.append(typing.Event{Key: key, Timestamp: timestamp, Keydown: false})
}

// Record stamps the event with the recorder clock in epoch milliseconds.
func (r *Recorder) Record(key string, keydown bool) {
	r.append(typing.Event{Key: key, Timestamp: r.now().UnixMilli(), Keydown: keydown})
}

func (r *Recorder) append(ev typing.Event) {
	r.mu.Lock()
	if len(r.buf) < r.max {
		r.buf = append(r.buf, ev)
		r.mu.Unlock()
		return
	}
	r.buf[r.head] = ev
	r.head = (r.head + 1) % r.max
	r.dropped++
	warn := !r.overflowing
	r.overflowing = true
	r.mu.Unlock()

	if warn {
		r.logger.Warn("typing buffer full, evicting oldest events", structlog.Fields{
			"max_events": r.max,
		})
	}
}

// Len reports the number of buffered events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Dropped reports how many events were evicted since the recorder was built.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Snapshot returns the buffered events in capture order.
func (r *Recorder) Snapshot() []typing.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Recorder) snapshotLocked() []typing.Event {
	out := make([]typing.Event, 0, len(r.buf))
	out = append(out, r.buf[r.head:]...)
	return append(out, r.buf[:r.head]...)
}

func (r *Recorder) Clear() {
	r.mu.Lock()
	r.clearLocked()
	r.mu.Unlock()
}

func (r *Recorder) clearLocked() {
	r.buf = nil
	r.head = 0
	r.overflowing = false
}

// Flush sends the buffered events for userID and clears the buffer whatever
// the outcome. Failures are logged and returned; the batch is not retried
// here beyond what the Sender does.
func (r *Recorder) Flush(ctx context.Context, userID string) (*FlushResult, error) {
	r.mu.Lock()
	events := r.snapshotLocked()
	r.clearLocked()
	r.mu.Unlock()

	res := &FlushResult{UserID: userID, Events: len(events)}
	log := r.logger.WithContext(ctx).WithFields(structlog.Fields{"events": len(events)})

	if userID == "" {
		log.Error("flush failed", structlog.Fields{"error": typing.ErrMissingUserID})
		return res, typing.ErrMissingUserID
	}
	if r.sender == nil {
		log.Error("flush failed", structlog.Fields{"error": ErrNoSender})
		return res, ErrNoSender
	}

	resp, err := r.sender.Send(ctx, typing.Batch{UserID: userID, TypingData: events})
	res.Response = resp
	if err != nil {
		log.Error("flush failed", structlog.Fields{"error": err})
		return res, err
	}
	log.Debug("flush succeeded", structlog.Fields{"status": resp.StatusCode})
	return res, nil
}
