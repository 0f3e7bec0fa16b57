// Package sendqueue is the bounded outbound FIFO in front of the chat
// transport. It absorbs backpressure from the platform's send throttles:
// one job is attempted per drain tick, failures retry with exponential
// backoff, and jobs that outlive their TTL are dropped.
package sendqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nevindra/edgelink"
)

// Config tunes the queue. Zero fields take the defaults.
type Config struct {
	MaxQueue   int           // bound on depth (default 500)
	MaxRetries int           // attempts before a job is dropped (default 3)
	RetryBase  time.Duration // first backoff step, doubling per attempt (default 2s)
	TTL        time.Duration // max queue residence (default 120s)
	DrainTick  time.Duration // drain cadence (default 200ms)
}

func (c *Config) applyDefaults() {
	if c.MaxQueue <= 0 {
		c.MaxQueue = 500
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.TTL <= 0 {
		c.TTL = 120 * time.Second
	}
	if c.DrainTick <= 0 {
		c.DrainTick = 200 * time.Millisecond
	}
}

// Job is one outbound send: a single bubble or a multi-bubble sequence.
// OnDelivered fires after a successful send; OnFailed fires when the job
// is dropped (retries exhausted or TTL expired) with the reason. Both are
// invoked outside the queue lock.
type Job struct {
	ThreadID    string
	Bubbles     []string
	IsGroup     bool
	Batched     bool
	OnDelivered func()
	OnFailed    func(error)

	addedAt     time.Time
	attempts    int
	lastAttempt time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithDropObserver registers a counter callback invoked once per dropped
// job.
func WithDropObserver(fn func()) Option {
	return func(q *Queue) { q.onDrop = fn }
}

// Queue is a strictly FIFO, in-memory, bounded send queue. The queue
// exclusively owns its backlog; callers only Enqueue and read Stats.
type Queue struct {
	cfg    Config
	sender edgelink.Sender
	logger *slog.Logger
	onDrop func()

	mu        sync.Mutex
	jobs      []*Job
	enqueued  int64
	delivered int64
	dropped   int64

	nowFunc func() time.Time
}

// New creates a Queue draining into sender.
func New(sender edgelink.Sender, cfg Config, opts ...Option) *Queue {
	cfg.applyDefaults()
	q := &Queue{
		cfg:     cfg,
		sender:  sender,
		logger:  nopLogger,
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends a job, reporting false when the queue is full. The
// caller decides whether a full queue fails the originating command.
func (q *Queue) Enqueue(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) >= q.cfg.MaxQueue {
		q.logger.Warn("⚠️ sendqueue: full, rejecting job", "thread", job.ThreadID, "depth", len(q.jobs))
		return false
	}
	job.addedAt = q.nowFunc()
	q.jobs = append(q.jobs, &job)
	q.enqueued++
	return true
}

// Stats returns a consistent snapshot of queue counters.
func (q *Queue) Stats() edgelink.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return edgelink.QueueStats{
		Depth:     len(q.jobs),
		Enqueued:  q.enqueued,
		Delivered: q.delivered,
		Dropped:   q.dropped,
	}
}

// Run drains the queue until ctx is cancelled. One job is attempted per
// tick to respect the transport's rate limit.
func (q *Queue) Run(ctx context.Context) {
	q.logger.Debug("sendqueue: drain loop started", "tick", q.cfg.DrainTick)
	ticker := time.NewTicker(q.cfg.DrainTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			inflight := len(q.jobs)
			q.mu.Unlock()
			if inflight > 0 {
				q.logger.Warn("⚠️ sendqueue: stopping with undelivered jobs", "depth", inflight)
			}
			return
		case <-ticker.C:
			q.drainOnce(ctx)
		}
	}
}

// drainOnce handles the head job only: TTL expiry, backoff yield, or one
// send attempt.
func (q *Queue) drainOnce(ctx context.Context) {
	q.mu.Lock()
	if len(q.jobs) == 0 {
		q.mu.Unlock()
		return
	}
	job := q.jobs[0]
	now := q.nowFunc()

	if age := now.Sub(job.addedAt); age > q.cfg.TTL {
		q.jobs = q.jobs[1:]
		q.dropped++
		q.mu.Unlock()
		q.logger.Warn("⚠️ sendqueue: job expired", "thread", job.ThreadID, "age", age)
		q.notifyDropped(job, fmt.Errorf("expired after %v in send queue", age))
		return
	}
	if job.attempts > 0 {
		backoff := q.cfg.RetryBase << (job.attempts - 1)
		if now.Sub(job.lastAttempt) < backoff {
			q.mu.Unlock()
			return
		}
	}
	q.mu.Unlock()

	// Send outside the lock; the head cannot change under us because this
	// is the only dispatcher.
	err := q.dispatch(ctx, job)

	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case err == nil:
		q.jobs = q.jobs[1:]
		q.delivered++
		if job.OnDelivered != nil {
			go job.OnDelivered()
		}
	case errors.Is(err, edgelink.ErrRateLimited):
		// Soft failure: no attempt consumed, retried next tick. The
		// transport emits no backoff hint, so the tick cadence is the
		// retry cadence.
		q.logger.Debug("sendqueue: rate limited, retrying next tick", "thread", job.ThreadID)
	default:
		job.attempts++
		job.lastAttempt = q.nowFunc()
		if job.attempts >= q.cfg.MaxRetries {
			q.jobs = q.jobs[1:]
			q.dropped++
			q.logger.Error("❌ sendqueue: job dropped after retries",
				"thread", job.ThreadID, "attempts", job.attempts, "error", err)
			q.notifyDropped(job, err)
		} else {
			q.logger.Warn("⚠️ sendqueue: send failed, will retry",
				"thread", job.ThreadID, "attempt", job.attempts, "error", err)
		}
	}
}

// notifyDropped fires the drop hooks on their own goroutine; callers may
// hold the queue lock.
func (q *Queue) notifyDropped(job *Job, err error) {
	go func() {
		if q.onDrop != nil {
			q.onDrop()
		}
		if job.OnFailed != nil {
			job.OnFailed(err)
		}
	}()
}

func (q *Queue) dispatch(ctx context.Context, job *Job) error {
	if len(job.Bubbles) == 1 && !job.Batched {
		return q.sender.Send(ctx, job.ThreadID, job.Bubbles[0], job.IsGroup)
	}
	return q.sender.SendMulti(ctx, job.ThreadID, job.Bubbles, job.IsGroup, job.Batched)
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
