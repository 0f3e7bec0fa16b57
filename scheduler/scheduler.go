package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/edgelink"
	"github.com/nevindra/edgelink/sendqueue"
)

const (
	// wakeBuffer is subtracted from the computed sleep so the loop wakes
	// just ahead of the due time instead of just after it.
	wakeBuffer = 100 * time.Millisecond
	// defaultMaxCheck caps the sleep; new rows written by another process
	// would otherwise never be noticed while the loop sleeps on an old
	// horizon.
	defaultMaxCheck = 60 * time.Second
	// staleAfter bounds startup catch-up. Rows older than this at boot are
	// failed instead of fired, so a long outage cannot produce a flood.
	staleAfter = 5 * time.Minute

	dueBatch = 50
)

// Enqueuer is the send-side collaborator, satisfied by *sendqueue.Queue.
type Enqueuer interface {
	Enqueue(job sendqueue.Job) bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithLatencyObserver registers a callback invoked with fire latency
// (enqueue time minus send_at) for every dispatched message.
func WithLatencyObserver(fn func(time.Duration)) Option {
	return func(s *Scheduler) { s.onLatency = fn }
}

// WithStaleAfter overrides the startup staleness cutoff.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithMaxCheck overrides the sleep cap between passes.
func WithMaxCheck(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxCheck = d
		}
	}
}

// WithAdaptive toggles adaptive sleeps. When disabled the loop wakes on a
// fixed cadence of the max-check interval regardless of the horizon.
func WithAdaptive(on bool) Option {
	return func(s *Scheduler) { s.adaptive = on }
}

// Scheduler drives the store: it sleeps until the earliest pending row is
// due, claims it, and hands it to the send queue. The timer re-arms from
// the store on every pass, so Schedule and Cancel only need to nudge the
// wake channel.
type Scheduler struct {
	store      *Store
	queue      Enqueuer
	logger     *slog.Logger
	onLatency  func(time.Duration)
	staleAfter time.Duration
	maxCheck   time.Duration
	adaptive   bool

	// wake has capacity 1: coalescing nudges is fine because the loop
	// always re-reads the store after waking.
	wake    chan struct{}
	nowFunc func() time.Time
}

// New creates a Scheduler over store, dispatching into queue.
func New(store *Store, queue Enqueuer, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		queue:      queue,
		logger:     nopLogger,
		staleAfter: staleAfter,
		maxCheck:   defaultMaxCheck,
		adaptive:   true,
		wake:       make(chan struct{}, 1),
		nowFunc:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule persists a new pending message and nudges the loop. The id is
// assigned here if empty. A duplicate command id is a no-op and returns
// the stored row's id semantics to the caller via ok=false.
func (s *Scheduler) Schedule(ctx context.Context, m edgelink.ScheduledMessage) (edgelink.ScheduledMessage, error) {
	if m.ID == "" {
		m.ID = edgelink.NewID()
	}
	m.Status = edgelink.StatusPending
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.nowFunc()
	}
	inserted, err := s.store.Create(ctx, m)
	if err != nil {
		return edgelink.ScheduledMessage{}, err
	}
	if !inserted {
		s.logger.Info("scheduler: duplicate command, keeping existing row", "command_id", m.CommandID)
		return m, nil
	}
	s.logger.Info("scheduler: message scheduled",
		"id", m.ID, "thread", m.ThreadID, "send_at", m.SendAt.Format(time.RFC3339))
	s.Wake()
	return m, nil
}

// Cancel flips a pending row to cancelled. It reports false when the row
// was already claimed, fired or cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.Cancel(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Info("scheduler: message cancelled", "id", id)
		s.Wake()
	}
	return ok, nil
}

// Wake nudges the loop to re-read its horizon. Never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run recovers stale rows, then fires due messages until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recoverStale(ctx); err != nil {
		return err
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextSleep(ctx))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
		if err := s.fireDue(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("❌ scheduler: dispatch pass failed", "error", err)
		}
	}
}

// nextSleep computes how long to wait before the next pass: up to the
// earliest pending send_at minus the wake buffer, capped at the max-check
// interval. With adaptive sleeps disabled the cap is the whole answer.
func (s *Scheduler) nextSleep(ctx context.Context) time.Duration {
	if !s.adaptive {
		return s.maxCheck
	}
	next, ok, err := s.store.NextPendingAt(ctx)
	if err != nil {
		s.logger.Error("❌ scheduler: horizon query failed", "error", err)
		return wakeBuffer
	}
	if !ok {
		return s.maxCheck
	}
	rem := next.Sub(s.nowFunc())
	if rem <= wakeBuffer {
		// Inside the buffer window: sleep the exact remainder.
		if rem < 0 {
			rem = 0
		}
		return rem
	}
	d := rem - wakeBuffer
	if d > s.maxCheck {
		d = s.maxCheck
	}
	return d
}

// fireDue claims and dispatches every due row, ascending by send_at. A row
// lost to a concurrent claimer is skipped silently; a claimed row settles
// as failed when it cannot be enqueued, or later through the job's drop
// callback when delivery exhausts its retries.
func (s *Scheduler) fireDue(ctx context.Context) error {
	for {
		due, err := s.store.DuePending(ctx, s.nowFunc(), dueBatch)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		for _, m := range due {
			claimed, err := s.store.Claim(ctx, m.ID)
			if err != nil {
				return err
			}
			if !claimed {
				continue
			}
			s.dispatch(ctx, m)
		}
		if len(due) < dueBatch {
			return nil
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, m edgelink.ScheduledMessage) {
	ok := s.queue.Enqueue(sendqueue.Job{
		ThreadID: m.ThreadID,
		Bubbles:  []string{m.Text},
		IsGroup:  m.IsGroup,
		OnFailed: func(sendErr error) {
			// The queue reports the drop long after this pass; the row was
			// claimed, so only we can settle it.
			s.logger.Error("❌ scheduler: delivery failed after claim", "id", m.ID, "error", sendErr)
			if err := s.store.MarkFailed(context.Background(), m.ID, sendErr.Error()); err != nil {
				s.logger.Error("❌ scheduler: mark failed", "id", m.ID, "error", err)
			}
		},
	})
	if !ok {
		s.logger.Error("❌ scheduler: send queue full, message failed", "id", m.ID, "thread", m.ThreadID)
		if err := s.store.MarkFailed(ctx, m.ID, "send queue full"); err != nil {
			s.logger.Error("❌ scheduler: mark failed", "id", m.ID, "error", err)
		}
		return
	}
	latency := s.nowFunc().Sub(m.SendAt)
	if s.onLatency != nil {
		s.onLatency(latency)
	}
	s.logger.Info("scheduler: message fired", "id", m.ID, "thread", m.ThreadID, "latency", latency)
}

// recoverStale runs once at startup. Rows due within the cutoff stay
// pending and fire on the first pass; older ones are failed.
func (s *Scheduler) recoverStale(ctx context.Context) error {
	cutoff := s.nowFunc().Add(-s.staleAfter)
	n, err := s.store.FailStale(ctx, cutoff, "stale at startup")
	if err != nil {
		return fmt.Errorf("scheduler: startup recovery: %w", err)
	}
	if n > 0 {
		s.logger.Warn("⚠️ scheduler: failed stale messages at startup", "count", n)
	}
	return nil
}
