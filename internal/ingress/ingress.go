// Package ingress polls the chat datastore and forwards new inbound
// messages to the backend, turning reply classifications into send-queue
// jobs and scheduled bursts. It is the single writer of the ingress
// watermark.
package ingress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nevindra/edgelink"
	"github.com/nevindra/edgelink/sendqueue"
)

const (
	defaultPollInterval = time.Second
	defaultConcurrency  = 3
	defaultBurstDelay   = 2000 * time.Millisecond
)

// Poller is the read half of the chat transport.
type Poller interface {
	PollNew(ctx context.Context, afterRowID int64) ([]edgelink.Message, int64, error)
}

// Forwarder sends one inbound message to the backend, satisfied by
// *backend.Client.
type Forwarder interface {
	ForwardMessage(ctx context.Context, req edgelink.ForwardRequest) (edgelink.ForwardResponse, error)
}

// Queue is the send-side collaborator, satisfied by *sendqueue.Queue.
type Queue interface {
	Enqueue(job sendqueue.Job) bool
}

// Scheduler receives delayed burst messages.
type Scheduler interface {
	Schedule(ctx context.Context, m edgelink.ScheduledMessage) (edgelink.ScheduledMessage, error)
}

// Watermark persists the last processed row id, satisfied by
// *state.Store.
type Watermark interface {
	LastRowID(ctx context.Context) (int64, error)
	SetLastRowID(ctx context.Context, rowID int64) error
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// WithPollInterval overrides the 1 s tick.
func WithPollInterval(d time.Duration) Option {
	return func(lp *Loop) {
		if d > 0 {
			lp.pollInterval = d
		}
	}
}

// WithConcurrency bounds in-flight forwards per batch.
func WithConcurrency(n int) Option {
	return func(lp *Loop) {
		if n > 0 {
			lp.concurrency = n
		}
	}
}

// WithBatchedSends controls whether multi-bubble replies go out as one
// batched script.
func WithBatchedSends(batched bool) Option {
	return func(lp *Loop) { lp.batchedSends = batched }
}

// WithForwardObserver registers a counter callback invoked with the
// number of messages forwarded per poll.
func WithForwardObserver(fn func(int)) Option {
	return func(lp *Loop) { lp.onForwarded = fn }
}

// Loop is the ingress pipeline. Create with New, drive with Run.
type Loop struct {
	poller    Poller
	forwarder Forwarder
	queue     Queue
	scheduler Scheduler
	watermark Watermark
	suppress  *edgelink.SuppressionMap
	logger    *slog.Logger

	pollInterval time.Duration
	concurrency  int
	batchedSends bool
	onForwarded  func(int)
	nowFunc      func() time.Time
}

// New wires the pipeline. suppress is shared with the command handler,
// which records delivered reflexes into it.
func New(poller Poller, fwd Forwarder, queue Queue, sched Scheduler, wm Watermark, suppress *edgelink.SuppressionMap, opts ...Option) *Loop {
	lp := &Loop{
		poller:       poller,
		forwarder:    fwd,
		queue:        queue,
		scheduler:    sched,
		watermark:    wm,
		suppress:     suppress,
		logger:       nopLogger,
		pollInterval: defaultPollInterval,
		concurrency:  defaultConcurrency,
		batchedSends: true,
		nowFunc:      time.Now,
	}
	for _, o := range opts {
		o(lp)
	}
	return lp
}

// Run polls until ctx is cancelled. The watermark is loaded once at start;
// this loop is its only writer afterwards.
func (lp *Loop) Run(ctx context.Context) error {
	rowID, err := lp.watermark.LastRowID(ctx)
	if err != nil {
		return err
	}
	lp.logger.Info("ingress: started", "watermark", rowID, "interval", lp.pollInterval)

	ticker := time.NewTicker(lp.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rowID = lp.pollOnce(ctx, rowID)
		}
	}
}

// pollOnce processes one tick and returns the new watermark. The
// watermark advances only after every message in the batch has been
// handled, and is never moved backwards.
func (lp *Loop) pollOnce(ctx context.Context, afterRowID int64) int64 {
	msgs, newRowID, err := lp.poller.PollNew(ctx, afterRowID)
	if err != nil {
		lp.logger.Error("❌ ingress: poll failed", "error", err)
		return afterRowID
	}
	if len(msgs) == 0 {
		return afterRowID
	}

	lp.forwardBatch(ctx, msgs)
	if lp.onForwarded != nil {
		lp.onForwarded(len(msgs))
	}

	if newRowID <= afterRowID {
		return afterRowID
	}
	if err := lp.watermark.SetLastRowID(ctx, newRowID); err != nil {
		// Keep the in-memory watermark: a replay after crash is bounded by
		// this one batch, a replay now would duplicate sends immediately.
		lp.logger.Error("❌ ingress: watermark persist failed", "row_id", newRowID, "error", err)
	}
	return newRowID
}

// forwardBatch fans messages out to the backend, at most concurrency in
// flight. Individual failures are logged and skipped.
func (lp *Loop) forwardBatch(ctx context.Context, msgs []edgelink.Message) {
	sem := make(chan struct{}, lp.concurrency)
	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		sem <- struct{}{}
		go func(m edgelink.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			lp.handleMessage(ctx, m)
		}(msg)
	}
	wg.Wait()
}

func (lp *Loop) handleMessage(ctx context.Context, msg edgelink.Message) {
	resp, err := lp.forwarder.ForwardMessage(ctx, forwardRequest(msg))
	if err != nil {
		lp.logger.Error("❌ ingress: forward failed",
			"thread", msg.ThreadID, "row_id", msg.RowID, "error", err)
		return
	}
	lp.applyReply(ctx, msg, resp)
}

func forwardRequest(msg edgelink.Message) edgelink.ForwardRequest {
	mode := "direct"
	if msg.IsGroup {
		mode = "group"
	}
	return edgelink.ForwardRequest{
		ChatGUID:     msg.ThreadID,
		Mode:         mode,
		Sender:       msg.Sender,
		Text:         msg.Text,
		Timestamp:    msg.Timestamp,
		Participants: msg.Participants,
		Attachments:  msg.Attachments,
	}
}

// applyReply classifies the backend response and turns it into sends:
// nothing, reflex+burst, legacy bubbles, or a single text.
func (lp *Loop) applyReply(ctx context.Context, msg edgelink.Message, resp edgelink.ForwardResponse) {
	switch {
	case resp.ReflexMessage != "":
		lp.enqueue(msg, []string{resp.ReflexMessage})
		lp.scheduleBurst(ctx, msg, resp)
	case len(resp.ReplyBubbles) > 0:
		bubbles := resp.ReplyBubbles
		if lp.suppress.Consume(msg.ThreadID, bubbles[0]) {
			lp.logger.Debug("ingress: first bubble suppressed by recent reflex", "thread", msg.ThreadID)
			bubbles = bubbles[1:]
		}
		if len(bubbles) > 0 {
			lp.enqueue(msg, bubbles)
		}
	case resp.ShouldRespond && resp.ReplyText != "":
		lp.enqueue(msg, []string{resp.ReplyText})
	}
}

// scheduleBurst schedules each burst bubble after the backend's delay.
// Bubbles are staggered by a millisecond so they fire in order.
func (lp *Loop) scheduleBurst(ctx context.Context, msg edgelink.Message, resp edgelink.ForwardResponse) {
	if len(resp.BurstMessages) == 0 {
		return
	}
	delay := time.Duration(resp.BurstDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = defaultBurstDelay
	}
	base := lp.nowFunc().Add(delay)
	for i, text := range resp.BurstMessages {
		_, err := lp.scheduler.Schedule(ctx, edgelink.ScheduledMessage{
			ThreadID: msg.ThreadID,
			Text:     text,
			SendAt:   base.Add(time.Duration(i) * time.Millisecond),
			IsGroup:  msg.IsGroup,
		})
		if err != nil {
			lp.logger.Error("❌ ingress: burst schedule failed",
				"thread", msg.ThreadID, "error", err)
		}
	}
}

func (lp *Loop) enqueue(msg edgelink.Message, bubbles []string) {
	ok := lp.queue.Enqueue(sendqueue.Job{
		ThreadID: msg.ThreadID,
		Bubbles:  bubbles,
		IsGroup:  msg.IsGroup,
		Batched:  lp.batchedSends && len(bubbles) > 1,
	})
	if !ok {
		lp.logger.Warn("⚠️ ingress: reply dropped, send queue full", "thread", msg.ThreadID)
	}
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
