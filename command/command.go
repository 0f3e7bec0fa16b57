// Package command validates and executes backend commands. One validator
// and one executor per command type; results are reported as acks. The
// handler is safe to share between the WebSocket channel and the HTTP
// sync loop.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nevindra/edgelink"
	"github.com/nevindra/edgelink/sendqueue"
)

const (
	// maxScheduleHorizon rejects send_at beyond a year out.
	maxScheduleHorizon = 365 * 24 * time.Hour
	// pastGrace absorbs clock skew between backend and edge for send_at.
	pastGrace = 5 * time.Second

	maxPayloadBytes = 1 << 20
	maxPayloadDepth = 10

	idempotencyCacheSize = 1024
)

// Queue is the send-side collaborator, satisfied by *sendqueue.Queue.
type Queue interface {
	Enqueue(job sendqueue.Job) bool
}

// Scheduler is the durable-send collaborator, satisfied by
// *scheduler.Scheduler.
type Scheduler interface {
	Schedule(ctx context.Context, m edgelink.ScheduledMessage) (edgelink.ScheduledMessage, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Wake()
}

// EventSink receives emit_event payloads, satisfied by *state.Store.
type EventSink interface {
	AppendEvent(ctx context.Context, ev edgelink.Event) error
}

// Collaborators are the opaque rule/plan/context backends. The payloads
// pass through unparsed beyond structural validation; each method reports
// only success or failure for the ack.
type Collaborators interface {
	SetRule(ctx context.Context, payload json.RawMessage) error
	UpdatePlan(ctx context.Context, payload json.RawMessage) error
	ContextUpdate(ctx context.Context, payload json.RawMessage) error
	ContextReset(ctx context.Context, payload json.RawMessage) error
	UploadRetry(ctx context.Context, payload json.RawMessage) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithCollaborators wires the opaque rule/plan/context backends. Without
// them those command types ack failed.
func WithCollaborators(c Collaborators) Option {
	return func(h *Handler) { h.collab = c }
}

// WithClock overrides the handler clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.nowFunc = now }
}

// Handler dispatches commands by type. Execution is idempotent per
// command id: a repeated id acks completed without re-executing.
type Handler struct {
	queue     Queue
	scheduler Scheduler
	events    EventSink
	suppress  *edgelink.SuppressionMap
	collab    Collaborators
	logger    *slog.Logger
	nowFunc   func() time.Time

	seen *lru.Cache[string, struct{}]
}

// New creates a Handler over its collaborators. suppress may be shared
// with the ingress loop; it is the reflex-deduplication coordinator.
func New(queue Queue, sched Scheduler, events EventSink, suppress *edgelink.SuppressionMap, opts ...Option) *Handler {
	seen, _ := lru.New[string, struct{}](idempotencyCacheSize)
	h := &Handler{
		queue:     queue,
		scheduler: sched,
		events:    events,
		suppress:  suppress,
		logger:    nopLogger,
		nowFunc:   time.Now,
		seen:      seen,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handle executes one command and returns its ack. Validation failures
// ack failed with the reason; they are never retried.
func (h *Handler) Handle(ctx context.Context, cmd edgelink.Command) edgelink.Ack {
	if cmd.CommandID != "" && h.seen.Contains(cmd.CommandID) {
		h.logger.Info("command: duplicate, acking without re-execution", "command_id", cmd.CommandID)
		return edgelink.Ack{CommandID: cmd.CommandID, Status: edgelink.AckCompleted}
	}

	err := h.execute(ctx, cmd)
	if err != nil {
		h.logger.Error("❌ command: failed",
			"command_id", cmd.CommandID, "type", cmd.CommandType, "error", err)
		return edgelink.Ack{CommandID: cmd.CommandID, Status: edgelink.AckFailed, Error: err.Error()}
	}

	if cmd.CommandID != "" {
		h.seen.Add(cmd.CommandID, struct{}{})
	}
	h.logger.Info("command: completed", "command_id", cmd.CommandID, "type", cmd.CommandType)
	return edgelink.Ack{CommandID: cmd.CommandID, Status: edgelink.AckCompleted}
}

func (h *Handler) execute(ctx context.Context, cmd edgelink.Command) error {
	switch cmd.CommandType {
	case edgelink.CmdSendMessageNow:
		return h.sendMessageNow(cmd)
	case edgelink.CmdScheduleMessage:
		return h.scheduleMessage(ctx, cmd)
	case edgelink.CmdCancelScheduled:
		return h.cancelScheduled(ctx, cmd)
	case edgelink.CmdSetRule:
		return h.collaborate(ctx, cmd, "set_rule", h.collabOr().SetRule)
	case edgelink.CmdUpdatePlan:
		return h.collaborate(ctx, cmd, "update_plan", h.collabOr().UpdatePlan)
	case edgelink.CmdContextUpdate:
		return h.collaborate(ctx, cmd, "context_update", h.collabOr().ContextUpdate)
	case edgelink.CmdContextReset:
		return h.collaborate(ctx, cmd, "context_reset", h.collabOr().ContextReset)
	case edgelink.CmdUploadRetry:
		return h.collaborate(ctx, cmd, "upload_retry", h.collabOr().UploadRetry)
	case edgelink.CmdEmitEvent:
		return h.emitEvent(ctx, cmd)
	default:
		return &edgelink.ErrValidation{Reason: fmt.Sprintf("unknown command type %q", cmd.CommandType)}
	}
}

func (h *Handler) sendMessageNow(cmd edgelink.Command) error {
	var p edgelink.SendMessagePayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return &edgelink.ErrValidation{Reason: "malformed send_message_now payload"}
	}
	if !edgelink.ValidThreadID(p.ThreadID) {
		return &edgelink.ErrValidation{Reason: "invalid thread id"}
	}
	if _, err := edgelink.SanitizeText(p.Text); err != nil {
		return err
	}
	switch p.BubbleType {
	case "", edgelink.BubbleNormal, edgelink.BubbleReflex, edgelink.BubbleBurst:
	default:
		return &edgelink.ErrValidation{Reason: fmt.Sprintf("unknown bubble type %q", p.BubbleType)}
	}

	// burst carries no special dispatch; it is enqueued like normal.
	if p.BubbleType == edgelink.BubbleReflex {
		h.suppress.Record(p.ThreadID, p.Text)
	}
	if !h.queue.Enqueue(sendqueue.Job{ThreadID: p.ThreadID, Bubbles: []string{p.Text}, IsGroup: p.IsGroup}) {
		return fmt.Errorf("send queue full")
	}
	return nil
}

func (h *Handler) scheduleMessage(ctx context.Context, cmd edgelink.Command) error {
	var p edgelink.SchedulePayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return &edgelink.ErrValidation{Reason: "malformed schedule_message payload"}
	}
	if !edgelink.ValidThreadID(p.ThreadID) {
		return &edgelink.ErrValidation{Reason: "invalid thread id"}
	}
	if _, err := edgelink.SanitizeText(p.Text); err != nil {
		return err
	}
	now := h.nowFunc()
	if p.SendAt.Before(now.Add(-pastGrace)) {
		return &edgelink.ErrValidation{Reason: "send_at is in the past"}
	}
	if p.SendAt.After(now.Add(maxScheduleHorizon)) {
		return &edgelink.ErrValidation{Reason: "send_at more than a year out"}
	}

	_, err := h.scheduler.Schedule(ctx, edgelink.ScheduledMessage{
		ThreadID:  p.ThreadID,
		Text:      p.Text,
		SendAt:    p.SendAt,
		IsGroup:   p.IsGroup,
		CommandID: cmd.CommandID,
	})
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if cmd.Priority == edgelink.PriorityImmediate {
		h.scheduler.Wake()
	}
	return nil
}

func (h *Handler) cancelScheduled(ctx context.Context, cmd edgelink.Command) error {
	var p edgelink.CancelPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return &edgelink.ErrValidation{Reason: "malformed cancel_scheduled payload"}
	}
	if !edgelink.IsUUID(p.ScheduleID) {
		return &edgelink.ErrValidation{Reason: "schedule_id is not a uuid"}
	}
	ok, err := h.scheduler.Cancel(ctx, p.ScheduleID)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if !ok {
		return fmt.Errorf("schedule %s is not pending", p.ScheduleID)
	}
	return nil
}

func (h *Handler) emitEvent(ctx context.Context, cmd edgelink.Command) error {
	var p edgelink.EmitEventPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return &edgelink.ErrValidation{Reason: "malformed emit_event payload"}
	}
	if p.EventType == "" {
		return &edgelink.ErrValidation{Reason: "event_type is required"}
	}
	if err := h.events.AppendEvent(ctx, edgelink.Event{
		EventType: p.EventType,
		ThreadID:  p.ThreadID,
		Details:   p.Details,
	}); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (h *Handler) collaborate(ctx context.Context, cmd edgelink.Command, name string, fn func(context.Context, json.RawMessage) error) error {
	if err := validateOpaquePayload(cmd.Payload); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("no %s collaborator configured", name)
	}
	if err := fn(ctx, cmd.Payload); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// collabOr returns a view of the configured collaborators whose methods
// are nil when unset, so collaborate can report a stable reason.
func (h *Handler) collabOr() collabFuncs {
	if h.collab == nil {
		return collabFuncs{}
	}
	return collabFuncs{
		SetRule:       h.collab.SetRule,
		UpdatePlan:    h.collab.UpdatePlan,
		ContextUpdate: h.collab.ContextUpdate,
		ContextReset:  h.collab.ContextReset,
		UploadRetry:   h.collab.UploadRetry,
	}
}

type collabFuncs struct {
	SetRule       func(context.Context, json.RawMessage) error
	UpdatePlan    func(context.Context, json.RawMessage) error
	ContextUpdate func(context.Context, json.RawMessage) error
	ContextReset  func(context.Context, json.RawMessage) error
	UploadRetry   func(context.Context, json.RawMessage) error
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
