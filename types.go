package edgelink

import (
	"encoding/json"
	"time"
)

// --- Ingress records ---

// Message is one inbound chat message as assembled from chat.db.
// Created when polled, discarded once the forwarding result is handled.
type Message struct {
	RowID        int64        `json:"row_id"`
	ThreadID     string       `json:"thread_id"`
	Sender       string       `json:"sender"`
	Text         string       `json:"text"`
	Timestamp    time.Time    `json:"timestamp"`
	IsGroup      bool         `json:"is_group"`
	Participants []string     `json:"participants,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

// Attachment describes one file attached to a Message. AbsolutePath is set
// only when the file exists and resolves inside the configured attachments
// root.
type Attachment struct {
	ID           int64  `json:"id"`
	GUID         string `json:"guid"`
	Filename     string `json:"filename,omitempty"`
	Mime         string `json:"mime,omitempty"`
	UTI          string `json:"uti,omitempty"`
	Size         int64  `json:"size,omitempty"`
	RelativePath string `json:"relative_path,omitempty"`
	AbsolutePath string `json:"absolute_path,omitempty"`
	IsSticker    bool   `json:"is_sticker,omitempty"`
	IsOutgoing   bool   `json:"is_outgoing,omitempty"`
}

// --- Scheduler records ---

// ScheduleStatus is the lifecycle state of a ScheduledMessage.
type ScheduleStatus string

const (
	StatusPending   ScheduleStatus = "pending"
	StatusSent      ScheduleStatus = "sent"
	StatusFailed    ScheduleStatus = "failed"
	StatusCancelled ScheduleStatus = "cancelled"
)

// ScheduledMessage is one durable pending send. The only transitions are
// pending → sent, pending → failed and pending → cancelled; for a given id
// at most one transition from pending ever succeeds.
type ScheduledMessage struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Text      string         `json:"text"`
	SendAt    time.Time      `json:"send_at"`
	IsGroup   bool           `json:"is_group"`
	Status    ScheduleStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	CommandID string         `json:"command_id,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// --- Command channel records ---

// CommandType discriminates backend commands.
type CommandType string

const (
	CmdSendMessageNow  CommandType = "send_message_now"
	CmdScheduleMessage CommandType = "schedule_message"
	CmdCancelScheduled CommandType = "cancel_scheduled"
	CmdSetRule         CommandType = "set_rule"
	CmdUpdatePlan      CommandType = "update_plan"
	CmdContextUpdate   CommandType = "context_update"
	CmdContextReset    CommandType = "context_reset"
	CmdUploadRetry     CommandType = "upload_retry"
	CmdEmitEvent       CommandType = "emit_event"
)

// Priority selects normal or immediate handling of a command.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityImmediate Priority = "immediate"
)

// BubbleType classifies a send_message_now payload.
type BubbleType string

const (
	BubbleReflex BubbleType = "reflex"
	BubbleBurst  BubbleType = "burst"
	BubbleNormal BubbleType = "normal"
)

// Command is one instruction from the backend, delivered over the
// WebSocket channel or the HTTP sync fallback.
type Command struct {
	CommandID   string          `json:"command_id"`
	CommandType CommandType     `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority,omitempty"`
	Timestamp   time.Time       `json:"timestamp,omitempty"`
}

// AckStatus is the terminal handler outcome reported for a command.
type AckStatus string

const (
	AckCompleted AckStatus = "completed"
	AckFailed    AckStatus = "failed"
	AckPending   AckStatus = "pending"
)

// Ack is the acknowledgement for one command.
type Ack struct {
	CommandID string    `json:"command_id"`
	Status    AckStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// --- Command payloads ---

// SendMessagePayload is the payload of send_message_now.
type SendMessagePayload struct {
	ThreadID   string     `json:"thread_id"`
	Text       string     `json:"text"`
	IsGroup    bool       `json:"is_group"`
	BubbleType BubbleType `json:"bubble_type,omitempty"`
}

// SchedulePayload is the payload of schedule_message.
type SchedulePayload struct {
	ThreadID string    `json:"thread_id"`
	Text     string    `json:"text"`
	SendAt   time.Time `json:"send_at"`
	IsGroup  bool      `json:"is_group"`
}

// CancelPayload is the payload of cancel_scheduled.
type CancelPayload struct {
	ScheduleID string `json:"schedule_id"`
}

// EmitEventPayload is the payload of emit_event.
type EmitEventPayload struct {
	EventType string          `json:"event_type"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// --- Event ring records ---

// Event is one locally generated event held until the backend
// acknowledges it by id.
type Event struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// --- Backend wire types ---

// ForwardRequest is the body of POST /edge/message.
type ForwardRequest struct {
	ChatGUID     string          `json:"chat_guid"`
	Mode         string          `json:"mode"` // "direct" or "group"
	Sender       string          `json:"sender"`
	Text         string          `json:"text"`
	Timestamp    time.Time       `json:"timestamp"`
	Participants []string        `json:"participants,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	Attachments  []Attachment    `json:"attachments,omitempty"`
}

// ForwardResponse is the backend's reply classification for one forwarded
// message. Exactly one of the reply shapes is populated; all empty means
// no reply.
type ForwardResponse struct {
	ShouldRespond bool     `json:"should_respond"`
	ReplyText     string   `json:"reply_text,omitempty"`
	ReplyBubbles  []string `json:"reply_bubbles,omitempty"`
	ReflexMessage string   `json:"reflex_message,omitempty"`
	BurstMessages []string `json:"burst_messages,omitempty"`
	BurstDelayMs  int      `json:"burst_delay_ms,omitempty"`
}

// SyncRequest is the body of POST /edge/sync (HTTP fallback only).
type SyncRequest struct {
	EdgeAgentID   string  `json:"edge_agent_id"`
	LastCommandID string  `json:"last_command_id,omitempty"`
	PendingEvents []Event `json:"pending_events,omitempty"`
	Status        string  `json:"status,omitempty"`
}

// SyncResponse carries commands and event acknowledgements from the
// fallback sync endpoint.
type SyncResponse struct {
	Commands      []Command         `json:"commands,omitempty"`
	AckEvents     []string          `json:"ack_events,omitempty"`
	ConfigUpdates map[string]string `json:"config_updates,omitempty"`
}

// --- WebSocket frames ---

// FrameType discriminates WebSocket frames.
type FrameType string

const (
	FramePing         FrameType = "ping"
	FramePong         FrameType = "pong"
	FrameCommand      FrameType = "command"
	FrameCommandAck   FrameType = "command_ack"
	FrameConfigUpdate FrameType = "config_update"
)

// Frame is one JSON message on the command channel.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// --- Health ---

// QueueStats is a snapshot of the outbound send queue.
type QueueStats struct {
	Depth     int   `json:"depth"`
	Enqueued  int64 `json:"enqueued"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}
