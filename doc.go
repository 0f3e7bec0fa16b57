// Package edgelink is an always-on edge daemon that bridges the local
// Apple Messages database with a remote orchestrator.
//
// It polls chat.db for new inbound messages, forwards them to the backend,
// delivers backend-generated replies and scheduled messages back into
// Messages, and keeps a durable local store of scheduled work so it
// survives restarts and transient network loss.
//
// The root package defines the domain records and the contracts the
// subsystems implement:
//
//   - [Transport] — read new messages since a watermark; send one bubble or
//     a multi-bubble sequence into a thread
//   - [Message], [Attachment], [ScheduledMessage], [Command], [Event] — the
//     records that flow between subsystems
//   - [SanitizeText], [ValidThreadID], [EscapeText] — the shared send-path
//     sanitisation rules
//   - [SuppressionMap] — the reflex-deduplication coordinator shared by the
//     command channel and the ingress loop
//
// Subsystems live in their own packages: transport/imessage (chat.db
// poller and osascript sender), sendqueue (rate-absorbing outbound FIFO),
// backend (HTTP client), wschannel (command stream), scheduler (durable
// adaptive timer), command (dispatch), state (watermarks and pending
// events). App wiring is under internal/ and cmd/edgelinkd.
package edgelink
