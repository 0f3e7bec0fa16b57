package edgelink

import "context"

// Transport abstracts the local chat platform: a read-only view over the
// message store and the native send action.
type Transport interface {
	// PollNew returns inbound messages with row id greater than afterRowID,
	// in ascending row-id order, capped at the configured batch size. The
	// second return is the highest row id observed (afterRowID when none).
	PollNew(ctx context.Context, afterRowID int64) ([]Message, int64, error)

	// Send delivers one bubble into a thread. Returns ErrRateLimited when
	// the per-identifier send budget is exhausted.
	Send(ctx context.Context, threadID, text string, isGroup bool) error

	// SendMulti delivers a bubble sequence with typing pauses. When batched
	// is true a single native invocation carries the whole sequence; on
	// batched failure the implementation falls back to sequential sends.
	SendMulti(ctx context.Context, threadID string, bubbles []string, isGroup, batched bool) error

	// Close releases the underlying store handle.
	Close() error
}

// Sender is the write half of Transport, all the send queue needs.
type Sender interface {
	Send(ctx context.Context, threadID, text string, isGroup bool) error
	SendMulti(ctx context.Context, threadID string, bubbles []string, isGroup, batched bool) error
}
