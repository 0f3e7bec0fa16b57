package edgelink

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a random UUIDv4. Scheduled messages, commands and events
// are all keyed by v4 ids on the wire.
func NewID() string {
	return uuid.NewString()
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// NowUnixMilli returns current time as Unix milliseconds.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
