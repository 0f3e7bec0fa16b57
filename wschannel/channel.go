// Package wschannel maintains the persistent WebSocket command stream to
// the orchestrator: JSON frames, ping/pong keepalive, indefinite reconnect
// with exponential backoff, and the open/down state transitions the HTTP
// sync fallback interlocks on.
package wschannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nevindra/edgelink"
)

// State is the channel's connection state. The HTTP sync loop runs only
// while the state is not StateOpen.
type State int

const (
	StateDown State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "down"
	}
}

const (
	defaultPingInterval = 30 * time.Second
	handshakeTimeout    = 10 * time.Second
	backoffBase         = time.Second
	backoffMax          = 60 * time.Second
	writeTimeout        = 10 * time.Second
)

// Handler executes one command and returns its ack. The channel sends the
// ack frame; a panicking handler yields a failed ack and never tears the
// channel down.
type Handler func(ctx context.Context, cmd edgelink.Command) edgelink.Ack

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithPingInterval overrides the 30 s keepalive cadence.
func WithPingInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithBackoff overrides reconnect backoff bounds, for tests.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Channel) { c.backoffBase, c.backoffMax = base, max }
}

// OnStateChange registers the interlock hook. Called synchronously on
// every transition with the new state.
func OnStateChange(fn func(State)) Option {
	return func(c *Channel) { c.onState = fn }
}

// OnConfigUpdate registers a hook for config_update frames.
func OnConfigUpdate(fn func(map[string]string)) Option {
	return func(c *Channel) { c.onConfig = fn }
}

// Channel is one persistent authenticated stream. Create with New, drive
// with Run; it reconnects forever until the context is cancelled.
type Channel struct {
	url          string
	secret       string
	pingInterval time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration
	handler      Handler
	onState      func(State)
	onConfig     func(map[string]string)
	logger       *slog.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// New creates a Channel for baseURL (http(s) or ws(s) scheme; the path
// /edge/ws and agent id query are appended).
func New(baseURL, secret, agentID string, handler Handler, opts ...Option) *Channel {
	c := &Channel{
		url:          wsURL(baseURL, agentID),
		secret:       secret,
		pingInterval: defaultPingInterval,
		backoffBase:  backoffBase,
		backoffMax:   backoffMax,
		handler:      handler,
		logger:       nopLogger,
		state:        StateDown,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func wsURL(baseURL, agentID string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/edge/ws?edge_agent_id=" + agentID
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.onState != nil {
		c.onState(s)
	}
}

// Run connects and pumps frames until ctx is cancelled. Reconnects are
// indefinite: backoff starts at 1 s, doubles to a 60 s cap, and resets on
// every successful open.
func (c *Channel) Run(ctx context.Context) {
	backoff := c.backoffBase
	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDown)
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("⚠️ wschannel: connect failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, c.backoffMax)
			continue
		}

		backoff = c.backoffBase
		c.logger.Info("wschannel: connected")
		c.setState(StateOpen)
		c.pump(ctx, conn)
		c.setState(StateDown)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("⚠️ wschannel: disconnected, reconnecting", "retry_in", backoff)
		if !sleep(ctx, backoff) {
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.secret)
	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: websocket handshake", edgelink.ErrAuth)
		}
		return nil, err
	}
	return conn, nil
}

// pump reads frames until the connection dies. A ping goroutine shares
// the writer through writeMu.
func (c *Channel) pump(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx, conn)

	// Unblock ReadMessage when ctx is cancelled.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("⚠️ wschannel: read failed", "error", err)
			}
			return
		}
		var frame edgelink.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Warn("⚠️ wschannel: malformed frame", "error", err)
			continue
		}
		c.handleFrame(ctx, conn, frame)
	}
}

func (c *Channel) handleFrame(ctx context.Context, conn *websocket.Conn, frame edgelink.Frame) {
	switch frame.Type {
	case edgelink.FramePing:
		if err := c.writeFrame(conn, edgelink.Frame{Type: edgelink.FramePong}); err != nil {
			c.logger.Warn("⚠️ wschannel: pong failed", "error", err)
		}
	case edgelink.FramePong:
		// Keepalive acknowledged.
	case edgelink.FrameCommand:
		var cmd edgelink.Command
		if err := json.Unmarshal(frame.Data, &cmd); err != nil {
			c.logger.Warn("⚠️ wschannel: malformed command", "error", err)
			return
		}
		ack := c.invoke(ctx, cmd)
		if err := c.sendAck(conn, ack); err != nil {
			c.logger.Warn("⚠️ wschannel: ack send failed", "command_id", cmd.CommandID, "error", err)
		}
	case edgelink.FrameConfigUpdate:
		if c.onConfig == nil {
			return
		}
		var updates map[string]string
		if err := json.Unmarshal(frame.Data, &updates); err != nil {
			c.logger.Warn("⚠️ wschannel: malformed config update", "error", err)
			return
		}
		c.onConfig(updates)
	default:
		c.logger.Debug("wschannel: ignoring frame", "type", frame.Type)
	}
}

// invoke runs the handler, converting panics into failed acks so a broken
// command can never tear the channel down.
func (c *Channel) invoke(ctx context.Context, cmd edgelink.Command) (ack edgelink.Ack) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("❌ wschannel: handler panic", "command_id", cmd.CommandID, "panic", r)
			ack = edgelink.Ack{
				CommandID: cmd.CommandID,
				Status:    edgelink.AckFailed,
				Error:     fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()
	return c.handler(ctx, cmd)
}

func (c *Channel) sendAck(conn *websocket.Conn, ack edgelink.Ack) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return c.writeFrame(conn, edgelink.Frame{Type: edgelink.FrameCommandAck, Data: data})
}

func (c *Channel) writeFrame(conn *websocket.Conn, frame edgelink.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(frame)
}

func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeFrame(conn, edgelink.Frame{Type: edgelink.FramePing}); err != nil {
				c.logger.Warn("⚠️ wschannel: ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

// sleep waits for d or context cancellation, reporting whether it slept
// the full duration.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
