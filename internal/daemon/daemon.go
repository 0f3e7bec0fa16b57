// Package daemon supervises the edge components: it boots them in
// dependency order, runs the HTTP sync fallback interlocked with the
// WebSocket state, serves the local health snapshot, and tears everything
// down in reverse on shutdown.
package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/nevindra/edgelink"
	"github.com/nevindra/edgelink/backend"
	"github.com/nevindra/edgelink/command"
	"github.com/nevindra/edgelink/internal/config"
	"github.com/nevindra/edgelink/internal/ingress"
	"github.com/nevindra/edgelink/observer"
	"github.com/nevindra/edgelink/scheduler"
	"github.com/nevindra/edgelink/sendqueue"
	"github.com/nevindra/edgelink/state"
	"github.com/nevindra/edgelink/transport/imessage"
	"github.com/nevindra/edgelink/wschannel"
)

const (
	defaultHealthAddr = "127.0.0.1:8787"
	shutdownDeadline  = 10 * time.Second
	syncEventBatch    = 64
)

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithInstruments wires OTEL instruments. Nil is a no-op set.
func WithInstruments(inst *observer.Instruments) Option {
	return func(d *Daemon) { d.inst = inst }
}

// WithHealthAddr overrides the loopback health listener address.
func WithHealthAddr(addr string) Option {
	return func(d *Daemon) { d.healthAddr = addr }
}

// WithCollaborators wires the opaque rule/plan/context backends into the
// command handler.
func WithCollaborators(c command.Collaborators) Option {
	return func(d *Daemon) { d.collab = c }
}

// Daemon owns the component lifecycle. Create with New, then Run blocks
// until ctx is cancelled.
type Daemon struct {
	cfg        config.Config
	logger     *slog.Logger
	inst       *observer.Instruments
	healthAddr string
	collab     command.Collaborators

	stateStore *state.Store
	schedStore *scheduler.Store
	transport  *imessage.Transport
	queue      *sendqueue.Queue
	client     *backend.Client
	sched      *scheduler.Scheduler
	handler    *command.Handler
	channel    *wschannel.Channel
	loop       *ingress.Loop
	suppress   *edgelink.SuppressionMap

	// wsState mirrors the channel's interlock state; the sync fallback
	// runs only while it reads StateDown.
	wsState atomic.Int32

	// components in boot order; shutdown walks it backwards.
	components []component
}

type component struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an unstarted Daemon for cfg.
func New(cfg config.Config, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:        cfg,
		logger:     slog.Default(),
		healthAddr: defaultHealthAddr,
		suppress:   edgelink.NewSuppressionMap(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run boots the components, blocks until ctx is cancelled, then stops
// them in reverse within the shutdown deadline.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.boot(ctx); err != nil {
		d.stopAll()
		return err
	}
	d.logger.Info("daemon: started", "agent_id", d.cfg.Edge.AgentID)

	<-ctx.Done()
	d.logger.Info("daemon: shutting down")
	d.stopAll()
	return nil
}

// boot wires and starts everything in dependency order: State, Scheduler,
// Transport, SendQueue, Backend, CommandChannel, Ingress, then the sync
// fallback and health listener.
func (d *Daemon) boot(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.Edge.DataDir, 0o700); err != nil {
		return err
	}

	var err error
	d.stateStore, err = state.Open(d.cfg.StatePath(), state.WithLogger(d.logger))
	if err != nil {
		return err
	}
	if err := d.stateStore.Init(ctx); err != nil {
		return err
	}

	d.schedStore, err = scheduler.OpenStore(d.cfg.SchedulerPath(), scheduler.WithStoreLogger(d.logger))
	if err != nil {
		return err
	}
	if err := d.schedStore.Init(ctx); err != nil {
		return err
	}

	d.transport, err = imessage.Open(d.cfg.IMessage.DBPath,
		imessage.WithLogger(d.logger),
		imessage.WithBatchSize(d.cfg.IMessage.MaxMessagesPerPoll),
		imessage.WithFastCheck(d.cfg.IMessage.EnableFastCheck),
		imessage.WithAttachmentsRoot(d.cfg.IMessage.AttachmentsPath),
	)
	if err != nil {
		return err
	}

	d.queue = sendqueue.New(d.transport, sendqueue.Config{},
		sendqueue.WithLogger(d.logger),
		sendqueue.WithDropObserver(func() {
			d.inst.RecordQueueDrop(context.Background())
		}),
	)

	d.client = backend.New(d.cfg.Backend.URL, d.cfg.Edge.Secret, d.cfg.Edge.AgentID,
		backend.WithLogger(d.logger),
		backend.WithTimeout(time.Duration(d.cfg.Backend.RequestTimeoutMs)*time.Millisecond),
		backend.WithPoolSize(d.cfg.Backend.MaxConcurrentRequests),
	)

	d.sched = scheduler.New(d.schedStore, d.queue,
		scheduler.WithLogger(d.logger),
		scheduler.WithMaxCheck(time.Duration(d.cfg.Scheduler.CheckIntervalSeconds)*time.Second),
		scheduler.WithAdaptive(d.cfg.Scheduler.AdaptiveMode),
		scheduler.WithLatencyObserver(func(lat time.Duration) {
			d.inst.RecordScheduleLatency(context.Background(), lat)
		}),
	)

	d.handler = command.New(d.queue, d.sched, d.stateStore, d.suppress,
		command.WithLogger(d.logger),
		command.WithCollaborators(d.collab),
	)

	d.loop = ingress.New(d.transport, d.client, d.queue, d.sched, d.stateStore, d.suppress,
		ingress.WithLogger(d.logger),
		ingress.WithPollInterval(time.Duration(d.cfg.IMessage.PollIntervalSeconds)*time.Second),
		ingress.WithConcurrency(d.cfg.Performance.ParallelMessageProcessing),
		ingress.WithBatchedSends(d.cfg.Performance.BatchAppleScriptSends),
		ingress.WithForwardObserver(func(n int) {
			d.inst.RecordForwarded(context.Background(), n)
		}),
	)

	d.start(ctx, "scheduler", func(cctx context.Context) {
		if err := d.sched.Run(cctx); err != nil && cctx.Err() == nil {
			d.logger.Error("❌ daemon: scheduler stopped", "error", err)
		}
	})
	d.start(ctx, "sendqueue", func(cctx context.Context) { d.queue.Run(cctx) })

	if d.cfg.WebSocket.Enabled {
		// The channel dials right away; seed the mirror so the fallback
		// stays quiet until the first transition to down.
		d.wsState.Store(int32(wschannel.StateConnecting))
		d.channel = wschannel.New(d.cfg.Backend.URL, d.cfg.Edge.Secret, d.cfg.Edge.AgentID, d.handleCommand,
			wschannel.WithLogger(d.logger),
			wschannel.WithPingInterval(time.Duration(d.cfg.WebSocket.PingIntervalSeconds)*time.Second),
			wschannel.OnStateChange(func(s wschannel.State) {
				d.wsState.Store(int32(s))
				d.logger.Info("daemon: websocket state", "state", s.String())
			}),
			wschannel.OnConfigUpdate(d.applyConfigUpdates),
		)
		d.start(ctx, "wschannel", d.channel.Run)
	}

	d.start(ctx, "sync", d.syncLoop)
	d.start(ctx, "ingress", func(cctx context.Context) {
		if err := d.loop.Run(cctx); err != nil && cctx.Err() == nil {
			d.logger.Error("❌ daemon: ingress stopped", "error", err)
		}
	})
	d.start(ctx, "health", d.serveHealth)
	return nil
}

func (d *Daemon) start(ctx context.Context, name string, run func(context.Context)) {
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.components = append(d.components, component{name: name, cancel: cancel, done: done})
	go func() {
		defer close(done)
		run(cctx)
	}()
}

// stopAll cancels components in reverse boot order, waiting for each
// inside a shared deadline, then closes the stores and transport.
func (d *Daemon) stopAll() {
	deadline := time.After(shutdownDeadline)
	for i := len(d.components) - 1; i >= 0; i-- {
		c := d.components[i]
		c.cancel()
		select {
		case <-c.done:
		case <-deadline:
			d.logger.Warn("⚠️ daemon: shutdown deadline hit", "component", c.name)
		}
	}
	d.components = nil

	if d.transport != nil {
		d.transport.Close()
	}
	if d.schedStore != nil {
		d.schedStore.Close()
	}
	if d.stateStore != nil {
		d.stateStore.Close()
	}
	d.logger.Info("daemon: stopped")
}

// handleCommand executes one command and returns the ack to the caller;
// the channel sends it as an ack frame, syncOnce posts it over HTTP.
func (d *Daemon) handleCommand(ctx context.Context, cmd edgelink.Command) edgelink.Ack {
	ack := d.handler.Handle(ctx, cmd)
	d.inst.RecordCommand(ctx)
	return ack
}

// syncAllowed reports whether the HTTP fallback may poll: always when the
// channel is disabled, otherwise only while the channel is down. The
// connecting window counts as the channel's, not the fallback's.
func (d *Daemon) syncAllowed() bool {
	if !d.cfg.WebSocket.Enabled {
		return true
	}
	return wschannel.State(d.wsState.Load()) == wschannel.StateDown
}

// syncLoop is the HTTP command fallback. It polls only while syncAllowed
// says the channel is down; command delivery, event draining and event
// acks all ride the same request.
func (d *Daemon) syncLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.Backend.SyncIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.syncAllowed() {
				continue
			}
			d.syncOnce(ctx)
		}
	}
}

func (d *Daemon) syncOnce(ctx context.Context) {
	lastCmd, err := d.stateStore.LastCommandID(ctx)
	if err != nil {
		d.logger.Error("❌ daemon: sync state read failed", "error", err)
		return
	}
	events, err := d.stateStore.PendingEvents(ctx, syncEventBatch)
	if err != nil {
		d.logger.Error("❌ daemon: sync event read failed", "error", err)
		return
	}

	resp, err := d.client.Sync(ctx, edgelink.SyncRequest{
		EdgeAgentID:   d.cfg.Edge.AgentID,
		LastCommandID: lastCmd,
		PendingEvents: events,
		Status:        "ws_down",
	})
	if err != nil {
		d.logger.Warn("⚠️ daemon: sync failed", "error", err)
		return
	}

	if err := d.stateStore.AckEvents(ctx, resp.AckEvents); err != nil {
		d.logger.Error("❌ daemon: event ack failed", "error", err)
	}
	for _, cmd := range resp.Commands {
		ack := d.handleCommand(ctx, cmd)
		if err := d.client.AcknowledgeCommand(ctx, cmd.CommandID,
			ack.Status == edgelink.AckCompleted, ack.Error); err != nil {
			d.logger.Warn("⚠️ daemon: command ack failed", "command_id", cmd.CommandID, "error", err)
		}
		if cmd.CommandID != "" {
			if err := d.stateStore.SetLastCommandID(ctx, cmd.CommandID); err != nil {
				d.logger.Error("❌ daemon: command watermark failed", "error", err)
			}
		}
	}
	if len(resp.ConfigUpdates) > 0 {
		d.applyConfigUpdates(resp.ConfigUpdates)
	}
}

// applyConfigUpdates logs pushed config keys. Only the sync and ping
// cadences are applied at runtime; everything else needs a restart.
func (d *Daemon) applyConfigUpdates(updates map[string]string) {
	for k, v := range updates {
		switch k {
		case "backend.sync_interval_seconds", "websocket.ping_interval_seconds":
			d.logger.Info("daemon: config update accepted", "key", k, "value", v)
		default:
			d.logger.Info("daemon: config update requires restart", "key", k, "value", v)
		}
	}
}

// healthSnapshot is the /healthz response body.
type healthSnapshot struct {
	AgentID        string              `json:"agent_id"`
	WebSocketState string              `json:"websocket_state"`
	Queue          edgelink.QueueStats `json:"queue"`
	PendingSends   int                 `json:"pending_scheduled"`
	PendingEvents  int                 `json:"pending_events"`
	Watermark      int64               `json:"watermark"`
	BackendOK      bool                `json:"backend_ok"`
}

// serveHealth exposes the stats snapshot on the loopback listener.
func (d *Daemon) serveHealth(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := d.snapshot(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	})

	ln, err := net.Listen("tcp", d.healthAddr)
	if err != nil {
		d.logger.Warn("⚠️ daemon: health listener failed", "addr", d.healthAddr, "error", err)
		return
	}
	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	d.logger.Info("daemon: health endpoint up", "addr", d.healthAddr)
	srv.Serve(ln)
}

func (d *Daemon) snapshot(ctx context.Context) healthSnapshot {
	snap := healthSnapshot{
		AgentID: d.cfg.Edge.AgentID,
		Queue:   d.queue.Stats(),
	}
	if d.channel != nil {
		snap.WebSocketState = d.channel.State().String()
	} else if d.cfg.WebSocket.Enabled {
		snap.WebSocketState = wschannel.State(d.wsState.Load()).String()
	} else {
		snap.WebSocketState = "disabled"
	}
	snap.PendingSends, _ = d.schedStore.PendingCount(ctx)
	snap.PendingEvents, _ = d.stateStore.EventCount(ctx)
	snap.Watermark, _ = d.stateStore.LastRowID(ctx)
	snap.BackendOK = d.client.Health(ctx)
	d.inst.RecordQueueDepth(ctx, snap.Queue.Depth)
	return snap
}
