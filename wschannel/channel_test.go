package wschannel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nevindra/edgelink"
)

var upgrader = websocket.Upgrader{}

// wsServer is a scripted backend endpoint for channel tests.
type wsServer struct {
	t       *testing.T
	mu      sync.Mutex
	conns   []*websocket.Conn
	session func(*websocket.Conn)
}

func newWSServer(t *testing.T, session func(*websocket.Conn)) (*wsServer, *httptest.Server) {
	s := &wsServer{t: t, session: session}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/edge/ws" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		if s.session != nil {
			s.session(conn)
		}
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmd edgelink.Command) {
	t.Helper()
	data, _ := json.Marshal(cmd)
	if err := conn.WriteJSON(edgelink.Frame{Type: edgelink.FrameCommand, Data: data}); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func readAck(t *testing.T, conn *websocket.Conn) edgelink.Ack {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame edgelink.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read ack: %v", err)
		}
		if frame.Type != edgelink.FrameCommandAck {
			continue // skip client pings
		}
		var ack edgelink.Ack
		if err := json.Unmarshal(frame.Data, &ack); err != nil {
			t.Fatalf("decode ack: %v", err)
		}
		return ack
	}
}

func TestChannel_CommandAckRoundTrip(t *testing.T) {
	acked := make(chan edgelink.Ack, 1)
	_, srv := newWSServer(t, func(conn *websocket.Conn) {
		sendCommand(t, conn, edgelink.Command{CommandID: "c1", CommandType: edgelink.CmdContextReset})
		acked <- readAck(t, conn)
	})

	handler := func(_ context.Context, cmd edgelink.Command) edgelink.Ack {
		return edgelink.Ack{CommandID: cmd.CommandID, Status: edgelink.AckCompleted}
	}
	ch := New(srv.URL, "s3cret", "edge_1", handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	select {
	case ack := <-acked:
		if ack.CommandID != "c1" || ack.Status != edgelink.AckCompleted {
			t.Errorf("ack = %+v", ack)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ack received")
	}
}

func TestChannel_HandlerPanicYieldsFailedAck(t *testing.T) {
	acked := make(chan edgelink.Ack, 1)
	_, srv := newWSServer(t, func(conn *websocket.Conn) {
		sendCommand(t, conn, edgelink.Command{CommandID: "boom", CommandType: edgelink.CmdSetRule})
		acked <- readAck(t, conn)
		// The channel must survive: a second command still round-trips.
		sendCommand(t, conn, edgelink.Command{CommandID: "after", CommandType: edgelink.CmdContextReset})
		acked <- readAck(t, conn)
	})

	handler := func(_ context.Context, cmd edgelink.Command) edgelink.Ack {
		if cmd.CommandID == "boom" {
			panic("exploded")
		}
		return edgelink.Ack{CommandID: cmd.CommandID, Status: edgelink.AckCompleted}
	}
	ch := New(srv.URL, "s3cret", "edge_1", handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	ack := <-acked
	if ack.Status != edgelink.AckFailed || ack.CommandID != "boom" {
		t.Errorf("panic ack = %+v", ack)
	}
	select {
	case ack = <-acked:
		if ack.Status != edgelink.AckCompleted {
			t.Errorf("followup ack = %+v", ack)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel died after handler panic")
	}
}

func TestChannel_AnswersServerPing(t *testing.T) {
	gotPong := make(chan struct{})
	_, srv := newWSServer(t, func(conn *websocket.Conn) {
		if err := conn.WriteJSON(edgelink.Frame{Type: edgelink.FramePing}); err != nil {
			t.Errorf("write ping: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			var frame edgelink.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				t.Errorf("read pong: %v", err)
				return
			}
			if frame.Type == edgelink.FramePong {
				close(gotPong)
				return
			}
		}
	})

	ch := New(srv.URL, "s3cret", "edge_1", func(context.Context, edgelink.Command) edgelink.Ack {
		return edgelink.Ack{}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	select {
	case <-gotPong:
	case <-time.After(2 * time.Second):
		t.Fatal("ping not answered with pong")
	}
}

func TestChannel_StateTransitionsAndReconnect(t *testing.T) {
	var mu sync.Mutex
	var states []State
	opened := make(chan struct{}, 4)

	_, srv := newWSServer(t, func(conn *websocket.Conn) {
		opened <- struct{}{}
		conn.Close() // drop immediately to force a reconnect
	})

	ch := New(srv.URL, "s3cret", "edge_1",
		func(context.Context, edgelink.Command) edgelink.Ack { return edgelink.Ack{} },
		WithBackoff(10*time.Millisecond, 50*time.Millisecond),
		OnStateChange(func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	// Two successful opens prove the reconnect loop.
	for i := 0; i < 2; i++ {
		select {
		case <-opened:
		case <-time.After(2 * time.Second):
			t.Fatalf("connection %d never opened", i+1)
		}
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	// Prefix must be connecting → open, and a down must follow each open.
	if len(states) < 3 || states[0] != StateConnecting || states[1] != StateOpen || states[2] != StateDown {
		t.Errorf("states = %v", states)
	}
}

func TestChannel_ConfigUpdateFrame(t *testing.T) {
	got := make(chan map[string]string, 1)
	_, srv := newWSServer(t, func(conn *websocket.Conn) {
		data, _ := json.Marshal(map[string]string{"backend.sync_interval_seconds": "15"})
		conn.WriteJSON(edgelink.Frame{Type: edgelink.FrameConfigUpdate, Data: data})
	})

	ch := New(srv.URL, "s3cret", "edge_1",
		func(context.Context, edgelink.Command) edgelink.Ack { return edgelink.Ack{} },
		OnConfigUpdate(func(m map[string]string) { got <- m }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	select {
	case m := <-got:
		if m["backend.sync_interval_seconds"] != "15" {
			t.Errorf("config update = %v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("config update not delivered")
	}
}

func TestWSURL(t *testing.T) {
	got := wsURL("https://api.example.com/", "edge_9")
	want := "wss://api.example.com/edge/ws?edge_agent_id=edge_9"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
