package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nevindra/edgelink"
	"github.com/nevindra/edgelink/sendqueue"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "sched.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func pending(id, thread string, sendAt time.Time) edgelink.ScheduledMessage {
	return edgelink.ScheduledMessage{
		ID:        id,
		ThreadID:  thread,
		Text:      "hello",
		SendAt:    sendAt,
		Status:    edgelink.StatusPending,
		CreatedAt: time.Now(),
	}
}

// stubQueue records enqueued jobs; set full to simulate a saturated queue.
type stubQueue struct {
	mu   sync.Mutex
	jobs []sendqueue.Job
	full bool
	ch   chan sendqueue.Job
}

func (q *stubQueue) Enqueue(job sendqueue.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.jobs = append(q.jobs, job)
	if q.ch != nil {
		q.ch <- job
	}
	return true
}

func TestStore_ClaimTransitionsOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	if _, err := s.Create(ctx, pending("m1", "t1", time.Now())); err != nil {
		t.Fatal(err)
	}

	ok, err := s.Claim(ctx, "m1")
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v; want true", ok, err)
	}
	ok, err = s.Claim(ctx, "m1")
	if err != nil || ok {
		t.Fatalf("second claim = %v, %v; want false", ok, err)
	}

	got, err := s.Get(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != edgelink.StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
}

func TestStore_ConcurrentClaimHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	const rows = 50
	for i := 0; i < rows; i++ {
		m := pending(edgelink.NewID(), "t1", time.Now())
		if _, err := s.Create(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	due, err := s.DuePending(ctx, time.Now(), rows)
	if err != nil || len(due) != rows {
		t.Fatalf("due = %d, %v; want %d", len(due), err, rows)
	}

	var wins atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, m := range due {
				ok, err := s.Claim(ctx, m.ID)
				if err != nil {
					t.Error(err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	if wins.Load() != rows {
		t.Errorf("total wins = %d, want exactly %d", wins.Load(), rows)
	}
}

func TestStore_CancelOnlyPending(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.Create(ctx, pending("m1", "t1", time.Now().Add(time.Hour)))
	s.Create(ctx, pending("m2", "t1", time.Now()))
	s.Claim(ctx, "m2")

	if ok, _ := s.Cancel(ctx, "m1"); !ok {
		t.Error("cancel pending = false, want true")
	}
	if ok, _ := s.Cancel(ctx, "m2"); ok {
		t.Error("cancel claimed row = true, want false")
	}
	if ok, _ := s.Cancel(ctx, "missing"); ok {
		t.Error("cancel unknown id = true, want false")
	}
}

func TestStore_DuplicateCommandIDIgnored(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	m := pending("m1", "t1", time.Now().Add(time.Hour))
	m.CommandID = "cmd-7"
	if ok, err := s.Create(ctx, m); err != nil || !ok {
		t.Fatalf("first create = %v, %v", ok, err)
	}

	dup := pending("m2", "t1", time.Now().Add(2*time.Hour))
	dup.CommandID = "cmd-7"
	ok, err := s.Create(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("duplicate command_id inserted a second row")
	}
	if n, _ := s.PendingCount(ctx); n != 1 {
		t.Errorf("pending count = %d, want 1", n)
	}

	// Rows without a command id never collide.
	if ok, err := s.Create(ctx, pending("m3", "t1", time.Now())); err != nil || !ok {
		t.Errorf("create without command_id = %v, %v", ok, err)
	}
	if ok, err := s.Create(ctx, pending("m4", "t1", time.Now())); err != nil || !ok {
		t.Errorf("second create without command_id = %v, %v", ok, err)
	}
}

func TestStore_NextPendingAt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	if _, ok, err := s.NextPendingAt(ctx); err != nil || ok {
		t.Fatalf("empty store: ok = %v, err = %v", ok, err)
	}

	late := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	early := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	s.Create(ctx, pending("m1", "t1", late))
	s.Create(ctx, pending("m2", "t1", early))

	got, ok, err := s.NextPendingAt(ctx)
	if err != nil || !ok {
		t.Fatal(err)
	}
	if !got.Equal(early) {
		t.Errorf("next = %v, want %v", got, early)
	}
}

func TestScheduler_FiresDueMessage(t *testing.T) {
	s := newStore(t)
	q := &stubQueue{ch: make(chan sendqueue.Job, 1)}

	var latency atomic.Int64
	sched := New(s, q, WithLatencyObserver(func(d time.Duration) { latency.Store(int64(d)) }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	due := time.Now().Add(150 * time.Millisecond)
	if _, err := sched.Schedule(ctx, edgelink.ScheduledMessage{
		ThreadID: "+15551234567", Text: "ping", SendAt: due,
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case job := <-q.ch:
		if job.ThreadID != "+15551234567" || len(job.Bubbles) != 1 || job.Bubbles[0] != "ping" {
			t.Errorf("job = %+v", job)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never fired")
	}
	if fired := time.Now(); fired.Before(due) {
		t.Errorf("fired %v before send_at", due.Sub(fired))
	}
	// Loose bound: the adaptive timer plus one pass should stay well
	// under a second of slack.
	if d := time.Duration(latency.Load()); d > time.Second {
		t.Errorf("fire latency = %v", d)
	}
}

func TestScheduler_QueueFullMarksFailed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	q := &stubQueue{full: true}
	sched := New(s, q)

	s.Create(ctx, pending("m1", "t1", time.Now().Add(-time.Second)))
	if err := sched.fireDue(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != edgelink.StatusFailed || got.Error != "send queue full" {
		t.Errorf("row = %+v", got)
	}
}

// failingSender rejects every send.
type failingSender struct{}

func (failingSender) Send(context.Context, string, string, bool) error {
	return errors.New("osascript: exit 1")
}

func (failingSender) SendMulti(context.Context, string, []string, bool, bool) error {
	return errors.New("osascript: exit 1")
}

func TestScheduler_DeliveryFailureMarksFailed(t *testing.T) {
	s := newStore(t)
	q := sendqueue.New(failingSender{}, sendqueue.Config{
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
		DrainTick:  2 * time.Millisecond,
		TTL:        time.Hour,
	})
	sched := New(s, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	s.Create(ctx, pending("m1", "t1", time.Now().Add(-time.Second)))
	if err := sched.fireDue(ctx); err != nil {
		t.Fatal(err)
	}

	// Claiming flips the row to sent; the drop after retries must settle
	// it as failed with the delivery error.
	deadline := time.After(2 * time.Second)
	for {
		got, err := s.Get(ctx, "m1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == edgelink.StatusFailed {
			if got.Error == "" {
				t.Error("failed row carries no error")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("row never settled: status=%s error=%q", got.Status, got.Error)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestScheduler_FixedIntervalSleep(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sched := New(s, &stubQueue{}, WithAdaptive(false), WithMaxCheck(5*time.Second))

	// A near-due row must not shorten the sleep in fixed mode.
	s.Create(ctx, pending("m1", "t1", time.Now().Add(200*time.Millisecond)))
	if d := sched.nextSleep(ctx); d != 5*time.Second {
		t.Errorf("fixed-mode sleep = %v, want 5s", d)
	}
}

func TestScheduler_MaxCheckCapsSleep(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sched := New(s, &stubQueue{}, WithMaxCheck(5*time.Second))

	if d := sched.nextSleep(ctx); d != 5*time.Second {
		t.Errorf("empty-store sleep = %v, want the 5s cap", d)
	}
	s.Create(ctx, pending("m1", "t1", time.Now().Add(time.Hour)))
	if d := sched.nextSleep(ctx); d != 5*time.Second {
		t.Errorf("far-horizon sleep = %v, want the 5s cap", d)
	}
}

func TestScheduler_StaleRowsFailAtStartup(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	q := &stubQueue{}
	sched := New(s, q, WithStaleAfter(5*time.Minute))

	now := time.Now()
	s.Create(ctx, pending("old", "t1", now.Add(-10*time.Minute)))
	s.Create(ctx, pending("fresh", "t1", now.Add(-time.Minute)))
	s.Create(ctx, pending("future", "t1", now.Add(time.Hour)))

	if err := sched.recoverStale(ctx); err != nil {
		t.Fatal(err)
	}

	old, _ := s.Get(ctx, "old")
	if old.Status != edgelink.StatusFailed || old.Error != "stale at startup" {
		t.Errorf("old row = %+v", old)
	}
	for _, id := range []string{"fresh", "future"} {
		m, _ := s.Get(ctx, id)
		if m.Status != edgelink.StatusPending {
			t.Errorf("%s status = %s, want pending", id, m.Status)
		}
	}
}

func TestScheduler_CancelPreventsFire(t *testing.T) {
	s := newStore(t)
	q := &stubQueue{}
	sched := New(s, q)
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go sched.Run(ctx)

	m, err := sched.Schedule(ctx, edgelink.ScheduledMessage{
		ThreadID: "t1", Text: "never", SendAt: time.Now().Add(300 * time.Millisecond),
	})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := sched.Cancel(ctx, m.ID)
	if err != nil || !ok {
		t.Fatalf("cancel = %v, %v", ok, err)
	}

	time.Sleep(600 * time.Millisecond)
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) != 0 {
		t.Errorf("cancelled message fired: %+v", q.jobs)
	}
}
