package sendqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nevindra/edgelink"
)

// stubSender records deliveries and returns scripted errors.
type stubSender struct {
	mu     sync.Mutex
	sent   []string
	errs   []error // consumed per call; nil once exhausted
	multis int
}

func (s *stubSender) next() error {
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *stubSender) Send(_ context.Context, _, text string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.next(); err != nil {
		return err
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *stubSender) SendMulti(_ context.Context, _ string, bubbles []string, _, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.next(); err != nil {
		return err
	}
	s.multis++
	s.sent = append(s.sent, bubbles...)
	return nil
}

func newTestQueue(s edgelink.Sender, cfg Config) (*Queue, *time.Time) {
	q := New(s, cfg)
	now := time.Unix(1_700_000_000, 0)
	q.nowFunc = func() time.Time { return now }
	return q, &now
}

func single(text string) Job {
	return Job{ThreadID: "t1", Bubbles: []string{text}}
}

func TestQueue_FIFOOrder(t *testing.T) {
	s := &stubSender{}
	q, _ := newTestQueue(s, Config{})

	for _, text := range []string{"a", "b", "c"} {
		if !q.Enqueue(single(text)) {
			t.Fatal("enqueue rejected")
		}
	}
	for i := 0; i < 3; i++ {
		q.drainOnce(context.Background())
	}
	if len(s.sent) != 3 || s.sent[0] != "a" || s.sent[1] != "b" || s.sent[2] != "c" {
		t.Errorf("delivery order %v, want [a b c]", s.sent)
	}
	st := q.Stats()
	if st.Delivered != 3 || st.Depth != 0 || st.Dropped != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestQueue_EnqueueFullRejected(t *testing.T) {
	q, _ := newTestQueue(&stubSender{}, Config{MaxQueue: 2})

	if !q.Enqueue(single("a")) || !q.Enqueue(single("b")) {
		t.Fatal("first two enqueues should pass")
	}
	if q.Enqueue(single("c")) {
		t.Error("enqueue at capacity should return false")
	}
	if st := q.Stats(); st.Depth != 2 || st.Enqueued != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestQueue_TTLDrop(t *testing.T) {
	s := &stubSender{}
	q, now := newTestQueue(s, Config{TTL: time.Minute})

	q.Enqueue(single("stale"))
	*now = now.Add(61 * time.Second)
	q.drainOnce(context.Background())

	if len(s.sent) != 0 {
		t.Error("expired job must never be delivered")
	}
	if st := q.Stats(); st.Dropped != 1 || st.Depth != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestQueue_RetryBackoffThenDrop(t *testing.T) {
	s := &stubSender{errs: []error{
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
	}}
	q, now := newTestQueue(s, Config{MaxRetries: 3, RetryBase: 2 * time.Second, TTL: time.Hour})
	q.Enqueue(single("doomed"))

	q.drainOnce(context.Background()) // attempt 1 fails
	if st := q.Stats(); st.Depth != 1 {
		t.Fatalf("job should remain queued after first failure: %+v", st)
	}

	// Backoff not elapsed: tick yields without an attempt.
	*now = now.Add(time.Second)
	q.drainOnce(context.Background())
	if len(s.errs) != 2 {
		t.Fatal("attempt made before backoff elapsed")
	}

	*now = now.Add(2 * time.Second) // past base*2^0
	q.drainOnce(context.Background()) // attempt 2 fails

	*now = now.Add(3 * time.Second)
	q.drainOnce(context.Background())
	if len(s.errs) != 1 {
		t.Fatal("attempt made before doubled backoff elapsed")
	}

	*now = now.Add(2 * time.Second) // past base*2^1 total
	q.drainOnce(context.Background()) // attempt 3 fails, job dropped

	if st := q.Stats(); st.Dropped != 1 || st.Depth != 0 {
		t.Errorf("stats = %+v, want job dropped after max retries", st)
	}
}

func TestQueue_RateLimitDoesNotConsumeAttempts(t *testing.T) {
	s := &stubSender{errs: []error{
		edgelink.ErrRateLimited, edgelink.ErrRateLimited, edgelink.ErrRateLimited,
		edgelink.ErrRateLimited, edgelink.ErrRateLimited,
	}}
	q, _ := newTestQueue(s, Config{MaxRetries: 3, TTL: time.Hour})
	q.Enqueue(single("patient"))

	// Five rate-limited ticks, more than max_retries, then success.
	for i := 0; i < 6; i++ {
		q.drainOnce(context.Background())
	}
	if st := q.Stats(); st.Delivered != 1 || st.Dropped != 0 {
		t.Errorf("stats = %+v, want delivery after rate limit clears", st)
	}
	if len(s.sent) != 1 || s.sent[0] != "patient" {
		t.Errorf("sent = %v", s.sent)
	}
}

func TestQueue_MultiBubbleDispatch(t *testing.T) {
	s := &stubSender{}
	q, _ := newTestQueue(s, Config{})

	q.Enqueue(Job{ThreadID: "t1", Bubbles: []string{"x", "y"}, Batched: true})
	q.drainOnce(context.Background())

	if s.multis != 1 {
		t.Errorf("multis = %d, want 1", s.multis)
	}
	if len(s.sent) != 2 {
		t.Errorf("sent = %v", s.sent)
	}
}

func TestQueue_OnDelivered(t *testing.T) {
	s := &stubSender{}
	q, _ := newTestQueue(s, Config{})

	done := make(chan struct{})
	q.Enqueue(Job{ThreadID: "t1", Bubbles: []string{"cb"}, OnDelivered: func() { close(done) }})
	q.drainOnce(context.Background())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("on_delivered callback never fired")
	}
}

func TestQueue_OnFailedFiresOnRetryExhaustion(t *testing.T) {
	s := &stubSender{errs: []error{errors.New("osascript: exit 1"), errors.New("osascript: exit 1")}}
	q, now := newTestQueue(s, Config{MaxRetries: 2, RetryBase: time.Second, TTL: time.Hour})

	failed := make(chan error, 1)
	q.Enqueue(Job{ThreadID: "t1", Bubbles: []string{"doomed"}, OnFailed: func(err error) { failed <- err }})

	q.drainOnce(context.Background())
	*now = now.Add(2 * time.Second)
	q.drainOnce(context.Background()) // second failure drops the job

	select {
	case err := <-failed:
		if err == nil || err.Error() != "osascript: exit 1" {
			t.Errorf("failure reason = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("on_failed callback never fired")
	}
	if st := q.Stats(); st.Dropped != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestQueue_OnFailedFiresOnTTLDrop(t *testing.T) {
	s := &stubSender{}
	q, now := newTestQueue(s, Config{TTL: time.Minute})

	failed := make(chan error, 1)
	q.Enqueue(Job{ThreadID: "t1", Bubbles: []string{"stale"}, OnFailed: func(err error) { failed <- err }})
	*now = now.Add(2 * time.Minute)
	q.drainOnce(context.Background())

	select {
	case err := <-failed:
		if err == nil {
			t.Error("ttl drop must carry a reason")
		}
	case <-time.After(time.Second):
		t.Fatal("on_failed callback never fired on ttl drop")
	}
}

func TestQueue_DropObserverCountsDrops(t *testing.T) {
	s := &stubSender{errs: []error{errors.New("boom")}}
	drops := make(chan struct{}, 2)
	q := New(s, Config{MaxRetries: 1, TTL: time.Hour}, WithDropObserver(func() { drops <- struct{}{} }))
	now := time.Unix(1_700_000_000, 0)
	q.nowFunc = func() time.Time { return now }

	q.Enqueue(single("doomed"))
	q.drainOnce(context.Background())

	select {
	case <-drops:
	case <-time.After(time.Second):
		t.Fatal("drop observer never fired")
	}
}

func TestQueue_RunDrains(t *testing.T) {
	s := &stubSender{}
	q := New(s, Config{DrainTick: 5 * time.Millisecond})
	q.Enqueue(single("live"))

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)

	deadline := time.After(time.Second)
	for q.Stats().Delivered == 0 {
		select {
		case <-deadline:
			t.Fatal("job not delivered by drain loop")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
}
