package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/stepflow/internal/retry"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

var errBackendDown = errors.New("backend down")

type fakeBackend struct {
	mu         sync.Mutex
	sends      int
	failSends  int
	release    chan struct{}
	batches    []Batch
	pollErrs   map[int]error
	watermarks []string
}

func (f *fakeBackend) StartConversation(context.Context) (string, error) {
	return "conv-1", nil
}

func (f *fakeBackend) SendMessage(_ context.Context, msg Message) (string, error) {
	f.mu.Lock()
	f.sends++
	n := f.sends
	fail := f.failSends > 0
	if fail {
		f.failSends--
	}
	release := f.release
	f.mu.Unlock()

	if release != nil {
		<-release
	}
	if fail {
		return "", errBackendDown
	}
	return fmt.Sprintf("srv-%d-%s", n, msg.ClientMessageID), nil
}

func (f *fakeBackend) Activities(_ context.Context, _ string, watermark string) (Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.watermarks)
	f.watermarks = append(f.watermarks, watermark)
	if err := f.pollErrs[call]; err != nil {
		return Batch{}, err
	}
	if len(f.batches) == 0 {
		return Batch{Watermark: watermark}, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeBackend) queue(batches ...Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, batches...)
}

func (f *fakeBackend) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func newTestRelay(t *testing.T, backend Backend) (*Relay, string) {
	t.Helper()
	r := New(backend, retry.New(0), Config{SendAttempts: 3})
	id, err := r.Start(context.Background(), "participant-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return r, id
}

func TestSendIsIdempotentPerKey(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	r, conv := newTestRelay(t, backend)
	msg := Message{ConversationID: conv, Text: "hi", ClientMessageID: "m1"}

	first, err := r.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	second, err := r.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected same server id, got %q and %q", first, second)
	}
	if backend.sendCount() != 1 {
		t.Fatalf("expected exactly one network send, got %d", backend.sendCount())
	}

	if _, err := r.Send(context.Background(), Message{ConversationID: conv, Text: "hi", ClientMessageID: "m2"}); err != nil {
		t.Fatalf("send with new key failed: %v", err)
	}
	if backend.sendCount() != 2 {
		t.Fatalf("expected a new key to hit the network, got %d sends", backend.sendCount())
	}
}

func TestSendFailureLeavesNoDedupEntry(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{failSends: 3}
	r, conv := newTestRelay(t, backend)
	msg := Message{ConversationID: conv, Text: "hi", ClientMessageID: "m1"}

	_, err := r.Send(context.Background(), msg)
	if !errors.Is(err, errBackendDown) {
		t.Fatalf("expected backend failure, got %v", err)
	}
	if backend.sendCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", backend.sendCount())
	}
	if r.DedupSize() != 0 {
		t.Fatalf("failed send must not be recorded, dedup size %d", r.DedupSize())
	}

	id, err := r.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("retry after recovery failed: %v", err)
	}
	if id == "" || backend.sendCount() != 4 {
		t.Fatalf("expected the retry to reach the backend, id=%q sends=%d", id, backend.sendCount())
	}
}

func TestConcurrentSendsShareOneRequest(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{release: make(chan struct{})}
	r, conv := newTestRelay(t, backend)
	msg := Message{ConversationID: conv, Text: "hi", ClientMessageID: "m1"}

	const callers = 5
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = r.Send(context.Background(), msg)
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for backend.sendCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got %q, want %q", i, ids[i], ids[0])
		}
	}
	if backend.sendCount() != 1 {
		t.Fatalf("expected one network send, got %d", backend.sendCount())
	}
}

func TestCancelledCallerDoesNotFailSharedSend(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{release: make(chan struct{})}
	r, conv := newTestRelay(t, backend)
	msg := Message{ConversationID: conv, Text: "hi", ClientMessageID: "m1"}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Send(firstCtx, msg)
		firstErr <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for backend.sendCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	type result struct {
		id  string
		err error
	}
	second := make(chan result, 1)
	go func() {
		id, err := r.Send(context.Background(), msg)
		second <- result{id, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled caller to see context.Canceled, got %v", err)
	}
	close(backend.release)

	res := <-second
	if res.err != nil {
		t.Fatalf("second caller failed: %v", res.err)
	}
	if res.id == "" {
		t.Fatal("expected a server message id")
	}
	if backend.sendCount() != 1 {
		t.Fatalf("expected one network send, got %d", backend.sendCount())
	}
	if r.DedupSize() != 1 {
		t.Fatalf("expected the shared send to be recorded, dedup size %d", r.DedupSize())
	}
}

func TestSendValidation(t *testing.T) {
	t.Parallel()

	r, conv := newTestRelay(t, &fakeBackend{})
	if _, err := r.Send(context.Background(), Message{ConversationID: conv, Text: "hi"}); !errors.Is(err, ErrMissingMessageID) {
		t.Fatalf("expected ErrMissingMessageID, got %v", err)
	}
	if _, err := r.Send(context.Background(), Message{ConversationID: "nope", Text: "hi", ClientMessageID: "m1"}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if r.State("nope") != Idle {
		t.Fatalf("expected unknown conversation to be idle, got %v", r.State("nope"))
	}
	if r.State(conv) != Active {
		t.Fatalf("expected started conversation to be active, got %v", r.State(conv))
	}
}

func TestPollRecordsBackendWatermark(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		batches: []Batch{
			{Activities: []Activity{{ID: "a1", Type: "message", Text: "hello"}}, Watermark: "1"},
			{Watermark: "1"},
		},
		pollErrs: map[int]error{1: errBackendDown},
	}
	r, conv := newTestRelay(t, backend)

	batch, err := r.Poll(context.Background(), conv, "")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if batch.Watermark != "1" || len(batch.Activities) != 1 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if r.Watermark(conv) != "1" {
		t.Fatalf("expected stored watermark 1, got %q", r.Watermark(conv))
	}

	if _, err := r.Poll(context.Background(), conv, "1"); !errors.Is(err, errBackendDown) {
		t.Fatalf("expected poll failure, got %v", err)
	}
	if r.Watermark(conv) != "1" {
		t.Fatalf("failed poll changed watermark to %q", r.Watermark(conv))
	}
}

func TestPollFinishesConversation(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		batches: []Batch{{
			Activities: []Activity{{ID: "a1", Type: "message", ChannelData: json.RawMessage(`{"finished": true}`)}},
			Watermark:  "4",
		}},
	}
	r, conv := newTestRelay(t, backend)

	batch, err := r.Poll(context.Background(), conv, "")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !batch.Finished || r.State(conv) != Finished {
		t.Fatalf("expected finished conversation, batch=%+v state=%v", batch, r.State(conv))
	}
	_, err = r.Send(context.Background(), Message{ConversationID: conv, Text: "more", ClientMessageID: "m9"})
	if !errors.Is(err, ErrConversationFinished) {
		t.Fatalf("expected ErrConversationFinished, got %v", err)
	}
}

func TestEndsConversation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a    Activity
		want bool
	}{
		{"plain message", Activity{Type: "message"}, false},
		{"end of conversation", Activity{Type: "endOfConversation"}, true},
		{"finished flag", Activity{Type: "event", ChannelData: json.RawMessage(`{"finished":true}`)}, true},
		{"finished false", Activity{Type: "event", ChannelData: json.RawMessage(`{"finished":false}`)}, false},
		{"unreadable channel data", Activity{Type: "event", ChannelData: json.RawMessage(`"x"`)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.EndsConversation(); got != tt.want {
				t.Fatalf("EndsConversation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSweepExpiresDedupEntries(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	r, conv := newTestRelay(t, backend)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	msg := Message{ConversationID: conv, Text: "hi", ClientMessageID: "m1"}
	if _, err := r.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	clock = clock.Add(30 * time.Minute)
	if removed := r.Sweep(); removed != 0 {
		t.Fatalf("entry removed before retention elapsed: %d", removed)
	}

	clock = clock.Add(31 * time.Minute)
	if removed := r.Sweep(); removed != 1 {
		t.Fatalf("expected 1 expired entry, got %d", removed)
	}
	if _, err := r.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send after sweep failed: %v", err)
	}
	if backend.sendCount() != 2 {
		t.Fatalf("expected swept key to be sent again, got %d sends", backend.sendCount())
	}
}

func TestSweepDropsQuietFinishedConversations(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{batches: []Batch{{Activities: []Activity{{Type: "endOfConversation"}}, Watermark: "2"}}}
	r, conv := newTestRelay(t, backend)
	clock := time.Now()
	r.now = func() time.Time { return clock }

	if _, err := r.Poll(context.Background(), conv, ""); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	clock = clock.Add(2 * time.Hour)
	r.Sweep()
	if _, ok := r.Owner(conv); ok {
		t.Fatal("expected finished conversation to be swept")
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := New(&fakeBackend{}, retry.New(0), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunSweeper(ctx, r, time.Millisecond)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestPollerThreadsWatermark(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	backend := &fakeBackend{
		batches: []Batch{
			{Activities: []Activity{{ID: "a1", Type: "message", Text: "hello"}}, Watermark: "1"},
			{Activities: []Activity{{ID: "a2", Type: "endOfConversation"}}, Watermark: "2"},
		},
		pollErrs: map[int]error{1: errBackendDown},
	}
	r, conv := newTestRelay(t, backend)

	var delivered []string
	p := &Poller{
		Relay:    r,
		Interval: time.Millisecond,
		Deliver: func(activities []Activity) {
			for _, a := range activities {
				delivered = append(delivered, a.ID)
			}
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Run(ctx, conv); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if diff := cmp.Diff([]string{"a1", "a2"}, delivered); diff != "" {
		t.Fatalf("unexpected deliveries (-want +got):\n%s", diff)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if diff := cmp.Diff([]string{"", "1", "1"}, backend.watermarks); diff != "" {
		t.Fatalf("unexpected watermarks sent (-want +got):\n%s", diff)
	}
}

func TestPollerStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r, conv := newTestRelay(t, &fakeBackend{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- (&Poller{Relay: r, Interval: time.Millisecond}).Run(ctx, conv)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
