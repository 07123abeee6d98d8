package enhance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fpang/enhance-studio/internal/store"
)

// --- Push transport fake ---

// fakeSubscriber records the subscription callback so tests can deliver
// snapshots at chosen moments.
type fakeSubscriber struct {
	err error

	mu         sync.Mutex
	fn         func(store.JobRecord)
	subscribed chan struct{}
	once       sync.Once

	subscribes   atomic.Int32
	unsubscribes atomic.Int32
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subscribed: make(chan struct{})}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, jobID string, fn func(store.JobRecord)) (Subscription, error) {
	f.subscribes.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
	f.once.Do(func() { close(f.subscribed) })
	return &fakeSubscription{parent: f}, nil
}

// deliver pushes a snapshot through the registered callback, if any.
func (f *fakeSubscriber) deliver(rec store.JobRecord) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
}

func (f *fakeSubscriber) waitSubscribed(t *testing.T) {
	t.Helper()
	select {
	case <-f.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push subscription")
	}
}

type fakeSubscription struct {
	parent *fakeSubscriber
}

func (s *fakeSubscription) Unsubscribe() error {
	s.parent.unsubscribes.Add(1)
	return nil
}

// --- Poll endpoint fake ---

// scriptedFetcher answers FetchStatus from a script indexed by call number
// (starting at 1).
type scriptedFetcher struct {
	mu     sync.Mutex
	calls  int
	script func(call int) (*StatusResponse, error)
}

func (f *scriptedFetcher) FetchStatus(ctx context.Context, jobID string) (*StatusResponse, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.script(call)
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func statusSequence(responses ...StatusResponse) *scriptedFetcher {
	return &scriptedFetcher{script: func(call int) (*StatusResponse, error) {
		i := call - 1
		if i >= len(responses) {
			i = len(responses) - 1
		}
		resp := responses[i]
		return &resp, nil
	}}
}

func alwaysProcessing() *scriptedFetcher {
	return statusSequence(StatusResponse{Status: store.StatusProcessing})
}

var errNetwork = errors.New("connection reset by peer")

// --- Progress sink ---

type eventLog struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (l *eventLog) record(ev ProgressEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []ProgressEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ProgressEvent(nil), l.events...)
}

func (l *eventLog) terminal() []ProgressEvent {
	var out []ProgressEvent
	for _, ev := range l.snapshot() {
		if ev.Status.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) last() ProgressEvent {
	events := l.snapshot()
	if len(events) == 0 {
		return ProgressEvent{}
	}
	return events[len(events)-1]
}

// assertSingleTerminal checks that exactly one terminal event was emitted,
// that it was the last event, and that it matches res.
func assertSingleTerminal(t *testing.T, log *eventLog, res Result) {
	t.Helper()
	terminal := log.terminal()
	if len(terminal) != 1 {
		t.Fatalf("expected exactly 1 terminal event, got %d: %+v", len(terminal), log.snapshot())
	}
	last := log.last()
	if !last.Status.Terminal() {
		t.Fatalf("expected last event to be terminal, got %s", last.Status)
	}
	if last.Status != res.Status {
		t.Errorf("last event status %s does not match result status %s", last.Status, res.Status)
	}
	if last.OutputURL != res.OutputURL {
		t.Errorf("last event output %q does not match result output %q", last.OutputURL, res.OutputURL)
	}
}

func fastOptions() Options {
	return Options{
		PollInterval: 10 * time.Millisecond,
		PollDelay:    5 * time.Millisecond,
		MaxWait:      2 * time.Second,
	}
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
