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

func TestPushListener_FiresOnceForTerminal(t *testing.T) {
	sub := newFakeSubscriber()
	var fired atomic.Int32
	var updates atomic.Int32

	p := NewPushListener(sub, "p1",
		func(store.JobRecord) { updates.Add(1) },
		func(store.JobRecord) { fired.Add(1) })
	p.Start(context.Background())
	sub.waitSubscribed(t)

	sub.deliver(store.JobRecord{ID: "p1", Status: store.StatusQueued})
	sub.deliver(store.JobRecord{ID: "p1", Status: store.StatusProcessing})
	sub.deliver(store.JobRecord{ID: "p1", Status: store.StatusCompleted, OutputURL: "https://x/a.jpg"})
	sub.deliver(store.JobRecord{ID: "p1", Status: store.StatusFailed, Error: "dup"})

	if fired.Load() != 1 {
		t.Errorf("expected terminal callback once, got %d", fired.Load())
	}
	if updates.Load() != 2 {
		t.Errorf("expected 2 non-terminal updates, got %d", updates.Load())
	}
}

func TestPushListener_IgnoresCompletionWithoutOutput(t *testing.T) {
	sub := newFakeSubscriber()
	var fired, updates atomic.Int32

	p := NewPushListener(sub, "p2",
		func(store.JobRecord) { updates.Add(1) },
		func(store.JobRecord) { fired.Add(1) })
	p.Start(context.Background())
	sub.waitSubscribed(t)

	sub.deliver(store.JobRecord{ID: "p2", Status: store.StatusCompleted})

	if fired.Load() != 0 || updates.Load() != 0 {
		t.Errorf("expected output-less completion to be ignored, got fired=%d updates=%d", fired.Load(), updates.Load())
	}
}

func TestPushListener_IgnoresOtherJobs(t *testing.T) {
	sub := newFakeSubscriber()
	var fired atomic.Int32

	p := NewPushListener(sub, "p3", nil, func(store.JobRecord) { fired.Add(1) })
	p.Start(context.Background())
	sub.waitSubscribed(t)

	sub.deliver(store.JobRecord{ID: "other", Status: store.StatusFailed})
	if fired.Load() != 0 {
		t.Error("expected snapshot for a different job to be ignored")
	}
}

func TestPushListener_StopIsIdempotent(t *testing.T) {
	sub := newFakeSubscriber()
	var fired atomic.Int32

	p := NewPushListener(sub, "p4", nil, func(store.JobRecord) { fired.Add(1) })
	p.Start(context.Background())
	sub.waitSubscribed(t)

	sub.deliver(store.JobRecord{ID: "p4", Status: store.StatusFailed, Error: "x"})
	p.Stop()
	p.Stop()

	sub.deliver(store.JobRecord{ID: "p4", Status: store.StatusCompleted, OutputURL: "https://x/late.jpg"})

	if fired.Load() != 1 {
		t.Errorf("expected exactly one terminal callback, got %d", fired.Load())
	}
	eventually(t, func() bool { return sub.unsubscribes.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if sub.unsubscribes.Load() != 1 {
		t.Errorf("expected one unsubscribe, got %d", sub.unsubscribes.Load())
	}
}

// blockingSubscriber holds Subscribe until released, to stop the listener
// while the subscription is still being established.
type blockingSubscriber struct {
	*fakeSubscriber
	release chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (b *blockingSubscriber) Subscribe(ctx context.Context, jobID string, fn func(store.JobRecord)) (Subscription, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.fakeSubscriber.Subscribe(ctx, jobID, fn)
}

func TestPushListener_StopBeforeSubscribed(t *testing.T) {
	inner := newFakeSubscriber()
	sub := &blockingSubscriber{fakeSubscriber: inner, release: make(chan struct{}), entered: make(chan struct{})}

	p := NewPushListener(sub, "p5", nil, func(store.JobRecord) { t.Error("unexpected terminal callback") })
	p.Start(context.Background())
	<-sub.entered
	p.Stop()
	close(sub.release)

	eventually(t, func() bool { return inner.unsubscribes.Load() == 1 })
	inner.deliver(store.JobRecord{ID: "p5", Status: store.StatusFailed})
}

func TestPushListener_SubscribeErrorNeverFires(t *testing.T) {
	sub := newFakeSubscriber()
	sub.err = errors.New("connection refused")

	p := NewPushListener(sub, "p6", nil, func(store.JobRecord) { t.Error("unexpected terminal callback") })
	p.Start(context.Background())

	eventually(t, func() bool { return sub.subscribes.Load() == 1 })
	p.Stop()
	if sub.unsubscribes.Load() != 0 {
		t.Error("expected no unsubscribe for a failed subscription")
	}
}
