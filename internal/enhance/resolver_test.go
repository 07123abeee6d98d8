package enhance

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fpang/enhance-studio/internal/metrics"
	"github.com/fpang/enhance-studio/internal/store"
)

// Poll-only completion: processing, processing, completed, with a push
// channel that never fires.
func TestResolve_PollCompletes(t *testing.T) {
	sub := newFakeSubscriber()
	fetcher := statusSequence(
		StatusResponse{Status: store.StatusProcessing},
		StatusResponse{Status: store.StatusProcessing},
		StatusResponse{Status: store.StatusCompleted, OutputURL: "https://x/out.jpg"},
	)
	var events eventLog

	res := NewResolver(sub, fetcher, fastOptions()).Resolve(context.Background(), "g1", events.record)

	if !res.Success || res.Status != StatusCompleted {
		t.Fatalf("expected completed success, got %+v", res)
	}
	if res.OutputURL != "https://x/out.jpg" {
		t.Errorf("expected output https://x/out.jpg, got %s", res.OutputURL)
	}
	if res.Channel != ChannelPoll {
		t.Errorf("expected poll channel to resolve, got %s", res.Channel)
	}
	if res.JobID != "g1" {
		t.Errorf("expected job id g1, got %s", res.JobID)
	}
	if res.Err() != nil {
		t.Errorf("expected nil Err for success, got %v", res.Err())
	}
	if fetcher.callCount() != 3 {
		t.Errorf("expected 3 poll requests, got %d", fetcher.callCount())
	}
	assertSingleTerminal(t, &events, res)

	// Progress estimates never go backwards.
	prev := -1
	for _, ev := range events.snapshot() {
		if ev.Progress < 0 {
			continue
		}
		if ev.Progress < prev {
			t.Errorf("progress went backwards: %d after %d", ev.Progress, prev)
		}
		prev = ev.Progress
	}
	if events.last().Progress != 100 {
		t.Errorf("expected final progress 100, got %d", events.last().Progress)
	}
	if sub.unsubscribes.Load() != 1 {
		t.Errorf("expected push channel to be torn down once, got %d", sub.unsubscribes.Load())
	}
}

// A push completion that arrives before the poll loop's delayed start means
// the poll loop never issues a request.
func TestResolve_PushWinsBeforePollStarts(t *testing.T) {
	sub := newFakeSubscriber()
	fetcher := alwaysProcessing()
	opts := fastOptions()
	opts.PollDelay = 300 * time.Millisecond
	var events eventLog

	done := make(chan Result, 1)
	go func() {
		done <- NewResolver(sub, fetcher, opts).Resolve(context.Background(), "g2", events.record)
	}()

	sub.waitSubscribed(t)
	sub.deliver(store.JobRecord{ID: "g2", Status: store.StatusCompleted, OutputURL: "https://x/push.jpg"})

	var res Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resolver did not return after push completion")
	}

	if !res.Success || res.Channel != ChannelPush || res.OutputURL != "https://x/push.jpg" {
		t.Fatalf("expected push completion, got %+v", res)
	}
	if res.Elapsed >= opts.PollDelay {
		t.Errorf("expected resolution before poll delay, took %s", res.Elapsed)
	}

	// Give a would-be poll loop time to misbehave.
	time.Sleep(opts.PollDelay + 50*time.Millisecond)
	if n := fetcher.callCount(); n != 0 {
		t.Errorf("expected no poll requests, got %d", n)
	}
	assertSingleTerminal(t, &events, res)
}

// When the poll loop resolves first, a later push for the same job is ignored.
func TestResolve_PollWinsThenPushIgnored(t *testing.T) {
	sub := newFakeSubscriber()
	fetcher := statusSequence(StatusResponse{Status: store.StatusCompleted, OutputURL: "https://x/poll.jpg"})
	opts := fastOptions()
	opts.PollDelay = 0
	var events eventLog

	res := NewResolver(sub, fetcher, opts).Resolve(context.Background(), "g3", events.record)
	if !res.Success || res.Channel != ChannelPoll {
		t.Fatalf("expected poll completion, got %+v", res)
	}

	sub.deliver(store.JobRecord{ID: "g3", Status: store.StatusFailed, Error: "late"})
	sub.deliver(store.JobRecord{ID: "g3", Status: store.StatusCompleted, OutputURL: "https://x/other.jpg"})

	if res.OutputURL != "https://x/poll.jpg" {
		t.Errorf("result changed after late push: %+v", res)
	}
	assertSingleTerminal(t, &events, res)
}

// Cancellation after both channels are active wins, and terminal signals
// arriving afterwards change nothing.
func TestResolve_CancelAfterChannelsActive(t *testing.T) {
	sub := newFakeSubscriber()
	polled := make(chan struct{})
	var closed bool
	fetcher := &scriptedFetcher{script: func(call int) (*StatusResponse, error) {
		if !closed {
			closed = true
			close(polled)
		}
		return &StatusResponse{Status: store.StatusProcessing}, nil
	}}
	var events eventLog

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- NewResolver(sub, fetcher, fastOptions()).Resolve(ctx, "g4", events.record)
	}()

	sub.waitSubscribed(t)
	select {
	case <-polled:
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop never started")
	}

	cancel()
	var res Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resolver did not return after cancellation")
	}

	sub.deliver(store.JobRecord{ID: "g4", Status: store.StatusCompleted, OutputURL: "https://x/late.jpg"})

	if res.Status != StatusCancelled || res.Success {
		t.Fatalf("expected cancelled, got %+v", res)
	}
	if !errors.Is(res.Err(), ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", res.Err())
	}
	assertSingleTerminal(t, &events, res)

	// A request already past its stop check may still land; nothing after that.
	callsAtReturn := fetcher.callCount()
	time.Sleep(50 * time.Millisecond)
	if fetcher.callCount() > callsAtReturn+1 {
		t.Errorf("poll loop kept running after cancellation: %d -> %d", callsAtReturn, fetcher.callCount())
	}
}

func TestResolve_AlreadyCancelled(t *testing.T) {
	sub := newFakeSubscriber()
	fetcher := alwaysProcessing()
	var events eventLog

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewResolver(sub, fetcher, fastOptions()).Resolve(ctx, "g5", events.record)

	if res.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %+v", res)
	}
	if sub.subscribes.Load() != 0 || fetcher.callCount() != 0 {
		t.Errorf("expected no channel activity, got %d subscribes and %d polls", sub.subscribes.Load(), fetcher.callCount())
	}
	if events := events.snapshot(); len(events) != 1 || events[0].Message != msgCancelled {
		t.Errorf("expected a single cancelled event, got %+v", events)
	}
}

// Every poll failing transiently and a silent push channel produce timeout,
// not an error.
func TestResolve_TimeoutWhenPollsFail(t *testing.T) {
	sub := newFakeSubscriber()
	fetcher := &scriptedFetcher{script: func(int) (*StatusResponse, error) { return nil, errNetwork }}
	opts := fastOptions()
	opts.MaxWait = 100 * time.Millisecond
	var events eventLog

	res := NewResolver(sub, fetcher, opts).Resolve(context.Background(), "g6", events.record)

	if res.Status != StatusTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if !errors.Is(res.Err(), ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", res.Err())
	}
	if fetcher.callCount() < 2 {
		t.Errorf("expected poll loop to keep retrying, got %d requests", fetcher.callCount())
	}
	if res.Elapsed < opts.MaxWait {
		t.Errorf("timed out early: %s < %s", res.Elapsed, opts.MaxWait)
	}
	assertSingleTerminal(t, &events, res)
	if events.last().Message != msgTimeout {
		t.Errorf("expected timeout message, got %q", events.last().Message)
	}
}

func TestResolve_WorkerFailureIsTerminal(t *testing.T) {
	fetcher := statusSequence(StatusResponse{Status: store.StatusFailed, Error: "model crashed"})
	var events eventLog

	res := NewResolver(nil, fetcher, fastOptions()).Resolve(context.Background(), "g7", events.record)

	if res.Success || res.Status != StatusFailed {
		t.Fatalf("expected failed, got %+v", res)
	}
	if res.Error != "model crashed" {
		t.Errorf("expected worker error text, got %q", res.Error)
	}
	if !errors.Is(res.Err(), ErrJobFailed) || !strings.Contains(res.Err().Error(), "model crashed") {
		t.Errorf("expected ErrJobFailed carrying the worker error, got %v", res.Err())
	}
	time.Sleep(30 * time.Millisecond)
	if fetcher.callCount() != 1 {
		t.Errorf("expected failure not to be retried, got %d requests", fetcher.callCount())
	}
	assertSingleTerminal(t, &events, res)
}

func TestResolve_CompletedWithoutOutputFails(t *testing.T) {
	fetcher := statusSequence(StatusResponse{Status: store.StatusCompleted})
	var events eventLog

	res := NewResolver(nil, fetcher, fastOptions()).Resolve(context.Background(), "g8", events.record)

	if res.Success || res.Status != StatusFailed {
		t.Fatalf("expected failure for output-less completion, got %+v", res)
	}
	assertSingleTerminal(t, &events, res)
}

func TestResolve_PushSubscribeErrorFallsBackToPoll(t *testing.T) {
	sub := newFakeSubscriber()
	sub.err = errors.New("realtime unavailable")
	fetcher := statusSequence(
		StatusResponse{Status: store.StatusQueued},
		StatusResponse{Status: store.StatusCompleted, OutputURL: "https://x/out.jpg"},
	)
	var events eventLog

	res := NewResolver(sub, fetcher, fastOptions()).Resolve(context.Background(), "g9", events.record)

	if !res.Success || res.Channel != ChannelPoll {
		t.Fatalf("expected poll completion despite push failure, got %+v", res)
	}
	assertSingleTerminal(t, &events, res)
}

func TestResolve_PushProgressForwarded(t *testing.T) {
	sub := newFakeSubscriber()
	opts := fastOptions()
	opts.PollDelay = time.Second
	var events eventLog

	done := make(chan Result, 1)
	go func() {
		done <- NewResolver(sub, alwaysProcessing(), opts).Resolve(context.Background(), "g10", events.record)
	}()

	sub.waitSubscribed(t)
	sub.deliver(store.JobRecord{ID: "g10", Status: store.StatusProcessing})
	sub.deliver(store.JobRecord{ID: "g10", Status: store.StatusFailed, Error: "bad input"})

	res := <-done
	if res.Status != StatusFailed || res.Channel != ChannelPush {
		t.Fatalf("expected push failure, got %+v", res)
	}

	evs := events.snapshot()
	if len(evs) != 2 {
		t.Fatalf("expected processing then failed, got %+v", evs)
	}
	if evs[0].Status != StatusProcessing || evs[0].Message != msgProcessing || evs[0].Channel != ChannelPush {
		t.Errorf("unexpected progress event: %+v", evs[0])
	}
	if evs[1].Error != "bad input" {
		t.Errorf("expected failure text on terminal event, got %+v", evs[1])
	}
}

// A stale queued status seen after processing, on either channel, is not
// forwarded.
func TestResolve_StatusNeverRegresses(t *testing.T) {
	sub := newFakeSubscriber()
	fetcher := statusSequence(
		StatusResponse{Status: store.StatusQueued},
		StatusResponse{Status: store.StatusQueued},
		StatusResponse{Status: store.StatusCompleted, OutputURL: "https://x/out.jpg"},
	)
	opts := fastOptions()
	opts.PollDelay = 200 * time.Millisecond
	var events eventLog

	done := make(chan Result, 1)
	go func() {
		done <- NewResolver(sub, fetcher, opts).Resolve(context.Background(), "g12", events.record)
	}()

	sub.waitSubscribed(t)
	sub.deliver(store.JobRecord{ID: "g12", Status: store.StatusProcessing})
	sub.deliver(store.JobRecord{ID: "g12", Status: store.StatusQueued})

	res := <-done
	if !res.Success || res.Channel != ChannelPoll {
		t.Fatalf("expected poll completion, got %+v", res)
	}
	seenProcessing := false
	for _, ev := range events.snapshot() {
		switch ev.Status {
		case StatusProcessing:
			seenProcessing = true
		case StatusQueued:
			if seenProcessing {
				t.Errorf("queued event forwarded after processing: %+v", ev)
			}
		}
	}
	if !seenProcessing {
		t.Errorf("expected a processing event, got %+v", events.snapshot())
	}
	assertSingleTerminal(t, &events, res)
}

// Push and poll deliver terminal statuses at the same moment; exactly one wins.
func TestResolve_SimultaneousTerminalSignals(t *testing.T) {
	for i := 0; i < 50; i++ {
		sub := newFakeSubscriber()
		release := make(chan struct{})
		fetcher := &scriptedFetcher{script: func(int) (*StatusResponse, error) {
			<-release
			return &StatusResponse{Status: store.StatusCompleted, OutputURL: "https://x/poll.jpg"}, nil
		}}
		opts := fastOptions()
		opts.PollDelay = 0
		var events eventLog

		done := make(chan Result, 1)
		go func() {
			done <- NewResolver(sub, fetcher, opts).Resolve(context.Background(), "race", events.record)
		}()

		sub.waitSubscribed(t)
		go sub.deliver(store.JobRecord{ID: "race", Status: store.StatusCompleted, OutputURL: "https://x/push.jpg"})
		close(release)

		res := <-done
		if !res.Success {
			t.Fatalf("iteration %d: expected success, got %+v", i, res)
		}
		assertSingleTerminal(t, &events, res)
	}
}

func TestResolve_EmitsMetrics(t *testing.T) {
	var buf bytes.Buffer
	opts := fastOptions()
	opts.Metrics = &buf

	fetcher := statusSequence(StatusResponse{Status: store.StatusCompleted, OutputURL: "https://x/out.jpg"})
	NewResolver(nil, fetcher, opts).Resolve(context.Background(), "g11", nil)

	out := buf.String()
	if !strings.Contains(out, metrics.ResolveLatency) || !strings.Contains(out, `"Outcome":"completed"`) {
		t.Errorf("expected EMF document with latency and outcome, got %s", out)
	}
}

func TestNewResolver_Defaults(t *testing.T) {
	r := NewResolver(nil, alwaysProcessing(), Options{PollDelay: -time.Second})
	if r.opts.PollInterval != DefaultPollInterval || r.opts.MaxWait != DefaultMaxWait {
		t.Errorf("expected default interval and max wait, got %+v", r.opts)
	}
	if r.opts.PollDelay != 0 {
		t.Errorf("expected negative delay to clamp to 0, got %s", r.opts.PollDelay)
	}
}
