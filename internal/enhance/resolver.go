package enhance

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/enhance-studio/internal/metrics"
	"github.com/fpang/enhance-studio/internal/store"
)

// Default resolver timings.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollDelay    = 1 * time.Second
	DefaultMaxWait      = 90 * time.Second
)

// Options tune a Resolver. Zero PollInterval and MaxWait take the defaults;
// PollDelay is used as given (zero starts polling immediately) and negative
// values are treated as zero.
type Options struct {
	PollInterval time.Duration
	PollDelay    time.Duration
	MaxWait      time.Duration

	// Metrics, when set, receives one EMF document per call.
	Metrics io.Writer
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		PollInterval: DefaultPollInterval,
		PollDelay:    DefaultPollDelay,
		MaxWait:      DefaultMaxWait,
	}
}

// Resolver races a push subscription against a status poll for one job and
// returns exactly one terminal outcome.
type Resolver struct {
	subscriber Subscriber
	fetcher    StatusFetcher
	opts       Options
}

// NewResolver creates a Resolver. subscriber may be nil, leaving the poll
// loop as the only channel.
func NewResolver(subscriber Subscriber, fetcher StatusFetcher, opts Options) *Resolver {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.PollDelay < 0 {
		opts.PollDelay = 0
	}
	return &Resolver{subscriber: subscriber, fetcher: fetcher, opts: opts}
}

// resolution is the per-call state. It is the single source of truth for
// whether the call has finished; every progress and terminal event passes
// through it under mu, so nothing is emitted after the terminal event.
type resolution struct {
	jobID      string
	onProgress ProgressFunc

	mu           sync.Mutex
	resolved     bool
	start        time.Time
	lastPoll     time.Time
	lastProgress int
	lastRank     int
	result       Result
	done         chan struct{}
}

func newResolution(jobID string, onProgress ProgressFunc) *resolution {
	return &resolution{
		jobID:      jobID,
		onProgress: onProgress,
		start:      time.Now(),
		done:       make(chan struct{}),
	}
}

func (s *resolution) isResolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

// progress forwards a non-terminal event unless the call has resolved.
// Neither the status nor the percentage goes backwards across channels: a
// late queued snapshot after processing is dropped.
func (s *resolution) progress(ev ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return
	}
	if ev.Channel == ChannelPoll {
		s.lastPoll = time.Now()
	}
	rank := statusRank(ev.Status)
	if rank < s.lastRank {
		return
	}
	s.lastRank = rank
	if ev.Progress >= 0 {
		if ev.Progress < s.lastProgress {
			ev.Progress = s.lastProgress
		}
		s.lastProgress = ev.Progress
	}
	s.onProgress.emit(ev)
}

// finish records the terminal outcome. Only the first call has any effect;
// it reports whether this call won.
func (s *resolution) finish(r Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return false
	}
	s.resolved = true
	r.JobID = s.jobID
	r.Elapsed = time.Since(s.start)
	s.result = r
	s.onProgress.emit(terminalEvent(r))
	close(s.done)
	return true
}

// Resolve waits for jobID to reach a terminal state. It returns when either
// channel reports completion or failure, when MaxWait elapses (timeout), or
// when ctx is cancelled (cancelled). Both channels are torn down before it
// returns. Timeout does not cancel the remote job.
func (r *Resolver) Resolve(ctx context.Context, jobID string, onProgress ProgressFunc) Result {
	st := newResolution(jobID, onProgress)

	if ctx.Err() != nil {
		st.finish(Result{Status: StatusCancelled, Channel: ChannelResolver})
		r.record(st.result)
		return st.result
	}

	chCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var push *PushListener
	if r.subscriber != nil {
		push = NewPushListener(r.subscriber, jobID,
			func(rec store.JobRecord) {
				st.progress(ProgressEvent{
					Status:   Status(rec.Status),
					Message:  StatusMessage(rec.Status),
					Progress: estimateProgress(rec.Status, time.Since(st.start), r.opts.MaxWait),
					Channel:  ChannelPush,
				})
			},
			func(rec store.JobRecord) {
				st.finish(resultFromRecord(rec.Status, rec.OutputURL, rec.Error, ChannelPush))
			})
		push.Start(chCtx)
	}

	var poll *PollLoop
	delay := time.NewTimer(r.opts.PollDelay)
	defer delay.Stop()
	timeout := time.NewTimer(r.opts.MaxWait)
	defer timeout.Stop()

	delayC := delay.C
	for !st.isResolved() {
		select {
		case <-st.done:
		case <-delayC:
			delayC = nil
			if st.isResolved() {
				// Push won before the poll loop was due; it never starts.
				continue
			}
			poll = NewPollLoop(r.fetcher, jobID, PollConfig{
				Interval: r.opts.PollInterval,
				MaxWait:  r.opts.MaxWait - r.opts.PollDelay,
				Resolved: st.isResolved,
				OnUpdate: func(resp StatusResponse, _ time.Duration) {
					msg := resp.Message
					if msg == "" {
						msg = StatusMessage(resp.Status)
					}
					st.progress(ProgressEvent{
						Status:   Status(resp.Status),
						Message:  msg,
						Progress: estimateProgress(resp.Status, time.Since(st.start), r.opts.MaxWait),
						Channel:  ChannelPoll,
					})
				},
				OnTerminal: func(resp StatusResponse) {
					st.finish(resultFromRecord(resp.Status, resp.OutputURL, resp.Error, ChannelPoll))
				},
			})
			poll.Start(chCtx)
		case <-ctx.Done():
			st.finish(Result{Status: StatusCancelled, Channel: ChannelResolver})
		case <-timeout.C:
			st.finish(Result{Status: StatusTimeout, Channel: ChannelResolver})
		}
	}

	if push != nil {
		push.Stop()
	}
	if poll != nil {
		poll.Stop()
	}
	cancel()

	r.record(st.result)
	return st.result
}

func (r *Resolver) record(res Result) {
	evt := log.Info()
	if !res.Success {
		evt = log.Warn()
	}
	evt.Str("jobId", res.JobID).
		Str("status", string(res.Status)).
		Str("channel", string(res.Channel)).
		Dur("elapsed", res.Elapsed).
		Str("error", res.Error).
		Msg("Enhancement resolved")

	if r.opts.Metrics == nil {
		return
	}
	metrics.New(metrics.Namespace).
		To(r.opts.Metrics).
		Dimension("Outcome", string(res.Status)).
		Dimension("Channel", string(res.Channel)).
		Duration(metrics.ResolveLatency, res.Elapsed).
		Count(metrics.Resolutions).
		Property("jobId", res.JobID).
		Flush()
}
