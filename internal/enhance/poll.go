package enhance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StatusFetcher queries the current status of a job.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, jobID string) (*StatusResponse, error)
}

// PollLoop is the reliability backstop for the push channel. It queries job
// status on a fixed cadence until it sees a terminal status, its maximum wait
// elapses, resolved reports true, or it is stopped.
//
// Each iteration checks, in order: stop, elapsed time, resolved, then queries
// and sleeps. Fetch errors are swallowed and retried on the next tick.
type PollLoop struct {
	fetcher  StatusFetcher
	jobID    string
	interval time.Duration
	maxWait  time.Duration

	resolved   func() bool
	onUpdate   func(resp StatusResponse, elapsed time.Duration)
	onTerminal func(resp StatusResponse)

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// PollConfig wires a PollLoop. Resolved and OnUpdate may be nil.
type PollConfig struct {
	Interval   time.Duration
	MaxWait    time.Duration
	Resolved   func() bool
	OnUpdate   func(resp StatusResponse, elapsed time.Duration)
	OnTerminal func(resp StatusResponse)
}

// NewPollLoop creates a loop for jobID. It does nothing until Start.
func NewPollLoop(fetcher StatusFetcher, jobID string, cfg PollConfig) *PollLoop {
	resolved := cfg.Resolved
	if resolved == nil {
		resolved = func() bool { return false }
	}
	return &PollLoop{
		fetcher:    fetcher,
		jobID:      jobID,
		interval:   cfg.Interval,
		maxWait:    cfg.MaxWait,
		resolved:   resolved,
		onUpdate:   cfg.OnUpdate,
		onTerminal: cfg.OnTerminal,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the loop on its own goroutine.
func (p *PollLoop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		// Stop aborts an in-flight fetch through this context.
		select {
		case <-p.stop:
		case <-p.done:
		}
		cancel()
	}()
	go func() {
		defer close(p.done)
		p.run(ctx)
	}()
}

func (p *PollLoop) run(ctx context.Context) {
	start := time.Now()
	attempts := 0

	for {
		if p.stopped(ctx) {
			return
		}
		elapsed := time.Since(start)
		if elapsed >= p.maxWait {
			log.Debug().Str("jobId", p.jobID).Int("attempts", attempts).Msg("Poll loop reached max wait")
			return
		}
		if p.resolved() {
			return
		}

		attempts++
		resp, err := p.fetcher.FetchStatus(ctx, p.jobID)
		switch {
		case err != nil:
			if p.stopped(ctx) {
				return
			}
			log.Debug().Err(err).Str("jobId", p.jobID).Int("attempt", attempts).Msg("Poll request failed, retrying next tick")
		case resp == nil:
			log.Debug().Str("jobId", p.jobID).Int("attempt", attempts).Msg("Poll returned no status, retrying next tick")
		case resp.Status.Terminal():
			if p.stopped(ctx) || p.resolved() {
				return
			}
			log.Debug().Str("jobId", p.jobID).Str("status", string(resp.Status)).Int("attempts", attempts).Msg("Poll channel received terminal status")
			p.onTerminal(*resp)
			return
		case resp.Status.Valid():
			if p.onUpdate != nil && !p.stopped(ctx) {
				p.onUpdate(*resp, time.Since(start))
			}
		default:
			log.Debug().Str("jobId", p.jobID).Str("status", string(resp.Status)).Msg("Poll returned unknown status, ignoring")
		}

		timer := time.NewTimer(p.interval)
		select {
		case <-timer.C:
		case <-p.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (p *PollLoop) stopped(ctx context.Context) bool {
	select {
	case <-p.stop:
		return true
	default:
	}
	return ctx.Err() != nil
}

// Stop ends the loop and aborts any in-flight request. It is safe to call
// more than once, before Start, and after the loop has finished.
func (p *PollLoop) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Done is closed when the loop goroutine has exited.
func (p *PollLoop) Done() <-chan struct{} {
	return p.done
}
