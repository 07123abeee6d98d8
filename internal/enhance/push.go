package enhance

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/enhance-studio/internal/store"
)

// Subscription is an active change-notification subscription.
// Unsubscribe must be safe to call more than once.
type Subscription interface {
	Unsubscribe() error
}

// Subscriber subscribes to change notifications for one job record. fn is
// called with each record snapshot delivered after the subscription is
// established, on the transport's own goroutine.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string, fn func(store.JobRecord)) (Subscription, error)
}

// PushListener watches one job record through a Subscriber. It calls
// onTerminal at most once, for an output-bearing completion or an explicit
// failure. Other snapshots only go to onUpdate.
//
// A subscription that cannot be established is logged and otherwise ignored:
// the channel simply never fires.
type PushListener struct {
	subscriber Subscriber
	jobID      string
	onUpdate   func(store.JobRecord)
	onTerminal func(store.JobRecord)

	fireOnce sync.Once
	stopOnce sync.Once

	mu           sync.Mutex
	stopped      bool
	subscription Subscription
}

// NewPushListener creates a listener. onUpdate may be nil.
func NewPushListener(sub Subscriber, jobID string, onUpdate, onTerminal func(store.JobRecord)) *PushListener {
	return &PushListener{
		subscriber: sub,
		jobID:      jobID,
		onUpdate:   onUpdate,
		onTerminal: onTerminal,
	}
}

// Start subscribes in the background and returns immediately.
func (p *PushListener) Start(ctx context.Context) {
	go p.subscribe(ctx)
}

func (p *PushListener) subscribe(ctx context.Context) {
	sub, err := p.subscriber.Subscribe(ctx, p.jobID, p.handle)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("jobId", p.jobID).Msg("Push subscription failed, relying on poll")
		}
		return
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		// Stopped while the subscription was being established.
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Str("jobId", p.jobID).Msg("Late unsubscribe failed")
		}
		return
	}
	p.subscription = sub
	p.mu.Unlock()

	log.Debug().Str("jobId", p.jobID).Msg("Push subscription established")
}

func (p *PushListener) handle(rec store.JobRecord) {
	if p.isStopped() {
		return
	}
	if rec.ID != "" && rec.ID != p.jobID {
		return
	}

	terminal := rec.Status == store.StatusFailed ||
		(rec.Status == store.StatusCompleted && rec.OutputURL != "")
	if !terminal {
		if p.onUpdate != nil && !rec.Status.Terminal() {
			p.onUpdate(rec)
		}
		return
	}

	p.fireOnce.Do(func() {
		log.Debug().Str("jobId", p.jobID).Str("status", string(rec.Status)).Msg("Push channel received terminal status")
		p.onTerminal(rec)
	})
}

func (p *PushListener) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Stop unsubscribes. It is safe to call more than once and after the
// listener has fired. Snapshots delivered after Stop are dropped.
func (p *PushListener) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		sub := p.subscription
		p.subscription = nil
		p.mu.Unlock()

		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				log.Debug().Err(err).Str("jobId", p.jobID).Msg("Unsubscribe failed")
			}
		}
	})
}
