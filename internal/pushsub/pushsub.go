// Package pushsub carries job record snapshots over Redis pub/sub.
//
// The webhook publishes every accepted status transition to the job's
// channel; enhancement resolvers subscribe to that channel to learn about
// completion without polling.
package pushsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fpang/enhance-studio/internal/enhance"
	"github.com/fpang/enhance-studio/internal/store"
)

const channelPrefix = "enhance:job:"

// Channel returns the pub/sub channel for a job.
func Channel(jobID string) string {
	return channelPrefix + jobID
}

// Publisher sends record snapshots to subscribers.
type Publisher struct {
	client *goredis.Client
}

// NewPublisher creates a Publisher.
func NewPublisher(client *goredis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish sends rec to its job channel. It reports how many subscribers
// received it.
func (p *Publisher) Publish(ctx context.Context, rec *store.JobRecord) (int64, error) {
	if rec.ID == "" {
		return 0, fmt.Errorf("pushsub: record has no job id")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("pushsub: marshal record: %w", err)
	}
	n, err := p.client.Publish(ctx, Channel(rec.ID), payload).Result()
	if err != nil {
		return 0, fmt.Errorf("pushsub: publish %s: %w", rec.ID, err)
	}
	return n, nil
}

// Subscriber implements enhance.Subscriber over Redis.
type Subscriber struct {
	client *goredis.Client
}

var _ enhance.Subscriber = (*Subscriber)(nil)

// NewSubscriber creates a Subscriber.
func NewSubscriber(client *goredis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscribe returns once Redis has confirmed the subscription. fn then runs
// on a dedicated goroutine for every snapshot of jobID until Unsubscribe.
// Undecodable messages and snapshots for other jobs are skipped.
func (s *Subscriber) Subscribe(ctx context.Context, jobID string, fn func(store.JobRecord)) (enhance.Subscription, error) {
	ps := s.client.Subscribe(ctx, Channel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("pushsub: subscribe %s: %w", jobID, err)
	}

	sub := &subscription{ps: ps}
	go sub.dispatch(jobID, fn)
	return sub, nil
}

type subscription struct {
	ps   *goredis.PubSub
	once sync.Once
	err  error
}

func (s *subscription) dispatch(jobID string, fn func(store.JobRecord)) {
	for msg := range s.ps.Channel() {
		var rec store.JobRecord
		if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
			log.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping undecodable job snapshot")
			continue
		}
		if rec.ID != "" && rec.ID != jobID {
			continue
		}
		if rec.ID == "" {
			rec.ID = jobID
		}
		fn(rec)
	}
}

// Unsubscribe closes the subscription. The delivery goroutine exits once
// any in-progress callback returns. Later calls return the first result.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
	})
	return s.err
}
