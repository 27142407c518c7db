package depositevent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/juno-intents/deposit-router/internal/deposit"
	"github.com/juno-intents/deposit-router/internal/queue"
	"github.com/juno-intents/deposit-router/internal/sweep"
)

const (
	TopicDepositCreated = "deposits.created.v1"
	TopicSweepCompleted = "sweeps.completed.v1"
	TopicSweepTrigger   = "sweeps.trigger.v1"
)

var ErrInvalidConfig = errors.New("depositevent: invalid config")

type Topics struct {
	DepositCreated string
	SweepCompleted string
}

// DefaultTopics names each topic after the version it carries.
func DefaultTopics() Topics {
	return Topics{DepositCreated: TopicDepositCreated, SweepCompleted: TopicSweepCompleted}
}

// Publisher turns domain notifications into queue records. It satisfies
// deposit.CreatedNotifier and sweep.CompletedNotifier.
type Publisher struct {
	producer queue.Producer
	topics   Topics
}

var (
	_ deposit.CreatedNotifier = (*Publisher)(nil)
	_ sweep.CompletedNotifier = (*Publisher)(nil)
)

func NewPublisher(producer queue.Producer, topics Topics) (*Publisher, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	def := DefaultTopics()
	if topics.DepositCreated == "" {
		topics.DepositCreated = def.DepositCreated
	}
	if topics.SweepCompleted == "" {
		topics.SweepCompleted = def.SweepCompleted
	}
	return &Publisher{producer: producer, topics: topics}, nil
}

// DepositCreated is keyed by deposit address.
func (p *Publisher) DepositCreated(ctx context.Context, d deposit.Deposit) error {
	ev := NewDepositCreated(d)
	return p.publish(ctx, p.topics.DepositCreated, ev.DepositAddress, ev)
}

// SweepCompleted is keyed by sweep start time.
func (p *Publisher) SweepCompleted(ctx context.Context, s sweep.Summary) error {
	return p.publish(ctx, p.topics.SweepCompleted, s.StartedAt.UTC().Format(time.RFC3339Nano), NewSweepCompleted(s))
}

func (p *Publisher) publish(ctx context.Context, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("depositevent: marshal %s: %w", topic, err)
	}
	if err := p.producer.Publish(ctx, topic, []byte(key), b); err != nil {
		return fmt.Errorf("depositevent: publish %s: %w", topic, err)
	}
	return nil
}
