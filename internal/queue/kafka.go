package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultKafkaMinBytes     = 1
	defaultKafkaMaxBytes     = 10 << 20
	defaultKafkaBatchTimeout = 10 * time.Millisecond
)

func kafkaTLSConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

type kafkaConsumer struct {
	reader *kafka.Reader

	msgs chan Message
	errs chan error

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newKafkaConsumer(parent context.Context, cfg ConsumerConfig) (*kafkaConsumer, error) {
	brokers, topics := compact(cfg.Brokers), compact(cfg.Topics)
	group := strings.TrimSpace(cfg.Group)
	switch {
	case len(brokers) == 0:
		return nil, fmt.Errorf("%w: kafka consumer needs a broker", ErrInvalidConfig)
	case group == "":
		return nil, fmt.Errorf("%w: kafka consumer needs a group", ErrInvalidConfig)
	case len(topics) == 0:
		return nil, fmt.Errorf("%w: kafka consumer needs a topic", ErrInvalidConfig)
	}

	minBytes, maxBytes := cfg.KafkaMinBytes, cfg.KafkaMaxBytes
	if minBytes <= 0 {
		minBytes = defaultKafkaMinBytes
	}
	if maxBytes <= 0 {
		maxBytes = defaultKafkaMaxBytes
	}
	if maxBytes < minBytes {
		return nil, fmt.Errorf("%w: kafka max bytes %d < min bytes %d", ErrInvalidConfig, maxBytes, minBytes)
	}

	rc := kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
	}
	if kafkaTLSFromEnv() {
		rc.Dialer = &kafka.Dialer{Timeout: 10 * time.Second, TLS: kafkaTLSConfig()}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &kafkaConsumer{
		reader: kafka.NewReader(rc),
		msgs:   make(chan Message, 64),
		errs:   make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.loop(ctx)
	return c, nil
}

// fetchStopsConsumer reports whether a fetch error ends the consume loop.
// Everything except cancellation is surfaced and retried.
func fetchStopsConsumer(err error) bool {
	return errors.Is(err, context.Canceled)
}

func (c *kafkaConsumer) loop(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgs)
	defer close(c.errs)

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if fetchStopsConsumer(err) {
				return
			}
			select {
			case c.errs <- err:
				continue
			case <-ctx.Done():
				return
			}
		}

		m := Message{
			Topic:     km.Topic,
			Key:       append([]byte(nil), km.Key...),
			Value:     append([]byte(nil), km.Value...),
			Timestamp: km.Time,
			ack: func(ackCtx context.Context) error {
				return c.reader.CommitMessages(ackCtx, km)
			},
		}
		select {
		case c.msgs <- m:
		case <-ctx.Done():
			return
		}
	}
}

func (c *kafkaConsumer) Messages() <-chan Message { return c.msgs }
func (c *kafkaConsumer) Errors() <-chan error     { return c.errs }

func (c *kafkaConsumer) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.reader.Close()
		<-c.done
	})
	return err
}

type kafkaProducer struct {
	w *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (*kafkaProducer, error) {
	brokers := compact(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer needs a broker", ErrInvalidConfig)
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = defaultKafkaBatchTimeout
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batch,
		RequiredAcks: kafka.RequireAll,
	}
	if kafkaTLSFromEnv() {
		w.Transport = &kafka.Transport{TLS: kafkaTLSConfig()}
	}
	return &kafkaProducer{w: w}, nil
}

// Publish keys records so every event for one deposit address lands on the
// same partition.
func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	return p.w.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error { return p.w.Close() }
