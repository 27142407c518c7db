// Package queue moves JSON events between the deposit services. Kafka is the
// deployed transport; the stdio driver writes and reads newline-delimited
// records for local runs and tests.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const envKafkaTLS = "DEPOSIT_QUEUE_KAFKA_TLS"

var ErrInvalidConfig = errors.New("queue: invalid config")

// Message is one record handed to a consumer.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
	// Producer timestamp for Kafka, receive time for stdio.
	Timestamp time.Time

	ack func(context.Context) error
}

// Ack commits the message offset. It is a no-op for drivers without offsets.
func (m Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

type Consumer interface {
	Messages() <-chan Message
	Errors() <-chan error
	Close() error
}

// Producer publishes a payload under an optional partition key.
type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ConsumerConfig struct {
	Driver string

	Brokers       []string
	Group         string
	Topics        []string
	KafkaMinBytes int
	KafkaMaxBytes int

	Reader       io.Reader
	MaxLineBytes int
}

type ProducerConfig struct {
	Driver string

	Brokers      []string
	BatchTimeout time.Duration

	Writer io.Writer
}

func NewConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		c, err := newKafkaConsumer(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case DriverStdio:
		return newStdioConsumer(ctx, cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		p, err := newKafkaProducer(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// SplitCommaList parses a flag value such as "b1:9092, b2:9092".
func SplitCommaList(s string) []string {
	return compact(strings.Split(s, ","))
}

func normalizeDriver(v string) string {
	if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
		return v
	}
	return DriverKafka
}

func compact(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func kafkaTLSFromEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
