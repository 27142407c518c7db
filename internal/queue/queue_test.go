package queue

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestNewConsumer_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	for name, cfg := range map[string]ConsumerConfig{
		"unknown driver": {Driver: "nats"},
		"no brokers":     {Driver: DriverKafka, Group: "deposit-sweeper", Topics: []string{"sweeps.trigger.v1"}},
		"no group":       {Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Topics: []string{"sweeps.trigger.v1"}},
		"no topics":      {Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Group: "deposit-sweeper"},
		"blank topics":   {Driver: DriverKafka, Brokers: []string{"127.0.0.1:9092"}, Group: "deposit-sweeper", Topics: []string{" "}},
		"bytes inverted": {Driver: DriverKafka, Brokers: []string{"b:9092"}, Group: "g", Topics: []string{"t"}, KafkaMinBytes: 10, KafkaMaxBytes: 5},
	} {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c, err := NewConsumer(context.Background(), cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err: got %v want %v", err, ErrInvalidConfig)
			}
			if c != nil {
				t.Fatalf("expected nil consumer")
			}
		})
	}
}

func TestNewProducer_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	for name, cfg := range map[string]ProducerConfig{
		"unknown driver": {Driver: "nats"},
		"no brokers":     {Driver: DriverKafka},
		"default driver": {Brokers: []string{" "}},
	} {
		p, err := NewProducer(cfg)
		if !errors.Is(err, ErrInvalidConfig) || p != nil {
			t.Fatalf("%s: got producer=%v err=%v", name, p, err)
		}
	}
}

func TestStdio_RoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &buf})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	payloads := []string{`{"version":"deposits.created.v1"}`, `{"version":"sweeps.completed.v1"}`}
	for _, pl := range payloads {
		if err := p.Publish(context.Background(), "ignored", []byte("key"), []byte(pl)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if got, want := buf.String(), payloads[0]+"\n"+payloads[1]+"\n"; got != want {
		t.Fatalf("output: got %q want %q", got, want)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := NewConsumer(ctx, ConsumerConfig{Driver: DriverStdio, Reader: &buf})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = c.Close() }()

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < len(payloads) {
		select {
		case m, ok := <-c.Messages():
			if !ok {
				t.Fatalf("messages closed after %d", len(got))
			}
			if err := m.Ack(ctx); err != nil {
				t.Fatalf("Ack: %v", err)
			}
			got = append(got, string(m.Value))
		case <-timeout:
			t.Fatalf("timed out with %d messages", len(got))
		}
	}
	for i := range payloads {
		if got[i] != payloads[i] {
			t.Fatalf("message %d: got %q want %q", i, got[i], payloads[i])
		}
	}
}

func TestStdioConsumer_SkipsBlankLinesAndReportsLongLines(t *testing.T) {
	t.Parallel()

	in := strings.NewReader("\n\nshort\n" + strings.Repeat("x", 64) + "\n")
	c, err := NewConsumer(context.Background(), ConsumerConfig{Driver: DriverStdio, Reader: in, MaxLineBytes: 16})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	defer func() { _ = c.Close() }()

	m, ok := <-c.Messages()
	if !ok || string(m.Value) != "short" {
		t.Fatalf("first message: ok=%v value=%q", ok, m.Value)
	}
	if err, ok := <-c.Errors(); !ok || err == nil {
		t.Fatalf("expected scanner error for oversized line")
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	got := SplitCommaList(" b1:9092, ,b2:9092 ")
	if len(got) != 2 || got[0] != "b1:9092" || got[1] != "b2:9092" {
		t.Fatalf("got %q", got)
	}
	if SplitCommaList("  ") != nil {
		t.Fatalf("blank list should be nil")
	}
}

func TestKafkaTLSFromEnv(t *testing.T) {
	for v, want := range map[string]bool{
		"":       false,
		"0":      false,
		"off":    false,
		"1":      true,
		" TRUE ": true,
		"yes":    true,
		"on":     true,
	} {
		t.Setenv(envKafkaTLS, v)
		if got := kafkaTLSFromEnv(); got != want {
			t.Fatalf("kafkaTLSFromEnv(%q): got %v want %v", v, got, want)
		}
	}
}

func TestFetchStopsConsumer(t *testing.T) {
	t.Parallel()

	if !fetchStopsConsumer(context.Canceled) {
		t.Fatalf("canceled should stop")
	}
	for _, err := range []error{io.EOF, io.ErrUnexpectedEOF, context.DeadlineExceeded} {
		if fetchStopsConsumer(err) {
			t.Fatalf("%v should not stop", err)
		}
	}
}
