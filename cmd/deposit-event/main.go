// Command deposit-event publishes a sweeps.trigger.v1 record so running
// sweepers start a sweep without waiting for their next tick.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/juno-intents/deposit-router/internal/config"
	"github.com/juno-intents/deposit-router/internal/depositevent"
	"github.com/juno-intents/deposit-router/internal/queue"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if err := runMain(os.Args[1:], os.Stdout, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func runMain(args []string, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("deposit-event", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", depositevent.TopicSweepTrigger, "queue topic")
	reason := fs.String("reason", "manual", "free-form reason recorded in the trigger")
	requestedBy := fs.String("requested-by", os.Getenv("USER"), "operator name recorded in the trigger")
	timeout := fs.Duration("timeout", 10*time.Second, "publish timeout")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*topic) == "" {
		return fmt.Errorf("--topic must be non-empty")
	}
	if *timeout <= 0 {
		return fmt.Errorf("--timeout must be > 0")
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	trig := depositevent.NewSweepTrigger(*reason, *requestedBy, now())
	b, err := json.Marshal(trig)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	return producer.Publish(ctx, *topic, []byte(trig.Reason), b)
}
