// Command deposit-sweeper periodically promotes funded deposit addresses,
// deploys their proxies and routes the funds to the treasury. Sweeps also run
// when a sweeps.trigger.v1 record arrives on the trigger topic.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/deposit-router/internal/config"
	depositpg "github.com/juno-intents/deposit-router/internal/deposit/postgres"
	"github.com/juno-intents/deposit-router/internal/depositevent"
	leasespg "github.com/juno-intents/deposit-router/internal/leases/postgres"
	"github.com/juno-intents/deposit-router/internal/queue"
	"github.com/juno-intents/deposit-router/internal/sweep"
	"github.com/juno-intents/deposit-router/internal/sweepsvc"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	var (
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		deployer     = flag.String("deployer", os.Getenv("DEPLOYER_ADDRESS"), "DeterministicProxyDeployer address (required)")
		initCodeHash = flag.String("init-code-hash", os.Getenv("INIT_CODE_HASH"), "keccak256 of the proxy init code (required)")
		treasury     = flag.String("treasury", os.Getenv("TREASURY_ADDRESS"), "treasury address (required)")

		interval   = flag.Duration("interval", time.Minute, "time between scheduled sweeps; 0 sweeps only on triggers")
		runOnStart = flag.Bool("run-on-start", true, "sweep once at startup")

		queueDriver   = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers  = flag.String("queue-brokers", "", "comma-separated queue brokers; empty disables triggers and events for kafka")
		queueGroup    = flag.String("queue-group", "deposit-sweeper", "consumer group for sweep triggers")
		triggerTopic  = flag.String("trigger-topic", depositevent.TopicSweepTrigger, "topic carrying sweep triggers")
		sweptTopic    = flag.String("sweep-completed-topic", depositevent.TopicSweepCompleted, "topic for sweep completed events")
		queueMaxBytes = flag.Int("queue-max-bytes", 1<<20, "maximum kafka message size for consumer reads (bytes)")
		ackTimeout    = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")
	)
	sweepFlags := sweepsvc.RegisterFlags(flag.CommandLine)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	contracts, err := config.ParseContracts(*deployer, *initCodeHash, *treasury)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *postgresDSN == "" || !sweepFlags.Enabled() {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn and --rpc-url are required")
		os.Exit(2)
	}
	if err := sweepFlags.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *interval < 0 || *ackTimeout <= 0 || *queueMaxBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --interval must be >= 0; --queue-ack-timeout and --queue-max-bytes must be > 0")
		os.Exit(2)
	}
	queueEnabled := *queueDriver == queue.DriverStdio || strings.TrimSpace(*queueBrokers) != ""
	if *interval == 0 && !queueEnabled {
		fmt.Fprintln(os.Stderr, "error: --interval=0 needs a trigger queue")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	store, err := depositpg.New(pool)
	if err != nil {
		log.Error("init deposit store", "err", err)
		os.Exit(2)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("ensure deposit schema", "err", err)
		os.Exit(2)
	}
	leaseStore, err := leasespg.New(pool)
	if err != nil {
		log.Error("init lease store", "err", err)
		os.Exit(2)
	}
	if err := leaseStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure lease schema", "err", err)
		os.Exit(2)
	}

	deps := sweepsvc.Deps{Contracts: contracts, Ledger: store, Leases: leaseStore}
	var consumer queue.Consumer
	if queueEnabled {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()
		publisher, err := depositevent.NewPublisher(producer, depositevent.Topics{SweepCompleted: *sweptTopic})
		if err != nil {
			log.Error("init event publisher", "err", err)
			os.Exit(2)
		}
		deps.Events = publisher

		consumer, err = queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:        *queueDriver,
			Brokers:       queue.SplitCommaList(*queueBrokers),
			Group:         *queueGroup,
			Topics:        []string{*triggerTopic},
			KafkaMaxBytes: *queueMaxBytes,
		})
		if err != nil {
			log.Error("init queue consumer", "err", err)
			os.Exit(2)
		}
		defer consumer.Close()
	}

	startupCtx, cancelStartup := context.WithTimeout(ctx, 30*time.Second)
	svc, closeRPC, err := sweepsvc.Dial(startupCtx, sweepFlags, deps, log)
	cancelStartup()
	if err != nil {
		log.Error("init sweeper", "err", err)
		os.Exit(2)
	}
	defer closeRPC()

	sched, err := sweep.NewScheduler(svc.Sweeper, sweep.SchedulerConfig{
		Interval:   *interval,
		Timeout:    sweepFlags.SweepTimeout,
		RunOnStart: *runOnStart,
	}, log)
	if err != nil {
		log.Error("init scheduler", "err", err)
		os.Exit(2)
	}

	if consumer != nil {
		go consumeTriggers(ctx, consumer, sched, *ackTimeout, log)
	}

	log.Info("deposit-sweeper running",
		"interval", interval.String(),
		"triggers", consumer != nil,
		"triggerTopic", *triggerTopic,
		"leaseOwner", sweepFlags.Owner,
	)
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("scheduler stopped", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown", "reason", ctx.Err())
}

type triggerer interface {
	Trigger() bool
}

// consumeTriggers feeds sweep triggers into the scheduler until ctx is done
// or the consumer closes. Every record is acked, including malformed ones.
func consumeTriggers(ctx context.Context, consumer queue.Consumer, sched triggerer, ackTimeout time.Duration, log *slog.Logger) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	msgCh := consumer.Messages()
	errCh := consumer.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				log.Error("queue consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				log.Info("trigger stream closed")
				return
			}
			trig, err := depositevent.ParseSweepTrigger(msg.Value)
			if err != nil {
				log.Warn("drop sweep trigger", "topic", msg.Topic, "err", err)
			} else {
				queued := sched.Trigger()
				log.Info("sweep triggered", "reason", trig.Reason, "requestedBy", trig.RequestedBy, "queued", queued)
			}

			actx, cancel := context.WithTimeout(ctx, ackTimeout)
			if err := msg.Ack(actx); err != nil {
				log.Error("ack trigger", "err", err)
			}
			cancel()
		}
	}
}
