// Command deposit-api issues deposit addresses and serves the deposit ledger.
// With --rpc-url set it also runs sweeps on POST /v1/sweeps.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/deposit-router/internal/config"
	"github.com/juno-intents/deposit-router/internal/deposit"
	depositpg "github.com/juno-intents/deposit-router/internal/deposit/postgres"
	"github.com/juno-intents/deposit-router/internal/depositapi"
	"github.com/juno-intents/deposit-router/internal/depositevent"
	"github.com/juno-intents/deposit-router/internal/leases"
	leasespg "github.com/juno-intents/deposit-router/internal/leases/postgres"
	"github.com/juno-intents/deposit-router/internal/queue"
	"github.com/juno-intents/deposit-router/internal/sweep"
	"github.com/juno-intents/deposit-router/internal/sweepsvc"
)

var version = "dev"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")

		storeDriver = flag.String("store-driver", "postgres", "deposit store: postgres|memory")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required for postgres)")

		deployer     = flag.String("deployer", os.Getenv("DEPLOYER_ADDRESS"), "DeterministicProxyDeployer address (required)")
		initCodeHash = flag.String("init-code-hash", os.Getenv("INIT_CODE_HASH"), "keccak256 of the proxy init code (required)")
		treasury     = flag.String("treasury", os.Getenv("TREASURY_ADDRESS"), "treasury address (required)")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 10, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 20, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver for events: kafka|stdio")
		queueBrokers = flag.String("queue-brokers", "", "queue brokers (comma-separated); empty disables events for kafka")
		createdTopic = flag.String("deposit-created-topic", depositevent.TopicDepositCreated, "topic for deposit created events")
		sweptTopic   = flag.String("sweep-completed-topic", depositevent.TopicSweepCompleted, "topic for sweep completed events")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	sweepFlags := sweepsvc.RegisterFlags(flag.CommandLine)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	contracts, err := config.ParseContracts(*deployer, *initCodeHash, *treasury)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *idleTimeout <= 0 || sweepFlags.SweepTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if err := sweepFlags.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store      deposit.Store
		leaseStore leases.Store
	)
	switch *storeDriver {
	case "postgres":
		if *postgresDSN == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required for --store-driver=postgres")
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		ds, err := depositpg.New(pool)
		if err != nil {
			log.Error("init deposit store", "err", err)
			os.Exit(2)
		}
		if err := ds.EnsureSchema(ctx); err != nil {
			log.Error("ensure deposit schema", "err", err)
			os.Exit(2)
		}
		ls, err := leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := ls.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		store, leaseStore = ds, ls
	case "memory":
		log.Warn("using in-memory deposit store; issued addresses are lost on restart")
		store, leaseStore = deposit.NewMemoryStore(), leases.NewMemoryStore(nil)
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

	var publisher *depositevent.Publisher
	if *queueDriver == queue.DriverStdio || strings.TrimSpace(*queueBrokers) != "" {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()

		publisher, err = depositevent.NewPublisher(producer, depositevent.Topics{
			DepositCreated: *createdTopic,
			SweepCompleted: *sweptTopic,
		})
		if err != nil {
			log.Error("init event publisher", "err", err)
			os.Exit(2)
		}
		log.Info("deposit events enabled", "queueDriver", *queueDriver, "createdTopic", *createdTopic)
	}

	var created deposit.CreatedNotifier
	var completed sweep.CompletedNotifier
	if publisher != nil {
		created, completed = publisher, publisher
	}

	issuer, err := deposit.NewIssuer(contracts.Deriver(), store, store, created, log)
	if err != nil {
		log.Error("init issuer", "err", err)
		os.Exit(2)
	}

	var (
		runner  sweep.Runner
		proxies depositapi.ProxyChecker
	)
	if sweepFlags.Enabled() {
		startupCtx, cancelStartup := context.WithTimeout(ctx, 30*time.Second)
		svc, closeRPC, err := sweepsvc.Dial(startupCtx, sweepFlags, sweepsvc.Deps{
			Contracts: contracts,
			Ledger:    store,
			Leases:    leaseStore,
			Events:    completed,
		}, log)
		cancelStartup()
		if err != nil {
			log.Error("init sweeper", "err", err)
			os.Exit(2)
		}
		defer closeRPC()
		runner = boundedRunner{runner: svc.Sweeper, timeout: sweepFlags.SweepTimeout}
		proxies = svc.Gateway
	}

	handler, err := depositapi.NewHandler(depositapi.Config{
		Contracts:               contracts,
		Proxies:                 proxies,
		ServiceVersion:          version,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	}, issuer, store, runner, log)
	if err != nil {
		log.Error("init deposit api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      sweepFlags.SweepTimeout + 30*time.Second,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("deposit-api listening", "addr", *listenAddr, "store", *storeDriver, "sweeps", runner != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// boundedRunner caps an on-demand sweep so a stuck RPC cannot pin a request
// forever.
type boundedRunner struct {
	runner  sweep.Runner
	timeout time.Duration
}

func (b boundedRunner) Run(ctx context.Context) (sweep.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.runner.Run(ctx)
}
