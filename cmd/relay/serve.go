package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inbox-relay/internal/command"
	"inbox-relay/internal/config"
	"inbox-relay/internal/inbox"
	"inbox-relay/internal/kafka"
	"inbox-relay/internal/observability"
	"inbox-relay/internal/outbox"
	"inbox-relay/internal/queue"
	"inbox-relay/internal/server"
	"inbox-relay/internal/store"
	"inbox-relay/internal/users"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(load configLoader) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the inbox consumer, worker pool, recovery scheduler, outbox publisher and ops server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before starting")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, migrate bool) error {
	logger := observability.Component("relay")
	metrics := observability.NewPrometheusMetrics()
	holder := fmt.Sprintf("%s-%s", cfg.Service.Name, uuid.NewString()[:8])

	db, err := store.Connect(ctx, cfg.Database.DSN, store.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer store.Close(db)

	if migrate {
		if err := store.Migrate(ctx, db, observability.GetLogger()); err != nil {
			return err
		}
	}

	inboxStore := store.NewInboxStore(db, observability.Component("inbox-store"))
	outboxStore := store.NewOutboxStore(db, observability.Component("outbox-store"))

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:    cfg.Kafka.Brokers,
		Acks:       cfg.Kafka.ProducerAcks(),
		Retries:    cfg.Kafka.Retries,
		Idempotent: cfg.Kafka.Idempotent,
		MaxRetries: 3,
		Metrics:    metrics,
		Logger:     observability.Component("kafka-producer"),
	})
	defer producer.CloseGracefully(5 * time.Second)

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		Metrics: metrics,
		Logger:  observability.Component("kafka-consumer"),
	}, producer)
	defer consumer.Close()

	client := kafka.NewKafkaClient(cfg.Kafka.Brokers)

	registry := command.NewRegistry(observability.Component("command"))
	users.NewService(db, outboxStore, users.Config{
		Topic:  cfg.Kafka.OutboxTopic,
		Source: cfg.Service.Name,
		Logger: observability.Component("users"),
	}).Register(registry)

	jobs := inbox.JobPolicy{Attempts: cfg.Queue.MaxAttempts, Backoff: cfg.Queue.Backoff}

	receiver := inbox.NewConsumer(inboxStore, q, inbox.ConsumerConfig{
		Jobs:    jobs,
		Metrics: metrics,
		Logger:  observability.Component("inbox-consumer"),
	})
	worker := inbox.NewWorker(inboxStore, registry, inbox.WorkerConfig{
		MaxRetries: inbox.DefaultMaxRetries,
		Metrics:    metrics,
		Logger:     observability.Component("inbox-worker"),
	})
	pool := queue.NewPool(q, worker.Handle, queue.PoolConfig{
		Concurrency:  cfg.Queue.Concurrency,
		LockDuration: cfg.Queue.LockTimeout,
		Logger:       observability.Component("worker-pool"),
	})

	schedCfg := inbox.SchedulerConfig{
		PendingInterval: cfg.Scheduler.PendingInterval,
		StuckInterval:   cfg.Scheduler.StuckInterval,
		CleanupInterval: cfg.Scheduler.CleanupInterval,
		BatchSize:       cfg.Scheduler.BatchSize,
		StuckTimeout:    cfg.Scheduler.StuckTimeout,
		Retention:       cfg.Scheduler.Retention,
		MaxRetries:      inbox.DefaultMaxRetries,
		Jobs:            jobs,
		Holder:          holder,
		LeaseTTL:        cfg.Scheduler.LeaseTTL,
		Metrics:         metrics,
		Logger:          observability.Component("inbox-scheduler"),
	}
	outboxOpts := outbox.Options{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		Backoff: kafka.RetryPolicy{
			InitialBackoff: cfg.Outbox.Backoff,
			MaxBackoff:     cfg.Outbox.MaxBackoff,
			BackoffFactor:  2,
			Jitter:         true,
		},
		Retention:       cfg.Outbox.Retention,
		CleanupInterval: cfg.Outbox.CleanupInterval,
		DefaultTopic:    cfg.Kafka.OutboxTopic,
		Holder:          holder,
		Metrics:         metrics,
		Logger:          observability.Component("outbox-publisher"),
	}
	if cfg.Scheduler.LeaseEnabled {
		leases := store.NewLeaseStore(db)
		schedCfg.Leaser = leases
		outboxOpts.Leaser = leases
		defer releaseLeases(leases, holder)
	}
	scheduler := inbox.NewScheduler(inboxStore, q, schedCfg)

	ops := server.New(server.Config{
		Addr:        cfg.Ops.Addr,
		MetricsPath: cfg.Ops.MetricsPath,
		Checks: map[string]server.Check{
			"kafka":    client.HealthCheck,
			"postgres": func(ctx context.Context) error { return store.Ping(ctx, db) },
			"queue":    q.Ping,
		},
		Logger: observability.Component("ops-server"),
	})

	logger.WithField("holder", holder).Info("Relay starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ops.Run(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		client.HealthCheckLoop(gctx, 30*time.Second)
		return nil
	})
	if cfg.Outbox.Enabled {
		publisher := outbox.NewPublisher(outboxStore, producer, outboxOpts)
		g.Go(func() error { return publisher.Run(gctx) })
	}
	g.Go(func() error {
		return consumer.Subscribe(gctx, kafka.SubscribeOptions{
			Topic:         cfg.Kafka.InboxTopic,
			GroupID:       cfg.Kafka.GroupID,
			FromBeginning: cfg.Kafka.FromBegin,
			Mode:          kafka.Mode(cfg.Kafka.Mode),
			BatchSize:     cfg.Kafka.BatchSize,
			BatchTimeout:  cfg.Kafka.BatchTimeout,
			MaxRetries:    cfg.Kafka.MaxRetries,
			Service:       cfg.Service.Name,
		}, receiver.Handle)
	})

	err = g.Wait()
	logger.Info("Relay stopped")
	return err
}

func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	if cfg.Queue.Backend == "memory" {
		observability.Component("relay").Warn("Using in-memory queue, jobs are lost on restart")
		return queue.NewMemoryQueue(), nil
	}
	rdb, err := queue.NewRedisClient(ctx, queue.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	return queue.NewRedisQueue(rdb, cfg.Queue.Name, observability.Component("queue")), nil
}

func releaseLeases(leases *store.LeaseStore, holder string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, task := range []string{inbox.TaskPendingSweep, inbox.TaskStuckSweep, inbox.TaskCleanup, outbox.TaskPublish, outbox.TaskCleanup} {
		_ = leases.Release(ctx, task, holder)
	}
}
