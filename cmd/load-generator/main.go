package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardq/project/internal/app/bootstrap"
	"github.com/shardq/project/internal/app/loadgen"
	"github.com/shardq/project/internal/cluster"
	"github.com/shardq/project/internal/cluster/simple"
	"github.com/shardq/project/internal/discovery"
	"github.com/shardq/project/internal/platform/config"
	"github.com/shardq/project/internal/platform/env"
	"github.com/shardq/project/internal/platform/metrics"
	"github.com/shardq/project/internal/queue"
	"github.com/shardq/project/internal/schema"
)

func main() {
	log := slog.Default()
	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if d := env.Duration("LOADGEN_DURATION", 10*time.Minute); d > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, d)
		defer cancel()
		ctx = timeoutCtx
	}

	q, err := queue.New(env.String("LOADGEN_QUEUE", "loadgen"))
	if err != nil {
		fatal(log, "queue", err)
	}
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		fatal(log, "load config", err)
	}

	pools, err := bootstrap.Open(ctx, cfg, env.Duration("LOADGEN_STARTUP_WAIT", 2*time.Minute), log)
	if err != nil {
		fatal(log, "open nodes", err)
	}
	defer pools.Close()

	reg := metrics.NewRegistry()
	var (
		producer queue.Producer
		consumer queue.Consumer
	)
	if cfg.Standalone {
		producer, consumer = standalone(ctx, log, pools, q)
	} else {
		producer, consumer = clustered(ctx, log, cfg, pools, q, reg)
	}

	runner, err := loadgen.NewRunner(loadgen.Config{
		Producers:        env.Int("LOADGEN_PRODUCERS", 4),
		Consumers:        env.Int("LOADGEN_CONSUMERS", 4),
		BatchesPerSecond: env.Float("LOADGEN_BATCHES_PER_SECOND", 5),
		BatchSize:        env.Int("LOADGEN_BATCH_SIZE", 20),
		Keys:             env.Int("LOADGEN_KEYS", 1000),
		ReceiveLimit:     env.Int("LOADGEN_RECEIVE_LIMIT", 100),
		RampUp:           env.Duration("LOADGEN_RAMP_UP", 10*time.Second),
		Payload:          []byte(env.String("LOADGEN_PAYLOAD", `{"hello":"world"}`)),
	}, producer, consumer, reg, log)
	if err != nil {
		fatal(log, "load generator config", err)
	}

	go runMetricsServer(log, env.String("LOADGEN_METRICS_ADDR", ":9099"), reg)
	go logProgress(ctx, log, runner)

	stats := runner.Run(ctx)
	log.Info("load test complete",
		slog.Int64("sent", stats.Sent),
		slog.Int64("received", stats.Received),
		slog.Int64("deleted", stats.Deleted),
		slog.Int64("errors", stats.Errors),
	)
}

// standalone spreads the load over every node by shard modulo, without a shard table.
func standalone(ctx context.Context, log *slog.Logger, pools *bootstrap.Pools, q queue.Queue) (queue.Producer, queue.Consumer) {
	nodes := bootstrap.PrepareAllStandalone(ctx, pools.Candidates, []queue.Queue{q}, log)
	provider, err := simple.New(nodes, simple.WithLogger(log))
	if err != nil {
		fatal(log, "standalone nodes", err)
	}
	sq := provider.Queue(q)
	return sq, sq
}

func clustered(ctx context.Context, log *slog.Logger, cfg config.Config, pools *bootstrap.Pools, q queue.Queue, reg *prometheus.Registry) (queue.Producer, queue.Consumer) {
	bootstrap.PrepareAll(ctx, pools.Candidates, []queue.Queue{q}, schema.DefaultRand(), log)

	registry := discovery.NewRegistry(discovery.RegistryOptions{
		Candidates:   pools.Candidates,
		ProbeTimeout: cfg.ProbeTimeout,
		Log:          log,
	})
	if _, err := registry.Refresh(ctx); err != nil {
		fatal(log, "discover nodes", err)
	}

	stateOpts := []cluster.StateOption{
		cluster.WithLogger(log),
		cluster.WithMetrics(metrics.NewRoutingMetrics(reg)),
	}
	c := cluster.New(cluster.Options{Provider: registry, ShardTableNode: cfg.ShardTableNode, State: stateOpts})
	if _, err := c.Refresh(ctx); err != nil {
		fatal(log, "load cluster state", err)
	}
	go refreshLoop(ctx, log, registry, c, cfg.RefreshInterval)

	var consumer queue.Consumer
	switch mode := env.String("LOADGEN_CONSUMER_MODE", "shard"); mode {
	case "shard":
		consumer = cluster.NewShardConsumer(c, q, stateOpts...)
	case "any":
		consumer = cluster.NewConsumer(registry, cluster.NodeConsumers(q), stateOpts...)
	default:
		fatal(log, "consumer mode", fmt.Errorf("unknown mode %q, want shard or any", mode))
	}
	return cluster.NewProducer(c, q, stateOpts...), consumer
}

func refreshLoop(ctx context.Context, log *slog.Logger, registry *discovery.Registry, c *cluster.Cluster, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := registry.Refresh(ctx); err != nil {
			log.Warn("node discovery failed", slog.Any("error", err))
			continue
		}
		if _, err := c.Refresh(ctx); err != nil {
			log.Warn("cluster state refresh failed", slog.Any("error", err))
		}
	}
}

func logProgress(ctx context.Context, log *slog.Logger, runner *loadgen.Runner) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := runner.Stats()
			log.Info("progress",
				slog.Int64("sent", s.Sent),
				slog.Int64("received", s.Received),
				slog.Int64("deleted", s.Deleted),
				slog.Int64("errors", s.Errors),
			)
		}
	}
}

func runMetricsServer(log *slog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil {
		log.Error("metrics server stopped", slog.Any("error", err))
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
