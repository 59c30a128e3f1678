package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shardq/project/internal/app/admin"
	"github.com/shardq/project/internal/app/bootstrap"
	"github.com/shardq/project/internal/cluster"
	"github.com/shardq/project/internal/contracts"
	"github.com/shardq/project/internal/discovery"
	"github.com/shardq/project/internal/messaging"
	"github.com/shardq/project/internal/platform/auth"
	"github.com/shardq/project/internal/platform/env"
	"github.com/shardq/project/internal/platform/metrics"
	"github.com/shardq/project/internal/platform/natsutil"
	"github.com/shardq/project/internal/schema"
)

func main() {
	log := slog.Default()
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("ADMIN_ADDR", env.DefaultAdminAddr)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)
	tokenSecret := env.String("ADMIN_TOKEN_SECRET", "")

	// cluster-admin token <operator> [scope...] prints a signed operator token.
	if len(os.Args) > 1 && os.Args[1] == "token" {
		printToken(log, tokenSecret, os.Args[2:])
		return
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		fatal(log, "load config", err)
	}
	if cfg.Standalone {
		fatal(log, "load config", errors.New("standalone nodes have no topology to administer"))
	}
	queues, err := bootstrap.Queues(cfg.Queues)
	if err != nil {
		fatal(log, "queue config", err)
	}

	pools, err := bootstrap.Open(runCtx, cfg, 30*time.Second, log)
	if err != nil {
		fatal(log, "open nodes", err)
	}
	defer pools.Close()

	rng := schema.DefaultRand()
	bootstrap.PrepareAll(runCtx, pools.Candidates, queues, rng, log)

	registry := discovery.NewRegistry(discovery.RegistryOptions{
		Candidates:   pools.Candidates,
		ProbeTimeout: cfg.ProbeTimeout,
		Log:          log,
	})
	nodes, err := registry.Refresh(runCtx)
	if err != nil {
		fatal(log, "discover nodes", err)
	}

	client, err := natsutil.ConnectWithRetry(env.String("NATS_URL", env.DefaultNATSURL), "cluster-admin", 20*time.Second)
	if err != nil {
		log.Warn("nats unavailable, topology notifications disabled", slog.Any("error", err))
	}
	defer client.Close()
	publisher := client.Publisher()

	if cfg.BootstrapShards {
		target, err := bootstrap.FillShards(runCtx, nodes, cfg.ShardTableNode, rng)
		if err != nil {
			fatal(log, "fill shard table", err)
		}
		log.Info("shard table filled", slog.String("server_id", target.String()), slog.Int("nodes", nodes.Len()))
		notify(log, publisher, contracts.TopologyChanged{ServerID: target.String(), Reason: contracts.ReasonShardsFilled, Nodes: nodes.Len()})
	}

	reg := metrics.NewRegistry()
	c := cluster.New(cluster.Options{
		Provider:       registry,
		ShardTableNode: cfg.ShardTableNode,
		State: []cluster.StateOption{
			cluster.WithLogger(log),
			cluster.WithMetrics(metrics.NewRoutingMetrics(reg)),
		},
	})
	if _, err := c.Refresh(runCtx); err != nil {
		log.Warn("initial cluster state not loaded", slog.Any("error", err))
	}

	refresh := make(chan struct{}, 1)
	if client != nil {
		sub, err := messaging.SubscribeTopology(client.Conn, log, func(event contracts.TopologyChanged) {
			log.Debug("topology notification", slog.String("reason", event.Reason), slog.String("event_id", event.EventID))
			select {
			case refresh <- struct{}{}:
			default:
			}
		})
		if err != nil {
			fatal(log, "subscribe topology", err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}
	go refreshLoop(runCtx, log, registry, c, publisher, cfg.RefreshInterval, refresh)

	handler := admin.NewHandler(c, registry, publisher, metrics.Handler(reg), log)
	if tokenSecret != "" {
		signer := auth.NewSigner(tokenSecret, time.Hour)
		handler.Tokens = &signer
	} else {
		log.Warn("ADMIN_TOKEN_SECRET not set, admin API is open")
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("cluster admin listening", slog.String("addr", addr))
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		fatal(log, "http server", err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("cluster admin graceful shutdown failed", slog.Any("error", err))
	}
}

// refreshLoop re-probes the nodes and reloads the shard table on every tick and on
// every topology notification.
func refreshLoop(
	ctx context.Context,
	log *slog.Logger,
	registry *discovery.Registry,
	c *cluster.Cluster,
	publisher natsutil.Publisher,
	interval time.Duration,
	notified <-chan struct{},
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-notified:
		}

		before := registry.ReadyToReceive()
		nodes, err := registry.Refresh(ctx)
		if err != nil {
			log.Error("node discovery failed", slog.Any("error", err))
			continue
		}
		if _, err := c.Refresh(ctx); err != nil {
			log.Warn("cluster state refresh failed", slog.Any("error", err))
			continue
		}
		if nodes != before {
			notify(log, publisher, contracts.TopologyChanged{Reason: contracts.ReasonNodesChanged, Nodes: nodes.Len()})
		}
	}
}

func notify(log *slog.Logger, publisher natsutil.Publisher, event contracts.TopologyChanged) {
	if err := messaging.PublishTopologyChanged(publisher, event); err != nil {
		log.Warn("topology notification failed", slog.Any("error", err))
	}
}

func printToken(log *slog.Logger, secret string, args []string) {
	if secret == "" || len(args) == 0 {
		fatal(log, "usage: ADMIN_TOKEN_SECRET=... cluster-admin token <operator> [scope...]", errors.New("missing secret or operator"))
	}
	scopes := args[1:]
	if len(scopes) == 0 {
		scopes = []string{auth.ScopeRead}
	}
	token, err := auth.NewSigner(secret, env.Duration("ADMIN_TOKEN_TTL", 24*time.Hour)).Sign(args[0], scopes...)
	if err != nil {
		fatal(log, "sign token", err)
	}
	fmt.Println(token)
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, slog.Any("error", err))
	os.Exit(1)
}
