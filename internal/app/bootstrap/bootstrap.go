// Package bootstrap opens the configured nodes and prepares their cluster tables.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nuid"

	"github.com/shardq/project/internal/cluster/simple"
	"github.com/shardq/project/internal/clusterdb"
	"github.com/shardq/project/internal/discovery"
	"github.com/shardq/project/internal/platform/config"
	"github.com/shardq/project/internal/platform/dbpool"
	"github.com/shardq/project/internal/platform/env"
	"github.com/shardq/project/internal/queue"
	"github.com/shardq/project/internal/schema"
)

// LoadConfig reads NODES_CONFIG when set, otherwise builds the node list from
// DATABASE_URLS (comma separated) or DATABASE_URL.
func LoadConfig() (config.Config, error) {
	if path := env.String("NODES_CONFIG", ""); path != "" {
		return config.Load(path)
	}
	urls := env.List("DATABASE_URLS", []string{env.String("DATABASE_URL", env.DefaultDatabaseURL)})
	cfg := config.FromURLs(urls)
	cfg.ShardTableNode = schema.ServerID(env.String("SHARD_TABLE_NODE", ""))
	cfg.RefreshInterval = env.Duration("TOPOLOGY_REFRESH_INTERVAL", cfg.RefreshInterval)
	cfg.ProbeTimeout = env.Duration("NODE_PROBE_TIMEOUT", cfg.ProbeTimeout)
	cfg.BootstrapShards = env.Bool("BOOTSTRAP_SHARDS", false)
	cfg.Queues = env.List("QUEUES", nil)
	cfg.Standalone = env.Bool("STANDALONE", false)
	return cfg, cfg.Validate()
}

// Pools are the open connection pools of the configured nodes.
type Pools struct {
	Candidates []discovery.Candidate
	pools      []*pgxpool.Pool
}

func (p *Pools) Close() {
	for _, pool := range p.pools {
		pool.Close()
	}
}

// Open creates one pool per configured node and waits until each answers. A node that
// stays unreachable is kept as a candidate; discovery picks it up once it is back.
func Open(ctx context.Context, cfg config.Config, wait time.Duration, log *slog.Logger) (*Pools, error) {
	p := &Pools{}
	for _, node := range cfg.Nodes {
		pool, err := dbpool.New(ctx, node.DatabaseURL)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("open %s: %w", node.Name, err)
		}
		p.pools = append(p.pools, pool)
		p.Candidates = append(p.Candidates, discovery.Candidate{Name: node.Name, DB: pool})

		if err := dbpool.WaitReady(ctx, pool, wait, func(err error) {
			log.Info("waiting for postgres readiness", slog.String("node", node.Name), slog.Any("error", err))
		}); err != nil {
			log.Warn("node not ready, continuing", slog.String("node", node.Name), slog.Any("error", err))
		}
	}
	return p, nil
}

// PrepareNode creates the cluster tables on one node, registers its identity in a
// random clustered bucket and creates the queue tables inside the node's identifier range.
func PrepareNode(ctx context.Context, db dbpool.DB, queues []queue.Queue, rng schema.Rand) (schema.NodeInfo, error) {
	return prepare(ctx, db, queues, schema.RandomBucket(rng), true)
}

// PrepareStandalone registers a node that runs without a shard table in
// schema.NotClusteredBucket and creates its queue tables.
func PrepareStandalone(ctx context.Context, db dbpool.DB, queues []queue.Queue) (schema.NodeInfo, error) {
	return prepare(ctx, db, queues, schema.NotClusteredBucket, false)
}

func prepare(ctx context.Context, db dbpool.DB, queues []queue.Queue, bucket int, clustered bool) (schema.NodeInfo, error) {
	nodes := clusterdb.NewNodeTable(db)
	if err := nodes.EnsureSchema(ctx); err != nil {
		return schema.NodeInfo{}, err
	}
	info, err := nodes.Register(ctx, nuid.Next, bucket)
	if err != nil {
		return schema.NodeInfo{}, err
	}
	if clustered {
		if err := clusterdb.NewShardTable(db).EnsureSchema(ctx); err != nil {
			return schema.NodeInfo{}, err
		}
	}
	for _, q := range queues {
		if err := queue.EnsureSchema(ctx, db, q, info); err != nil {
			return schema.NodeInfo{}, err
		}
	}
	return info, nil
}

// PrepareAll runs PrepareNode on every candidate. Failing nodes are logged and skipped.
func PrepareAll(ctx context.Context, candidates []discovery.Candidate, queues []queue.Queue, rng schema.Rand, log *slog.Logger) []schema.NodeInfo {
	var infos []schema.NodeInfo
	prepareEach(candidates, log, func(c discovery.Candidate) (schema.NodeInfo, error) {
		return PrepareNode(ctx, c.DB, queues, rng)
	}, func(_ discovery.Candidate, info schema.NodeInfo) {
		infos = append(infos, info)
	})
	return infos
}

// PrepareAllStandalone runs PrepareStandalone on every candidate and returns the
// nodes that are ready to serve. Failing nodes are logged and skipped.
func PrepareAllStandalone(ctx context.Context, candidates []discovery.Candidate, queues []queue.Queue, log *slog.Logger) []simple.Node {
	var nodes []simple.Node
	prepareEach(candidates, log, func(c discovery.Candidate) (schema.NodeInfo, error) {
		return PrepareStandalone(ctx, c.DB, queues)
	}, func(c discovery.Candidate, info schema.NodeInfo) {
		if info.Bucket != schema.NotClusteredBucket {
			log.Warn("node was registered for a cluster",
				slog.String("node", c.Name),
				slog.Int("bucket", info.Bucket),
			)
		}
		nodes = append(nodes, simple.Node{ServerID: info.ServerID, DB: c.DB})
	})
	return nodes
}

func prepareEach(
	candidates []discovery.Candidate,
	log *slog.Logger,
	prepare func(discovery.Candidate) (schema.NodeInfo, error),
	ready func(discovery.Candidate, schema.NodeInfo),
) {
	for _, c := range candidates {
		info, err := prepare(c)
		if err != nil {
			log.Warn("node preparation failed", slog.String("node", c.Name), slog.Any("error", err))
			continue
		}
		log.Info("node ready",
			slog.String("node", c.Name),
			slog.String("server_id", info.ServerID.String()),
			slog.Int("bucket", info.Bucket),
		)
		ready(c, info)
	}
}

func Queues(names []string) ([]queue.Queue, error) {
	out := make([]queue.Queue, 0, len(names))
	for _, name := range names {
		q, err := queue.New(name)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// FillShards fills the shard table on the node it is read from: pinned when given,
// otherwise the lowest ready server id.
func FillShards(ctx context.Context, nodes *discovery.Nodes, pinned schema.ServerID, rng schema.Rand) (schema.ServerID, error) {
	ids := nodes.IDs()
	if len(ids) == 0 {
		return schema.NoServerID, errors.New("fill shards: no ready nodes")
	}
	target := pinned
	if target == schema.NoServerID {
		target = slices.Min(ids)
	}
	db, ok := nodes.Get(target)
	if !ok {
		return schema.NoServerID, fmt.Errorf("fill shards: node %s is not ready", target)
	}
	return target, clusterdb.NewShardTable(db).Fill(ctx, ids, rng)
}
