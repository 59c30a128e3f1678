package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/shardq/project/internal/clusterdb"
	"github.com/shardq/project/internal/discovery"
	"github.com/shardq/project/internal/platform/dbpool"
	"github.com/shardq/project/internal/schema"
	"github.com/shardq/project/internal/sharding"
)

// ShardReader loads the shard table from one node.
type ShardReader func(ctx context.Context, db dbpool.DB) (map[int]sharding.Shard, error)

type Options struct {
	Provider discovery.Provider
	// ShardTableNode pins the node the shard table is read from. When empty, the
	// ready nodes are tried in server id order.
	ShardTableNode schema.ServerID
	ReadShards     ShardReader
	State          []StateOption
}

// Cluster holds the current State and replaces it on Refresh.
type Cluster struct {
	provider       discovery.Provider
	shardTableNode schema.ServerID
	readShards     ShardReader
	stateOpts      []StateOption
	opts           stateOptions

	state   atomic.Pointer[State]
	refresh singleflight.Group
}

func New(opts Options) *Cluster {
	c := &Cluster{
		provider:       opts.Provider,
		shardTableNode: opts.ShardTableNode,
		readShards:     opts.ReadShards,
		stateOpts:      opts.State,
		opts:           buildStateOptions(opts.State),
	}
	if c.readShards == nil {
		c.readShards = clusterdb.ReadShards
	}
	c.state.Store(NotInitialized(c.stateOpts...))
	return c
}

// State returns the current snapshot. It never returns nil.
func (c *Cluster) State() *State {
	return c.state.Load()
}

// Refresh reads the shard table and publishes a new State over the ready nodes.
// Concurrent callers share one read. On failure the previous State stays in place.
func (c *Cluster) Refresh(ctx context.Context) (*State, error) {
	v, err, _ := c.refresh.Do("refresh", func() (any, error) {
		return c.load(ctx)
	})
	if err != nil {
		c.opts.metrics.StateUpdateFailed()
		return c.State(), err
	}
	return v.(*State), nil
}

func (c *Cluster) load(ctx context.Context) (*State, error) {
	nodes := c.provider.ReadyToReceive()
	if nodes.Len() == 0 {
		return nil, ErrNoNodes
	}

	shards, err := c.loadShards(ctx, nodes)
	if err != nil {
		return nil, err
	}

	next := NewState(nodes.Map(), shards, c.stateOpts...)
	c.state.Store(next)
	c.opts.metrics.StateUpdated(nodes.Len(), len(shards))
	c.opts.log.Info("cluster state updated",
		slog.Int("nodes", nodes.Len()),
		slog.Int("shards", len(shards)),
		slog.Int("active_consumers", len(next.ActiveConsumerNodes())),
	)
	return next, nil
}

func (c *Cluster) loadShards(ctx context.Context, nodes *discovery.Nodes) (map[int]sharding.Shard, error) {
	candidates := nodes.IDs()
	if c.shardTableNode != schema.NoServerID {
		if _, ok := nodes.Get(c.shardTableNode); !ok {
			return nil, fmt.Errorf("%w: shard table node %s is not ready", ErrShardTableUnavailable, c.shardTableNode)
		}
		candidates = []schema.ServerID{c.shardTableNode}
	}

	var errs []error
	for _, serverID := range candidates {
		db, _ := nodes.Get(serverID)
		shards, err := c.readShards(ctx, db)
		if err == nil {
			return shards, nil
		}
		c.opts.log.Warn("shard table read failed",
			slog.String("server_id", serverID.String()),
			slog.Any("error", err),
		)
		errs = append(errs, fmt.Errorf("%s: %w", serverID, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrShardTableUnavailable, errors.Join(errs...))
}

// Route is the routing of one key.
type Route struct {
	Key                string          `json:"key"`
	Shard              int             `json:"shard"`
	Producer           schema.ServerID `json:"producer,omitempty"`
	ProducerRegistered bool            `json:"producer_registered"`
	Consumer           schema.ServerID `json:"consumer,omitempty"`
	NextConsumer       schema.ServerID `json:"next_consumer,omitempty"`
}

// Routes resolves keys to their shard and nodes in the current State, one Route per
// key in input order.
func (c *Cluster) Routes(keys []string) []Route {
	state := c.State()
	routes := make([]Route, 0, len(keys))
	for _, key := range keys {
		r := Route{Key: key, Shard: sharding.ForKey(key)}
		if shard, ok := state.Shard(r.Shard); ok {
			r.Producer = shard.ProducerNode()
			_, r.ProducerRegistered = state.nodes[r.Producer]
			r.Consumer, _ = shard.ConsumerNode()
			r.NextConsumer, _ = shard.NextConsumerNode()
		}
		routes = append(routes, r)
	}
	return routes
}

// Topology is a JSON friendly summary of a State.
type Topology struct {
	Initialized     bool                    `json:"initialized"`
	Nodes           []schema.ServerID       `json:"nodes"`
	Shards          int                     `json:"shards"`
	ActiveProducers []schema.ServerID       `json:"active_producers"`
	ActiveConsumers []schema.ServerID       `json:"active_consumers"`
	OwnedShards     map[schema.ServerID]int `json:"owned_shards"`
	Migrating       []int                   `json:"migrating"`
}

func (c *Cluster) Describe() Topology {
	state := c.State()
	t := Topology{
		Initialized:     state.Initialized(),
		Nodes:           state.Nodes(),
		Shards:          state.ShardCount(),
		ActiveProducers: state.ActiveProducerNodes(),
		ActiveConsumers: state.ActiveConsumerNodes(),
		OwnedShards:     make(map[schema.ServerID]int),
		Migrating:       []int{},
	}
	for _, serverID := range t.ActiveConsumers {
		t.OwnedShards[serverID] = len(state.ShardsOf(serverID))
	}
	for number, shard := range state.shards {
		if shard.Migrating() {
			t.Migrating = append(t.Migrating, number)
		}
	}
	slices.Sort(t.Migrating)
	return t
}
