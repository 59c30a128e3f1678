package cluster

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/shardq/project/internal/platform/dbpool"
	"github.com/shardq/project/internal/queue"
	"github.com/shardq/project/internal/schema"
	"github.com/shardq/project/internal/sharding"
)

type (
	ProducerFactory       func(db dbpool.DB, serverID schema.ServerID) queue.Producer
	ActiveConsumerFactory func(db dbpool.DB, serverID schema.ServerID, shards sharding.Shards) queue.Consumer
	NodeConsumerFactory   func(db dbpool.DB, serverID schema.ServerID) queue.Consumer
)

type stateOptions struct {
	rng     schema.Rand
	log     *slog.Logger
	metrics Metrics
}

type StateOption func(*stateOptions)

// WithRand sets the random source used for node selection. It is called from every
// goroutine that routes through the State, so it must be safe for concurrent use.
func WithRand(rng schema.Rand) StateOption {
	return func(o *stateOptions) { o.rng = rng }
}

func WithLogger(log *slog.Logger) StateOption {
	return func(o *stateOptions) { o.log = log }
}

func WithMetrics(m Metrics) StateOption {
	return func(o *stateOptions) { o.metrics = m }
}

func buildStateOptions(opts []StateOption) stateOptions {
	o := stateOptions{
		rng:     schema.DefaultRand(),
		log:     slog.New(slog.DiscardHandler),
		metrics: NopMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// State is an immutable view of the cluster: the registered nodes and the shard table.
// A topology change builds a new State; nothing in a State is ever updated in place.
//
// Derived views are computed on first use and kept for the life of the State.
// Concurrent first readers may compute the same view twice; one copy wins.
type State struct {
	nodes  map[schema.ServerID]dbpool.DB
	shards map[int]sharding.Shard
	opts   stateOptions

	nodeIDs              atomic.Pointer[[]schema.ServerID]
	activeProducerNodes  atomic.Pointer[[]schema.ServerID]
	activeConsumerNodes  atomic.Pointer[[]schema.ServerID]
	consumerNodeToShards atomic.Pointer[map[schema.ServerID]sharding.Shards]
	shardToConsumerNode  atomic.Pointer[map[int]schema.ServerID]

	producers       routes[queue.Producer]
	activeConsumers routes[queue.Consumer]
	allConsumers    routes[queue.Consumer]
}

// NewState copies nodes and shards, so callers may reuse their maps.
func NewState(nodes map[schema.ServerID]dbpool.DB, shards map[int]sharding.Shard, opts ...StateOption) *State {
	return &State{
		nodes:  maps.Clone(nodes),
		shards: maps.Clone(shards),
		opts:   buildStateOptions(opts),
	}
}

// NotInitialized is the State used before the first topology read.
func NotInitialized(opts ...StateOption) *State {
	return NewState(nil, nil, opts...)
}

func (s *State) Initialized() bool {
	return len(s.nodes) > 0 || len(s.shards) > 0
}

func memo[T any](p *atomic.Pointer[T], compute func() T) T {
	if v := p.Load(); v != nil {
		return *v
	}
	v := compute()
	p.CompareAndSwap(nil, &v)
	return *p.Load()
}

// Nodes returns the registered server ids, sorted.
func (s *State) Nodes() []schema.ServerID {
	return memo(&s.nodeIDs, func() []schema.ServerID {
		return slices.Sorted(maps.Keys(s.nodes))
	})
}

func (s *State) Shard(number int) (sharding.Shard, bool) {
	shard, ok := s.shards[number]
	return shard, ok
}

func (s *State) ShardCount() int {
	return len(s.shards)
}

// ActiveProducerNodes are registered nodes that produce for at least one shard.
// Nodes that only appear as a migration source are left out.
func (s *State) ActiveProducerNodes() []schema.ServerID {
	return memo(&s.activeProducerNodes, func() []schema.ServerID {
		seen := make(map[schema.ServerID]struct{})
		for _, shard := range s.shards {
			if _, ok := s.nodes[shard.ProducerNode()]; ok {
				seen[shard.ProducerNode()] = struct{}{}
			}
		}
		return slices.Sorted(maps.Keys(seen))
	})
}

// ActiveConsumerNodes are registered nodes that currently serve reads of at least one shard.
// A shard in hand-off has no consumer node and makes no node active.
func (s *State) ActiveConsumerNodes() []schema.ServerID {
	return memo(&s.activeConsumerNodes, func() []schema.ServerID {
		return slices.Sorted(maps.Keys(s.consumerShards()))
	})
}

// ShardsOf returns the shards serverID currently serves reads for.
func (s *State) ShardsOf(serverID schema.ServerID) sharding.Shards {
	return s.consumerShards()[serverID]
}

func (s *State) consumerShards() map[schema.ServerID]sharding.Shards {
	return memo(&s.consumerNodeToShards, func() map[schema.ServerID]sharding.Shards {
		result := make(map[schema.ServerID]sharding.Shards)
		for number, shard := range s.shards {
			consumer, ok := shard.ConsumerNode()
			if !ok {
				continue
			}
			if _, registered := s.nodes[consumer]; !registered {
				continue
			}
			result[consumer] = append(result[consumer], number)
		}
		for _, owned := range result {
			slices.Sort(owned)
		}
		return result
	})
}

func (s *State) shardOwners() map[int]schema.ServerID {
	return memo(&s.shardToConsumerNode, func() map[int]schema.ServerID {
		result := make(map[int]schema.ServerID)
		for node, owned := range s.consumerShards() {
			for _, shard := range owned {
				result[shard] = node
			}
		}
		return result
	})
}

// OwnerOf returns the active consumer node of a shard.
func (s *State) OwnerOf(shard int) (schema.ServerID, bool) {
	node, ok := s.shardOwners()[shard]
	return node, ok
}

func (s *State) randomOf(ids []schema.ServerID) schema.ServerID {
	return ids[s.opts.rng.IntN(len(ids))]
}

// Producer returns the producer for shard. Writes go to the shard's producer node when
// it is registered. Otherwise they go to a random active producer node, and failing
// that to any registered node. The only error is ErrNoNodes.
func (s *State) Producer(producerID string, shard int, makeProducer ProducerFactory) (queue.Producer, error) {
	serverID, err := s.producerNode(shard)
	if err != nil {
		return nil, err
	}
	return s.producerOn(producerID, serverID, makeProducer), nil
}

func (s *State) producerNode(shard int) (schema.ServerID, error) {
	if len(s.nodes) == 0 {
		return schema.NoServerID, ErrNoNodes
	}

	assigned, known := s.shards[shard]
	serverID := assigned.ProducerNode()
	if _, registered := s.nodes[serverID]; known && registered {
		return serverID, nil
	}

	reason := "node_missing"
	if !known {
		reason = "unknown_shard"
	}
	if active := s.ActiveProducerNodes(); len(active) > 0 {
		serverID = s.randomOf(active)
	} else {
		serverID = s.randomOf(s.Nodes())
	}
	s.opts.metrics.ProducerFallback(reason)
	s.opts.log.Warn("producer node unavailable, using fallback",
		slog.Int("shard", shard),
		slog.String("assigned", assigned.ProducerNode().String()),
		slog.String("server_id", serverID.String()),
		slog.String("reason", reason),
	)
	return serverID, nil
}

func (s *State) producerOn(producerID string, serverID schema.ServerID, makeProducer ProducerFactory) queue.Producer {
	db := s.nodes[serverID]
	return s.producers.get(producerID, serverID, func() queue.Producer {
		return makeProducer(db, serverID)
	})
}

// ActiveConsumer returns a consumer of a random active consumer node, bound to the
// shards that node serves. ok is false when no node serves any shard; callers should
// retry later.
func (s *State) ActiveConsumer(consumerID string, makeConsumer ActiveConsumerFactory) (queue.Consumer, bool) {
	active := s.ActiveConsumerNodes()
	if len(active) == 0 {
		s.opts.metrics.ActiveConsumerUnavailable()
		return nil, false
	}

	serverID := s.randomOf(active)
	db := s.nodes[serverID]
	owned := s.ShardsOf(serverID)
	return s.activeConsumers.get(consumerID, serverID, func() queue.Consumer {
		return makeConsumer(db, serverID, owned)
	}), true
}

// Consumer returns a consumer of one named node, whatever shards it serves.
func (s *State) Consumer(consumerID string, serverID schema.ServerID, makeConsumer NodeConsumerFactory) (queue.Consumer, error) {
	db, ok := s.nodes[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, serverID)
	}
	return s.allConsumers.get(consumerID, serverID, func() queue.Consumer {
		return makeConsumer(db, serverID)
	}), nil
}

// Consumers returns one consumer per registered node, ordered by server id.
func (s *State) Consumers(consumerID string, makeConsumer NodeConsumerFactory) []queue.Consumer {
	ids := s.Nodes()
	result := make([]queue.Consumer, 0, len(ids))
	for _, serverID := range ids {
		db := s.nodes[serverID]
		result = append(result, s.allConsumers.get(consumerID, serverID, func() queue.Consumer {
			return makeConsumer(db, serverID)
		}))
	}
	return result
}

// MapShardsToNodes groups items by the active consumer node of their shard.
// Items whose shard has no active consumer are grouped under schema.NoServerID.
func MapShardsToNodes[T any](s *State, items []T, shardOf func(T) int) map[schema.ServerID][]T {
	owners := s.shardOwners()
	result := make(map[schema.ServerID][]T)
	for _, item := range items {
		node, ok := owners[shardOf(item)]
		if !ok {
			node = schema.NoServerID
		}
		result[node] = append(result[node], item)
	}
	return result
}
