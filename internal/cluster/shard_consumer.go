package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/nats-io/nuid"

	"github.com/shardq/project/internal/platform/dbpool"
	"github.com/shardq/project/internal/queue"
	"github.com/shardq/project/internal/schema"
	"github.com/shardq/project/internal/sharding"
)

// ActiveConsumers builds an ActiveConsumerFactory reading q from the given shards only.
func ActiveConsumers(q queue.Queue) ActiveConsumerFactory {
	return func(db dbpool.DB, serverID schema.ServerID, shards sharding.Shards) queue.Consumer {
		return queue.NewNodeConsumer(db, q, serverID, shards)
	}
}

// NodeConsumers builds a NodeConsumerFactory reading q from every shard of a node.
func NodeConsumers(q queue.Queue) NodeConsumerFactory {
	return func(db dbpool.DB, serverID schema.ServerID) queue.Consumer {
		return queue.NewNodeConsumer(db, q, serverID, nil)
	}
}

// ShardConsumer reads a queue following the shard table: each Receive goes to one
// active consumer node and only sees the shards that node serves.
type ShardConsumer struct {
	id         string
	source     StateSource
	makeActive ActiveConsumerFactory
	makeNode   NodeConsumerFactory
	log        *slog.Logger
}

var _ queue.Consumer = (*ShardConsumer)(nil)

// NewShardConsumer takes the same options as NewProducer. Only WithLogger is used:
// node selection and routing metrics belong to the State the source hands out.
func NewShardConsumer(source StateSource, q queue.Queue, opts ...StateOption) *ShardConsumer {
	o := buildStateOptions(opts)
	return &ShardConsumer{
		id:         q.Name + "/" + nuid.Next(),
		source:     source,
		makeActive: ActiveConsumers(q),
		makeNode:   NodeConsumers(q),
		log:        o.log,
	}
}

func (c *ShardConsumer) ID() string { return c.id }

// Receive returns no messages while no node serves any shard, for example during
// start up or while every shard is being handed over.
func (c *ShardConsumer) Receive(ctx context.Context, limit int, opts queue.ReceiveOptions) ([]queue.Message, error) {
	consumer, ok := c.source.State().ActiveConsumer(c.id, c.makeActive)
	if !ok {
		return nil, nil
	}
	return consumer.Receive(ctx, limit, opts)
}

// Delete removes ids on the nodes that produced them. Unlike the facade Consumer, an
// id of a node missing from the State is an error; the other nodes are still served.
func (c *ShardConsumer) Delete(ctx context.Context, ids []queue.ID) (int, error) {
	groups := make(map[schema.ServerID][]queue.ID)
	for _, id := range ids {
		groups[id.ServerID] = append(groups[id.ServerID], id)
	}
	return c.deleteGroups(ctx, c.source.State(), groups)
}

// DeleteMessages deletes received messages on the node that serves their shard, where
// a moved shard's rows live. Messages of shards without an active consumer are deleted
// on the node that produced them.
func (c *ShardConsumer) DeleteMessages(ctx context.Context, messages []queue.Message) (int, error) {
	state := c.source.State()
	byNode := MapShardsToNodes(state, messages, func(m queue.Message) int { return m.Shard })

	groups := make(map[schema.ServerID][]queue.ID)
	for serverID, owned := range byNode {
		for _, m := range owned {
			target := serverID
			if target == schema.NoServerID {
				target = m.ID.ServerID
			}
			groups[target] = append(groups[target], m.ID)
		}
	}
	return c.deleteGroups(ctx, state, groups)
}

func (c *ShardConsumer) deleteGroups(ctx context.Context, state *State, groups map[schema.ServerID][]queue.ID) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, serverID := range slices.Sorted(maps.Keys(groups)) {
		n, err := c.deleteOn(ctx, state, serverID, groups[serverID])
		if err != nil {
			c.log.Warn("delete failed",
				slog.String("consumer_id", c.id),
				slog.String("server_id", serverID.String()),
				slog.Int("ids", len(groups[serverID])),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("delete on %s: %w", serverID, err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

func (c *ShardConsumer) deleteOn(ctx context.Context, state *State, serverID schema.ServerID, ids []queue.ID) (int, error) {
	consumer, err := state.Consumer(c.id, serverID, c.makeNode)
	if err != nil {
		return 0, err
	}
	return consumer.Delete(ctx, ids)
}

// Sweep runs the expiry sweep on every node of the State.
func (c *ShardConsumer) Sweep(ctx context.Context) (int, error) {
	return sweepAll(ctx, c.source.State().Consumers(c.id, c.makeNode))
}
