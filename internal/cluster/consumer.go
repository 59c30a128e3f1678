package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/shardq/project/internal/discovery"
	"github.com/shardq/project/internal/queue"
	"github.com/shardq/project/internal/schema"
)

// consumerSet is the per-node adapter map built from one discovery snapshot.
type consumerSet struct {
	source *discovery.Nodes
	ids    []schema.ServerID
	byID   map[schema.ServerID]queue.Consumer
}

// Consumer reads from whichever nodes discovery currently reports as ready.
// It does not use the shard table: any ready node may be read, and deletes follow
// the origin server id embedded in each message id.
type Consumer struct {
	provider     discovery.Provider
	makeConsumer NodeConsumerFactory
	opts         stateOptions

	current atomic.Pointer[consumerSet]
}

var _ queue.Consumer = (*Consumer)(nil)

func NewConsumer(provider discovery.Provider, makeConsumer NodeConsumerFactory, opts ...StateOption) *Consumer {
	return &Consumer{
		provider:     provider,
		makeConsumer: makeConsumer,
		opts:         buildStateOptions(opts),
	}
}

// consumers returns the adapters for the provider's current snapshot. A new snapshot
// pointer drops every adapter built for the previous one.
func (c *Consumer) consumers() *consumerSet {
	nodes := c.provider.ReadyToReceive()
	if set := c.current.Load(); set != nil && set.source == nodes {
		return set
	}

	set := &consumerSet{
		source: nodes,
		ids:    nodes.IDs(),
		byID:   make(map[schema.ServerID]queue.Consumer, nodes.Len()),
	}
	for serverID, db := range nodes.Map() {
		set.byID[serverID] = c.makeConsumer(db, serverID)
	}
	c.current.Store(set)

	c.opts.metrics.ConsumersRebuilt(len(set.ids))
	c.opts.log.Debug("consumer nodes rebuilt", slog.Int("nodes", len(set.ids)))
	return set
}

// Receive reads from one ready node picked at random. With no ready nodes it returns
// no messages.
func (c *Consumer) Receive(ctx context.Context, limit int, opts queue.ReceiveOptions) ([]queue.Message, error) {
	set := c.consumers()
	if len(set.ids) == 0 {
		return nil, nil
	}
	serverID := set.ids[c.opts.rng.IntN(len(set.ids))]
	return set.byID[serverID].Receive(ctx, limit, opts)
}

// Delete removes ids from the nodes that produced them and returns the total deleted.
// Ids whose origin node is not ready are skipped without error; such messages stay
// in their table until that node comes back or they expire. A failing node does not
// stop deletes on the others; its error is joined into the result.
func (c *Consumer) Delete(ctx context.Context, ids []queue.ID) (int, error) {
	set := c.consumers()

	groups := make(map[schema.ServerID][]queue.ID)
	for _, id := range ids {
		groups[id.ServerID] = append(groups[id.ServerID], id)
	}

	var (
		total int
		errs  []error
	)
	for _, serverID := range slices.Sorted(maps.Keys(groups)) {
		group := groups[serverID]
		consumer, ok := set.byID[serverID]
		if !ok {
			c.opts.metrics.DeleteSkipped(len(group))
			c.opts.log.Debug("delete skipped, node not ready",
				slog.String("server_id", serverID.String()),
				slog.Int("ids", len(group)),
			)
			continue
		}
		n, err := consumer.Delete(ctx, group)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete on %s: %w", serverID, err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// Sweep runs the expiry sweep on every ready node.
func (c *Consumer) Sweep(ctx context.Context) (int, error) {
	set := c.consumers()
	consumers := make([]queue.Consumer, 0, len(set.ids))
	for _, serverID := range set.ids {
		consumers = append(consumers, set.byID[serverID])
	}
	return sweepAll(ctx, consumers)
}

func sweepAll(ctx context.Context, consumers []queue.Consumer) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, consumer := range consumers {
		n, err := consumer.Sweep(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}
