package simple

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/shardq/project/internal/queue"
	"github.com/shardq/project/internal/schema"
	"github.com/shardq/project/internal/sharding"
)

// Queue reads and writes one queue over every node of a Provider.
type Queue struct {
	provider *Provider
	q        queue.Queue
}

var (
	_ queue.Producer = (*Queue)(nil)
	_ queue.Consumer = (*Queue)(nil)
)

func (p *Provider) Queue(q queue.Queue) *Queue {
	return &Queue{provider: p, q: q}
}

// Send sets the Shard of every message from its key, or picks a random one, and
// writes it through ShardProducer. Ids come back in input order; on failure the
// ids of groups already written are returned with the error.
func (s *Queue) Send(ctx context.Context, messages []queue.SendMessage) ([]queue.ID, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	n := s.provider.Len()

	type group struct {
		positions []int
		messages  []queue.SendMessage
	}
	var order []int
	groups := make(map[int]*group)
	for i, m := range messages {
		if m.Key != "" {
			m.Shard = sharding.ForKey(m.Key)
		} else {
			m.Shard = sharding.Random(s.provider.rng)
		}
		node := m.Shard % n
		g, ok := groups[node]
		if !ok {
			g = &group{}
			groups[node] = g
			order = append(order, node)
		}
		g.positions = append(g.positions, i)
		g.messages = append(g.messages, m)
	}

	ids := make([]queue.ID, len(messages))
	for _, node := range order {
		g := groups[node]
		sent, err := s.provider.ShardProducer(s.q, g.messages[0].Shard).Send(ctx, g.messages)
		for j, id := range sent {
			ids[g.positions[j]] = id
		}
		if err != nil {
			return ids, fmt.Errorf("send to %s: %w", s.provider.nodes[node].ServerID, err)
		}
	}
	return ids, nil
}

// Receive reads from a random node.
func (s *Queue) Receive(ctx context.Context, limit int, opts queue.ReceiveOptions) ([]queue.Message, error) {
	return s.provider.Consumer(s.q).Receive(ctx, limit, opts)
}

// ReceiveShard reads from the node that messages of shard are written to, or
// from a random node once in RandomConsumerOdds calls.
func (s *Queue) ReceiveShard(ctx context.Context, shard, limit int, opts queue.ReceiveOptions) ([]queue.Message, error) {
	return s.provider.ShardConsumer(s.q, shard).Receive(ctx, limit, opts)
}

// Delete removes ids on the nodes that produced them. Ids of unknown nodes are an
// error; the other nodes are still served.
func (s *Queue) Delete(ctx context.Context, ids []queue.ID) (int, error) {
	groups := make(map[schema.ServerID][]queue.ID)
	for _, id := range ids {
		groups[id.ServerID] = append(groups[id.ServerID], id)
	}

	var (
		total int
		errs  []error
	)
	for _, serverID := range slices.Sorted(maps.Keys(groups)) {
		n, err := s.deleteOn(ctx, serverID, groups[serverID])
		if err != nil {
			s.provider.log.Warn("delete failed",
				slog.String("queue", s.q.Name),
				slog.String("server_id", serverID.String()),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("delete on %s: %w", serverID, err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

func (s *Queue) deleteOn(ctx context.Context, serverID schema.ServerID, ids []queue.ID) (int, error) {
	consumer, err := s.provider.NodeConsumer(s.q, serverID)
	if err != nil {
		return 0, err
	}
	return consumer.Delete(ctx, ids)
}

// Sweep runs the expiry sweep on every node.
func (s *Queue) Sweep(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, consumer := range s.provider.consumersOf(s.q) {
		n, err := consumer.Sweep(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}
