package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nuid"

	"github.com/shardq/project/internal/platform/dbpool"
	"github.com/shardq/project/internal/queue"
	"github.com/shardq/project/internal/schema"
	"github.com/shardq/project/internal/sharding"
)

// StateSource hands out the current State. *Cluster implements it.
type StateSource interface {
	State() *State
}

// NodeProducers builds a ProducerFactory writing to q.
func NodeProducers(q queue.Queue) ProducerFactory {
	return func(db dbpool.DB, serverID schema.ServerID) queue.Producer {
		return queue.NewNodeProducer(db, q, serverID)
	}
}

// Producer writes to a queue across the cluster. Each message gets the shard of its
// key, or a random shard when it has none, and goes to that shard's producer node.
type Producer struct {
	id           string
	source       StateSource
	makeProducer ProducerFactory
	rng          schema.Rand
	log          *slog.Logger
}

var _ queue.Producer = (*Producer)(nil)

// NewProducer uses WithRand for keyless messages and WithLogger for send failures.
// Routing metrics are recorded by the State the source hands out, so WithMetrics is
// not used here.
func NewProducer(source StateSource, q queue.Queue, opts ...StateOption) *Producer {
	o := buildStateOptions(opts)
	return &Producer{
		id:           q.Name + "/" + nuid.Next(),
		source:       source,
		makeProducer: NodeProducers(q),
		rng:          o.rng,
		log:          o.log,
	}
}

func (p *Producer) ID() string { return p.id }

// Send overwrites the Shard of every message. Ids come back in input order. When a
// node fails, messages already sent to other nodes stay written and their ids are
// returned alongside the error, with zero ids in the failed positions.
func (p *Producer) Send(ctx context.Context, messages []queue.SendMessage) ([]queue.ID, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	state := p.source.State()

	type group struct {
		positions []int
		messages  []queue.SendMessage
	}
	var order []schema.ServerID
	groups := make(map[schema.ServerID]*group)

	for i, m := range messages {
		if m.Key != "" {
			m.Shard = sharding.ForKey(m.Key)
		} else {
			m.Shard = sharding.Random(p.rng)
		}
		serverID, err := state.producerNode(m.Shard)
		if err != nil {
			return nil, err
		}
		g, ok := groups[serverID]
		if !ok {
			g = &group{}
			groups[serverID] = g
			order = append(order, serverID)
		}
		g.positions = append(g.positions, i)
		g.messages = append(g.messages, m)
	}

	ids := make([]queue.ID, len(messages))
	for _, serverID := range order {
		g := groups[serverID]
		sent, err := state.producerOn(p.id, serverID, p.makeProducer).Send(ctx, g.messages)
		for j, id := range sent {
			ids[g.positions[j]] = id
		}
		if err != nil {
			p.log.Warn("send failed",
				slog.String("producer_id", p.id),
				slog.String("server_id", serverID.String()),
				slog.Int("messages", len(g.messages)),
				slog.Any("error", err),
			)
			return ids, fmt.Errorf("send to %s: %w", serverID, err)
		}
	}
	return ids, nil
}
