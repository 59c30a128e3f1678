// Package simple spreads queues over a fixed list of nodes that share no shard
// table. Nodes register in schema.NotClusteredBucket; a message id is only unique
// together with the server id of the node that produced it.
package simple

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shardq/project/internal/platform/dbpool"
	"github.com/shardq/project/internal/queue"
	"github.com/shardq/project/internal/schema"
)

// RandomConsumerOdds is the 1 in N chance that ShardConsumer ignores the shard and
// picks a random node, so that no node is starved of readers.
const RandomConsumerOdds = 20

var (
	ErrNoNodes       = errors.New("simple: no nodes")
	ErrDuplicateNode = errors.New("simple: duplicate server id")
	ErrUnknownNode   = errors.New("simple: unknown node")
)

type Node struct {
	ServerID schema.ServerID
	DB       dbpool.DB
}

type Option func(*Provider)

// WithRand sets the random source. It must be safe for concurrent use.
func WithRand(rng schema.Rand) Option {
	return func(p *Provider) { p.rng = rng }
}

func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// Provider hands out per-node producers and consumers. Delegates are built once
// per queue and reused.
type Provider struct {
	nodes []Node
	index map[schema.ServerID]int
	rng   schema.Rand
	log   *slog.Logger

	makeProducer func(Node, queue.Queue) queue.Producer
	makeConsumer func(Node, queue.Queue) queue.Consumer

	producers sync.Map // queue.Queue -> []queue.Producer
	consumers sync.Map // queue.Queue -> []queue.Consumer
}

func New(nodes []Node, opts ...Option) (*Provider, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	p := &Provider{
		nodes: append([]Node(nil), nodes...),
		index: make(map[schema.ServerID]int, len(nodes)),
		rng:   schema.DefaultRand(),
		log:   slog.New(slog.DiscardHandler),
		makeProducer: func(n Node, q queue.Queue) queue.Producer {
			return queue.NewNodeProducer(n.DB, q, n.ServerID)
		},
		makeConsumer: func(n Node, q queue.Queue) queue.Consumer {
			return queue.NewNodeConsumer(n.DB, q, n.ServerID, nil)
		},
	}
	for i, n := range nodes {
		if err := n.ServerID.Validate(); err != nil {
			return nil, err
		}
		if _, dup := p.index[n.ServerID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ServerID)
		}
		p.index[n.ServerID] = i
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Len() int { return len(p.nodes) }

// ShardProducer returns the producer of node shard % n. shard must not be negative.
func (p *Provider) ShardProducer(q queue.Queue, shard int) queue.Producer {
	return p.producersOf(q)[shard%len(p.nodes)]
}

// Consumer returns the consumer of a random node.
func (p *Provider) Consumer(q queue.Queue) queue.Consumer {
	all := p.consumersOf(q)
	return all[p.rng.IntN(len(all))]
}

// ShardConsumer returns the consumer of node shard % n, except once in
// RandomConsumerOdds calls where a random node is picked. shard must not be negative.
func (p *Provider) ShardConsumer(q queue.Queue, shard int) queue.Consumer {
	all := p.consumersOf(q)
	if p.rng.IntN(RandomConsumerOdds) == 0 {
		return all[p.rng.IntN(len(all))]
	}
	return all[shard%len(all)]
}

// NodeConsumer returns the consumer of one named node.
func (p *Provider) NodeConsumer(q queue.Queue, serverID schema.ServerID) (queue.Consumer, error) {
	i, ok := p.index[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, serverID)
	}
	return p.consumersOf(q)[i], nil
}

func (p *Provider) producersOf(q queue.Queue) []queue.Producer {
	if v, ok := p.producers.Load(q); ok {
		return v.([]queue.Producer)
	}
	built := make([]queue.Producer, len(p.nodes))
	for i, n := range p.nodes {
		built[i] = p.makeProducer(n, q)
	}
	v, _ := p.producers.LoadOrStore(q, built)
	return v.([]queue.Producer)
}

func (p *Provider) consumersOf(q queue.Queue) []queue.Consumer {
	if v, ok := p.consumers.Load(q); ok {
		return v.([]queue.Consumer)
	}
	built := make([]queue.Consumer, len(p.nodes))
	for i, n := range p.nodes {
		built[i] = p.makeConsumer(n, q)
	}
	v, _ := p.consumers.LoadOrStore(q, built)
	return v.([]queue.Consumer)
}
