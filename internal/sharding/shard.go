package sharding

import (
	"errors"
	"fmt"

	"github.com/shardq/project/internal/schema"
)

var ErrShardOutOfRange = errors.New("shard out of range")

// ErrSchemaViolation means a shard row breaks the producer/consumer invariant.
var ErrSchemaViolation = errors.New("shard schema violation")

// Shard is one row of the shard table.
//
// Exactly one of consumer and nextConsumer is set and it always equals the
// producer: in steady state the producer writes where it reads, during a
// hand-off it writes to the node that is about to take over reads.
type Shard struct {
	number       int
	producer     schema.ServerID
	consumer     schema.ServerID
	nextConsumer schema.ServerID
}

// NewShard validates a shard row. Empty consumer or nextConsumer means absent.
func NewShard(number int, producer, consumer, nextConsumer schema.ServerID) (Shard, error) {
	if !Valid(number) {
		return Shard{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrShardOutOfRange, number, MinShard, MaxShard)
	}
	if err := producer.Validate(); err != nil {
		return Shard{}, fmt.Errorf("%w: shard %d producer: %w", ErrSchemaViolation, number, err)
	}

	hasConsumer := consumer != schema.NoServerID
	hasNext := nextConsumer != schema.NoServerID
	switch {
	case hasConsumer && hasNext:
		return Shard{}, fmt.Errorf("%w: shard %d has both consumer %q and next consumer %q",
			ErrSchemaViolation, number, consumer, nextConsumer)
	case !hasConsumer && !hasNext:
		return Shard{}, fmt.Errorf("%w: shard %d has neither consumer nor next consumer", ErrSchemaViolation, number)
	case hasConsumer && consumer != producer:
		return Shard{}, fmt.Errorf("%w: shard %d consumer %q differs from producer %q",
			ErrSchemaViolation, number, consumer, producer)
	case hasNext && nextConsumer != producer:
		return Shard{}, fmt.Errorf("%w: shard %d next consumer %q differs from producer %q",
			ErrSchemaViolation, number, nextConsumer, producer)
	}

	return Shard{
		number:       number,
		producer:     producer,
		consumer:     consumer,
		nextConsumer: nextConsumer,
	}, nil
}

// MustShard is NewShard for tests and literals known to be valid.
func MustShard(number int, producer, consumer, nextConsumer schema.ServerID) Shard {
	s, err := NewShard(number, producer, consumer, nextConsumer)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Shard) Number() int                   { return s.number }
func (s Shard) ProducerNode() schema.ServerID { return s.producer }

func (s Shard) ConsumerNode() (schema.ServerID, bool) {
	return s.consumer, s.consumer != schema.NoServerID
}

func (s Shard) NextConsumerNode() (schema.ServerID, bool) {
	return s.nextConsumer, s.nextConsumer != schema.NoServerID
}

// Migrating reports whether reads of this shard are being handed over.
func (s Shard) Migrating() bool {
	return s.nextConsumer != schema.NoServerID
}

func (s Shard) String() string {
	if s.Migrating() {
		return fmt.Sprintf("shard %d: producer=%s next_consumer=%s", s.number, s.producer, s.nextConsumer)
	}
	return fmt.Sprintf("shard %d: producer=%s consumer=%s", s.number, s.producer, s.consumer)
}

// Shards is the sorted set of shards one node reads from.
type Shards []int
