package sharding

import (
	"encoding/binary"

	"github.com/shardq/project/internal/schema"
	"golang.org/x/crypto/blake2b"
)

// ShardCount is the fixed number of shards of a cluster.
const ShardCount = 1024

const (
	MinShard = 0
	MaxShard = ShardCount - 1
)

func Valid(shard int) bool {
	return shard >= MinShard && shard <= MaxShard
}

// ForKey maps a message key to its shard. The mapping never depends on topology.
func ForKey(key string) int {
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(key))
	sum := h.Sum(nil)
	return int(binary.BigEndian.Uint64(sum) % ShardCount)
}

// Random picks a shard for messages without a key.
func Random(rng schema.Rand) int {
	return MinShard + rng.IntN(ShardCount)
}
