package contracts

import "time"

// TopologyChanged tells every process watching the cluster to reload the shard table.
// It carries no topology itself; the shard table stays the source of truth.
type TopologyChanged struct {
	EventID    string    `json:"event_id"`
	ServerID   string    `json:"server_id,omitempty"`
	Reason     string    `json:"reason"`
	Nodes      int       `json:"nodes"`
	Shards     int       `json:"shards"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	ReasonNodeRegistered = "node_registered"
	ReasonShardsFilled   = "shards_filled"
	ReasonShardMoved     = "shard_moved"
	ReasonNodesChanged   = "nodes_changed"
)
