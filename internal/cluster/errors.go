package cluster

import "errors"

var (
	// ErrNoNodes means the node registry is empty, nothing can be routed.
	ErrNoNodes = errors.New("no cluster nodes registered")
	// ErrUnknownNode means a server id is not in the node registry.
	ErrUnknownNode = errors.New("unknown cluster node")
	// ErrShardTableUnavailable means no registered node could serve the shard table.
	ErrShardTableUnavailable = errors.New("shard table unavailable")
)
