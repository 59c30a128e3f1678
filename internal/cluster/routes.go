package cluster

import (
	"sync"

	"github.com/shardq/project/internal/schema"
)

// routes caches delegates per logical id and server id. Entries are never evicted;
// the cache lives as long as the State that owns it.
//
// Two callers racing on a missing entry may both build a delegate. LoadOrStore keeps
// the first one stored and the other is dropped, so delegates must be cheap to build.
// A factory returning nil caches the zero value of T.
type routes[T any] struct {
	byLogicalID sync.Map // string -> *sync.Map (schema.ServerID -> T)
}

func (r *routes[T]) get(logicalID string, serverID schema.ServerID, create func() T) T {
	nodes, ok := r.byLogicalID.Load(logicalID)
	if !ok {
		nodes, _ = r.byLogicalID.LoadOrStore(logicalID, &sync.Map{})
	}
	byServer := nodes.(*sync.Map)

	v, ok := byServer.Load(serverID)
	if !ok {
		v, _ = byServer.LoadOrStore(serverID, create())
	}
	delegate, _ := v.(T)
	return delegate
}
