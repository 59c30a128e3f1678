package discovery

import (
	"maps"
	"slices"

	"github.com/shardq/project/internal/platform/dbpool"
	"github.com/shardq/project/internal/schema"
)

// Nodes is an immutable set of reachable nodes. Consumers detect topology changes by
// comparing *Nodes pointers, so a provider must hand out the same pointer for as long
// as the set does not change.
type Nodes struct {
	byID map[schema.ServerID]dbpool.DB
	ids  []schema.ServerID
}

func NewNodes(nodes map[schema.ServerID]dbpool.DB) *Nodes {
	return &Nodes{
		byID: maps.Clone(nodes),
		ids:  slices.Sorted(maps.Keys(nodes)),
	}
}

func (n *Nodes) Len() int {
	if n == nil {
		return 0
	}
	return len(n.ids)
}

// IDs returns the server ids in sorted order.
func (n *Nodes) IDs() []schema.ServerID {
	if n == nil {
		return nil
	}
	return slices.Clone(n.ids)
}

func (n *Nodes) Get(id schema.ServerID) (dbpool.DB, bool) {
	if n == nil {
		return nil, false
	}
	db, ok := n.byID[id]
	return db, ok
}

// Map returns a copy of the server id to connection mapping.
func (n *Nodes) Map() map[schema.ServerID]dbpool.DB {
	if n == nil {
		return map[schema.ServerID]dbpool.DB{}
	}
	return maps.Clone(n.byID)
}

func (n *Nodes) sameAs(other map[schema.ServerID]dbpool.DB) bool {
	if n == nil {
		return len(other) == 0
	}
	return maps.Equal(n.byID, other)
}

// Provider hands out the nodes that are ready to receive.
type Provider interface {
	ReadyToReceive() *Nodes
}

// Static is a Provider over a fixed node set that can be replaced with Set.
type Static struct {
	nodes atomicNodes
}

func NewStatic(nodes map[schema.ServerID]dbpool.DB) *Static {
	s := &Static{}
	s.nodes.Store(NewNodes(nodes))
	return s
}

func (s *Static) ReadyToReceive() *Nodes {
	return s.nodes.Load()
}

// Set publishes a new node set. An unchanged set keeps the previous snapshot.
func (s *Static) Set(nodes map[schema.ServerID]dbpool.DB) {
	if s.nodes.Load().sameAs(nodes) {
		return
	}
	s.nodes.Store(NewNodes(nodes))
}
