package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shardq/project/internal/clusterdb"
	"github.com/shardq/project/internal/platform/dbpool"
	"github.com/shardq/project/internal/schema"
)

type atomicNodes = atomic.Pointer[Nodes]

// ProbeFunc checks that a node answers and returns its identity.
type ProbeFunc func(ctx context.Context, db dbpool.DB) (schema.NodeInfo, error)

// Probe pings db and reads the node table.
func Probe(ctx context.Context, db dbpool.DB) (schema.NodeInfo, error) {
	if err := db.Ping(ctx); err != nil {
		return schema.NodeInfo{}, err
	}
	return clusterdb.ReadNodeInfo(ctx, db)
}

// Candidate is a configured node whose identity is not known yet.
type Candidate struct {
	Name string
	DB   dbpool.DB
}

type RegistryOptions struct {
	Candidates   []Candidate
	Probe        ProbeFunc
	ProbeTimeout time.Duration
	Log          *slog.Logger
}

// Registry probes the configured nodes and keeps the set of nodes that answered.
type Registry struct {
	candidates   []Candidate
	probe        ProbeFunc
	probeTimeout time.Duration
	log          *slog.Logger

	ready atomicNodes
	infos atomic.Pointer[map[schema.ServerID]schema.NodeInfo]
}

var ErrDuplicateServerID = errors.New("duplicate server id")

func NewRegistry(opts RegistryOptions) *Registry {
	r := &Registry{
		candidates:   opts.Candidates,
		probe:        opts.Probe,
		probeTimeout: opts.ProbeTimeout,
		log:          opts.Log,
	}
	if r.probe == nil {
		r.probe = Probe
	}
	if r.probeTimeout <= 0 {
		r.probeTimeout = 3 * time.Second
	}
	if r.log == nil {
		r.log = slog.New(slog.DiscardHandler)
	}
	r.ready.Store(NewNodes(nil))
	infos := map[schema.ServerID]schema.NodeInfo{}
	r.infos.Store(&infos)
	return r
}

func (r *Registry) ReadyToReceive() *Nodes {
	return r.ready.Load()
}

// NodeInfo returns the identity reported by a ready node.
func (r *Registry) NodeInfo(id schema.ServerID) (schema.NodeInfo, bool) {
	info, ok := (*r.infos.Load())[id]
	return info, ok
}

// Refresh probes every candidate. Unreachable nodes are dropped from the ready set;
// two candidates reporting the same server id are a configuration error.
// The snapshot pointer only changes when the ready set does.
func (r *Registry) Refresh(ctx context.Context) (*Nodes, error) {
	ready := make(map[schema.ServerID]dbpool.DB, len(r.candidates))
	infos := make(map[schema.ServerID]schema.NodeInfo, len(r.candidates))
	names := make(map[schema.ServerID]string, len(r.candidates))

	for _, c := range r.candidates {
		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		info, err := r.probe(probeCtx, c.DB)
		cancel()
		if err != nil {
			r.log.Warn("node probe failed", slog.String("node", c.Name), slog.Any("error", err))
			continue
		}
		if other, dup := names[info.ServerID]; dup {
			return r.ready.Load(), fmt.Errorf("%w: %s reported by %s and %s", ErrDuplicateServerID, info.ServerID, other, c.Name)
		}
		names[info.ServerID] = c.Name
		ready[info.ServerID] = c.DB
		infos[info.ServerID] = info
	}

	r.infos.Store(&infos)
	current := r.ready.Load()
	if current.sameAs(ready) {
		return current, nil
	}

	next := NewNodes(ready)
	r.ready.Store(next)
	r.log.Info("ready nodes changed", slog.Int("nodes", next.Len()), slog.Any("server_ids", next.IDs()))
	return next, nil
}
