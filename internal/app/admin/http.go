package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shardq/project/internal/cluster"
	"github.com/shardq/project/internal/cluster/migrate"
	"github.com/shardq/project/internal/contracts"
	"github.com/shardq/project/internal/discovery"
	"github.com/shardq/project/internal/messaging"
	"github.com/shardq/project/internal/platform/auth"
	"github.com/shardq/project/internal/platform/natsutil"
	"github.com/shardq/project/internal/queue"
	"github.com/shardq/project/internal/schema"
	"github.com/shardq/project/internal/sharding"
)

type Topology interface {
	State() *cluster.State
	Describe() cluster.Topology
	Routes(keys []string) []cluster.Route
	Refresh(ctx context.Context) (*cluster.State, error)
}

type Handler struct {
	Topology  Topology
	Nodes     discovery.Provider
	Publisher natsutil.Publisher
	Metrics   http.Handler
	Log       *slog.Logger
	// Tokens guards the API. When nil every request is allowed.
	Tokens *auth.Signer
}

func NewHandler(topology Topology, nodes discovery.Provider, publisher natsutil.Publisher, metrics http.Handler, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		Topology:  topology,
		Nodes:     nodes,
		Publisher: publisher,
		Metrics:   metrics,
		Log:       log,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.handleReady)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(read chi.Router) {
			read.Use(h.requireScope(auth.ScopeRead))
			read.Get("/topology", h.handleTopology)
			read.Get("/topology/route", h.handleRoute)
			read.Get("/shards/{shard}", h.handleShard)
			read.Get("/shards/{shard}/move-check", h.handleMoveCheck)
		})
		r.Group(func(write chi.Router) {
			write.Use(h.requireScope(auth.ScopeWrite))
			write.Post("/topology/refresh", h.handleRefresh)
		})
	})
	return r
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !h.Topology.State().Initialized() {
		h.writeError(w, http.StatusServiceUnavailable, "cluster state not loaded")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleTopology(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.Topology.Describe())
}

func (h *Handler) handleRoute(w http.ResponseWriter, r *http.Request) {
	keys := r.URL.Query()["key"]
	if len(keys) == 0 {
		h.writeError(w, http.StatusBadRequest, "at least one key parameter is required")
		return
	}
	h.writeJSON(w, http.StatusOK, h.Topology.Routes(keys))
}

type refreshResponse struct {
	Nodes  int `json:"nodes"`
	Shards int `json:"shards"`
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	state, err := h.Topology.Refresh(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cluster.ErrNoNodes) || errors.Is(err, cluster.ErrShardTableUnavailable) {
			status = http.StatusServiceUnavailable
		}
		h.writeError(w, status, err.Error())
		return
	}

	resp := refreshResponse{Nodes: len(state.Nodes()), Shards: state.ShardCount()}
	if err := messaging.PublishTopologyChanged(h.Publisher, contracts.TopologyChanged{
		Reason: contracts.ReasonNodesChanged,
		Nodes:  resp.Nodes,
		Shards: resp.Shards,
	}); err != nil {
		h.Log.Warn("topology notification failed", slog.Any("error", err))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type shardResponse struct {
	Shard        int             `json:"shard"`
	Producer     schema.ServerID `json:"producer"`
	Consumer     schema.ServerID `json:"consumer,omitempty"`
	NextConsumer schema.ServerID `json:"next_consumer,omitempty"`
	Migrating    bool            `json:"migrating"`
}

func (h *Handler) handleShard(w http.ResponseWriter, r *http.Request) {
	shard, ok := h.shardFromPath(w, r)
	if !ok {
		return
	}
	resp := shardResponse{Shard: shard.Number(), Producer: shard.ProducerNode(), Migrating: shard.Migrating()}
	resp.Consumer, _ = shard.ConsumerNode()
	resp.NextConsumer, _ = shard.NextConsumerNode()
	h.writeJSON(w, http.StatusOK, resp)
}

// handleMoveCheck runs the pre-move checks for ?target=<server id>&queue=<name>.
func (h *Handler) handleMoveCheck(w http.ResponseWriter, r *http.Request) {
	shard, ok := h.shardFromPath(w, r)
	if !ok {
		return
	}
	target := schema.ServerID(r.URL.Query().Get("target"))
	q, err := queue.New(r.URL.Query().Get("queue"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	nodes := h.Nodes.ReadyToReceive()
	known := h.Topology.State().Nodes()
	source, ok := nodes.Get(shard.ProducerNode())
	if !ok {
		h.writeError(w, http.StatusConflict, "source node "+shard.ProducerNode().String()+" is not ready")
		return
	}
	targetDB, ok := nodes.Get(target)
	if !ok {
		// Node checks only; tables cannot be read from a node that is not ready.
		if err := migrate.Validate(shard, target, known, schema.Table{}, schema.Table{}); err != nil {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.writeError(w, http.StatusConflict, "target node "+target.String()+" is not ready")
		return
	}

	err = migrate.ValidateNodes(r.Context(), shard, target, known, source, targetDB, q.TableName())
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, migrate.ErrMigrate):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, schema.ErrTableNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) shardFromPath(w http.ResponseWriter, r *http.Request) (shard sharding.Shard, ok bool) {
	number, err := strconv.Atoi(chi.URLParam(r, "shard"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "shard must be an integer")
		return shard, false
	}
	s, found := h.Topology.State().Shard(number)
	if !found {
		h.writeError(w, http.StatusNotFound, "shard not found")
		return shard, false
	}
	return s, true
}

func (h *Handler) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.Tokens == nil {
				next.ServeHTTP(w, r)
				return
			}
			token := auth.BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				h.writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := h.Tokens.Check(token, scope)
			switch {
			case errors.Is(err, auth.ErrForbidden):
				h.writeError(w, http.StatusForbidden, "missing scope "+scope)
				return
			case err != nil:
				h.writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			h.Log.Debug("admin request", slog.String("operator", claims.Operator), slog.String("path", r.URL.Path))
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
