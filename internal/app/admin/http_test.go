package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shardq/project/internal/cluster"
	"github.com/shardq/project/internal/discovery"
	"github.com/shardq/project/internal/messaging"
	"github.com/shardq/project/internal/platform/auth"
	"github.com/shardq/project/internal/platform/dbpool"
	"github.com/shardq/project/internal/schema"
	"github.com/shardq/project/internal/sharding"
	"github.com/stretchr/testify/require"
)

type fakeRows struct {
	pgx.Rows
	columns []schema.Column
	pos     int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.columns)
}

func (r *fakeRows) Scan(dest ...any) error {
	c := r.columns[r.pos-1]
	*dest[0].(*string) = c.Name
	*dest[1].(*string) = c.DataType
	*dest[2].(*bool) = c.Nullable
	return nil
}

func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return nil }

type fakeDB struct {
	dbpool.DB
	columns []schema.Column
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &fakeRows{columns: f.columns}, nil
}

type recordingPublisher struct {
	subjects []string
}

func (p *recordingPublisher) Publish(subject string, _ []byte) error {
	p.subjects = append(p.subjects, subject)
	return nil
}

var (
	idColumn   = schema.Column{Name: "id", DataType: "bigint"}
	dataColumn = schema.Column{Name: "data", DataType: "bytea", Nullable: true}
)

type fixture struct {
	cluster   *cluster.Cluster
	publisher *recordingPublisher
	router    http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	nodes := map[schema.ServerID]dbpool.DB{
		"a": &fakeDB{columns: []schema.Column{idColumn, dataColumn}},
		"b": &fakeDB{columns: []schema.Column{dataColumn, idColumn}},
		"c": &fakeDB{columns: []schema.Column{idColumn}},
	}
	provider := discovery.NewStatic(nodes)
	c := cluster.New(cluster.Options{
		Provider: provider,
		ReadShards: func(context.Context, dbpool.DB) (map[int]sharding.Shard, error) {
			return map[int]sharding.Shard{
				0: sharding.MustShard(0, "a", "a", schema.NoServerID),
				1: sharding.MustShard(1, "b", schema.NoServerID, "b"),
			}, nil
		},
	})
	pub := &recordingPublisher{}
	return &fixture{
		cluster:   c,
		publisher: pub,
		router:    NewHandler(c, provider, pub, nil, nil).Router(),
	}
}

func (f *fixture) refresh(t *testing.T) {
	t.Helper()
	_, err := f.cluster.Refresh(context.Background())
	require.NoError(t, err)
}

func (f *fixture) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestReadyz_WaitsForState(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz").Code)
	require.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/readyz").Code)

	f.refresh(t)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/readyz").Code)
}

func TestTopology(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)

	rec := f.do(http.MethodGet, "/api/v1/topology")
	require.Equal(t, http.StatusOK, rec.Code)

	var got cluster.Topology
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, []schema.ServerID{"a", "b", "c"}, got.Nodes)
	require.Equal(t, []schema.ServerID{"a"}, got.ActiveConsumers)
	require.Equal(t, []int{1}, got.Migrating)
}

func TestRoute(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)

	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/topology/route").Code)

	keys := []string{"u9", "u1", "u5", "u2", "u7"}
	for range 5 {
		rec := f.do(http.MethodGet, "/api/v1/topology/route?key=u9&key=u1&key=u5&key=u2&key=u7")
		require.Equal(t, http.StatusOK, rec.Code)
		var routes []cluster.Route
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&routes))
		require.Len(t, routes, len(keys))
		for i, r := range routes {
			require.Equal(t, keys[i], r.Key)
			require.Equal(t, sharding.ForKey(r.Key), r.Shard)
		}
	}
}

func TestRefresh_PublishesNotification(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/topology/refresh")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{messaging.TopologySubject}, f.publisher.subjects)

	var resp refreshResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, refreshResponse{Nodes: 3, Shards: 2}, resp)
}

func TestShard(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)

	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/shards/x").Code)
	require.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/shards/7").Code)

	rec := f.do(http.MethodGet, "/api/v1/shards/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp shardResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Migrating)
	require.Equal(t, schema.ServerID("b"), resp.NextConsumer)
}

func TestMoveCheck(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)

	cases := map[string]int{
		"/api/v1/shards/0/move-check?queue=orders&target=b": http.StatusOK,
		"/api/v1/shards/0/move-check?queue=orders&target=a": http.StatusConflict,
		"/api/v1/shards/0/move-check?queue=orders&target=z": http.StatusConflict,
		"/api/v1/shards/0/move-check?queue=orders&target=c": http.StatusConflict,
		"/api/v1/shards/0/move-check?queue=Bad&target=b":    http.StatusBadRequest,
	}
	for target, status := range cases {
		require.Equal(t, status, f.do(http.MethodGet, target).Code, target)
	}
}

func TestTokens(t *testing.T) {
	f := newFixture(t)
	signer := auth.NewSigner("secret", time.Hour)
	handler := NewHandler(f.cluster, discovery.NewStatic(nil), f.publisher, nil, nil)
	handler.Tokens = &signer
	router := handler.Router()

	reader, err := signer.Sign("viewer", auth.ScopeRead)
	require.NoError(t, err)
	writer, err := signer.Sign("ops", auth.ScopeRead, auth.ScopeWrite)
	require.NoError(t, err)

	call := func(method, target, token string) int {
		req := httptest.NewRequest(method, target, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, call(http.MethodGet, "/healthz", ""))
	require.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/api/v1/topology", ""))
	require.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/api/v1/topology", "garbage"))
	require.Equal(t, http.StatusOK, call(http.MethodGet, "/api/v1/topology", reader))
	require.Equal(t, http.StatusForbidden, call(http.MethodPost, "/api/v1/topology/refresh", reader))
	require.Equal(t, http.StatusOK, call(http.MethodPost, "/api/v1/topology/refresh", writer))
}
