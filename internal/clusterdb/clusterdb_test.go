package clusterdb

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shardq/project/internal/platform/dbpool"
	"github.com/shardq/project/internal/schema"
	"github.com/shardq/project/internal/sharding"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int:
			*p = r.values[i].(int)
		}
	}
	return nil
}

type fakeDB struct {
	dbpool.DB

	execs []string
	row   fakeRow
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return f.row
}

func TestFillChunks_CoversEveryShardOnce(t *testing.T) {
	nodes := []schema.ServerID{"a", "b", "c"}
	chunks := fillChunks(nodes, rand.New(rand.NewPCG(1, 1)))

	require.Len(t, chunks, (sharding.ShardCount+fillChunkSize-1)/fillChunkSize)

	seen := make(map[int]bool)
	used := make(map[schema.ServerID]bool)
	for _, chunk := range chunks {
		require.LessOrEqual(t, len(chunk), fillChunkSize)
		for _, row := range chunk {
			require.False(t, seen[row.shard], "shard %d twice", row.shard)
			seen[row.shard] = true
			used[row.node] = true
		}
	}
	require.Len(t, seen, sharding.ShardCount)
	require.Len(t, used, len(nodes))
}

func TestInsertShardsSQL_IsIdempotent(t *testing.T) {
	query, args := insertShardsSQL([]shardRow{{shard: 0, node: "a"}, {shard: 1, node: "b"}})
	require.True(t, strings.HasSuffix(query, "ON CONFLICT DO NOTHING"))
	require.Contains(t, query, "($1, $2, $2), ($3, $4, $4)")
	require.Equal(t, []any{0, "a", 1, "b"}, args)
}

func TestShardTableFill_RejectsEmptyNodes(t *testing.T) {
	err := NewShardTable(&fakeDB{}).Fill(context.Background(), nil, rand.New(rand.NewPCG(1, 1)))
	require.Error(t, err)
}

func TestCreateShardTableSQL_HasInvariantCheck(t *testing.T) {
	require.Contains(t, createShardTableSQL, "(producer_node = consumer_node AND next_consumer_node IS NULL)")
	require.Contains(t, createShardTableSQL, "(producer_node = next_consumer_node AND consumer_node IS NULL)")
	require.Contains(t, createShardTableSQL, "varchar(64)")
}

func TestNodeTableRegister_ReturnsStoredIdentity(t *testing.T) {
	db := &fakeDB{row: fakeRow{values: []any{"node-first", 17}}}
	info, err := NewNodeTable(db).Register(context.Background(), func() string { return "node-second" }, 42)
	require.NoError(t, err)
	require.Equal(t, schema.NodeInfo{ServerID: "node-first", Bucket: 17}, info)
	require.Len(t, db.execs, 1)
	require.Contains(t, db.execs[0], "ON CONFLICT (id) DO NOTHING")
}

func TestNodeTableRegister_RejectsInvalidBucket(t *testing.T) {
	db := &fakeDB{}
	_, err := NewNodeTable(db).Register(context.Background(), func() string { return "node" }, schema.MaxBucket+1)
	require.ErrorIs(t, err, schema.ErrInvalidBucket)
	require.Empty(t, db.execs)
}

func TestNodeTableRead_NotRegistered(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: pgx.ErrNoRows}}
	_, err := ReadNodeInfo(context.Background(), db)
	require.ErrorIs(t, err, ErrNodeNotRegistered)
}
