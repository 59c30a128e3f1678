package clusterdb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shardq/project/internal/platform/dbpool"
	"github.com/shardq/project/internal/schema"
	"github.com/shardq/project/internal/sharding"
)

const (
	ShardTableName = "q__shard"

	// fillChunkSize is the number of shard rows per insert statement.
	fillChunkSize = 100
)

var createShardTableSQL = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  shard integer NOT NULL PRIMARY KEY,
  producer_node varchar(%[2]d) NOT NULL,
  consumer_node varchar(%[2]d),
  next_consumer_node varchar(%[2]d),
  CHECK (
    (producer_node = consumer_node AND next_consumer_node IS NULL) OR
    (producer_node = next_consumer_node AND consumer_node IS NULL)
  )
)`, ShardTableName, schema.ServerIDMaxLength)

const readShardsSQL = `
SELECT shard, producer_node, COALESCE(consumer_node, ''), COALESCE(next_consumer_node, '')
FROM ` + ShardTableName + `
ORDER BY shard`

type ShardTable struct {
	DB dbpool.DB
}

func NewShardTable(db dbpool.DB) *ShardTable {
	return &ShardTable{DB: db}
}

func (t *ShardTable) EnsureSchema(ctx context.Context) error {
	if _, err := t.DB.Exec(ctx, createShardTableSQL); err != nil {
		return fmt.Errorf("create %s: %w", ShardTableName, err)
	}
	return nil
}

// Fill assigns every shard that has no row yet to a random node, as both producer
// and consumer. Rows that already exist are left alone, so running it again is safe.
func (t *ShardTable) Fill(ctx context.Context, nodes []schema.ServerID, rng schema.Rand) error {
	if len(nodes) == 0 {
		return fmt.Errorf("fill %s: no nodes", ShardTableName)
	}
	for _, node := range nodes {
		if err := node.Validate(); err != nil {
			return err
		}
	}

	batch := &pgx.Batch{}
	for _, chunk := range fillChunks(nodes, rng) {
		query, args := insertShardsSQL(chunk)
		batch.Queue(query, args...)
	}

	results := t.DB.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("fill %s: %w", ShardTableName, err)
		}
	}
	return nil
}

type shardRow struct {
	shard int
	node  schema.ServerID
}

func fillChunks(nodes []schema.ServerID, rng schema.Rand) [][]shardRow {
	var chunks [][]shardRow
	chunk := make([]shardRow, 0, fillChunkSize)
	for shard := sharding.MinShard; shard <= sharding.MaxShard; shard++ {
		chunk = append(chunk, shardRow{shard: shard, node: nodes[rng.IntN(len(nodes))]})
		if len(chunk) == fillChunkSize {
			chunks = append(chunks, chunk)
			chunk = make([]shardRow, 0, fillChunkSize)
		}
	}
	if len(chunk) > 0 {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func insertShardsSQL(rows []shardRow) (string, []any) {
	query := "INSERT INTO " + ShardTableName + " (shard, producer_node, consumer_node) VALUES "
	args := make([]any, 0, len(rows)*2)
	for i, row := range rows {
		if i > 0 {
			query += ", "
		}
		query += fmt.Sprintf("($%d, $%d, $%d)", 2*i+1, 2*i+2, 2*i+2)
		args = append(args, row.shard, string(row.node))
	}
	return query + " ON CONFLICT DO NOTHING", args
}

// Read loads the whole shard table. A row breaking the producer/consumer invariant
// fails the read.
func (t *ShardTable) Read(ctx context.Context) (map[int]sharding.Shard, error) {
	rows, err := t.DB.Query(ctx, readShardsSQL)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ShardTableName, err)
	}
	defer rows.Close()

	shards := make(map[int]sharding.Shard, sharding.ShardCount)
	for rows.Next() {
		var (
			number                   int
			producer, consumer, next string
		)
		if err := rows.Scan(&number, &producer, &consumer, &next); err != nil {
			return nil, err
		}
		shard, err := sharding.NewShard(number, schema.ServerID(producer), schema.ServerID(consumer), schema.ServerID(next))
		if err != nil {
			return nil, err
		}
		shards[number] = shard
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return shards, nil
}

// ReadShards reads the shard table stored on db.
func ReadShards(ctx context.Context, db dbpool.DB) (map[int]sharding.Shard, error) {
	return NewShardTable(db).Read(ctx)
}
