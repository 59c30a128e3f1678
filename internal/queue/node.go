package queue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shardq/project/internal/platform/dbpool"
	"github.com/shardq/project/internal/schema"
	"github.com/shardq/project/internal/sharding"
)

// EnsureSchema creates the queue table on one node. Ids of the table are
// bounded to the node's bucket range. A table left over from another identity
// fails with ErrRangeMismatch.
func EnsureSchema(ctx context.Context, db dbpool.DB, q Queue, node schema.NodeInfo) error {
	r, err := node.IdentifierRange()
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, createTableSQL(q, r)); err != nil {
		return fmt.Errorf("create %s: %w", q.TableName(), err)
	}
	if _, err := db.Exec(ctx, createScheduledIndexSQL(q)); err != nil {
		return fmt.Errorf("create %s index: %w", q.TableName(), err)
	}

	var lo, hi int64
	if err := db.QueryRow(ctx, identityBoundsSQL, q.TableName()).Scan(&lo, &hi); err != nil {
		return fmt.Errorf("read %s id bounds: %w", q.TableName(), err)
	}
	if !r.Contains(lo) || !r.Contains(hi) {
		return fmt.Errorf("%w: %s has [%d, %d], node %s owns %s", ErrRangeMismatch, q.TableName(), lo, hi, node.ServerID, r)
	}
	return nil
}

// NodeProducer writes messages to one node.
type NodeProducer struct {
	DB       dbpool.DB
	Queue    Queue
	ServerID schema.ServerID
}

func NewNodeProducer(db dbpool.DB, q Queue, serverID schema.ServerID) *NodeProducer {
	return &NodeProducer{DB: db, Queue: q, ServerID: serverID}
}

func (p *NodeProducer) Send(ctx context.Context, messages []SendMessage) ([]ID, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	query := insertSQL(p.Queue)
	batch := &pgx.Batch{}
	for _, m := range messages {
		if !sharding.Valid(m.Shard) {
			return nil, fmt.Errorf("%w: %d", ErrInvalidShard, m.Shard)
		}
		batch.Queue(query, m.Shard, m.Key, m.Data, m.Delay.Milliseconds(), p.Queue.Attempts)
	}

	results := p.DB.SendBatch(ctx, batch)
	defer results.Close()

	ids := make([]ID, 0, len(messages))
	for range messages {
		var local int64
		if err := results.QueryRow().Scan(&local); err != nil {
			return ids, fmt.Errorf("insert into %s on %s: %w", p.Queue.TableName(), p.ServerID, err)
		}
		ids = append(ids, ID{Local: local, ServerID: p.ServerID})
	}
	return ids, nil
}

// NodeConsumer reads from one node. With Shards set, only those shards are read.
type NodeConsumer struct {
	DB       dbpool.DB
	Queue    Queue
	ServerID schema.ServerID
	Shards   sharding.Shards
}

func NewNodeConsumer(db dbpool.DB, q Queue, serverID schema.ServerID, shards sharding.Shards) *NodeConsumer {
	return &NodeConsumer{DB: db, Queue: q, ServerID: serverID, Shards: shards}
}

func (c *NodeConsumer) Receive(ctx context.Context, limit int, opts ReceiveOptions) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	args := []any{limit, opts.visibility().Milliseconds()}
	restrict := c.Shards != nil
	if restrict {
		args = append(args, []int(c.Shards))
	}

	rows, err := c.DB.Query(ctx, receiveSQL(c.Queue, restrict), args...)
	if err != nil {
		return nil, fmt.Errorf("receive from %s on %s: %w", c.Queue.TableName(), c.ServerID, err)
	}
	defer rows.Close()

	result := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID.Local, &m.Shard, &m.Key, &m.Data, &m.CreatedAt, &m.RemainingAttempts); err != nil {
			return nil, err
		}
		m.ID.ServerID = c.ServerID
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *NodeConsumer) Delete(ctx context.Context, ids []ID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	locals := make([]int64, len(ids))
	for i, id := range ids {
		locals[i] = id.Local
	}

	tag, err := c.DB.Exec(ctx, deleteSQL(c.Queue), locals)
	if err != nil {
		return 0, fmt.Errorf("delete from %s on %s: %w", c.Queue.TableName(), c.ServerID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (c *NodeConsumer) Sweep(ctx context.Context) (int, error) {
	tag, err := c.DB.Exec(ctx, sweepSQL(c.Queue))
	if err != nil {
		return 0, fmt.Errorf("sweep %s on %s: %w", c.Queue.TableName(), c.ServerID, err)
	}
	return int(tag.RowsAffected()), nil
}
