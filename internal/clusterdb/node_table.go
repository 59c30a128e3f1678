package clusterdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shardq/project/internal/platform/dbpool"
	"github.com/shardq/project/internal/schema"
)

const NodeTableName = "q__node"

var ErrNodeNotRegistered = errors.New("node not registered")

var createNodeTableSQL = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id integer NOT NULL PRIMARY KEY CHECK (id = 1),
  server_id varchar(%d) NOT NULL,
  bucket integer NOT NULL
)`, NodeTableName, schema.ServerIDMaxLength)

const insertNodeSQL = `
INSERT INTO ` + NodeTableName + ` (id, server_id, bucket)
VALUES (1, $1, $2)
ON CONFLICT (id) DO NOTHING`

const readNodeSQL = `SELECT server_id, bucket FROM ` + NodeTableName + ` WHERE id = 1`

// NodeTable holds the identity of the node it is stored on.
type NodeTable struct {
	DB dbpool.DB
}

func NewNodeTable(db dbpool.DB) *NodeTable {
	return &NodeTable{DB: db}
}

func (t *NodeTable) EnsureSchema(ctx context.Context) error {
	if _, err := t.DB.Exec(ctx, createNodeTableSQL); err != nil {
		return fmt.Errorf("create %s: %w", NodeTableName, err)
	}
	return nil
}

// Register gives the node an identity in bucket unless it already has one, and
// returns the identity stored. Concurrent registrations agree on the first one written.
func (t *NodeTable) Register(ctx context.Context, newID func() string, bucket int) (schema.NodeInfo, error) {
	candidate := schema.NodeInfo{ServerID: schema.ServerID(newID()), Bucket: bucket}
	if err := candidate.Validate(); err != nil {
		return schema.NodeInfo{}, err
	}
	if _, err := t.DB.Exec(ctx, insertNodeSQL, string(candidate.ServerID), candidate.Bucket); err != nil {
		return schema.NodeInfo{}, fmt.Errorf("register node: %w", err)
	}
	return t.Read(ctx)
}

func (t *NodeTable) Read(ctx context.Context) (schema.NodeInfo, error) {
	var (
		serverID string
		info     schema.NodeInfo
	)
	err := t.DB.QueryRow(ctx, readNodeSQL).Scan(&serverID, &info.Bucket)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.NodeInfo{}, ErrNodeNotRegistered
	}
	if err != nil {
		return schema.NodeInfo{}, fmt.Errorf("read %s: %w", NodeTableName, err)
	}
	info.ServerID = schema.ServerID(serverID)
	return info, info.Validate()
}

// ReadNodeInfo reads the identity of the node behind db.
func ReadNodeInfo(ctx context.Context, db dbpool.DB) (schema.NodeInfo, error) {
	return NewNodeTable(db).Read(ctx)
}
