package migrate

import (
	"context"
	"fmt"
	"slices"

	"github.com/shardq/project/internal/platform/dbpool"
	"github.com/shardq/project/internal/schema"
	"github.com/shardq/project/internal/sharding"
)

// Validate checks that shard can move to target. The checks run in order: target is
// not the shard's current node, target is a known node, the queue table has the same
// columns on both nodes. The first failure is returned.
func Validate(shard sharding.Shard, target schema.ServerID, known []schema.ServerID, source, targetTable schema.Table) error {
	if shard.ProducerNode() == target {
		return &SameNodeError{Shard: shard.Number(), TargetNode: target}
	}
	if !slices.Contains(known, target) {
		return &UnknownNodeError{KnownNodes: slices.Clone(known), TargetNode: target}
	}
	if !source.Compatible(targetTable) {
		return &InconsistentSchemaError{TableName: source.Name, Source: source, Target: targetTable}
	}
	return nil
}

// ValidateNodes reads table from both nodes and runs Validate.
func ValidateNodes(ctx context.Context, shard sharding.Shard, target schema.ServerID, known []schema.ServerID, sourceDB, targetDB dbpool.DB, table string) error {
	source, err := schema.ReadTable(ctx, sourceDB, table)
	if err != nil {
		return fmt.Errorf("read %s on source: %w", table, err)
	}
	targetTable, err := schema.ReadTable(ctx, targetDB, table)
	if err != nil {
		return fmt.Errorf("read %s on %s: %w", table, target, err)
	}
	return Validate(shard, target, known, source, targetTable)
}
