// Package migrate holds the checks run before a shard is moved to another node.
package migrate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shardq/project/internal/schema"
)

// ErrMigrate matches every error of this package with errors.Is.
var ErrMigrate = errors.New("shard migration rejected")

// SameNodeError means the shard already lives on the target node.
type SameNodeError struct {
	Shard      int
	TargetNode schema.ServerID
}

func (e *SameNodeError) Error() string {
	return fmt.Sprintf("shard %d is already on node %s", e.Shard, e.TargetNode)
}

func (e *SameNodeError) Is(target error) bool { return target == ErrMigrate }

// UnknownNodeError means the target node is not part of the cluster.
type UnknownNodeError struct {
	KnownNodes []schema.ServerID
	TargetNode schema.ServerID
}

func (e *UnknownNodeError) Error() string {
	known := make([]string, len(e.KnownNodes))
	for i, id := range e.KnownNodes {
		known[i] = id.String()
	}
	return fmt.Sprintf("target node %s is unknown, known nodes: [%s]", e.TargetNode, strings.Join(known, ", "))
}

func (e *UnknownNodeError) Is(target error) bool { return target == ErrMigrate }

// InconsistentSchemaError means a queue table differs between the source and the target node.
type InconsistentSchemaError struct {
	TableName string
	Source    schema.Table
	Target    schema.Table
}

func (e *InconsistentSchemaError) Error() string {
	return fmt.Sprintf("table %s differs between nodes: source has %d columns, target has %d",
		e.TableName, len(e.Source.Columns), len(e.Target.Columns))
}

func (e *InconsistentSchemaError) Is(target error) bool { return target == ErrMigrate }
