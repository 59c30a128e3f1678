package schema

import (
	"errors"
	"fmt"
)

// ServerID identifies one storage node of a cluster.
type ServerID string

// NoServerID never names a real node. It keys items that currently have no owner.
const NoServerID ServerID = ""

// ServerIDMaxLength matches the width of the node columns in the shard table.
const ServerIDMaxLength = 64

var ErrInvalidServerID = errors.New("invalid server id")

func (id ServerID) Validate() error {
	if id == NoServerID {
		return fmt.Errorf("%w: empty", ErrInvalidServerID)
	}
	if len(id) > ServerIDMaxLength {
		return fmt.Errorf("%w: %q is longer than %d", ErrInvalidServerID, string(id), ServerIDMaxLength)
	}
	return nil
}

func (id ServerID) String() string { return string(id) }

// NodeInfo is what a node says about itself in its node table.
type NodeInfo struct {
	ServerID ServerID
	Bucket   int
}

func (n NodeInfo) Validate() error {
	if err := n.ServerID.Validate(); err != nil {
		return err
	}
	if !ValidBucket(n.Bucket) {
		return fmt.Errorf("%w: %d", ErrInvalidBucket, n.Bucket)
	}
	return nil
}

// IdentifierRange is the range of ids this node is allowed to generate.
func (n NodeInfo) IdentifierRange() (IdentifierRange, error) {
	return RangeOf(n.Bucket)
}
