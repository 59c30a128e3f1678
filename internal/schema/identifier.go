package schema

import (
	"errors"
	"fmt"
)

// Every generated message id is laid out as [bucket:BucketBits][sequence:IDBits].
// The top bit of the int64 stays clear so ids remain positive.
const (
	BucketBits = 10
	IDBits     = 53

	MinBucket = 0
	MaxBucket = 1000

	// NotClusteredBucket is reserved for single node deployments. It is kept
	// away from the clustered range on purpose so the two never touch.
	NotClusteredBucket = 1<<BucketBits - 1

	idMask = int64(1)<<IDBits - 1
)

var ErrInvalidBucket = errors.New("invalid bucket")

// IdentifierRange is the closed interval of ids owned by one bucket.
type IdentifierRange struct {
	Start int64
	End   int64
}

func (r IdentifierRange) Contains(id int64) bool {
	return r.Start <= id && id <= r.End
}

func (r IdentifierRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}

func ValidBucket(bucket int) bool {
	return (bucket >= MinBucket && bucket <= MaxBucket) || bucket == NotClusteredBucket
}

// RangeOf returns the id range for bucket: the bucket bits followed by an
// all-zero suffix for the start and an all-one suffix for the end.
func RangeOf(bucket int) (IdentifierRange, error) {
	if !ValidBucket(bucket) {
		return IdentifierRange{}, fmt.Errorf("%w: %d", ErrInvalidBucket, bucket)
	}
	prefix := int64(bucket) << IDBits
	return IdentifierRange{Start: prefix, End: prefix | idMask}, nil
}

// BucketOf recovers the bucket a message id was generated in.
func BucketOf(id int64) int {
	return int(id >> IDBits)
}

// RandomBucket picks a clustered bucket for a node registering itself.
func RandomBucket(rng Rand) int {
	return MinBucket + rng.IntN(MaxBucket-MinBucket+1)
}
