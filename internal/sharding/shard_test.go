package sharding

import (
	"testing"

	"github.com/shardq/project/internal/schema"
	"github.com/stretchr/testify/require"
)

func TestNewShard_SteadyState(t *testing.T) {
	s, err := NewShard(5, "a", "a", "")
	require.NoError(t, err)

	require.Equal(t, 5, s.Number())
	require.Equal(t, schema.ServerID("a"), s.ProducerNode())
	consumer, ok := s.ConsumerNode()
	require.True(t, ok)
	require.Equal(t, schema.ServerID("a"), consumer)
	_, ok = s.NextConsumerNode()
	require.False(t, ok)
	require.False(t, s.Migrating())
}

func TestNewShard_Migrating(t *testing.T) {
	s, err := NewShard(MaxShard, "b", "", "b")
	require.NoError(t, err)

	_, ok := s.ConsumerNode()
	require.False(t, ok)
	next, ok := s.NextConsumerNode()
	require.True(t, ok)
	require.Equal(t, schema.ServerID("b"), next)
	require.True(t, s.Migrating())
}

func TestNewShard_Violations(t *testing.T) {
	tests := []struct {
		name                     string
		producer, consumer, next schema.ServerID
	}{
		{"both set", "a", "a", "a"},
		{"none set", "a", "", ""},
		{"consumer differs", "a", "b", ""},
		{"next differs", "a", "", "b"},
		{"empty producer", "", "", "b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewShard(1, tt.producer, tt.consumer, tt.next)
			require.ErrorIs(t, err, ErrSchemaViolation)
		})
	}
}

func TestNewShard_OutOfRange(t *testing.T) {
	_, err := NewShard(MinShard-1, "a", "a", "")
	require.ErrorIs(t, err, ErrShardOutOfRange)
	_, err = NewShard(MaxShard+1, "a", "a", "")
	require.ErrorIs(t, err, ErrShardOutOfRange)
}
