//go:build integration

package integration_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shardq/project/internal/app/bootstrap"
	"github.com/shardq/project/internal/cluster"
	"github.com/shardq/project/internal/discovery"
	"github.com/shardq/project/internal/platform/config"
	"github.com/shardq/project/internal/queue"
	"github.com/shardq/project/internal/schema"
	"github.com/shardq/project/internal/sharding"
	"github.com/stretchr/testify/require"
)

// startCluster needs SHARDQ_TEST_DATABASE_URLS with at least two distinct databases.
// Cluster tables and the test queue are dropped first.
func startCluster(t *testing.T, q queue.Queue) (*discovery.Registry, *cluster.Cluster) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	raw := os.Getenv("SHARDQ_TEST_DATABASE_URLS")
	if raw == "" {
		t.Skip("SHARDQ_TEST_DATABASE_URLS is not set")
	}
	urls := strings.Split(raw, ",")
	if len(urls) < 2 {
		t.Skip("need at least two databases")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pools, err := bootstrap.Open(ctx, config.FromURLs(urls), 30*time.Second, log)
	require.NoError(t, err)
	t.Cleanup(pools.Close)

	for _, c := range pools.Candidates {
		for _, table := range []string{"q__node", "q__shard", q.TableName()} {
			_, err := c.DB.Exec(ctx, "DROP TABLE IF EXISTS "+table)
			require.NoError(t, err)
		}
	}
	infos := bootstrap.PrepareAll(ctx, pools.Candidates, []queue.Queue{q}, schema.DefaultRand(), log)
	require.Len(t, infos, len(urls))

	registry := discovery.NewRegistry(discovery.RegistryOptions{Candidates: pools.Candidates, Log: log})
	nodes, err := registry.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, len(urls), nodes.Len())

	_, err = bootstrap.FillShards(ctx, nodes, schema.NoServerID, schema.DefaultRand())
	require.NoError(t, err)

	c := cluster.New(cluster.Options{Provider: registry, State: []cluster.StateOption{cluster.WithLogger(log)}})
	state, err := c.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, sharding.ShardCount, state.ShardCount())
	return registry, c
}

func TestSendReceiveDeleteAcrossNodes(t *testing.T) {
	q, err := queue.New("itest")
	require.NoError(t, err)
	registry, c := startCluster(t, q)
	ctx := context.Background()

	messages := make([]queue.SendMessage, 200)
	for i := range messages {
		messages[i] = queue.SendMessage{Key: fmt.Sprintf("customer-%d", i), Data: []byte(`{}`)}
	}
	ids, err := cluster.NewProducer(c, q).Send(ctx, messages)
	require.NoError(t, err)
	require.Len(t, ids, len(messages))

	state := c.State()
	for i, id := range ids {
		info, ok := registry.NodeInfo(id.ServerID)
		require.True(t, ok)
		require.Equal(t, info.Bucket, schema.BucketOf(id.Local), "id %s", id)

		shard, ok := state.Shard(sharding.ForKey(messages[i].Key))
		require.True(t, ok)
		require.Equal(t, shard.ProducerNode(), id.ServerID)
	}

	consumer := cluster.NewShardConsumer(c, q)
	received := 0
	deadline := time.Now().Add(30 * time.Second)
	for received < len(messages) && time.Now().Before(deadline) {
		batch, err := consumer.Receive(ctx, 50, queue.ReceiveOptions{})
		require.NoError(t, err)
		n, err := consumer.DeleteMessages(ctx, batch)
		require.NoError(t, err)
		require.Equal(t, len(batch), n)
		received += len(batch)
	}
	require.Equal(t, len(messages), received)
}

func TestFacadeDeletesByOrigin(t *testing.T) {
	q, err := queue.New("itest")
	require.NoError(t, err)
	registry, c := startCluster(t, q)
	ctx := context.Background()

	ids, err := cluster.NewProducer(c, q).Send(ctx, []queue.SendMessage{
		{Data: []byte("a")}, {Data: []byte("b")}, {Data: []byte("c")},
	})
	require.NoError(t, err)

	facade := cluster.NewConsumer(registry, cluster.NodeConsumers(q))
	n, err := facade.Delete(ctx, append(ids, queue.ID{Local: 1, ServerID: "gone"}))
	require.NoError(t, err)
	require.Equal(t, len(ids), n)

	swept, err := facade.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, swept)
}
