package cluster

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/shardq/project/internal/platform/dbpool"
	"github.com/shardq/project/internal/queue"
	"github.com/shardq/project/internal/schema"
	"github.com/shardq/project/internal/sharding"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	dbpool.DB
	name string
}

type fakeProducer struct {
	serverID schema.ServerID

	mu   sync.Mutex
	sent [][]queue.SendMessage
	next int64
	err  error
}

func (p *fakeProducer) Send(_ context.Context, messages []queue.SendMessage) ([]queue.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.sent = append(p.sent, messages)
	ids := make([]queue.ID, len(messages))
	for i := range messages {
		p.next++
		ids[i] = queue.ID{Local: p.next, ServerID: p.serverID}
	}
	return ids, nil
}

type fakeConsumer struct {
	serverID schema.ServerID
	shards   sharding.Shards

	deleteResult int
	deleteErr    error
	swept        int

	receives int
	deletes  [][]queue.ID
}

func (c *fakeConsumer) Receive(context.Context, int, queue.ReceiveOptions) ([]queue.Message, error) {
	c.receives++
	return []queue.Message{{ID: queue.ID{Local: 1, ServerID: c.serverID}}}, nil
}

func (c *fakeConsumer) Delete(_ context.Context, ids []queue.ID) (int, error) {
	c.deletes = append(c.deletes, ids)
	return c.deleteResult, c.deleteErr
}

func (c *fakeConsumer) Sweep(context.Context) (int, error) {
	return c.swept, nil
}

type countingMetrics struct {
	nopMetrics
	fallbacks   map[string]int
	unavailable int
	rebuilt     []int
	skipped     int
	updated     int
	failed      int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{fallbacks: map[string]int{}}
}

func (m *countingMetrics) ProducerFallback(reason string) { m.fallbacks[reason]++ }
func (m *countingMetrics) ActiveConsumerUnavailable()     { m.unavailable++ }
func (m *countingMetrics) ConsumersRebuilt(nodes int)     { m.rebuilt = append(m.rebuilt, nodes) }
func (m *countingMetrics) DeleteSkipped(ids int)          { m.skipped += ids }
func (m *countingMetrics) StateUpdated(int, int)          { m.updated++ }
func (m *countingMetrics) StateUpdateFailed()             { m.failed++ }

func nodesOf(ids ...schema.ServerID) map[schema.ServerID]dbpool.DB {
	nodes := make(map[schema.ServerID]dbpool.DB, len(ids))
	for _, id := range ids {
		nodes[id] = &fakeDB{name: string(id)}
	}
	return nodes
}

func steady(number int, node schema.ServerID) sharding.Shard {
	return sharding.MustShard(number, node, node, schema.NoServerID)
}

func migrating(number int, node schema.ServerID) sharding.Shard {
	return sharding.MustShard(number, node, schema.NoServerID, node)
}

func shardsOf(list ...sharding.Shard) map[int]sharding.Shard {
	shards := make(map[int]sharding.Shard, len(list))
	for _, s := range list {
		shards[s.Number()] = s
	}
	return shards
}

func seeded() schema.Rand {
	return rand.New(rand.NewPCG(7, 11))
}

// recordingProducers returns a factory that remembers which node each producer was built for.
func recordingProducers(created *[]schema.ServerID) ProducerFactory {
	return func(_ dbpool.DB, serverID schema.ServerID) queue.Producer {
		*created = append(*created, serverID)
		return &fakeProducer{serverID: serverID}
	}
}

func TestProducer_RoutesToShardProducerNode(t *testing.T) {
	state := NewState(nodesOf("a", "b"), shardsOf(steady(0, "a"), steady(1, "b"), migrating(2, "b")))

	var created []schema.ServerID
	factory := recordingProducers(&created)

	for shard, want := range map[int]schema.ServerID{0: "a", 1: "b", 2: "b"} {
		p, err := state.Producer("orders", shard, factory)
		require.NoError(t, err)
		require.Equal(t, want, p.(*fakeProducer).serverID)

		again, err := state.Producer("orders", shard, factory)
		require.NoError(t, err)
		require.Same(t, p, again)
	}
	require.ElementsMatch(t, []schema.ServerID{"a", "b"}, created)
}

func TestProducer_CacheIsPerLogicalID(t *testing.T) {
	state := NewState(nodesOf("a"), shardsOf(steady(0, "a")))
	var created []schema.ServerID
	factory := recordingProducers(&created)

	first, err := state.Producer("orders", 0, factory)
	require.NoError(t, err)
	second, err := state.Producer("billing", 0, factory)
	require.NoError(t, err)

	require.NotSame(t, first, second)
	require.Len(t, created, 2)
}

func TestProducer_FallbackNeverUsesMissingNode(t *testing.T) {
	metrics := newCountingMetrics()
	// shard 5 belongs to "a", which is not registered.
	state := NewState(
		nodesOf("b", "c", "d"),
		shardsOf(steady(0, "b"), steady(1, "c"), steady(5, "a")),
		WithRand(seeded()),
		WithMetrics(metrics),
	)

	var created []schema.ServerID
	factory := recordingProducers(&created)
	for range 200 {
		p, err := state.Producer("orders", 5, factory)
		require.NoError(t, err)
		serverID := p.(*fakeProducer).serverID
		require.NotEqual(t, schema.ServerID("a"), serverID)
		// "d" is registered but produces for no shard.
		require.Contains(t, []schema.ServerID{"b", "c"}, serverID)
	}
	require.Equal(t, 200, metrics.fallbacks["node_missing"])
}

func TestProducer_UnknownShardFallsBack(t *testing.T) {
	metrics := newCountingMetrics()
	state := NewState(nodesOf("b"), shardsOf(steady(0, "b")), WithMetrics(metrics))

	var created []schema.ServerID
	p, err := state.Producer("orders", 900, recordingProducers(&created))
	require.NoError(t, err)
	require.Equal(t, schema.ServerID("b"), p.(*fakeProducer).serverID)
	require.Equal(t, 1, metrics.fallbacks["unknown_shard"])
}

func TestProducer_FallbackToAnyNodeWithoutActiveProducers(t *testing.T) {
	state := NewState(nodesOf("x", "y"), shardsOf(steady(0, "a")), WithRand(seeded()))

	var created []schema.ServerID
	factory := recordingProducers(&created)
	for range 50 {
		p, err := state.Producer("orders", 0, factory)
		require.NoError(t, err)
		require.Contains(t, []schema.ServerID{"x", "y"}, p.(*fakeProducer).serverID)
	}
}

func TestProducer_NoNodes(t *testing.T) {
	var created []schema.ServerID
	_, err := NotInitialized().Producer("orders", 0, recordingProducers(&created))
	require.ErrorIs(t, err, ErrNoNodes)
	require.Empty(t, created)
}

func TestProducer_ConcurrentFirstUseKeepsOneDelegate(t *testing.T) {
	state := NewState(nodesOf("a"), shardsOf(steady(0, "a")))
	factory := func(_ dbpool.DB, serverID schema.ServerID) queue.Producer {
		return &fakeProducer{serverID: serverID}
	}

	const workers = 32
	got := make([]queue.Producer, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := state.Producer("orders", 0, factory)
			if err == nil {
				got[i] = p
			}
		}()
	}
	wg.Wait()

	for _, p := range got {
		require.Same(t, got[0], p)
	}
}

func TestActiveConsumer_BoundToOwnedShards(t *testing.T) {
	state := NewState(
		nodesOf("a", "b"),
		shardsOf(steady(0, "a"), steady(3, "a"), migrating(1, "b"), steady(2, "b")),
		WithRand(seeded()),
	)
	factory := func(_ dbpool.DB, serverID schema.ServerID, shards sharding.Shards) queue.Consumer {
		return &fakeConsumer{serverID: serverID, shards: shards}
	}

	for range 20 {
		c, ok := state.ActiveConsumer("orders", factory)
		require.True(t, ok)
		fc := c.(*fakeConsumer)
		switch fc.serverID {
		case "a":
			require.Equal(t, sharding.Shards{0, 3}, fc.shards)
		case "b":
			require.Equal(t, sharding.Shards{2}, fc.shards)
		default:
			t.Fatalf("unexpected node %s", fc.serverID)
		}
	}
}

func TestActiveConsumer_AbsentWhenNoNodeServesShards(t *testing.T) {
	metrics := newCountingMetrics()
	state := NewState(nodesOf("a", "b"), shardsOf(migrating(0, "a"), migrating(1, "b")), WithMetrics(metrics))

	called := false
	c, ok := state.ActiveConsumer("orders", func(dbpool.DB, schema.ServerID, sharding.Shards) queue.Consumer {
		called = true
		return &fakeConsumer{}
	})
	require.False(t, ok)
	require.Nil(t, c)
	require.False(t, called)
	require.Equal(t, 1, metrics.unavailable)
	require.Empty(t, state.ActiveConsumerNodes())
}

func TestActiveConsumer_NilDelegateIsCached(t *testing.T) {
	state := NewState(nodesOf("a"), shardsOf(steady(0, "a")))
	calls := 0
	factory := func(dbpool.DB, schema.ServerID, sharding.Shards) queue.Consumer {
		calls++
		return nil
	}

	for range 3 {
		require.NotPanics(t, func() {
			c, ok := state.ActiveConsumer("orders", factory)
			require.True(t, ok)
			require.Nil(t, c)
		})
	}
	require.Equal(t, 1, calls)
}

func TestActiveConsumerNodes_IgnoresUnregisteredOwners(t *testing.T) {
	state := NewState(nodesOf("b"), shardsOf(steady(0, "a"), steady(1, "b")))

	require.Equal(t, []schema.ServerID{"b"}, state.ActiveConsumerNodes())
	require.Equal(t, []schema.ServerID{"b"}, state.ActiveProducerNodes())

	_, ok := state.OwnerOf(0)
	require.False(t, ok)
	owner, ok := state.OwnerOf(1)
	require.True(t, ok)
	require.Equal(t, schema.ServerID("b"), owner)
}

func TestConsumer_UnknownNode(t *testing.T) {
	state := NewState(nodesOf("a"), nil)
	factory := func(_ dbpool.DB, serverID schema.ServerID) queue.Consumer {
		return &fakeConsumer{serverID: serverID}
	}

	c, err := state.Consumer("orders", "a", factory)
	require.NoError(t, err)
	require.Equal(t, schema.ServerID("a"), c.(*fakeConsumer).serverID)

	_, err = state.Consumer("orders", "z", factory)
	require.ErrorIs(t, err, ErrUnknownNode)
}

func TestConsumers_OnePerNodeInOrder(t *testing.T) {
	state := NewState(nodesOf("c", "a", "b"), shardsOf(steady(0, "a")))
	built := 0
	factory := func(_ dbpool.DB, serverID schema.ServerID) queue.Consumer {
		built++
		return &fakeConsumer{serverID: serverID}
	}

	first := state.Consumers("orders", factory)
	require.Len(t, first, 3)
	for i, want := range []schema.ServerID{"a", "b", "c"} {
		require.Equal(t, want, first[i].(*fakeConsumer).serverID)
	}

	second := state.Consumers("orders", factory)
	for i := range first {
		require.Same(t, first[i], second[i])
	}
	require.Equal(t, 3, built)

	direct, err := state.Consumer("orders", "b", factory)
	require.NoError(t, err)
	require.Same(t, first[1], direct)
}

func TestMapShardsToNodes(t *testing.T) {
	state := NewState(nodesOf("a", "b"), shardsOf(steady(0, "a"), steady(1, "b"), migrating(2, "b")))

	type item struct {
		name  string
		shard int
	}
	items := []item{{"x", 0}, {"y", 1}, {"z", 0}, {"moving", 2}, {"unknown", 77}}

	got := MapShardsToNodes(state, items, func(i item) int { return i.shard })
	require.Equal(t, map[schema.ServerID][]item{
		"a":               {{"x", 0}, {"z", 0}},
		"b":               {{"y", 1}},
		schema.NoServerID: {{"moving", 2}, {"unknown", 77}},
	}, got)
}

func TestState_ViewsAreStable(t *testing.T) {
	nodes := nodesOf("a", "b")
	shards := shardsOf(steady(0, "a"), steady(1, "b"))
	state := NewState(nodes, shards)

	delete(nodes, "b")
	shards[2] = steady(2, "a")

	require.Equal(t, []schema.ServerID{"a", "b"}, state.Nodes())
	require.Equal(t, 2, state.ShardCount())
	require.True(t, state.Initialized())
	require.False(t, NotInitialized().Initialized())
}
