package cluster

// Metrics records routing decisions. All methods must be safe for concurrent use.
type Metrics interface {
	// ProducerFallback counts writes routed away from the shard's producer node.
	// reason is "unknown_shard" or "node_missing".
	ProducerFallback(reason string)
	// ActiveConsumerUnavailable counts receives that found no active consumer node.
	ActiveConsumerUnavailable()
	// ConsumersRebuilt is called when the consumer facade sees a new topology.
	ConsumersRebuilt(nodes int)
	// DeleteSkipped counts ids dropped because their origin node is gone.
	DeleteSkipped(ids int)
	StateUpdated(nodes, shards int)
	StateUpdateFailed()
}

type nopMetrics struct{}

func (nopMetrics) ProducerFallback(string)   {}
func (nopMetrics) ActiveConsumerUnavailable() {}
func (nopMetrics) ConsumersRebuilt(int)       {}
func (nopMetrics) DeleteSkipped(int)          {}
func (nopMetrics) StateUpdated(int, int)      {}
func (nopMetrics) StateUpdateFailed()         {}

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
