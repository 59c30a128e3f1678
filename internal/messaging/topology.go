package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"

	"github.com/shardq/project/internal/contracts"
	"github.com/shardq/project/internal/platform/natsutil"
)

// TopologySubject carries contracts.TopologyChanged notifications. Core NATS is enough:
// a missed notification is repaired by the next periodic refresh.
const TopologySubject = "shardq.topology.changed"

// PublishTopologyChanged fills in EventID and OccurredAt when empty and publishes event.
func PublishTopologyChanged(pub natsutil.Publisher, event contracts.TopologyChanged) error {
	if event.EventID == "" {
		event.EventID = nuid.Next()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := pub.Publish(TopologySubject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", TopologySubject, err)
	}
	return nil
}

// DecodeTopologyChanged parses a notification payload.
func DecodeTopologyChanged(payload []byte) (contracts.TopologyChanged, error) {
	var event contracts.TopologyChanged
	if err := json.Unmarshal(payload, &event); err != nil {
		return contracts.TopologyChanged{}, fmt.Errorf("decode %s: %w", TopologySubject, err)
	}
	return event, nil
}

// SubscribeTopology calls handle for every well formed notification. Malformed payloads
// are logged and dropped.
func SubscribeTopology(conn *nats.Conn, log *slog.Logger, handle func(contracts.TopologyChanged)) (*nats.Subscription, error) {
	return conn.Subscribe(TopologySubject, func(msg *nats.Msg) {
		event, err := DecodeTopologyChanged(msg.Data)
		if err != nil {
			log.Warn("dropping topology notification", slog.Any("error", err))
			return
		}
		handle(event)
	})
}
