package matching

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// MatchFoundEvent is published whenever two users pair. The collaboration
// service consumes it to set up the shared room before the clients arrive.
type MatchFoundEvent struct {
	MatchID    string   `json:"matchID"`
	RoomID     string   `json:"roomID"`
	UserIDs    []string `json:"userIDs"`
	Complexity string   `json:"complexity"`
}

// EventSink publishes match events for downstream services. Publication is
// best-effort: a sink failure must never fail or delay the match itself.
type EventSink interface {
	PublishMatchFound(ctx context.Context, ev MatchFoundEvent)
}

// KafkaEvents publishes match events to a Kafka topic.
type KafkaEvents struct {
	writer *kafka.Writer
}

func NewKafkaEvents(writer *kafka.Writer) *KafkaEvents {
	return &KafkaEvents{writer: writer}
}

// PublishMatchFound implements EventSink. The writer is asynchronous, so a
// broker outage surfaces in its completion callback rather than here;
// either way the error is logged and swallowed.
func (k *KafkaEvents) PublishMatchFound(ctx context.Context, ev MatchFoundEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to marshal match event", "matchID", ev.MatchID, "error", err)
		return
	}
	msg := kafka.Message{Key: []byte(ev.MatchID), Value: payload}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		slog.Warn("Failed to publish match event", "matchID", ev.MatchID, "error", err)
		return
	}
	slog.Info("Published match_found event", "matchID", ev.MatchID, "roomID", ev.RoomID)
}
