// Package bus provides the durable, topic-routed event transport.
//
// Delivery is at-least-once: handlers must be idempotent. Ordering is not
// guaranteed; batch_id on the envelope is the grouping key consumers join on.
// Two implementations exist: a Postgres-backed bus for production and an
// in-memory bus with the same semantics for tests and single-process runs.
package bus

import (
	"context"

	"github.com/ashita-ai/kunren/internal/model"
)

// Consumer groups. Each group receives every message on the topics it is
// routed to, independently of the other groups.
const (
	GroupVerifiers  = "verifiers"
	GroupAggregator = "aggregator"
)

// topicGroups routes each topic to the consumer groups that receive it.
// The publisher fans a message out to every routed group at publish time.
var topicGroups = map[string][]string{
	model.TopicAnswerGenerated:       {GroupVerifiers, GroupAggregator},
	model.TopicVerificationCompleted: {GroupAggregator},
}

// GroupsFor returns the consumer groups routed to a topic.
func GroupsFor(topic string) []string {
	return topicGroups[topic]
}

// Handler processes one delivered envelope. A nil return acks the delivery;
// an error schedules a redelivery (until the delivery is parked).
type Handler func(ctx context.Context, env model.Envelope) error

// Bus is the transport contract.
//
// Subscribe blocks, delivering messages for (topic, group) to handler until
// ctx is cancelled. A handler that blocks pauses further consumption for its
// group, which is how downstream backpressure propagates into the bus.
type Bus interface {
	Publish(ctx context.Context, topic, key string, env model.Envelope) error
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
}
