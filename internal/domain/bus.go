package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Backed by Go channels (Community) or NATS (Pro). Every message is scoped
// to a tenant.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope carried by the bus.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `mapstructure:"type"`

	ChannelBufferSize int `mapstructure:"channelbuffersize"`

	NATSUrl           string `mapstructure:"natsurl"`
	NATSToken         string `mapstructure:"natstoken"`
	NATSMaxReconnects int    `mapstructure:"natsmaxreconnects"`
	NATSReconnectWait int    `mapstructure:"natsreconnectwait"` // seconds
}

// Topics used by the quoting pipeline. On NATS they are published under
// tariff.<tenant>.<topic>.
const (
	TopicQuoteRequested = "quote.requested"
	TopicQuoteComputed  = "quote.computed"
	TopicRuleChanged    = "rule.changed"
)

// QuoteRequest is the payload of TopicQuoteRequested.
// Exactly one of RuleID or AreaID is expected.
type QuoteRequest struct {
	RequestID string            `json:"requestId"`
	RuleID    string            `json:"ruleId,omitempty"`
	AreaID    string            `json:"areaId,omitempty"`
	Context   EvaluationContext `json:"context"`
}

// RuleChanged is the payload of TopicRuleChanged.
type RuleChanged struct {
	RuleID  string `json:"ruleId"`
	Deleted bool   `json:"deleted,omitempty"`
}
