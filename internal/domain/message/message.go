// Package message defines the inter-agent message model and delivery records.
package message

import (
	"maps"
	"time"
)

// Type tags the variant of an agent message.
type Type string

const (
	TypeTaskAssignment Type = "task_assignment"
	TypeDataSharing    Type = "data_sharing"
	TypeStatusUpdate   Type = "status_update"
	TypeCoordination   Type = "coordination"
	TypeErrorReport    Type = "error_report"
	TypeHeartbeat      Type = "heartbeat"
)

// Priority ranks a message for consumers that order their inbox.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// AgentMessage is one immutable message between agents. Fan-out protocols
// clone per recipient and never mutate the original.
type AgentMessage struct {
	ID            string         `json:"message_id"`
	SenderID      string         `json:"sender_id"`
	RecipientID   string         `json:"recipient_id"`
	Type          Type           `json:"message_type"`
	Content       map[string]any `json:"content"`
	Priority      Priority       `json:"priority"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at,omitempty"`
}

// CloneFor returns a copy of the message addressed to a new recipient.
// Content is shallow-cloned so recipients cannot race on the same map.
func (m *AgentMessage) CloneFor(recipientID string) *AgentMessage {
	c := *m
	c.RecipientID = recipientID
	c.Content = maps.Clone(m.Content)
	return &c
}

// Expired reports whether the message carries an expiry that has passed.
func (m *AgentMessage) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Protocol selects the delivery semantics for a send.
type Protocol string

const (
	ProtocolDirect          Protocol = "direct"
	ProtocolBroadcast       Protocol = "broadcast"
	ProtocolMulticast       Protocol = "multicast"
	ProtocolRequestResponse Protocol = "request_response"
	ProtocolPubSub          Protocol = "publish_subscribe"
)

// DeliveryStatus is the lifecycle of a delivery receipt.
type DeliveryStatus string

const (
	StatusPending      DeliveryStatus = "pending"
	StatusDelivered    DeliveryStatus = "delivered"
	StatusAcknowledged DeliveryStatus = "acknowledged"
	StatusFailed       DeliveryStatus = "failed"
	StatusExpired      DeliveryStatus = "expired"
)

// Route is the routing record for one in-flight message.
type Route struct {
	MessageID   string    `json:"message_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Protocol    Protocol  `json:"protocol"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// DeliveryReceipt records the delivery outcome for one message.
// Receipts are retained for a bounded window, then purged.
type DeliveryReceipt struct {
	MessageID   string         `json:"message_id"`
	RecipientID string         `json:"recipient_id"`
	Status      DeliveryStatus `json:"status"`
	Detail      string         `json:"detail,omitempty"`
	DeliveredAt time.Time      `json:"delivered_at"`
}
