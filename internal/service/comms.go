package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/adapter/ristretto"
	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/domain"
	"github.com/arbiterhq/arbiter/internal/domain/message"
	"github.com/arbiterhq/arbiter/internal/port/coordination"
)

// MessageHandler processes one retrieved message for an agent. Handlers run
// asynchronously; failures are logged, never returned to the retriever.
type MessageHandler func(ctx context.Context, msg *message.AgentMessage)

// CommsService owns all agent mailboxes and implements the five delivery
// protocols, delivery receipts, topic subscriptions, and the route expiry
// sweep.
type CommsService struct {
	cfg         config.Comms
	coordinator *CoordinatorService
	receipts    *ristretto.ReceiptCache

	mu        sync.RWMutex
	mailboxes map[string]*mailbox
	handlers  map[string]MessageHandler
	routes    map[string]*message.Route
	topics    map[string]map[string]struct{}

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewCommsService creates a CommsService. coordinator notifications are
// best-effort; receipts must be non-nil.
func NewCommsService(cfg config.Comms, coordinator *CoordinatorService, receipts *ristretto.ReceiptCache) *CommsService {
	return &CommsService{
		cfg:         cfg,
		coordinator: coordinator,
		receipts:    receipts,
		mailboxes:   make(map[string]*mailbox),
		handlers:    make(map[string]MessageHandler),
		routes:      make(map[string]*message.Route),
		topics:      make(map[string]map[string]struct{}),
		stopSweep:   make(chan struct{}),
	}
}

// RegisterAgent creates a mailbox for the agent. A nil handler installs the
// default handler, which only logs. Registering an already-registered agent
// is an error: at most one mailbox exists per agent id.
func (s *CommsService) RegisterAgent(ctx context.Context, agentID string, handler MessageHandler) error {
	if agentID == "" {
		return fmt.Errorf("register agent: empty agent id")
	}

	s.mu.Lock()
	if _, exists := s.mailboxes[agentID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("register agent %s: already registered", agentID)
	}
	s.mailboxes[agentID] = newMailbox(s.cfg.MailboxSize)
	if handler == nil {
		handler = defaultHandler(agentID)
	}
	s.handlers[agentID] = handler
	s.mu.Unlock()

	s.notifyCoordination(ctx, agentID, "register")
	slog.Info("agent registered", "agent_id", agentID)
	return nil
}

// UnregisterAgent tears down the agent's mailbox and handler and removes it
// from every topic's subscriber set.
func (s *CommsService) UnregisterAgent(ctx context.Context, agentID string) {
	s.mu.Lock()
	delete(s.mailboxes, agentID)
	delete(s.handlers, agentID)
	for topic, subs := range s.topics {
		delete(subs, agentID)
		if len(subs) == 0 {
			delete(s.topics, topic)
		}
	}
	// Undrained messages die with the mailbox; so do their routes.
	for id, route := range s.routes {
		if route.RecipientID == agentID {
			delete(s.routes, id)
		}
	}
	s.mu.Unlock()

	s.notifyCoordination(ctx, agentID, "unregister")
	slog.Info("agent unregistered", "agent_id", agentID)
}

// IsRegistered reports whether the agent has a mailbox.
func (s *CommsService) IsRegistered(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.mailboxes[agentID]
	return ok
}

// SendMessage delivers the message under the given protocol and returns the
// delivery receipt for the original message id. Delivery failures (unknown
// recipient, full mailbox) produce a FAILED receipt, not an error.
func (s *CommsService) SendMessage(ctx context.Context, msg *message.AgentMessage, protocol message.Protocol) (*message.DeliveryReceipt, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	switch protocol {
	case message.ProtocolDirect:
		return s.sendDirect(ctx, msg, protocol), nil

	case message.ProtocolRequestResponse:
		if msg.CorrelationID == "" {
			msg.CorrelationID = uuid.New().String()
		}
		return s.sendDirect(ctx, msg, protocol), nil

	case message.ProtocolBroadcast:
		return s.sendFanOut(ctx, msg, protocol, s.broadcastRecipients(msg.SenderID)), nil

	case message.ProtocolMulticast:
		return s.sendFanOut(ctx, msg, protocol, stringSlice(msg.Content["recipients"])), nil

	case message.ProtocolPubSub:
		topic, _ := msg.Content["topic"].(string)
		return s.sendFanOut(ctx, msg, protocol, s.topicSubscribers(topic)), nil
	}

	return nil, fmt.Errorf("send message: unknown protocol %q", protocol)
}

// sendDirect enqueues onto the single recipient's mailbox.
func (s *CommsService) sendDirect(ctx context.Context, msg *message.AgentMessage, protocol message.Protocol) *message.DeliveryReceipt {
	receipt := s.deliver(msg, protocol)
	if receipt.Status == message.StatusDelivered {
		// Best-effort coordination notify; failure here is non-fatal.
		s.notifyRouting(ctx, msg)
	}
	return receipt
}

// sendFanOut clones the message per recipient. The aggregate receipt for the
// original id is DELIVERED when at least one delivery succeeded.
func (s *CommsService) sendFanOut(ctx context.Context, msg *message.AgentMessage, protocol message.Protocol, recipients []string) *message.DeliveryReceipt {
	delivered := 0
	for _, r := range recipients {
		clone := msg.CloneFor(r)
		clone.ID = uuid.New().String()
		if rec := s.deliver(clone, protocol); rec.Status == message.StatusDelivered {
			delivered++
		}
	}

	status := message.StatusDelivered
	detail := fmt.Sprintf("delivered to %d/%d recipients", delivered, len(recipients))
	if delivered == 0 {
		status = message.StatusFailed
	}

	receipt := &message.DeliveryReceipt{
		MessageID:   msg.ID,
		RecipientID: msg.RecipientID,
		Status:      status,
		Detail:      detail,
		DeliveredAt: time.Now().UTC(),
	}
	s.receipts.Put(receipt)

	if delivered > 0 {
		s.notifyRouting(ctx, msg)
	}
	return receipt
}

// deliver enqueues one message and records its route and receipt.
func (s *CommsService) deliver(msg *message.AgentMessage, protocol message.Protocol) *message.DeliveryReceipt {
	receipt := &message.DeliveryReceipt{
		MessageID:   msg.ID,
		RecipientID: msg.RecipientID,
		DeliveredAt: time.Now().UTC(),
	}

	s.mu.Lock()
	mb, ok := s.mailboxes[msg.RecipientID]
	if ok {
		s.routes[msg.ID] = &message.Route{
			MessageID:   msg.ID,
			SenderID:    msg.SenderID,
			RecipientID: msg.RecipientID,
			Protocol:    protocol,
			ExpiresAt:   msg.ExpiresAt,
		}
	}
	s.mu.Unlock()

	if !ok {
		receipt.Status = message.StatusFailed
		receipt.Detail = "recipient not registered"
		s.receipts.Put(receipt)
		slog.Warn("message delivery failed", "message_id", msg.ID, "recipient", msg.RecipientID, "reason", receipt.Detail)
		return receipt
	}

	if err := mb.enqueue(msg); err != nil {
		s.mu.Lock()
		delete(s.routes, msg.ID)
		s.mu.Unlock()

		receipt.Status = message.StatusFailed
		receipt.Detail = err.Error()
		s.receipts.Put(receipt)
		slog.Warn("message delivery failed", "message_id", msg.ID, "recipient", msg.RecipientID, "reason", receipt.Detail)
		return receipt
	}

	receipt.Status = message.StatusDelivered
	s.receipts.Put(receipt)
	return receipt
}

// GetMessages drains all immediately-available messages for the agent. When
// none are available and wait > 0, it blocks up to wait for exactly one more
// message. Retrieved messages trigger the agent's handler asynchronously.
func (s *CommsService) GetMessages(ctx context.Context, agentID string, wait time.Duration) ([]*message.AgentMessage, error) {
	s.mu.RLock()
	mb, ok := s.mailboxes[agentID]
	handler := s.handlers[agentID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("get messages for %s: %w", agentID, domain.ErrAgentNotRegistered)
	}

	msgs := mb.drain()
	if len(msgs) == 0 && wait > 0 {
		if msg, got := mb.waitOne(ctx, wait); got {
			msgs = append(msgs, msg)
		}
	}

	// A drained message has reached its recipient; its route is done.
	if len(msgs) > 0 {
		s.mu.Lock()
		for _, m := range msgs {
			delete(s.routes, m.ID)
		}
		s.mu.Unlock()
	}

	if handler != nil {
		for _, m := range msgs {
			go s.invokeHandler(ctx, handler, m)
		}
	}
	return msgs, nil
}

// invokeHandler runs one handler invocation, containing panics.
func (s *CommsService) invokeHandler(ctx context.Context, handler MessageHandler, msg *message.AgentMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("message handler panicked", "message_id", msg.ID, "panic", r)
		}
	}()
	handler(ctx, msg)
}

// AcknowledgeMessage transitions a receipt from DELIVERED to ACKNOWLEDGED.
// Unknown ids and repeated acknowledgements return false, never an error.
func (s *CommsService) AcknowledgeMessage(messageID string) bool {
	receipt, ok := s.receipts.Get(messageID)
	if !ok || receipt.Status != message.StatusDelivered {
		return false
	}
	receipt.Status = message.StatusAcknowledged
	s.receipts.Put(receipt)
	return true
}

// Receipt returns the delivery receipt for a message id, if still retained.
func (s *CommsService) Receipt(messageID string) (*message.DeliveryReceipt, bool) {
	return s.receipts.Get(messageID)
}

// Subscribe adds the agent to a topic's subscriber set.
func (s *CommsService) Subscribe(agentID, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mailboxes[agentID]; !ok {
		return fmt.Errorf("subscribe %s to %s: %w", agentID, topic, domain.ErrAgentNotRegistered)
	}
	if s.topics[topic] == nil {
		s.topics[topic] = make(map[string]struct{})
	}
	s.topics[topic][agentID] = struct{}{}
	return nil
}

// Unsubscribe removes the agent from a topic. The topic disappears when its
// subscriber set becomes empty.
func (s *CommsService) Unsubscribe(agentID, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if subs, ok := s.topics[topic]; ok {
		delete(subs, agentID)
		if len(subs) == 0 {
			delete(s.topics, topic)
		}
	}
}

// PendingCount returns the queued message count for an agent's mailbox.
func (s *CommsService) PendingCount(agentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if mb, ok := s.mailboxes[agentID]; ok {
		return mb.pending()
	}
	return 0
}

// ActiveRoutes returns the number of in-flight routes, i.e. messages
// delivered to a mailbox but not yet drained, swept, or discarded.
func (s *CommsService) ActiveRoutes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.routes)
}

// StartSweep launches the background route expiry sweep.
func (s *CommsService) StartSweep(ctx context.Context) {
	go func() {
		interval := s.cfg.SweepInterval
		if interval <= 0 {
			interval = 60 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweepRoutes()
			case <-s.stopSweep:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	slog.Info("comms sweep started", "interval", s.cfg.SweepInterval)
}

// StopSweep stops the background sweep.
func (s *CommsService) StopSweep() {
	s.sweepOnce.Do(func() {
		close(s.stopSweep)
	})
}

// sweepRoutes purges routes whose expiry has passed and marks their receipts
// EXPIRED. Receipt aging itself is handled by the cache TTL.
func (s *CommsService) sweepRoutes() {
	now := time.Now().UTC()

	s.mu.Lock()
	var expired []string
	for id, route := range s.routes {
		if !route.ExpiresAt.IsZero() && now.After(route.ExpiresAt) {
			expired = append(expired, id)
			delete(s.routes, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		if receipt, ok := s.receipts.Get(id); ok {
			receipt.Status = message.StatusExpired
			s.receipts.Put(receipt)
		}
	}

	if len(expired) > 0 {
		slog.Debug("expired routes swept", "count", len(expired))
	}
}

// broadcastRecipients returns every registered agent except the sender.
func (s *CommsService) broadcastRecipients(senderID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recipients := make([]string, 0, len(s.mailboxes))
	for id := range s.mailboxes {
		if id != senderID {
			recipients = append(recipients, id)
		}
	}
	return recipients
}

// topicSubscribers returns the current subscriber set of a topic.
func (s *CommsService) topicSubscribers(topic string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.topics[topic]
	recipients := make([]string, 0, len(subs))
	for id := range subs {
		recipients = append(recipients, id)
	}
	return recipients
}

// notifyRouting informs the coordination layer of a delivery, best-effort.
func (s *CommsService) notifyRouting(ctx context.Context, msg *message.AgentMessage) {
	if s.coordinator == nil {
		return
	}
	_, err := s.coordinator.Execute(ctx, &coordination.Request{
		Primitive: coordination.MessageRouting,
		Operation: "deliver",
		Parameters: map[string]any{
			"recipient_id": msg.RecipientID,
			"message_id":   msg.ID,
		},
		AgentID:       msg.SenderID,
		CorrelationID: msg.CorrelationID,
	})
	if err != nil {
		slog.Debug("coordination routing notify failed", "message_id", msg.ID, "error", err)
	}
}

// notifyCoordination announces registry changes, best-effort.
func (s *CommsService) notifyCoordination(ctx context.Context, agentID, op string) {
	if s.coordinator == nil {
		return
	}
	_, err := s.coordinator.Execute(ctx, &coordination.Request{
		Primitive:  coordination.MessageRouting,
		Operation:  op,
		Parameters: map[string]any{"recipient_id": agentID},
		AgentID:    agentID,
	})
	if err != nil {
		slog.Debug("coordination registry notify failed", "agent_id", agentID, "error", err)
	}
}

func defaultHandler(agentID string) MessageHandler {
	return func(_ context.Context, msg *message.AgentMessage) {
		slog.Debug("message received", "agent_id", agentID, "message_id", msg.ID, "type", msg.Type)
	}
}
