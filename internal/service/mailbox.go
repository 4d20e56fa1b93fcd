// Package service contains application services.
package service

import (
	"context"
	"time"

	"github.com/arbiterhq/arbiter/internal/domain"
	"github.com/arbiterhq/arbiter/internal/domain/message"
)

// mailbox is a bounded per-agent FIFO message queue. Enqueue never blocks:
// a full mailbox rejects the message so the sender can record a failed
// delivery instead of stalling.
type mailbox struct {
	ch chan *message.AgentMessage
}

func newMailbox(capacity int) *mailbox {
	return &mailbox{ch: make(chan *message.AgentMessage, capacity)}
}

// enqueue appends the message, or returns domain.ErrMailboxFull.
func (m *mailbox) enqueue(msg *message.AgentMessage) error {
	select {
	case m.ch <- msg:
		return nil
	default:
		return domain.ErrMailboxFull
	}
}

// drain returns every immediately-available message without blocking.
func (m *mailbox) drain() []*message.AgentMessage {
	var msgs []*message.AgentMessage
	for {
		select {
		case msg := <-m.ch:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

// waitOne blocks up to wait for a single message.
func (m *mailbox) waitOne(ctx context.Context, wait time.Duration) (*message.AgentMessage, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case msg := <-m.ch:
		return msg, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// pending returns the queued message count.
func (m *mailbox) pending() int {
	return len(m.ch)
}
