// Package bus moves control messages from pages to the agent and
// notifications from the agent to pages.
package bus

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/stellarlinkco/pvedge/internal/logging"
)

// MessageBus fans outbound notifications out to subscribed channels.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
	log         *slog.Logger
}

func NewMessageBus(bufSize int, logger *slog.Logger) *MessageBus {
	if bufSize < 0 {
		bufSize = 0
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]func(OutboundMessage)),
		log:         logging.Component(logger, "bus"),
	}
}

// SubscribeOutbound registers fn for messages addressed to name or to all
// channels. A second subscription under the same name replaces the first.
func (b *MessageBus) SubscribeOutbound(name string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[name] = fn
}

func (b *MessageBus) UnsubscribeOutbound(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, name)
}

// Subscribers lists subscribed channel names.
func (b *MessageBus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.subscribers))
	for name := range b.subscribers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Broadcast queues n for every page on every channel.
func (b *MessageBus) Broadcast(ctx context.Context, n Notification) error {
	select {
	case b.Outbound <- OutboundMessage{Notification: n}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchOutbound delivers queued messages until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.dispatch(msg)
		}
	}
}

func (b *MessageBus) dispatch(msg OutboundMessage) {
	b.mu.RLock()
	targets := make([]func(OutboundMessage), 0, len(b.subscribers))
	for name, fn := range b.subscribers {
		if msg.Channel == "" || msg.Channel == name {
			targets = append(targets, fn)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		b.log.Debug("no subscriber for notification", "type", msg.Notification.Type, "channel", msg.Channel)
	}
	for _, fn := range targets {
		fn(msg)
	}
}
