// Package channel connects pages to the message bus.
package channel

import (
	"context"
	"log/slog"

	"github.com/stellarlinkco/pvedge/internal/bus"
	"github.com/stellarlinkco/pvedge/internal/logging"
)

// Channel is one transport pages reach the agent through.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel holds what every channel shares.
type BaseChannel struct {
	name string
	bus  *bus.MessageBus
	log  *slog.Logger
}

func NewBaseChannel(name string, b *bus.MessageBus, logger *slog.Logger) BaseChannel {
	return BaseChannel{name: name, bus: b, log: logging.Component(logger, name)}
}

func (c BaseChannel) Name() string { return c.name }

// publish queues an inbound message, giving up when ctx ends.
func (c BaseChannel) publish(ctx context.Context, msg bus.InboundMessage) bool {
	select {
	case c.bus.Inbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
