package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/stellarlinkco/pvedge/internal/bus"
	"github.com/stellarlinkco/pvedge/internal/logging"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	log      *slog.Logger
}

// NewChannelManager registers channels and subscribes each to outbound
// notifications addressed to it.
func NewChannelManager(b *bus.MessageBus, logger *slog.Logger, channels ...Channel) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		log:      logging.Component(logger, "channel-mgr"),
	}
	for _, ch := range channels {
		ch := ch
		if _, dup := m.channels[ch.Name()]; dup {
			return nil, fmt.Errorf("register channel %s: already registered", ch.Name())
		}
		m.channels[ch.Name()] = ch
		b.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
			if err := ch.Send(msg); err != nil {
				m.log.Warn("send failed", "channel", ch.Name(), "error", err)
			}
		})
	}
	return m, nil
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		name, ch := name, ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.log.Info("starting channel", "channel", name)
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		m.log.Info("stopping channel", "channel", name)
		if err := ch.Stop(); err != nil {
			m.log.Warn("stop failed", "channel", name, "error", err)
		}
		m.bus.UnsubscribeOutbound(name)
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
