package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/stellarlinkco/pvedge/internal/bus"
)

const (
	PageChannelName = "pages"

	defaultWriteTimeout    = 5 * time.Second
	defaultMaxMessageBytes = 64 << 10
)

// PageConfig configures the page websocket endpoint.
type PageConfig struct {
	// OriginPatterns lists page origins allowed to connect. Empty accepts
	// any origin.
	OriginPatterns  []string
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

type pageClient struct {
	conn *websocket.Conn
	id   string
}

// PageChannel is the websocket every controlled page keeps open. It pushes
// notifications to pages and feeds their control messages onto the bus.
type PageChannel struct {
	BaseChannel
	cfg     PageConfig
	clients sync.Map

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

func NewPageChannel(cfg PageConfig, b *bus.MessageBus, logger *slog.Logger) *PageChannel {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PageChannel{
		BaseChannel: NewBaseChannel(PageChannelName, b, logger),
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start ties the channel's lifetime to ctx. The endpoint itself is mounted
// on the gateway's server.
func (p *PageChannel) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Stop()
		case <-p.ctx.Done():
		}
	}()
	return nil
}

// ServeHTTP upgrades the request and serves one page until it disconnects.
func (p *PageChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: p.cfg.OriginPatterns}
	if len(p.cfg.OriginPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		p.log.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(p.cfg.MaxMessageBytes)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "agent stopping")
		return
	}
	client := &pageClient{conn: conn, id: uuid.NewString()}
	p.clients.Store(client.id, client)
	p.mu.Unlock()
	p.log.Debug("page connected", "page", client.id)

	defer func() {
		p.clients.Delete(client.id)
		conn.CloseNow()
		p.log.Debug("page disconnected", "page", client.id)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-p.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		msg := bus.InboundMessage{
			Channel:   PageChannelName,
			SenderID:  client.id,
			Payload:   data,
			Timestamp: time.Now(),
		}
		if wantsReply(data) {
			msg.Reply = p.replyTo(client)
		}
		if !p.publish(ctx, msg) {
			return
		}
	}
}

// wantsReply reports whether the page asked for an acknowledgement.
func wantsReply(data []byte) bool {
	var envelope struct {
		Reply bool `json:"reply"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return false
	}
	return envelope.Reply
}

func (p *PageChannel) replyTo(c *pageClient) bus.ReplyFunc {
	return func(ctx context.Context, payload []byte) error {
		return p.write(ctx, c, payload)
	}
}

func (p *PageChannel) write(ctx context.Context, c *pageClient, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

// Send delivers a notification to the addressed page, or to every page
// when the target is empty or gone.
func (p *PageChannel) Send(msg bus.OutboundMessage) error {
	data, err := json.Marshal(msg.Notification)
	if err != nil {
		return err
	}

	if msg.PageID != "" {
		if v, ok := p.clients.Load(msg.PageID); ok {
			return p.write(context.Background(), v.(*pageClient), data)
		}
	}

	var errs []error
	p.clients.Range(func(_, value any) bool {
		c := value.(*pageClient)
		if err := p.write(context.Background(), c, data); err != nil {
			errs = append(errs, err)
			p.log.Debug("notification not delivered", "page", c.id, "error", err)
		}
		return true
	})
	return errors.Join(errs...)
}

// Pages returns the number of connected pages.
func (p *PageChannel) Pages() int {
	n := 0
	p.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (p *PageChannel) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.clients.Range(func(_, value any) bool {
		value.(*pageClient).conn.CloseNow()
		return true
	})
	p.log.Info("stopped")
	return nil
}
