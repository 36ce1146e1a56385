// Package control handles the messages pages send to the agent outside of
// request interception.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stellarlinkco/pvedge/internal/bus"
	"github.com/stellarlinkco/pvedge/internal/logging"
	"github.com/stellarlinkco/pvedge/internal/manifest"
)

// Message types.
const (
	TypePreloadGame = "PRELOAD_GAME"
	TypeForceUpdate = "FORCE_UPDATE"
)

const refreshedMessage = "All partitions have been refreshed"

// ErrMalformed marks a message that cannot be acted on.
var ErrMalformed = errors.New("malformed control message")

// Message is the wire form of a control message.
type Message struct {
	Type   string `json:"type"`
	GameID string `json:"gameId,omitempty"`
	// ID correlates a reply with its request.
	ID string `json:"id,omitempty"`
	// Reply asks for an acknowledgement on the sender's channel.
	Reply bool `json:"reply,omitempty"`
}

// Reply acknowledges a control message.
type Reply struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	GameID  string `json:"gameId,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ReplyFunc delivers a reply to the sender. A nil ReplyFunc means the sender
// has no reply channel.
type ReplyFunc func(ctx context.Context, r Reply) error

// Agent is what the handler drives.
type Agent interface {
	PreloadGame(ctx context.Context, id manifest.GameID) error
	Populate(ctx context.Context) error
}

// Catalog tells known games apart from unknown ones.
type Catalog interface {
	Assets(id manifest.GameID) ([]string, bool)
}

// Broadcaster pushes a notification to every connected page.
type Broadcaster interface {
	Broadcast(ctx context.Context, n bus.Notification) error
}

// Handler executes control messages. It is safe for concurrent use.
type Handler struct {
	agent       Agent
	games       Catalog
	broadcaster Broadcaster
	log         *slog.Logger
}

func NewHandler(agent Agent, games Catalog, broadcaster Broadcaster, logger *slog.Logger) *Handler {
	return &Handler{
		agent:       agent,
		games:       games,
		broadcaster: broadcaster,
		log:         logging.Component(logger, "control"),
	}
}

// Decode parses a raw message.
func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg.Type = strings.TrimSpace(msg.Type)
	msg.GameID = strings.TrimSpace(msg.GameID)
	return msg, nil
}

// HandleRaw decodes payload and handles it. Undecodable payloads are
// answered with a failure only when reply is set.
func (h *Handler) HandleRaw(ctx context.Context, payload []byte, reply ReplyFunc) {
	msg, err := Decode(payload)
	if err != nil {
		h.log.Warn("ignoring control message", "error", err)
		h.ack(ctx, reply, Reply{Success: false, Error: err.Error()})
		return
	}
	h.Handle(ctx, msg, reply)
}

// Handle runs msg to completion and acknowledges through reply when present.
func (h *Handler) Handle(ctx context.Context, msg Message, reply ReplyFunc) {
	switch msg.Type {
	case TypePreloadGame:
		h.preload(ctx, msg, reply)
	case TypeForceUpdate:
		h.forceUpdate(ctx, msg, reply)
	default:
		err := fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
		h.log.Warn("ignoring control message", "error", err)
		h.ack(ctx, reply, Reply{ID: msg.ID, Success: false, Error: err.Error()})
	}
}

func (h *Handler) preload(ctx context.Context, msg Message, reply ReplyFunc) {
	if msg.GameID == "" {
		err := fmt.Errorf("%w: %s requires gameId", ErrMalformed, TypePreloadGame)
		h.log.Warn("ignoring control message", "error", err)
		h.ack(ctx, reply, Reply{ID: msg.ID, Success: false, Error: err.Error()})
		return
	}
	id := manifest.GameID(msg.GameID)
	if _, known := h.games.Assets(id); !known {
		h.log.Debug("preload requested for unknown game", "game", id)
		return
	}

	h.log.Info("preloading game", "game", id)
	if err := h.agent.PreloadGame(ctx, id); err != nil {
		h.log.Error("preload failed", "game", id, "error", err)
		h.ack(ctx, reply, Reply{ID: msg.ID, Success: false, GameID: msg.GameID, Error: err.Error()})
		return
	}

	if h.broadcaster != nil {
		if err := h.broadcaster.Broadcast(ctx, bus.Notification{Type: bus.TypePreloadComplete, GameID: msg.GameID}); err != nil {
			h.log.Warn("broadcast failed", "type", bus.TypePreloadComplete, "error", err)
		}
	}
	h.ack(ctx, reply, Reply{ID: msg.ID, Success: true, GameID: msg.GameID})
}

func (h *Handler) forceUpdate(ctx context.Context, msg Message, reply ReplyFunc) {
	h.log.Info("forcing partition refresh")
	if err := h.agent.Populate(ctx); err != nil {
		h.log.Error("refresh failed", "error", err)
		h.ack(ctx, reply, Reply{ID: msg.ID, Success: false, Error: err.Error()})
		return
	}
	h.ack(ctx, reply, Reply{ID: msg.ID, Success: true, Message: refreshedMessage})
}

func (h *Handler) ack(ctx context.Context, reply ReplyFunc, r Reply) {
	if reply == nil {
		return
	}
	if err := reply(ctx, r); err != nil {
		h.log.Warn("reply not delivered", "error", err)
	}
}

// BusReply adapts a raw bus reply to a ReplyFunc. A nil input yields nil.
func BusReply(reply bus.ReplyFunc) ReplyFunc {
	if reply == nil {
		return nil
	}
	return func(ctx context.Context, r Reply) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return reply(ctx, data)
	}
}

// HandleInbound handles a message taken from the bus.
func (h *Handler) HandleInbound(ctx context.Context, msg bus.InboundMessage) {
	h.HandleRaw(ctx, msg.Payload, BusReply(msg.Reply))
}

// Health is the body of the health endpoint.
type Health struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	ActiveVersion string         `json:"activeVersion,omitempty"`
	State         string         `json:"state"`
	Entries       map[string]int `json:"entries,omitempty"`
}
