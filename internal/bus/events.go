package bus

import (
	"context"
	"time"
)

// Notification types pushed to every connected page.
const (
	TypeUpdate          = "SW_UPDATE"
	TypePreloadComplete = "PRELOAD_COMPLETE"
)

// Notification is the JSON payload pages receive.
type Notification struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	GameID  string `json:"gameId,omitempty"`
}

// ReplyFunc answers the sender of one inbound message.
type ReplyFunc func(ctx context.Context, payload []byte) error

// InboundMessage is a raw control message received from a page.
type InboundMessage struct {
	Channel   string
	SenderID  string
	Payload   []byte
	Timestamp time.Time
	// Reply is nil when the sender did not ask for an answer.
	Reply ReplyFunc
}

// OutboundMessage targets a channel and page. Empty fields mean everyone.
type OutboundMessage struct {
	Channel      string
	PageID       string
	Notification Notification
}
