// Package chat defines the transport boundary between Stationmaster and a
// chat platform. The orchestrator only ever asks an Adapter to deliver a
// message to a conversation or hand over messages received from one.
package chat

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific implementations must
// satisfy. Each adapter owns connection management and message
// sending/receiving for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to a conversation.
	Send(ctx context.Context, msg OutboundMessage) error

	// SetTyping toggles the composing indicator for a conversation.
	// Best-effort: callers swallow errors.
	SetTyping(ctx context.Context, chatJID string, typing bool) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// ChatNamer is an optional Adapter capability: resolving a conversation's
// current display name. Used by the group-metadata refresh loop.
type ChatNamer interface {
	ChatName(ctx context.Context, chatJID string) (string, error)
}

// InboundMessage represents a message received from the chat platform.
type InboundMessage struct {
	Platform   string    // e.g. "discord", "slack"
	ChatJID    string    // platform-specific conversation identity
	ChatName   string    // conversation display name, if known
	SenderID   string    // platform-specific sender identifier
	SenderName string    // human-readable sender name
	Text       string    // raw message text
	Timestamp  time.Time // when the message was sent
}

// OutboundMessage represents a message to be delivered to a conversation.
type OutboundMessage struct {
	ChatJID string
	Text    string
}
