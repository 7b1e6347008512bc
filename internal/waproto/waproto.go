package waproto

import (
	"context"
	"strings"
)

// EventKind identifies a connection lifecycle event.
type EventKind string

const (
	EventQR           EventKind = "qr"
	EventReady        EventKind = "ready"
	EventAuthFailure  EventKind = "auth_failure"
	EventDisconnected EventKind = "disconnected"
)

// Event is emitted by a Connection while it authenticates and runs.
type Event struct {
	Kind EventKind
	// Payload carries the raw QR handshake string for EventQR.
	Payload string
	// Reason carries the provider's detail for auth_failure and disconnected.
	Reason string
}

// StateConnected is the transport state a fully authenticated connection reports.
const StateConnected = "CONNECTED"

// MediaAttachment is an image or document attached to an outbound message.
type MediaAttachment struct {
	Data     []byte
	MimeType string
	Caption  string
}

// Message is the outbound message content handed to a Connection.
type Message struct {
	Text  string
	Media *MediaAttachment
}

// Connection is one authenticated account session on the remote messaging
// network. Implementations live outside this module; the gateway only drives
// the lifecycle and sends through it.
type Connection interface {
	// State reports the transport state. StateConnected means ready to send.
	State(ctx context.Context) (string, error)
	// Send delivers a message to a chat address.
	Send(ctx context.Context, chatID string, msg Message) error
	// Destroy releases the underlying transport. Safe to call more than once.
	Destroy() error
}

// Provider constructs connections. The returned channel carries lifecycle
// events for the connection and is closed when the connection goes away.
type Provider interface {
	Open(ctx context.Context, accountKey, credentialDir string) (Connection, <-chan Event, error)
}

// ChatID derives the remote chat address for a phone number.
func ChatID(number string) string {
	return strings.TrimSpace(number) + "@c.us"
}
