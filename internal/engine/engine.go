package engine

import "context"

// EventKind identifies a lifecycle event emitted by an engine client.
type EventKind string

const (
	// EventQR carries a fresh handshake code payload. The engine may re-issue
	// a new code while authentication is pending; each reissue is a new event.
	EventQR EventKind = "qr"
	// EventAuthenticated means the handshake was accepted upstream.
	EventAuthenticated EventKind = "authenticated"
	// EventReady means the client can send messages.
	EventReady EventKind = "ready"
	// EventAuthFailure is terminal for the client.
	EventAuthFailure EventKind = "auth_failure"
	// EventDisconnected means the upstream link dropped.
	EventDisconnected EventKind = "disconnected"
)

// Event is one lifecycle signal from an engine client.
// Payload holds the QR data for EventQR and a human-readable reason otherwise.
type Event struct {
	Kind    EventKind
	Payload string
}

// Media is an attachment handed to the engine as already-read bytes.
// The core never touches a filesystem path.
type Media struct {
	MimeType string
	Data     []byte
	Filename string
}

// Client is one connection to the upstream messaging network.
//
// The actual protocol speaker is an external collaborator; implementations
// here only bridge to it. A Client is owned by exactly one session and must
// not be shared.
//
// Events flow on the channel passed to the Factory until Close returns.
// Implementations must never close that channel (the session owns it).
type Client interface {
	// Initialize starts the connection and the event stream.
	Initialize(ctx context.Context) error

	SendText(ctx context.Context, to Address, body string) error
	SendMedia(ctx context.Context, to Address, media Media, caption string) error

	// Close releases the client. Safe to call more than once.
	Close(ctx context.Context) error
}

// Factory constructs one Client per session. The factory must return an
// unstarted client; the session calls Initialize.
type Factory func(sessionID string, events chan<- Event) (Client, error)
