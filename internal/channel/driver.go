// Package channel owns the per-user sessions against the external messaging
// network. The low-level transport is an injected Driver; this package maps
// its events onto an explicit session state machine and keeps the one
// invariant that matters: one live client per user.
package channel

import (
	"context"
	"errors"
)

var (
	// ErrNoStoredSession is returned by RestoreSession when the user has no
	// durable session flag; the caller must pair from scratch.
	ErrNoStoredSession = errors.New("channel: no stored session")

	// ErrSessionUnavailable is a terminal send error: no session could be
	// produced or authenticated for the user.
	ErrSessionUnavailable = errors.New("channel: session unavailable")

	// ErrPairingExhausted marks a start request whose pairing attempts ran out.
	ErrPairingExhausted = errors.New("channel: max pairing attempts reached")
)

type EventKind int

const (
	// EventPairingCode carries a fresh QR-style pairing code.
	EventPairingCode EventKind = iota
	// EventReady means the client authenticated against the network.
	EventReady
	// EventDisconnected means the client lost its connection, whether we
	// asked for it or the network dropped us.
	EventDisconnected
	// EventAuthFailure is a fatal credential failure; the client is dead.
	EventAuthFailure
	// EventAck is a per-message delivery receipt.
	EventAck
)

type AckLevel int

const (
	AckServer AckLevel = iota
	AckDelivered
	AckRead
)

// DriverEvent is one lifecycle or receipt event from the transport.
type DriverEvent struct {
	Kind        EventKind
	PairingCode string
	MessageID   string
	Ack         AckLevel
	Err         error
}

// Client is one authenticated connection owned by a single user.
type Client interface {
	// Start begins connecting and pairing. Events flow to the handler the
	// client was constructed with until Close.
	Start(ctx context.Context) error

	// Send delivers one message and returns the external message id.
	Send(ctx context.Context, recipient, body string) (string, error)

	// Authenticated reports whether the client is ready to send.
	Authenticated() bool

	// Logout invalidates the persisted credentials on the network side.
	Logout(ctx context.Context) error

	// Close releases the connection without touching credentials.
	Close() error
}

// Driver constructs clients bound to a user's persisted credentials.
// Implementations deliver events to handle sequentially.
type Driver interface {
	NewClient(userID string, handle func(DriverEvent)) (Client, error)
}
