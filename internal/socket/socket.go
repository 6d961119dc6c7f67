// Package socket describes the protocol client the fleet drives. The client
// itself (handshake, encryption, framing) lives outside this module; adapters
// satisfy Factory and Socket and publish Events on a channel.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrClosed    = errors.New("socket closed")
	ErrNoAdapter = errors.New("no protocol adapter configured")
)

// Options configure a single connection attempt.
type Options struct {
	DeviceID string
	// Credentials are the opaque session keys persisted from a previous
	// CredentialsUpdated event. Nil starts a fresh pairing.
	Credentials []byte
	// DialTimeout bounds the handshake. Zero leaves it to the adapter.
	DialTimeout time.Duration
}

// Factory opens protocol connections. The ctx passed to Connect scopes the
// connection's lifetime: adapters close the socket once it is cancelled.
type Factory interface {
	Connect(ctx context.Context, opts Options) (Socket, error)
}

// NoAdapter is the Factory used when no protocol adapter is plugged in.
// Every Connect fails with ErrNoAdapter.
type NoAdapter struct{}

func (NoAdapter) Connect(ctx context.Context, opts Options) (Socket, error) {
	return nil, ErrNoAdapter
}

// Content is what gets handed to the protocol for one outbound message.
type Content struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type Socket interface {
	// Events is closed by the socket after it emits Closed.
	Events() <-chan Event
	Send(ctx context.Context, address string, content Content) (string, error)
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	Logout(ctx context.Context) error
	Close() error
}
