// Package sockettest provides an in-memory socket.Factory for tests.
package sockettest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/socket"
)

// Sent records one call to Socket.Send.
type Sent struct {
	Address string
	Content socket.Content
}

type Factory struct {
	mu         sync.Mutex
	sockets    []*Socket
	connectErr error
	connected  chan *Socket
}

func NewFactory() *Factory {
	return &Factory{connected: make(chan *Socket, 64)}
}

// FailConnect makes subsequent Connect calls return err. Pass nil to clear.
func (f *Factory) FailConnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *Factory) Connect(ctx context.Context, opts socket.Options) (socket.Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connectErr != nil {
		return nil, f.connectErr
	}

	s := &Socket{
		Opts:   opts,
		Ctx:    ctx,
		events: make(chan socket.Event, 64),
		id:     len(f.sockets) + 1,
	}
	f.sockets = append(f.sockets, s)

	select {
	case f.connected <- s:
	default:
	}
	return s, nil
}

// Next waits for the next socket handed out by Connect.
func (f *Factory) Next(timeout time.Duration) (*Socket, bool) {
	select {
	case s := <-f.connected:
		return s, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Connects returns how many sockets were created.
func (f *Factory) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

// TotalSends counts Send calls across every socket the factory created.
func (f *Factory) TotalSends() int {
	f.mu.Lock()
	sockets := append([]*Socket(nil), f.sockets...)
	f.mu.Unlock()

	n := 0
	for _, s := range sockets {
		n += len(s.Sends())
	}
	return n
}

type Socket struct {
	Opts socket.Options
	// Ctx is the context Connect was called with.
	Ctx context.Context

	id     int
	events chan socket.Event

	mu          sync.Mutex
	closed      bool
	loggedOut   bool
	sends       []Sent
	sendErr     error
	pairingCode string
}

// Emit publishes ev to the consumer. Emitting Closed ends the stream.
func (s *Socket) Emit(ev socket.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
	if _, ok := ev.(socket.Closed); ok {
		s.closed = true
		close(s.events)
	}
}

// Drop simulates a connection loss with the given classification.
func (s *Socket) Drop(code socket.DisconnectCode, reason string) {
	s.Emit(socket.Closed{Code: code, Reason: reason})
}

func (s *Socket) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *Socket) SetPairingCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairingCode = code
}

func (s *Socket) Sends() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sends...)
}

func (s *Socket) LoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}

func (s *Socket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Socket) Events() <-chan socket.Event {
	return s.events
}

func (s *Socket) Send(ctx context.Context, address string, content socket.Content) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", socket.ErrClosed
	}
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sends = append(s.sends, Sent{Address: address, Content: content})
	return fmt.Sprintf("ext-%d-%d", s.id, len(s.sends)), nil
}

func (s *Socket) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	s.mu.Lock()
	code := s.pairingCode
	s.mu.Unlock()
	if code != "" {
		return code, nil
	}
	<-ctx.Done()
	return "", ctx.Err()
}

func (s *Socket) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedOut = true
	return nil
}

func (s *Socket) Close() error {
	s.Emit(socket.Closed{Code: socket.DisconnectTransient, Reason: "closed by client"})
	return nil
}
