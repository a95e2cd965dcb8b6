// internal/transport/manager.go

// Package transport owns the single live websocket connection to the game
// server. Other packages never touch the connection object directly; they
// subscribe to re-emitted lifecycle and domain events and send frames through
// the Manager.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// ConnState tracks the transport lifecycle. Mutated only on lifecycle events.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config controls how the Manager connects.
type Config struct {
	URL          string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults. URL must still be set.
func DefaultConfig() Config {
	return Config{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces the production websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// Manager owns exactly one live connection at a time and fans events out to
// subscribers. All methods are safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *logrus.Logger
	dial   Dialer

	mu        sync.Mutex
	state     ConnState
	sock      Socket
	cancel    context.CancelFunc
	listeners map[string]map[int]func(Event)
	nextID    int
}

// NewManager builds a disconnected Manager.
func NewManager(cfg Config, logger *logrus.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		dial:      DialWebsocket,
		listeners: make(map[string]map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// On registers fn for an event and returns its unsubscribe func.
func (m *Manager) On(event string, fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners[event] == nil {
		m.listeners[event] = make(map[int]func(Event))
	}
	id := m.nextID
	m.nextID++
	m.listeners[event][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners[event], id)
	}
}

// emit fans ev out to every listener registered for its type. A panicking
// listener is logged and must not stop delivery to the others.
func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	fns := make([]func(Event), 0, len(m.listeners[ev.Type]))
	for _, fn := range m.listeners[ev.Type] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Errorf("listener for %q panicked: %v", ev.Type, r)
				}
			}()
			fn(ev)
		}()
	}
}

// ConnectAsGuest establishes a connection with an ephemeral guest identity.
// No-op returning nil if a connection is already connecting or connected.
func (m *Manager) ConnectAsGuest(ctx context.Context) error {
	return m.connect(ctx, "")
}

// ConnectWithToken establishes a credentialed connection. Same duplicate-call
// suppression as ConnectAsGuest.
func (m *Manager) ConnectWithToken(ctx context.Context, token string) error {
	return m.connect(ctx, token)
}

func (m *Manager) connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		m.logger.Debug("connect called while already connecting/connected, ignoring")
		return nil
	}
	// Tear down any failed remnant before dialing fresh.
	m.teardownLocked()
	m.state = StateConnecting
	m.mu.Unlock()

	dialCtx := ctx
	if m.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
	}

	sock, err := m.dial(dialCtx, m.cfg.URL)
	if err != nil {
		m.setState(StateFailed)
		m.emitError(EventConnectError, err)
		return fmt.Errorf("transport connect: %w", err)
	}

	hello := frame{Type: frameGuest}
	if token != "" {
		data, merr := json.Marshal(AuthRequest{Token: token})
		if merr != nil {
			_ = sock.Close(websocket.StatusInternalError, "handshake failed")
			m.setState(StateFailed)
			return fmt.Errorf("failed to marshal auth request: %w", merr)
		}
		hello = frame{Type: frameAuthenticate, Data: data}
	}
	helloBytes, err := json.Marshal(hello)
	if err != nil {
		_ = sock.Close(websocket.StatusInternalError, "handshake failed")
		m.setState(StateFailed)
		return fmt.Errorf("failed to marshal hello frame: %w", err)
	}
	if err := sock.Write(dialCtx, helloBytes); err != nil {
		_ = sock.Close(websocket.StatusInternalError, "handshake failed")
		m.setState(StateFailed)
		m.emitError(EventConnectError, err)
		return fmt.Errorf("transport handshake: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.sock = sock
	m.cancel = cancel
	m.state = StateConnected
	m.mu.Unlock()

	m.logger.Infof("transport connected to %s (guest=%t)", m.cfg.URL, token == "")
	m.emit(Event{Type: EventConnected})

	go m.readLoop(runCtx, sock)
	return nil
}

// Emit sends a frame to the server.
func (m *Manager) Emit(ctx context.Context, frameType string, payload interface{}) error {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()
	if sock == nil {
		return fmt.Errorf("transport emit %s: not connected", frameType)
	}

	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", frameType, err)
		}
	}
	out, err := json.Marshal(frame{Type: frameType, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", frameType, err)
	}

	writeCtx := ctx
	if m.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, m.cfg.WriteTimeout)
		defer cancel()
	}
	return sock.Write(writeCtx, out)
}

// Request emits a frame and waits for the first matching success or error
// event, bounded by timeout. Listeners are detached on every exit path so a
// late reply never reaches a dead waiter.
func (m *Manager) Request(ctx context.Context, frameType string, payload interface{}, okEvent, errEvent string, timeout time.Duration) (json.RawMessage, error) {
	replyCh := make(chan Event, 2)
	deliver := func(ev Event) {
		select {
		case replyCh <- ev:
		default:
		}
	}
	offOK := m.On(okEvent, deliver)
	defer offOK()
	offErr := m.On(errEvent, deliver)
	defer offErr()

	if err := m.Emit(ctx, frameType, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-replyCh:
		if ev.Type == errEvent {
			return nil, DecodeError(ev.Data)
		}
		return ev.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for %s after %s", okEvent, timeout)
	}
}

// readLoop reads frames until the connection dies or Disconnect cancels it,
// re-emitting every server frame as an event.
func (m *Manager) readLoop(ctx context.Context, sock Socket) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // deliberate disconnect, already handled
			}
			m.mu.Lock()
			if m.sock == sock {
				m.sock = nil
				m.state = StateDisconnected
			}
			m.mu.Unlock()

			reason, _ := json.Marshal(DisconnectReason{Reason: err.Error()})
			m.logger.Warnf("transport read loop exited: %v", err)
			m.emit(Event{Type: EventDisconnected, Data: reason})
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Warnf("ignoring malformed frame from server: %v", err)
			continue
		}
		m.emit(Event{Type: f.Type, Data: f.Data})
	}
}

// Disconnect tears down the connection. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked()
	m.state = StateDisconnected
	m.mu.Unlock()
}

// teardownLocked cancels the read loop and closes the socket. Caller holds mu.
func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.sock != nil {
		_ = m.sock.Close(websocket.StatusNormalClosure, "client disconnect")
		m.sock = nil
	}
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) emitError(event string, err error) {
	data, _ := json.Marshal(ErrorPayload{Message: err.Error()})
	m.emit(Event{Type: event, Data: data})
}
