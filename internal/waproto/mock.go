package waproto

import (
	"context"
	"errors"
	"sync"
)

// MockProvider is an in-process provider used by tests and by local runs
// without a real protocol backend. Each Open returns a MockConnection whose
// events are driven by the test through Emit*.
type MockProvider struct {
	mu    sync.Mutex
	conns map[string]*MockConnection
	opens int

	// OpenErr, when set, makes Open fail.
	OpenErr error
	// AutoQR, when non-empty, is emitted as a qr event right after Open.
	AutoQR string
}

func NewMockProvider() *MockProvider {
	return &MockProvider{conns: make(map[string]*MockConnection)}
}

func (p *MockProvider) Open(_ context.Context, accountKey, credentialDir string) (Connection, <-chan Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, nil, p.OpenErr
	}
	c := &MockConnection{
		AccountKey:    accountKey,
		CredentialDir: credentialDir,
		events:        make(chan Event, 16),
		state:         "OPENING",
	}
	p.conns[accountKey] = c
	p.opens++
	if p.AutoQR != "" {
		c.events <- Event{Kind: EventQR, Payload: p.AutoQR}
	}
	return c, c.events, nil
}

// Conn returns the most recent connection opened for a key, or nil.
func (p *MockProvider) Conn(accountKey string) *MockConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[accountKey]
}

// OpenCount reports how many times Open was called.
func (p *MockProvider) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

// SentMessage records one Send call on a MockConnection.
type SentMessage struct {
	ChatID  string
	Message Message
}

// MockConnection implements Connection with scripted behavior.
type MockConnection struct {
	AccountKey    string
	CredentialDir string

	mu        sync.Mutex
	events    chan Event
	state     string
	stateErr  error
	sendErr   error
	sent      []SentMessage
	destroyed bool

	// DestroyErr, when set, is returned by Destroy (once; mock stays destroyed).
	DestroyErr error
	// DestroyHook, when set, runs inside Destroy before it returns. Lets a
	// test hold a teardown open at a chosen point.
	DestroyHook func()
}

var errConnClosed = errors.New("mock connection destroyed")

func (c *MockConnection) State(_ context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stateErr != nil {
		return "", c.stateErr
	}
	return c.state, nil
}

func (c *MockConnection) Send(_ context.Context, chatID string, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return errConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, SentMessage{ChatID: chatID, Message: msg})
	return nil
}

func (c *MockConnection) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	close(c.events)
	hook := c.DestroyHook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return c.DestroyErr
}

// EmitQR scripts a qr event and marks the transport as pairing.
func (c *MockConnection) EmitQR(payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.state = "PAIRING"
	c.events <- Event{Kind: EventQR, Payload: payload}
}

// EmitReady scripts a ready event and marks the transport connected.
func (c *MockConnection) EmitReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.state = StateConnected
	c.events <- Event{Kind: EventReady}
}

// EmitAuthFailure scripts a fatal authentication failure.
func (c *MockConnection) EmitAuthFailure(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.events <- Event{Kind: EventAuthFailure, Reason: reason}
}

// EmitDisconnected scripts a transport drop.
func (c *MockConnection) EmitDisconnected(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.state = "DISCONNECTED"
	c.events <- Event{Kind: EventDisconnected, Reason: reason}
}

// SetState overrides the reported transport state.
func (c *MockConnection) SetState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// SetStateErr makes State fail.
func (c *MockConnection) SetStateErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateErr = err
}

// SetSendErr makes subsequent Sends fail.
func (c *MockConnection) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of everything sent through this connection.
func (c *MockConnection) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// Destroyed reports whether Destroy was called.
func (c *MockConnection) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}
