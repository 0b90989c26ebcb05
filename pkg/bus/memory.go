package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned when publishing on a detached or shut-down bus.
var ErrBusClosed = errors.New("bus is closed")

// Memory is an in-process hub connecting any number of endpoints. It stands
// in for the cross-process transport in tests and in embedders that run all
// contexts inside one process.
type Memory struct {
	mu        sync.RWMutex
	endpoints map[*MemoryEndpoint]struct{}
	closed    bool
}

// NewMemory creates an empty in-process hub.
func NewMemory() *Memory {
	return &Memory{endpoints: make(map[*MemoryEndpoint]struct{})}
}

// Endpoint attaches a new participant to the hub.
func (m *Memory) Endpoint() *MemoryEndpoint {
	ep := &MemoryEndpoint{hub: m, handlers: make(map[int]Handler)}
	m.mu.Lock()
	m.endpoints[ep] = struct{}{}
	m.mu.Unlock()
	return ep
}

// Close detaches every endpoint and rejects further publishes.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.endpoints = make(map[*MemoryEndpoint]struct{})
	m.mu.Unlock()
}

func (m *Memory) broadcast(from *MemoryEndpoint, msg Message) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrBusClosed
	}
	targets := make([]*MemoryEndpoint, 0, len(m.endpoints))
	for ep := range m.endpoints {
		if ep != from {
			targets = append(targets, ep)
		}
	}
	m.mu.RUnlock()

	// Deliveries run off the publisher's goroutine so a handler that
	// publishes in response cannot deadlock the hub.
	for _, ep := range targets {
		go ep.deliver(msg)
	}
	return nil
}

// MemoryEndpoint is one participant's handle on a Memory hub.
type MemoryEndpoint struct {
	hub      *Memory
	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
	closed   bool
}

var _ Bus = (*MemoryEndpoint)(nil)

// Publish broadcasts msg to every other endpoint on the hub.
func (e *MemoryEndpoint) Publish(ctx context.Context, msg Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.hub.broadcast(e, msg)
}

// Subscribe registers h and returns its cancel function.
func (e *MemoryEndpoint) Subscribe(h Handler) (cancel func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = h
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

// Close detaches the endpoint from the hub.
func (e *MemoryEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.handlers = make(map[int]Handler)
	e.mu.Unlock()
	e.hub.mu.Lock()
	delete(e.hub.endpoints, e)
	e.hub.mu.Unlock()
	return nil
}

func (e *MemoryEndpoint) deliver(msg Message) {
	e.mu.Lock()
	hs := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		hs = append(hs, h)
	}
	e.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}
