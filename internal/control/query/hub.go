package query

import (
	"context"
	"sync"

	"overseer/internal/core/bus"
)

// Client is a connected websocket subscriber.
type Client struct {
	ID      string
	Streams map[string]bool
	Send    chan ServerMessage
}

// NewClient creates a Client subscribed to streams (empty = none).
func NewClient(id string, bufferSize int, streams []string) *Client {
	c := &Client{ID: id, Streams: make(map[string]bool), Send: make(chan ServerMessage, bufferSize)}
	c.SetStreams(streams)

	return c
}

// SetStreams replaces the client's subscribed stream set.
func (c *Client) SetStreams(streams []string) {
	c.Streams = make(map[string]bool, len(streams))
	for _, s := range streams {
		c.Streams[s] = true
	}
}

func (c *Client) wantsStream(stream string) bool {
	return c.Streams[stream]
}

// Hub fans bus events out to every subscribed client, the same
// register/unregister/broadcast actor loop as a one-way log hub but keyed
// on stream name instead of service name.
type Hub interface {
	Register(c *Client)
	Unregister(c *Client)
	Run(ctx context.Context, b bus.Bus)
}

type hub struct {
	bufferSize int
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a Hub. bufferSize is stored but does not size anything:
// each client's buffer is the Send channel made by NewClient, and an event
// of any kind is dropped for a client whose Send channel is full.
func NewHub(bufferSize int) Hub {
	return &hub{
		bufferSize: bufferSize,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

func (h *hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *hub) Run(ctx context.Context, b bus.Bus) {
	defer close(h.done)

	events := b.Subscribe(ctx)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()

			for c := range h.clients {
				close(c.Send)
				delete(h.clients, c)
			}

			h.mu.Unlock()

			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()

			if _, ok := h.clients[c]; ok {
				close(c.Send)
				delete(h.clients, c)
			}

			h.mu.Unlock()
		case evt, ok := <-events:
			if !ok {
				continue
			}

			stream, ok := kindToStream(evt.Kind)
			if !ok {
				continue
			}

			msg := ServerMessage{Type: "event", Stream: stream, Event: eventPtr(eventToWire(evt))}

			h.mu.RLock()

			for c := range h.clients {
				if !c.wantsStream(stream) {
					continue
				}

				select {
				case c.Send <- msg:
				default:
				}
			}

			h.mu.RUnlock()
		}
	}
}

func eventPtr(e EventData) *EventData { return &e }
