// Package bus implements the supervisor's lifecycle event fan-out (C1): a
// single ordered stream of typed events, fanned out to any number of
// subscribers, with one documented overflow policy.
package bus

import (
	"context"
	"sync"
	"time"
)

// Kind identifies the variant carried by an Event.
type Kind string

const (
	ServiceStarting   Kind = "service.starting"
	ServiceRunning    Kind = "service.running"
	ServiceFailed     Kind = "service.failed"
	ServiceStopping   Kind = "service.stopping"
	ServiceStopped    Kind = "service.stopped"
	ServiceRestarting Kind = "service.restarting"
	ServiceRestarted  Kind = "service.restarted"

	AllStarted   Kind = "all.started"
	AllStopped   Kind = "all.stopped"
	AllRestarted Kind = "all.restarted"

	ConfigLoaded   Kind = "config.loaded"
	WatchTriggered Kind = "watch.triggered"
)

// criticalKinds must always be delivered, even to a slow subscriber: they
// are the events a client-facing stream (onStart/onStop/onRestart and the
// "all" variants) is built on, and dropping one would desync a client's view
// of process state.
var criticalKinds = map[Kind]bool{
	ServiceStarting:   true,
	ServiceRunning:    true,
	ServiceFailed:     true,
	ServiceStopping:   true,
	ServiceStopped:    true,
	ServiceRestarting: true,
	ServiceRestarted:  true,
	AllStarted:        true,
	AllStopped:        true,
	AllRestarted:      true,
}

// Event is one lifecycle notification. Name/Project/ServiceID are set for
// per-service events and left zero for bulk/config events; Services carries
// the affected names for bulk events.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Name      string
	Project   string
	ServiceID string
	Services  []string
	Err       error
	Data      any
}

// Bus is the event fan-out described by spec §4.1: Publish never blocks the
// caller for non-critical kinds, Subscribe returns an independent channel
// per subscriber, and Close shuts every subscriber channel down.
type Bus interface {
	Subscribe(ctx context.Context) <-chan Event
	Publish(evt Event)
	Close()
}

type subscriber struct {
	ch     chan Event
	cancel context.CancelFunc
}

type bus struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	bufSize     int
	closed      bool
}

// New creates a Bus whose per-subscriber channels are buffered to bufSize.
// A bufSize <= 0 falls back to a single-slot buffer.
func New(bufSize int) Bus {
	if bufSize <= 0 {
		bufSize = 1
	}

	return &bus{
		subscribers: make(map[int]*subscriber),
		bufSize:     bufSize,
	}
}

func (b *bus) Subscribe(ctx context.Context) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufSize)

	if b.closed {
		close(ch)
		return ch
	}

	subCtx, cancel := context.WithCancel(ctx)
	id := b.nextID
	b.nextID++
	b.subscribers[id] = &subscriber{ch: ch, cancel: cancel}

	go func() {
		<-subCtx.Done()
		b.remove(id)
	}()

	return ch
}

func (b *bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return
	}

	delete(b.subscribers, id)
	close(sub.ch)
}

// Publish fans evt out to every live subscriber. A subscriber that cannot
// keep up loses non-critical events silently; critical events are always
// delivered, forced through on a short-lived goroutine if the buffer is
// full, so a slow reader never blocks the publisher but never misses a
// state transition either.
func (b *bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	critical := criticalKinds[evt.Kind]

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- evt:
		default:
			if critical {
				go func(ch chan Event, e Event) {
					defer func() { _ = recover() }()
					ch <- e
				}(sub.ch, evt)
			}
		}
	}
}

func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for id, sub := range b.subscribers {
		sub.cancel()
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// NoOp returns a Bus that discards every publish and yields closed,
// already-drained subscriber channels. Useful for components under test
// that don't care about event fan-out.
func NoOp() Bus {
	return &noOpBus{}
}

type noOpBus struct{}

func (noOpBus) Subscribe(context.Context) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

func (noOpBus) Publish(Event) {}
func (noOpBus) Close()        {}
