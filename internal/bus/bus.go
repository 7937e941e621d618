// Package bus fans event envelopes out to subscribers (the client push
// channel's backing transport) with bounded per-subscriber send timeouts
// so one slow client can never stall broadcast to the rest.
package bus

import (
	"context"
	"log"
	"sync"
	"time"
)

// Event types, EventContacts
// and EventChannels are used only for the initial-state replay; live
// updates to a single contact or channel go out as EventContact.
const (
	EventHealth       = "health"
	EventContact      = "contact"
	EventContacts     = "contacts"
	EventChannels     = "channels"
	EventMessage      = "message"
	EventMessageAcked = "message_acked"
	EventRawPacket    = "raw_packet"
	EventError        = "error"
	EventSuccess      = "success"
)

// Envelope is the wire shape delivered to every subscriber.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SendTimeout bounds how long a single subscriber's send may take before
// it is marked for removal.
const SendTimeout = 5 * time.Second

// Subscriber receives envelopes. Deliver must not block past SendTimeout;
// implementations backed by a network connection should honor ctx.
type Subscriber interface {
	Deliver(ctx context.Context, env Envelope) error
}

// Bus is the process-wide event fan-out.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]Subscriber
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]Subscriber)}
}

// Subscribe registers a subscriber under id, replacing any prior
// subscriber with the same id.
func (b *Bus) Subscribe(id string, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = s
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Publish implements radiolink.EventPublisher and the packet processor's
// broadcast contract: snapshot the subscriber list, fan out concurrently
// with a bounded timeout per subscriber, then batch-remove anyone that
// timed out or errored.
func (b *Bus) Publish(eventType string, data interface{}) {
	b.mu.Lock()
	snapshot := make(map[string]Subscriber, len(b.subscribers))
	for id, s := range b.subscribers {
		snapshot[id] = s
	}
	b.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	env := Envelope{Type: eventType, Data: data}

	var wg sync.WaitGroup
	var deadMu sync.Mutex
	var dead []string

	for id, s := range snapshot {
		wg.Add(1)
		go func(id string, s Subscriber) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
			defer cancel()
			if err := s.Deliver(ctx, env); err != nil {
				log.Printf("bus: subscriber %s dropped: %v", id, err)
				deadMu.Lock()
				dead = append(dead, id)
				deadMu.Unlock()
			}
		}(id, s)
	}
	wg.Wait()

	if len(dead) == 0 {
		return
	}
	b.mu.Lock()
	for _, id := range dead {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// InitialStateProvider supplies the snapshot replayed to a subscriber
// immediately after it joins: health, then contacts, then channels.
type InitialStateProvider interface {
	HealthSnapshot() interface{}
	AllContacts() interface{}
	AllChannels() interface{}
}

// ReplayInitialState delivers the three-event initial-state sequence
// directly to one subscriber, bypassing the fan-out (only this
// subscriber should receive it).
func ReplayInitialState(ctx context.Context, s Subscriber, provider InitialStateProvider) error {
	if err := s.Deliver(ctx, Envelope{Type: EventHealth, Data: provider.HealthSnapshot()}); err != nil {
		return err
	}
	if err := s.Deliver(ctx, Envelope{Type: EventContacts, Data: provider.AllContacts()}); err != nil {
		return err
	}
	return s.Deliver(ctx, Envelope{Type: EventChannels, Data: provider.AllChannels()})
}
