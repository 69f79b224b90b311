// Package eventbus is the publish/subscribe surface between the signaling core and its UI.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Phone/internal/domain"
)

type Topic string

const (
	TopicTransportStatus    Topic = "transport.status"
	TopicRegistrationStatus Topic = "registration.status"
	TopicCallState          Topic = "call.state"
)

// TransportStatus is published on every Transport Channel status transition.
type TransportStatus struct {
	Channel   string                 `json:"channel"`
	Identity  domain.Identity        `json:"identity"`
	Status    domain.TransportStatus `json:"status"`
	Connected bool                   `json:"connected"`
	Attempt   int                    `json:"attempt,omitempty"`
	Cause     domain.Cause           `json:"cause,omitempty"`
}

// RegistrationStatus is published on every registration state change.
type RegistrationStatus struct {
	Identity   domain.Identity           `json:"identity"`
	Status     domain.RegistrationStatus `json:"status"`
	Registered bool                      `json:"registered"`
	Cause      domain.Cause              `json:"cause,omitempty"`
}

// CallState is published once per call session transition.
type CallState struct {
	SessionID domain.SessionID `json:"sessionId"`
	Direction domain.Direction `json:"direction"`
	Peer      domain.Identity  `json:"peer"`
	State     domain.CallState `json:"state"`
	Cause     domain.Cause     `json:"cause,omitempty"`
	Detail    string           `json:"detail,omitempty"`
}

type Handler func(payload any)

type subscription struct {
	id uint64
	fn Handler
}

// Bus holds no business state. Handlers of one topic run synchronously in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic][]subscription
}

func New() *Bus {
	return &Bus{subs: make(map[Topic][]subscription)}
}

// Subscribe registers h for topic and returns its unsubscribe handle.
func (b *Bus) Subscribe(topic Topic, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus) remove(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			// copy so that in-flight Publish snapshots stay valid
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.subs[topic] = next
			return
		}
	}
}

func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(topic, s, payload)
	}
}

func (b *Bus) deliver(topic Topic, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "eventbus").Str("topic", string(topic)).Interface("panic", r).Msg("handler panicked")
		}
	}()
	s.fn(payload)
}
