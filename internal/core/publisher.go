package core

import "github.com/dkeye/Phone/internal/eventbus"

// Publisher is the only surface the core needs from the event bus.
type Publisher interface {
	Publish(topic eventbus.Topic, payload any)
}
