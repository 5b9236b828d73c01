// Package bus is the cross-process publish/subscribe boundary. Producers
// publish raw payloads to named channels; the bridge consumes them.
package bus

import (
	"context"
	"errors"
)

// Message is one payload received on Channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live stream of messages. Messages is closed when the
// subscription ends, either through Close or because the backend connection
// was lost; Err then reports the cause (nil after Close).
type Subscription interface {
	Messages() <-chan Message
	Err() error
	Close() error
}

type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

var (
	ErrClosed     = errors.New("bus: closed")
	ErrNoChannels = errors.New("bus: no channels to subscribe")
)
