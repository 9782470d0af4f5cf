// Package backplane defines the pub/sub and key-value surface the relay needs
// from its shared broker, and the reconnecting connection supervisor both
// drivers are built on.
package backplane

import (
	"context"
	"time"
)

// Message is one payload received on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber delivers messages for channels in publish order per channel.
// The returned channel is closed when ctx ends or the backplane is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, error)
}

// KV is the ephemeral key-value capability used for presence markers.
type KV interface {
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (value string, found bool, err error)
}

// Status reports the state of both broker connections. The error fields
// carry the last connection error while that connection is down.
type Status struct {
	Publish        State  `json:"publish"`
	Subscribe      State  `json:"subscribe"`
	PublishError   string `json:"publish_error,omitempty"`
	SubscribeError string `json:"subscribe_error,omitempty"`
}

// Healthy is true only when both connections are up.
func (s Status) Healthy() bool {
	return s.Publish == Connected && s.Subscribe == Connected
}

// Backplane is what a driver provides. Publish and subscribe run on
// separate broker connections.
type Backplane interface {
	Publisher
	Subscriber
	KV
	Start(ctx context.Context)
	Status() Status
	Close() error
}
