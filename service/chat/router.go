package chat

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"PlatesRelay/global"
	"PlatesRelay/service/backplane"
	"PlatesRelay/service/metrics"
	"PlatesRelay/tools/errs"
	"PlatesRelay/tools/safe"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// publishRoutes maps the tag a client writes to the backplane channel it is
// published on. Tags not listed here are dropped.
var publishRoutes = map[string]string{
	"annotation": global.ChannelAnnotations,
	"bookmark":   global.ChannelBookmarks,
}

// PublishChannel resolves a client tag. ok is false for unknown tags.
func PublishChannel(tag string) (channel string, ok bool) {
	channel, ok = publishRoutes[tag]
	return
}

// inboundFrame holds the only field routing looks at. A repeated key keeps
// its last value.
type inboundFrame struct {
	Channel jsoniter.RawMessage `json:"channel"`
}

// channelTag extracts a string "channel" from a valid JSON frame.
func channelTag(frame []byte) (string, bool) {
	var f inboundFrame
	if err := json.Unmarshal(frame, &f); err != nil || len(f.Channel) == 0 || f.Channel[0] != '"' {
		return "", false
	}
	var tag string
	if err := json.Unmarshal(f.Channel, &tag); err != nil {
		return "", false
	}
	return tag, true
}

// envelope is what clients receive for every backplane message.
type envelope struct {
	Channel string `json:"channel"`
	Data    string `json:"data"`
}

// Router moves client frames onto the backplane and backplane messages onto
// every local session.
type Router struct {
	pub     backplane.Publisher
	conns   *ConnManager
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewRouter(pub backplane.Publisher, conns *ConnManager, m *metrics.Metrics, log *zap.Logger) *Router {
	safe.MustNotNil(pub, "router publisher")
	safe.MustNotNil(conns, "router conns")
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{pub: pub, conns: conns, metrics: m, log: log}
}

// Route handles one inbound text frame. The frame is published verbatim.
// A frame whose channel is not routable is dropped and nil is returned;
// malformed frames return ErrFrameInvalid or ErrChannelMissing.
func (r *Router) Route(ctx context.Context, connID string, frame []byte) error {
	if !json.Valid(frame) {
		return errs.ErrFrameInvalid.WrapMsg("route frame", "conn", connID, "len", len(frame))
	}
	tag, ok := channelTag(frame)
	if !ok {
		return errs.ErrChannelMissing.WrapMsg("route frame", "conn", connID)
	}
	target, ok := PublishChannel(tag)
	if !ok {
		return nil
	}
	err := r.pub.Publish(ctx, target, frame)
	r.metrics.Published(target, err)
	if err != nil {
		return errs.WrapMsg(err, "publish", "conn", connID, "channel", target)
	}
	return nil
}

// Broadcast wraps msg in the client envelope and offers it to every open
// session in registration order.
func (r *Router) Broadcast(msg backplane.Message) (delivered, dropped int) {
	b, err := json.Marshal(envelope{Channel: msg.Channel, Data: string(msg.Payload)})
	if err != nil {
		r.log.Warn("[Router] encode envelope", zap.String("channel", msg.Channel), zap.Error(err))
		return 0, 0
	}
	delivered, dropped = fanout(r.conns.Snapshot(), b)
	r.metrics.Delivered(delivered, dropped)
	if dropped > 0 {
		r.log.Debug("[Router] recipients skipped", zap.String("channel", msg.Channel), zap.Int("dropped", dropped))
	}
	return delivered, dropped
}

// Run subscribes once to the relay channel set and broadcasts until ctx
// ends or the subscription closes.
func (r *Router) Run(ctx context.Context, sub backplane.Subscriber) error {
	msgs, err := sub.Subscribe(ctx, global.SubscribedChannels()...)
	if err != nil {
		return errs.WrapMsg(err, "subscribe", "channels", global.SubscribedChannels())
	}
	r.log.Info("[Router] subscribed", zap.Strings("channels", global.SubscribedChannels()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			r.Broadcast(m)
		}
	}
}
