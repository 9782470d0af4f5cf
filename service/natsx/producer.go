package natsx

import (
	"context"

	"PlatesRelay/tools/errs"
)

// Publish sends payload on the subject named channel. Core NATS publish is
// fire and forget; the write is flushed so loss of the connection surfaces
// as an error while ctx allows.
func (b *Backplane) Publish(ctx context.Context, channel string, payload []byte) error {
	nc, _, err := b.current()
	if err != nil {
		return err
	}
	if err := nc.Publish(channel, payload); err != nil {
		return errs.WrapMsg(err, "nats publish", "subject", channel)
	}
	c, cancel := context.WithTimeout(ctx, b.conf.OpTimeout)
	defer cancel()
	return errs.WrapMsg(nc.FlushWithContext(c), "nats flush", "subject", channel)
}
