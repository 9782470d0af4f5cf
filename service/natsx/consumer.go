package natsx

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"PlatesRelay/service/backplane"
	"PlatesRelay/tools/errs"
	"PlatesRelay/tools/safe"
)

// Subscribe may be called once. The subjects are re-subscribed on every
// reconnect of the subscribe connection.
func (b *Backplane) Subscribe(ctx context.Context, channels ...string) (<-chan backplane.Message, error) {
	if len(channels) == 0 {
		return nil, errors.New("subscribe: no channels")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil, errors.New("subscribe: backplane not started")
	}
	if b.subOnce {
		return nil, errors.New("subscribe: already subscribed")
	}
	b.subOnce = true
	b.channels = append([]string(nil), channels...)

	subCtx, subCancel := context.WithCancel(b.runCtx)
	stop := context.AfterFunc(ctx, subCancel)

	b.wg.Add(1)
	safe.Go("nats-sub-supervisor", func() {
		defer b.wg.Done()
		defer close(b.out)
		defer stop()
		defer subCancel()
		b.subSup.Run(subCtx)
	})
	return b.out, nil
}

type subSession struct {
	b    *Backplane
	nc   *nats.Conn
	in   chan *nats.Msg
	lost chan struct{}
}

func (b *Backplane) dialSub(ctx context.Context) (backplane.Session, error) {
	lost := make(chan struct{})
	nc, err := b.connect("relay-sub", lost)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect", "conn", "subscribe")
	}
	in := make(chan *nats.Msg, 256)
	for _, ch := range b.channels {
		if _, err := nc.ChanSubscribe(ch, in); err != nil {
			nc.Close()
			return nil, errs.WrapMsg(err, "nats subscribe", "subject", ch)
		}
	}
	c, cancel := context.WithTimeout(ctx, b.conf.OpTimeout)
	defer cancel()
	// the server has registered the interest once the flush returns
	if err := nc.FlushWithContext(c); err != nil {
		nc.Close()
		return nil, errs.WrapMsg(err, "nats subscribe flush")
	}
	return &subSession{b: b, nc: nc, in: in, lost: lost}, nil
}

func (s *subSession) Hold(ctx context.Context) error {
	t := time.NewTicker(s.b.conf.HealthEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.lost:
			return errs.WrapMsg(nats.ErrConnectionClosed, "subscribe connection lost")
		case <-t.C:
			if err := s.nc.FlushTimeout(s.b.conf.OpTimeout); err != nil {
				return errs.WrapMsg(err, "subscribe flush")
			}
		case m := <-s.in:
			select {
			case s.b.out <- backplane.Message{Channel: m.Subject, Payload: m.Data}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *subSession) Close() error {
	s.nc.Close()
	return nil
}
