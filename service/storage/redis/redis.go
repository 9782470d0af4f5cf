package redis

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"PlatesRelay/service/backplane"
	"PlatesRelay/tools/errs"
	"PlatesRelay/tools/safe"
)

// Config holds the Redis backplane connection settings.
type Config struct {
	URL            string
	OpTimeout      time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	HealthEvery    time.Duration
	OnState        func(conn string, s backplane.State)
}

// Backplane keeps two independent clients: pub only issues commands
// (PUBLISH, SET, DEL, GET), sub only holds the subscription. A connection in
// subscribe mode cannot issue regular commands.
type Backplane struct {
	conf Config
	log  *zap.Logger

	pub *redis.Client
	sub *redis.Client

	pubSup *backplane.Supervisor
	subSup *backplane.Supervisor

	mu        sync.Mutex
	started   bool
	subOnce   bool
	channels  []string
	out       chan backplane.Message
	cancel    context.CancelFunc
	runCtx    context.Context
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ backplane.Backplane = (*Backplane)(nil)

func New(conf Config, log *zap.Logger) (*Backplane, error) {
	opts, err := redis.ParseURL(conf.URL)
	if err != nil {
		return nil, errs.WrapMsg(err, "parse redis url")
	}
	if conf.OpTimeout <= 0 {
		conf.OpTimeout = 3 * time.Second
	}
	if conf.HealthEvery <= 0 {
		conf.HealthEvery = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	pubOpts := *opts
	pubOpts.ClientName = "relay-pub"
	subOpts := *opts
	subOpts.ClientName = "relay-sub"
	// reconnection is owned by the supervisors
	pubOpts.MaxRetries = -1
	subOpts.MaxRetries = -1

	b := &Backplane{
		conf:     conf,
		log:      log,
		pub:      redis.NewClient(&pubOpts),
		sub:      redis.NewClient(&subOpts),
		channels: nil,
		out:      make(chan backplane.Message, 256),
	}
	b.pubSup = backplane.NewSupervisor(backplane.SupervisorConf{
		Name:           "publish",
		BackoffInitial: conf.BackoffInitial,
		BackoffMax:     conf.BackoffMax,
		OnState:        conf.OnState,
	}, b.dialPub, log)
	b.subSup = backplane.NewSupervisor(backplane.SupervisorConf{
		Name:           "subscribe",
		BackoffInitial: conf.BackoffInitial,
		BackoffMax:     conf.BackoffMax,
		OnState:        conf.OnState,
	}, b.dialSub, log)
	return b, nil
}

// Start launches the publish connection supervisor. The subscribe side
// starts on the first Subscribe call.
func (b *Backplane) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.runCtx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	safe.Go("redis-pub-supervisor", func() {
		defer b.wg.Done()
		b.pubSup.Run(b.runCtx)
	})
}

// Subscribe may be called once; the channel set is fixed for the lifetime
// of the backplane and re-subscribed after every reconnect.
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
	safe.Go("redis-sub-supervisor", func() {
		defer b.wg.Done()
		defer close(b.out)
		defer stop()
		defer subCancel()
		b.subSup.Run(subCtx)
	})
	return b.out, nil
}

func (b *Backplane) Status() backplane.Status {
	return backplane.StatusOf(b.pubSup, b.subSup)
}

// WaitConnected blocks until both connections are up.
func (b *Backplane) WaitConnected(ctx context.Context) error {
	if err := b.pubSup.Wait(ctx, backplane.Connected); err != nil {
		return err
	}
	return b.subSup.Wait(ctx, backplane.Connected)
}

func (b *Backplane) opCtx(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if b.pubSup.State() != backplane.Connected {
		return nil, nil, errs.ErrBackplaneUnavailable.WrapMsg("publish connection", "state", b.pubSup.State())
	}
	c, cancel := context.WithTimeout(ctx, b.conf.OpTimeout)
	return c, cancel, nil
}

func (b *Backplane) Publish(ctx context.Context, channel string, payload []byte) error {
	c, cancel, err := b.opCtx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if err := b.pub.Publish(c, channel, payload).Err(); err != nil {
		return errs.WrapMsg(err, "redis publish", "channel", channel)
	}
	return nil
}

func (b *Backplane) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	c, cancel, err := b.opCtx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if err := b.pub.Set(c, key, value, ttl).Err(); err != nil {
		return errs.WrapMsg(err, "redis set", "key", key)
	}
	return nil
}

func (b *Backplane) Del(ctx context.Context, key string) error {
	c, cancel, err := b.opCtx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if err := b.pub.Del(c, key).Err(); err != nil {
		return errs.WrapMsg(err, "redis del", "key", key)
	}
	return nil
}

func (b *Backplane) Get(ctx context.Context, key string) (string, bool, error) {
	c, cancel, err := b.opCtx(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	val, err := b.pub.Get(c, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.WrapMsg(err, "redis get", "key", key)
	}
	return val, true, nil
}

// Close stops both supervisors and closes the clients.
func (b *Backplane) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		cancel := b.cancel
		subscribed := b.subOnce
		b.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		b.wg.Wait()
		if !subscribed {
			close(b.out)
		}
		err = errors.Join(b.pub.Close(), b.sub.Close())
	})
	return err
}

// ===== publish connection =====

type pubSession struct {
	b *Backplane
}

func (b *Backplane) dialPub(ctx context.Context) (backplane.Session, error) {
	c, cancel := context.WithTimeout(ctx, b.conf.OpTimeout)
	defer cancel()
	if err := b.pub.Ping(c).Err(); err != nil {
		return nil, errs.WrapMsg(err, "redis ping", "conn", "publish")
	}
	return &pubSession{b: b}, nil
}

// Hold pings on an interval; the first failed ping drops the connection.
func (s *pubSession) Hold(ctx context.Context) error {
	ticker := time.NewTicker(s.b.conf.HealthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c, cancel := context.WithTimeout(ctx, s.b.conf.OpTimeout)
			err := s.b.pub.Ping(c).Err()
			cancel()
			if err != nil {
				return errs.WrapMsg(err, "redis ping", "conn", "publish")
			}
		}
	}
}

func (s *pubSession) Close() error { return nil }

// ===== subscribe connection =====

type subSession struct {
	b  *Backplane
	ps *redis.PubSub
}

func (b *Backplane) dialSub(ctx context.Context) (backplane.Session, error) {
	b.mu.Lock()
	channels := b.channels
	b.mu.Unlock()

	ps := b.sub.Subscribe(ctx, channels...)
	c, cancel := context.WithTimeout(ctx, b.conf.OpTimeout)
	defer cancel()
	// wait for the subscription confirmations
	for range channels {
		if _, err := ps.Receive(c); err != nil {
			_ = ps.Close()
			return nil, errs.WrapMsg(err, "redis subscribe", "channels", channels)
		}
	}
	return &subSession{b: b, ps: ps}, nil
}

func (s *subSession) Hold(ctx context.Context) error {
	for {
		msg, err := s.ps.ReceiveTimeout(ctx, s.b.conf.HealthEvery)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c, cancel := context.WithTimeout(ctx, s.b.conf.OpTimeout)
				perr := s.ps.Ping(c)
				cancel()
				if perr != nil {
					return errs.WrapMsg(perr, "redis ping", "conn", "subscribe")
				}
				continue
			}
			return errs.WrapMsg(err, "redis receive")
		}
		m, ok := msg.(*redis.Message)
		if !ok {
			// *redis.Pong, *redis.Subscription
			continue
		}
		select {
		case s.b.out <- backplane.Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *subSession) Close() error { return s.ps.Close() }
