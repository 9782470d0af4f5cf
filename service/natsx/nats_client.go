package natsx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"PlatesRelay/service/backplane"
	"PlatesRelay/tools/errs"
	"PlatesRelay/tools/safe"
)

// Config for the NATS backplane.
type Config struct {
	URL            string
	Bucket         string        // JetStream KV bucket for presence markers
	TTL            time.Duration // bucket-wide marker expiry
	OpTimeout      time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	HealthEvery    time.Duration
	OnState        func(conn string, s backplane.State)
}

// Backplane runs core pub/sub on two NATS connections. The publish
// connection also carries the JetStream KV bucket. Client-side reconnect is
// disabled; the supervisors redial.
type Backplane struct {
	conf Config
	log  *zap.Logger

	pubSup *backplane.Supervisor
	subSup *backplane.Supervisor

	mu       sync.Mutex
	nc       *nats.Conn // current publish connection
	kv       jetstream.KeyValue
	started  bool
	subOnce  bool
	channels []string
	out      chan backplane.Message
	runCtx   context.Context
	cancel   context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ backplane.Backplane = (*Backplane)(nil)

func New(conf Config, log *zap.Logger) (*Backplane, error) {
	if conf.URL == "" {
		return nil, errs.ErrConfigInvalid.WrapMsg("nats url missing")
	}
	if conf.Bucket == "" {
		conf.Bucket = "presence"
	}
	if conf.TTL <= 0 {
		conf.TTL = 60 * time.Second
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
	b := &Backplane{
		conf: conf,
		log:  log,
		out:  make(chan backplane.Message, 256),
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

func (b *Backplane) connect(name string, lost chan<- struct{}) (*nats.Conn, error) {
	return nats.Connect(b.conf.URL,
		nats.Name(name),
		nats.NoReconnect(),
		nats.Timeout(b.conf.OpTimeout),
		nats.ClosedHandler(func(*nats.Conn) { close(lost) }),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subj := ""
			if sub != nil {
				subj = sub.Subject
			}
			b.log.Warn("[NATS] async error", zap.String("conn", name), zap.String("subject", subj), zap.Error(err))
		}),
	)
}

// Start launches the publish connection supervisor.
func (b *Backplane) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.runCtx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	safe.Go("nats-pub-supervisor", func() {
		defer b.wg.Done()
		b.pubSup.Run(b.runCtx)
	})
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

// current returns the live publish connection or ErrBackplaneUnavailable.
func (b *Backplane) current() (*nats.Conn, jetstream.KeyValue, error) {
	if b.pubSup.State() != backplane.Connected {
		return nil, nil, errs.ErrBackplaneUnavailable.WrapMsg("nats publish connection", "state", b.pubSup.State())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc == nil || !b.nc.IsConnected() {
		return nil, nil, errs.ErrBackplaneUnavailable.WrapMsg("nats publish connection lost")
	}
	return b.nc, b.kv, nil
}

// Close stops both supervisors; their sessions close the connections.
func (b *Backplane) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		cancel := b.cancel
		b.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		b.wg.Wait()
	})
	return nil
}

type pubSession struct {
	b    *Backplane
	nc   *nats.Conn
	lost chan struct{}
}

func (b *Backplane) dialPub(ctx context.Context) (backplane.Session, error) {
	lost := make(chan struct{})
	nc, err := b.connect("relay-pub", lost)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect", "conn", "publish")
	}
	kv, err := b.bucket(ctx, nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.mu.Lock()
	b.nc, b.kv = nc, kv
	b.mu.Unlock()
	return &pubSession{b: b, nc: nc, lost: lost}, nil
}

// bucket opens the presence bucket, creating it on first use.
func (b *Backplane) bucket(ctx context.Context, nc *nats.Conn) (jetstream.KeyValue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, errs.WrapMsg(err, "jetstream")
	}
	c, cancel := context.WithTimeout(ctx, b.conf.OpTimeout)
	defer cancel()
	kv, err := js.CreateKeyValue(c, jetstream.KeyValueConfig{
		Bucket:  b.conf.Bucket,
		TTL:     b.conf.TTL,
		History: 1,
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		kv, err = js.KeyValue(c, b.conf.Bucket)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "open kv bucket", "bucket", b.conf.Bucket)
	}
	return kv, nil
}

func (s *pubSession) Hold(ctx context.Context) error {
	t := time.NewTicker(s.b.conf.HealthEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.lost:
			return errs.WrapMsg(nats.ErrConnectionClosed, "publish connection lost")
		case <-t.C:
			if err := s.nc.FlushTimeout(s.b.conf.OpTimeout); err != nil {
				return errs.WrapMsg(err, "publish flush")
			}
		}
	}
}

func (s *pubSession) Close() error {
	s.b.mu.Lock()
	if s.b.nc == s.nc {
		s.b.nc, s.b.kv = nil, nil
	}
	s.b.mu.Unlock()
	s.nc.Close()
	return nil
}
