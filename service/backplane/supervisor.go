package backplane

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Backoff
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Session is one established broker connection. Hold blocks while the
// connection is healthy and returns once it is lost or ctx ends.
type Session interface {
	Hold(ctx context.Context) error
	Close() error
}

// DialFunc makes one connection attempt.
type DialFunc func(ctx context.Context) (Session, error)

type SupervisorConf struct {
	Name           string
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	OnState        func(name string, s State)
}

// Supervisor drives one broker connection through
// Disconnected -> Connecting -> Connected, falling back to Backoff with
// bounded exponential delay whenever a dial or the held connection fails.
type Supervisor struct {
	conf SupervisorConf
	dial DialFunc
	log  *zap.Logger

	mu      sync.Mutex
	state   State
	changed chan struct{}
	lastErr error
}

func NewSupervisor(conf SupervisorConf, dial DialFunc, log *zap.Logger) *Supervisor {
	if conf.BackoffInitial <= 0 {
		conf.BackoffInitial = 200 * time.Millisecond
	}
	if conf.BackoffMax < conf.BackoffInitial {
		conf.BackoffMax = conf.BackoffInitial
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		conf:    conf,
		dial:    dial,
		log:     log.With(zap.String("conn", conf.Name)),
		state:   Disconnected,
		changed: make(chan struct{}),
	}
}

func (s *Supervisor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.conf.BackoffInitial
	b.MaxInterval = s.conf.BackoffMax
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // never give up
	b.Reset()
	return b
}

// Run blocks until ctx ends.
func (s *Supervisor) Run(ctx context.Context) {
	b := s.newBackOff()
	defer s.set(Disconnected, nil)

	for {
		if ctx.Err() != nil {
			return
		}
		s.set(Connecting, nil)
		sess, err := s.dial(ctx)
		if err == nil {
			s.set(Connected, nil)
			s.log.Info("[Backplane] connected")
			b.Reset()
			err = sess.Hold(ctx)
			_ = sess.Close()
		}
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		s.set(Backoff, err)
		s.log.Warn("[Backplane] connection failed, retrying", zap.Error(err), zap.Duration("backoff", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Supervisor) set(st State, err error) {
	s.mu.Lock()
	if err != nil {
		s.lastErr = err
	}
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	if s.conf.OnState != nil {
		s.conf.OnState(s.conf.Name, st)
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the most recent connection error.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// StatusOf snapshots a publish/subscribe supervisor pair.
func StatusOf(pub, sub *Supervisor) Status {
	st := Status{Publish: pub.State(), Subscribe: sub.State()}
	if st.Publish != Connected {
		st.PublishError = errString(pub.Err())
	}
	if st.Subscribe != Connected {
		st.SubscribeError = errString(sub.Err())
	}
	return st
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Wait blocks until the supervisor reaches want or ctx ends.
func (s *Supervisor) Wait(ctx context.Context, want State) error {
	for {
		s.mu.Lock()
		st, ch := s.state, s.changed
		s.mu.Unlock()
		if st == want {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
