package storage

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"PlatesRelay/global"
	"PlatesRelay/service/backplane"
	"PlatesRelay/tools/safe"
)

// PresenceConfig controls the online marker lifetime.
type PresenceConfig struct {
	TTL       time.Duration    // marker expiry (60s)
	Interval  time.Duration    // refresh period; <=0 means TTL/2
	OpTimeout time.Duration    // per backplane call
	Clock     func() time.Time // injectable for tests; nil => time.Now
}

func (c *PresenceConfig) norm() {
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = c.TTL / 2
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 3 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// heartbeat is the per-user refresh loop shared by all local sessions of
// that user.
type heartbeat struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// Presence maintains online:{userId} markers. Marker lifetime follows the
// local sessions: set on the first MarkOnline, refreshed every Interval,
// deleted when the last session of the user calls Clear.
type Presence struct {
	kv   backplane.KV
	conf PresenceConfig
	log  *zap.Logger

	mu       sync.Mutex
	users    map[int64]*heartbeat
	clearing map[int64]chan struct{} // user -> closed when its DEL returned
	refresh  func(userID int64)      // test hook, called after every heartbeat refresh
}

func NewPresence(kv backplane.KV, conf PresenceConfig, log *zap.Logger) *Presence {
	safe.MustNotNil(kv, "presence kv")
	conf.norm()
	if log == nil {
		log = zap.NewNop()
	}
	return &Presence{
		kv:       kv,
		conf:     conf,
		log:      log,
		users:    make(map[int64]*heartbeat),
		clearing: make(map[int64]chan struct{}),
	}
}

func (p *Presence) value() string {
	return strconv.FormatInt(p.conf.Clock().UnixMilli(), 10)
}

func (p *Presence) set(ctx context.Context, userID int64) error {
	c, cancel := context.WithTimeout(ctx, p.conf.OpTimeout)
	defer cancel()
	return p.kv.SetEx(c, global.OnlineKey(userID), p.value(), p.conf.TTL)
}

// MarkOnline sets the marker and makes sure a heartbeat runs for userID.
// Every successful MarkOnline must be paired with one Clear. The heartbeat
// is started even when the initial write fails so the marker appears once
// the backplane recovers.
func (p *Presence) MarkOnline(ctx context.Context, userID int64) error {
	for {
		p.mu.Lock()
		ch, busy := p.clearing[userID]
		if !busy {
			break
		}
		p.mu.Unlock()
		// a previous Clear for this user is still deleting, let it land first
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if hb, ok := p.users[userID]; ok {
		hb.refs++
		p.mu.Unlock()
		return p.set(ctx, userID)
	}
	hbCtx, cancel := context.WithCancel(context.Background())
	hb := &heartbeat{refs: 1, cancel: cancel, done: make(chan struct{})}
	p.users[userID] = hb
	p.mu.Unlock()

	err := p.set(ctx, userID)
	safe.Go("presence-heartbeat", func() {
		defer close(hb.done)
		p.loop(hbCtx, userID)
	})
	return err
}

func (p *Presence) loop(ctx context.Context, userID int64) {
	ticker := time.NewTicker(p.conf.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// the write is not bound to ctx: Clear waits for it to be
			// acknowledged before issuing its DEL
			if err := p.Refresh(context.Background(), userID); err != nil {
				p.log.Warn("[Presence] refresh failed", zap.Int64("user", userID), zap.Error(err))
			}
			if p.refresh != nil {
				p.refresh(userID)
			}
		}
	}
}

// Refresh re-sets the marker with a fresh TTL.
func (p *Presence) Refresh(ctx context.Context, userID int64) error {
	return p.set(ctx, userID)
}

// Clear drops one local reference. The last reference stops the heartbeat,
// waits for an in-flight refresh to finish and deletes the marker, so no
// refresh from this process can recreate it afterwards.
func (p *Presence) Clear(ctx context.Context, userID int64) error {
	p.mu.Lock()
	hb, ok := p.users[userID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	hb.refs--
	if hb.refs > 0 {
		p.mu.Unlock()
		return nil
	}
	delete(p.users, userID)
	cleared := make(chan struct{})
	p.clearing[userID] = cleared
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.clearing, userID)
		p.mu.Unlock()
		close(cleared)
	}()

	hb.cancel()
	<-hb.done

	c, cancel := context.WithTimeout(ctx, p.conf.OpTimeout)
	defer cancel()
	return p.kv.Del(c, global.OnlineKey(userID))
}

// IsOnline reports whether any process currently holds a marker for userID.
func (p *Presence) IsOnline(ctx context.Context, userID int64) (bool, error) {
	c, cancel := context.WithTimeout(ctx, p.conf.OpTimeout)
	defer cancel()
	_, found, err := p.kv.Get(c, global.OnlineKey(userID))
	return found, err
}

// Tracked is the number of users with a running heartbeat.
func (p *Presence) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.users)
}
