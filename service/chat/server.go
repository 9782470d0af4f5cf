package chat

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"PlatesRelay/service/metrics"
	"PlatesRelay/tools/ids"
	"PlatesRelay/tools/safe"
)

// PresenceTracker is the part of the presence service the gateway drives.
type PresenceTracker interface {
	MarkOnline(ctx context.Context, userID int64) error
	Clear(ctx context.Context, userID int64) error
}

type Options struct {
	SendQueue    int           // per-session outbound buffer
	WriteWait    time.Duration // deadline for a single write
	PingInterval time.Duration // keepalive ping period; peers must answer within 2x
	MaxFrameSize int64         // read limit per frame
}

func (o *Options) norm() {
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 1 << 20
	}
}

func (o *Options) pongWait() time.Duration { return 2 * o.PingInterval }

// Server is the connection gateway: it upgrades admitted requests, keeps the
// session registry, and ties each session's lifetime to its presence marker.
type Server struct {
	opts     Options
	conns    *ConnManager
	presence PresenceTracker
	router   *Router
	node     *ids.Node
	metrics  *metrics.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex // orders admission against Shutdown
	wg      sync.WaitGroup
	closing atomic.Bool
}

func NewServer(opts Options, conns *ConnManager, presence PresenceTracker, router *Router, node *ids.Node, m *metrics.Metrics, log *zap.Logger) *Server {
	safe.MustNotNil(conns, "server conns")
	safe.MustNotNil(presence, "server presence")
	safe.MustNotNil(router, "server router")
	safe.MustNotNil(node, "server id node")
	opts.norm()
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		opts:     opts,
		conns:    conns,
		presence: presence,
		router:   router,
		node:     node,
		metrics:  m,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// admission is by cookie, browsers on any origin may connect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ConnMgr() *ConnManager { return s.conns }

func (s *Server) Router() *Router { return s.router }

// admit reserves a teardown slot unless shutdown began.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

// Sessions is the number of registered sessions.
func (s *Server) Sessions() int { return s.conns.Count() }

// Shutdown stops admitting, closes every session with a normal-closure frame
// and waits for their teardown, which clears presence.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	s.mu.Unlock()
	s.conns.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
