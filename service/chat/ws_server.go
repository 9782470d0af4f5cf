package chat

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	midsec "PlatesRelay/middleware/security"
	"PlatesRelay/tools/safe"
)

// HandleWS serves an upgrade request that already passed the auth
// middleware.
func (s *Server) HandleWS(c *gin.Context) {
	userID, ok := midsec.UserID(c)
	if !ok {
		midsec.Reject(c)
		return
	}
	if !s.admit() {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader already replied with an HTTP error
		s.log.Info("[HandleWS] upgrade failed", zap.Int64("user", userID), zap.Error(err))
		return
	}
	sess := NewSession(s.node.NextString(), userID, ws, s.opts.SendQueue, time.Now())
	s.serve(sess)
}

// serve runs one session to completion. The request context is not used:
// presence writes at teardown must go out even when the peer is gone.
func (s *Server) serve(sess *Session) {
	ctx := context.Background()
	log := s.log.With(zap.String("conn", sess.ConnID), zap.Int64("user", sess.UserID))

	if err := s.presence.MarkOnline(ctx, sess.UserID); err != nil {
		log.Warn("[HandleWS] mark online", zap.Error(err))
	}
	if err := s.conns.Add(sess); err != nil {
		log.Error("[HandleWS] register", zap.Error(err))
		_ = s.presence.Clear(ctx, sess.UserID)
		_ = sess.WS.Close()
		return
	}
	s.metrics.SessionOpened()
	log.Info("[HandleWS] session open", zap.String("gw", s.conns.GwId()), zap.Int("sessions", s.conns.Count()))

	safe.Go("ws-writer", func() { s.writePump(sess) })
	if s.closing.Load() {
		sess.Close()
	}

	s.readPump(ctx, sess, log)

	s.conns.Remove(sess.ConnID)
	if err := s.presence.Clear(ctx, sess.UserID); err != nil {
		log.Warn("[HandleWS] clear presence", zap.Error(err))
	}
	sess.Close()
	<-sess.Done()
	s.metrics.SessionClosed()
	log.Info("[HandleWS] session closed", zap.Duration("age", time.Since(sess.CreatedAt)))
}

// readPump owns all reads on the connection. It returns on the first read
// error, which includes the close triggered by the writer.
func (s *Server) readPump(ctx context.Context, sess *Session, log *zap.Logger) {
	ws := sess.WS
	ws.SetReadLimit(s.opts.MaxFrameSize)
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(s.opts.pongWait())) }
	extend()
	ws.SetPongHandler(func(string) error { extend(); return nil })

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				log.Debug("[WS] peer closed", zap.Error(err))
			case errors.As(err, &ne) && ne.Timeout():
				log.Info("[WS] read timeout", zap.Error(err))
			default:
				log.Debug("[WS] read error", zap.Error(err))
			}
			return
		}
		extend()
		if mt != websocket.TextMessage {
			continue
		}
		s.metrics.FrameReceived()
		if err := s.router.Route(ctx, sess.ConnID, data); err != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			log.Warn("[WS] frame dropped", zap.Error(err), zap.ByteString("sample", sample))
		}
	}
}

// writePump is the only writer of data frames on the connection. It exits
// when the session is closed or a write fails, and always releases the
// connection so the read loop ends too.
func (s *Server) writePump(sess *Session) {
	ws := sess.WS
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		sess.Close()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.opts.WriteWait))
		_ = ws.Close()
		close(sess.done)
	}()

	for {
		select {
		case <-sess.stop:
			return
		case payload := <-sess.send:
			_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Debug("[WS] write failed", zap.String("conn", sess.ConnID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
				s.log.Debug("[WS] ping failed", zap.String("conn", sess.ConnID), zap.Error(err))
				return
			}
		}
	}
}
