package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"PlatesRelay/global/config"
	"PlatesRelay/logger"
	"PlatesRelay/middleware"
	midsec "PlatesRelay/middleware/security"
	"PlatesRelay/service/backplane"
	"PlatesRelay/service/chat"
	"PlatesRelay/service/health"
	"PlatesRelay/service/metrics"
	"PlatesRelay/service/natsx"
	"PlatesRelay/service/storage"
	redisbp "PlatesRelay/service/storage/redis"
	"PlatesRelay/tools/errs"
	"PlatesRelay/tools/ids"
	"PlatesRelay/tools/safe"
	"PlatesRelay/tools/security"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(v)
		if err != nil {
			return err
		}
		if err := logger.Configure(c.Log.Level, c.Log.JSON); err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, c)
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	_ = v.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	RootCmd.AddCommand(serveCmd)
}

func newBackplane(c *config.AppConfig, onState func(string, backplane.State)) (backplane.Backplane, error) {
	switch c.Backplane.Driver {
	case config.DriverNats:
		return natsx.New(natsx.Config{
			URL:            c.Nats.URL,
			Bucket:         c.Nats.Bucket,
			TTL:            c.Presence.TTL,
			OpTimeout:      c.Backplane.OpTimeout,
			BackoffInitial: c.Backplane.BackoffInitial,
			BackoffMax:     c.Backplane.BackoffMax,
			HealthEvery:    c.Backplane.HealthEvery,
			OnState:        onState,
		}, logger.Named("nats"))
	default:
		return redisbp.New(redisbp.Config{
			URL:            c.Redis.URL,
			OpTimeout:      c.Backplane.OpTimeout,
			BackoffInitial: c.Backplane.BackoffInitial,
			BackoffMax:     c.Backplane.BackoffMax,
			HealthEvery:    c.Backplane.HealthEvery,
			OnState:        onState,
		}, logger.Named("redis"))
	}
}

func serve(ctx context.Context, c *config.AppConfig) error {
	log := logger.Log
	started := time.Now()

	if err := ids.SetNodeID(c.Server.NodeID); err != nil {
		return errs.ErrConfigInvalid.WrapMsg(err.Error())
	}
	node, err := ids.NewNode(c.Server.NodeID)
	if err != nil {
		return err
	}
	validator, err := security.NewValidator([]byte(c.Auth.Secret))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bp, err := newBackplane(c, m.BackplaneState)
	if err != nil {
		return err
	}
	bpCtx, bpCancel := context.WithCancel(context.Background())
	defer bpCancel()
	bp.Start(bpCtx)

	presence := storage.NewPresence(bp, storage.PresenceConfig{
		TTL:       c.Presence.TTL,
		Interval:  c.HeartbeatInterval(),
		OpTimeout: c.Backplane.OpTimeout,
	}, logger.Named("presence"))

	conns := chat.NewConnManager(strconv.FormatInt(c.Server.NodeID, 10))
	router := chat.NewRouter(bp, conns, m, logger.Named("router"))
	routerDone := make(chan struct{})
	safe.Go("router", func() {
		defer close(routerDone)
		if err := router.Run(bpCtx, bp); err != nil {
			log.Error("[Serve] router stopped", zap.Error(err))
		}
	})

	gw := chat.NewServer(chat.Options{
		SendQueue:    c.Server.SendQueue,
		WriteWait:    c.Server.WriteWait,
		PingInterval: c.Server.PingInterval,
	}, conns, presence, router, node, m, logger.Named("gateway"))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.AccessLog(log, c.Server.Path))

	auth := midsec.Middleware(midsec.Options{
		Cookie:     c.Auth.Cookie,
		Validator:  validator,
		OnDecision: m.Admission,
		Log:        logger.Named("auth"),
	})
	middleware.GET(r, c.Server.Path, gw.HandleWS, middleware.RouteOpt{IsAuth: true, Auth: auth})
	middleware.GET(r, "/healthz", health.Handler(health.Probe{
		Started:   started,
		Backplane: bp.Status,
		Sessions:  gw.Sessions,
	}), middleware.RouteOpt{})
	r.GET("/metrics", gin.WrapH(metrics.Handler(reg)))

	addr := net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
	hs := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	safe.Go("http", func() {
		log.Info("[Serve] listening", zap.String("addr", addr), zap.String("path", c.Server.Path), zap.String("backplane", c.Backplane.Driver))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	})

	select {
	case <-ctx.Done():
		log.Info("[Serve] shutting down")
	case err, ok := <-serveErr:
		if ok {
			log.Error("[Serve] http server failed", zap.Error(err))
		}
	}

	sctx, scancel := context.WithTimeout(context.Background(), c.Server.ShutdownWait)
	defer scancel()
	// hijacked connections are not tracked by http.Server, close sessions first
	if err := gw.Shutdown(sctx); err != nil {
		log.Warn("[Serve] sessions still open", zap.Int("sessions", gw.Sessions()), zap.Error(err))
	}
	if err := hs.Shutdown(sctx); err != nil {
		log.Warn("[Serve] http shutdown", zap.Error(err))
	}
	bpCancel()
	<-routerDone
	if err := bp.Close(); err != nil {
		log.Warn("[Serve] backplane close", zap.Error(err))
	}
	log.Info("[Serve] stopped")
	return nil
}
