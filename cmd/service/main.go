package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/astutetezi2/iffservices/internal/config"
	"github.com/astutetezi2/iffservices/internal/logging"
	"github.com/astutetezi2/iffservices/internal/membership"
	realtime "github.com/astutetezi2/iffservices/internal/realtime"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:          "realtime-service",
		Short:        "Realtime event fan-out over websockets",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the websocket and HTTP server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfgPath)
		},
	})
	root.AddCommand(migrateCmd(&cfgPath))
	return root
}

func migrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the community_members table if it is missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("database_url is required (set DATABASE_URL or config file)")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			pool, err := membership.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			return membership.NewStore(pool).Migrate(ctx)
		},
	}
}

func runServe(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return serve(ctx, cfg, log, ln)
}

// serve runs the service on ln until ctx is done, then drains HTTP requests
// and closes every websocket.
func serve(ctx context.Context, cfg *config.Config, log *zap.Logger, ln net.Listener) error {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis_url: %w", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	var members realtime.MembershipSource = membership.Static{}
	if cfg.DatabaseURL != "" {
		pool, err := membership.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		members = membership.NewStore(pool)
	} else {
		log.Warn("no database_url, connections start with global notifications only")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(reg)

	bridge := realtime.NewBridge(rdb, realtime.BridgeOptions{
		PublishBuffer:  cfg.PublishBuffer,
		ReconnectBase:  cfg.ReconnectBase,
		ReconnectMax:   cfg.ReconnectMax,
		HealthInterval: cfg.HealthInterval,
	}, log, metrics)
	hub := realtime.NewHub(bridge, realtime.HubOptions{
		MaxConnections: cfg.MaxConnections,
		SendBuffer:     cfg.SendBuffer,
		TypingTTL:      cfg.TypingTTL,
	}, log, metrics)
	srv := realtime.NewServer(hub, members, realtime.ServerOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Gatherer:       reg,
	}, log)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(hubCtx) }()

	httpSrv := &http.Server{
		Handler: srv.Router(
			middleware.RequestID,
			middleware.RealIP,
			logging.Middleware(log),
			middleware.Recoverer,
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("realtime-service listening", zap.String("addr", ln.Addr().String()))
		serveErr <- httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stopHub()
		<-hubDone
		return fmt.Errorf("serve: %w", err)
	}

	log.Info("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = httpSrv.Shutdown(shCtx)

	// Hijacked websockets are not tracked by http.Server; the hub closes them.
	stopHub()
	if hubErr := <-hubDone; err == nil {
		err = hubErr
	}
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
