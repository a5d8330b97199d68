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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mrpc/config"
	"mrpc/logger"
	"mrpc/metrics"
	"mrpc/middleware"
	"mrpc/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the Echo demo service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "address to expose prometheus metrics on, e.g. :9100")
	return cmd
}

func runServe(ctx context.Context, metricsAddr string) error {
	cfg, err := config.Load(rootArgs.configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	m := metrics.New("mrpc")
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("unable to register metrics: %w", err)
	}

	reg, release, err := openRegistry(cfg, log)
	if err != nil {
		return err
	}
	defer release()

	svr := server.NewServer(cfg.ServerOptions(log, m))
	svr.Use(middleware.RecoveryMiddleware(log))
	svr.Use(middleware.LoggingMiddleware(log))
	if cfg.Server.Timeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.Server.Timeout))
	}
	if cfg.Server.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if err := svr.Register(newEcho()); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	advertise, err := advertiseAddr(cfg.Server.Advertise, lis.Addr())
	if err != nil {
		_ = lis.Close()
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("serving", zap.String("listen", lis.Addr().String()), zap.String("advertise", advertise), zap.String("registry", cfg.Registry.Kind))
		return svr.ServeListener(lis, advertise, reg)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return svr.Shutdown(shutdownTimeout)
	})
	if metricsAddr != "" {
		hs := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return hs.Close()
		})
	}
	return g.Wait()
}

// advertiseAddr picks the address registered for this server. An explicit
// one wins; otherwise the listen address, with an unspecified host replaced
// by loopback.
func advertiseAddr(explicit string, listen net.Addr) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	host, port, err := net.SplitHostPort(listen.String())
	if err != nil {
		return "", err
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}
