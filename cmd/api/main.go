package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"coupon-service/internal/config"
	"coupon-service/internal/handler"
	"coupon-service/internal/logging"
	"coupon-service/internal/middleware"
	"coupon-service/internal/tracing"
)

const version = "1.0.0"

var (
	rootCmd = &cobra.Command{
		Use:           "coupon-service",
		Short:         "Coupon distribution, redemption and settlement service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the reconciliation consumer and the template sweeper",
		RunE:  cmdServe,
	}
	consumeCmd = &cobra.Command{
		Use:   "consume",
		Short: "Run only the reconciliation consumer",
		RunE:  cmdConsume,
	}

	configFile string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a JSON config file")
	rootCmd.AddCommand(serveCmd, consumeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func cmdServe(cmd *cobra.Command, args []string) (err error) {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	_, shutdownTracing, err := tracing.InitTracing(cfg.Tracing, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		err = errs.Combine(err, shutdownTracing(sctx))
	}()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, a.Close()) }()

	r, stopLimiter := newRouter(cfg, log, a.handler)
	defer stopLimiter()

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("starting HTTP server",
			zap.String("addr", addr),
			zap.String("reconcile_backend", cfg.Reconcile.Backend),
			zap.Bool("rate_limit", cfg.RateLimit.Enabled))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		return server.Shutdown(sctx)
	})
	group.Go(func() error { return a.consumer.Run(gctx, a.channel) })
	group.Go(func() error { return a.sweeper.Run(gctx) })

	return group.Wait()
}

func cmdConsume(cmd *cobra.Command, args []string) (err error) {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.Reconcile.Backend == "memory" {
		return errors.New("the memory reconcile backend only works inside serve")
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	_, shutdownTracing, err := tracing.InitTracing(cfg.Tracing, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		err = errs.Combine(err, shutdownTracing(sctx))
	}()

	c, err := newConsumerApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, c.Close()) }()

	return c.consumer.Run(ctx, c.channel)
}

// newRouter builds the middleware chain and mounts the API. The returned
// func stops the rate limiter.
func newRouter(cfg *config.Config, log *zap.Logger, h *handler.Handler) (*chi.Mux, func()) {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AccessLog(log))
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware(cfg.Tracing.ServiceName))

	stop := func() {}
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
		r.Use(middleware.RateLimitMiddleware(limiter, log))
		stop = limiter.Stop
	}
	if cfg.Security.RequireToken {
		r.Use(middleware.RequireToken("/health"))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.Security.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h.Register(r)
	return r, stop
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
