package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"polaris/internal/config"
	"polaris/internal/jobs"
	"polaris/internal/lock"
	"polaris/internal/log"
	"polaris/internal/metrics"
	"polaris/internal/server"
	"polaris/internal/store"
	"polaris/internal/workclaim"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "polaris",
		Short:         "Coordination and messaging on PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), migrateCmd(), workerCmd(), runJobCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "polaris:", err)
		os.Exit(1)
	}
}

// setup loads configuration and wires the application.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := log.NewLogger(cfg.LogLevel, cfg.Development())
	return newApp(ctx, cfg, logger)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, lock daemon, scheduler and metrics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
				if err := a.store.Migrate(); err != nil {
					return err
				}
			}
			if a.cfg.BootstrapFile != "" {
				if err := a.applyBootstrap(ctx, a.cfg.BootstrapFile); err != nil {
					return err
				}
			}
			return a.serve(ctx)
		},
	}
	cmd.Flags().Bool("migrate", true, "apply pending migrations before serving")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	var wg sync.WaitGroup
	background := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
	background(func(ctx context.Context) { a.store.MonitorHealth(ctx, 10*time.Second) })
	background(lock.NewDaemon(a.locks, cfg, logger.Named("lock")).Run)
	background(a.scheduler.Run)
	background(func(ctx context.Context) { a.claimer.RunReaper(ctx, cfg.LockSweepInterval, cfg.ClaimTimeout) })
	background(metrics.NewServer(a.metrics, a.monitor, a.store, cfg.MetricsAddr, cfg.TLSCertFile, cfg.TLSKeyFile, logger.Named("metrics")).Run)

	r := chi.NewRouter()
	jwtSecret := ""
	if cfg.AuthEnabled {
		jwtSecret = cfg.JWTSecret
	}
	server.SetupRouter(r, server.Deps{
		Admin:       a.store,
		Broker:      a.broker,
		Locks:       server.LockService(a.locks),
		Claimer:     a.claimer,
		Jobs:        a.scheduler,
		Monitor:     a.monitor,
		Logger:      logger,
		JWTSecret:   jwtSecret,
		RateLimit:   cfg.RateLimitPerMinute,
		LockWaitMax: time.Minute,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var tlsConfig *tls.Config
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS certificates: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Server starting with TLS", zap.String("addr", cfg.HTTPAddr), zap.String("holder", a.locks.Holder()))
			err = srv.ListenAndServeTLS("", "")
		} else {
			logger.Info("Server starting without TLS", zap.String("addr", cfg.HTTPAddr), zap.String("holder", a.locks.Holder()))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error("Server failed", zap.Error(serveErr))
	}
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	wg.Wait()
	return serveErr
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.store.Migrate(); err != nil {
				return err
			}
			a.logger.Info("Migrations applied")
			return nil
		},
	}
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim messages from a channel and run the operation named by each event type",
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			eventTypes, _ := cmd.Flags().GetStringSlice("event-type")
			if channel == "" {
				return errors.New("--channel is required")
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			go lock.NewDaemon(a.locks, a.cfg, a.logger.Named("lock")).Run(ctx)
			consumer := workclaim.NewConsumer(a.claimer, a.operationHandler(), workclaim.ConsumerOptions{
				Channel:      channel,
				EventTypes:   eventTypes,
				Worker:       a.locks.Holder(),
				BatchSize:    a.cfg.WorkerBatchSize,
				Concurrency:  a.cfg.WorkerConcurrency,
				PollInterval: a.cfg.WorkerPollInterval,
			}, a.logger.Named("worker"))
			consumer.Run(ctx)
			return nil
		},
	}
	cmd.Flags().String("channel", "", "channel to consume")
	cmd.Flags().StringSlice("event-type", nil, "event types to claim (default all)")
	return cmd
}

// operationHandler runs the registered operation named by the event type.
func (a *app) operationHandler() workclaim.Handler {
	return func(ctx context.Context, m store.Message) error {
		op, ok := a.registry.Lookup(m.EventType)
		if !ok {
			return fmt.Errorf("no operation registered for event type %q", m.EventType)
		}
		rows, err := op(ctx)
		if err != nil {
			return err
		}
		a.logger.Info("Operation finished", zap.String("operation", m.EventType), zap.Int64("message_id", m.ID),
			zap.Int64("rows_affected", rows))
		return nil
	}
}

func runJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-job <name>",
		Short: "Run a job once under its singleton lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
			go lock.NewDaemon(a.locks, a.cfg, a.logger.Named("lock")).RunHeartbeat(heartbeatCtx)
			res, err := a.scheduler.RunNow(ctx, args[0])
			stopHeartbeat()
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if res.Status == jobs.StatusFailed {
				return fmt.Errorf("job %s failed: %s", args[0], res.Message)
			}
			return nil
		},
	}
}
