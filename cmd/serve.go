package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/syatt-io/perfwatch/internal/api"
	"github.com/syatt-io/perfwatch/internal/monitoring"
	"github.com/syatt-io/perfwatch/internal/scheduler"
)

var (
	servePort   int
	serveNoCron bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator API and background collection loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if !serveNoCron {
			svc := scheduler.NewService(env.Scheduler, env.Detector, env.Store, cfg.Scheduler)
			if err := svc.Start(ctx); err != nil {
				return eris.Wrap(err, "start scheduler service")
			}
			defer svc.Stop()
		}

		status := monitoring.NewStatusCollector(env.Store, env.Scheduler)
		handler := api.New(env.Store, env.Scheduler, env.Detector, status).Router()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: handler,
		}

		go awaitShutdown(ctx, srv, 10*time.Second)

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// awaitShutdown drains the server once ctx is cancelled. ctx is already
// cancelled by the time the signal lands, so the drain gets a fresh
// context with its own deadline.
func awaitShutdown(ctx context.Context, srv *http.Server, timeout time.Duration) {
	<-ctx.Done()
	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("server shutdown", zap.Error(err))
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoCron, "no-cron", false, "serve the API without the background collection loops")
	rootCmd.AddCommand(serveCmd)
}
