package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/leca/schemhost/internal/router"
)

const readHeaderTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background pruner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			srv := router.New(a.db, a.store, a.cfg,
				router.WithLogger(a.logger),
				router.WithRegistry(reg),
			)

			if err := runServer(ctx, srv, a.logger, shutdownTimeout); err != nil {
				return WrapExitError(ExitFailure, "serve", err)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "grace period for in-flight requests")
	return cmd
}

// runServer serves srv and runs its pruner until ctx is cancelled, then
// shuts the HTTP server down gracefully.
func runServer(ctx context.Context, srv *router.Server, logger *slog.Logger, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:              srv.Config.ListenAddr(),
		Handler:           srv.Router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	pruneCtx, stopPruner := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if srv.Pruner != nil {
		wg.Go(func() { srv.Pruner.Run(pruneCtx) })
	}
	defer func() {
		stopPruner()
		wg.Wait()
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", slog.String("addr", httpServer.Addr))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}
