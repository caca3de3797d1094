package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rodrigopitanga/patchvec/internal/auth"
	"github.com/rodrigopitanga/patchvec/internal/httpapi"
	"github.com/rodrigopitanga/patchvec/internal/logging"
)

// shutdownDrain bounds the graceful shutdown window.
const shutdownDrain = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the patchvec HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, logger, cfg, err := opts.buildEngine()
			if err != nil {
				return err
			}
			defer logging.Sync(logger)
			defer eng.Close()

			resolver, err := auth.New(cfg.Auth)
			if err != nil {
				return err
			}
			srv, err := httpapi.New(eng, resolver, cfg, logger)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Info("shutting down", zap.String("signal", sig.String()))
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
}
