package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/juris/internal/app"
	"github.com/ternarybob/juris/internal/common"
	"github.com/ternarybob/juris/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job API and the queue poller",
	Long:  `Starts the HTTP API, claims pending jobs from the shared store and runs them until interrupted.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	common.PrintBanner(common.GetVersion())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	application, err := app.New(ctx, config, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Error().Err(err).Msg("Application shutdown incomplete")
		}
	}()

	if err := application.Start(ctx); err != nil {
		return err
	}

	srv := server.New(application)
	serverErr := make(chan error, 1)

	common.SafeGo(logger, "http-server", func() {
		serverErr <- srv.Start()
	})

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Str("instance_id", application.QueueConfig.InstanceID).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		logger.Info().Msg("Interrupt signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	logger.Info().Msg("Server stopped")
	return nil
}
